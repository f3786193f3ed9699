package datasets

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	blobcore "github.com/slaclab/licco-sub000/internal/blob/core"
	"github.com/slaclab/licco-sub000/internal/core"
)

// ExportFormat selects the artifact encoding.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// ExportArtifact captures one stored export artifact.
type ExportArtifact struct {
	ID          string       `json:"id"`
	Format      ExportFormat `json:"format"`
	ContentType string       `json:"content_type"`
	SizeBytes   int64        `json:"size_bytes"`
	URL         string       `json:"url,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ExportRecord tracks an export request and its resulting artifacts.
type ExportRecord struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	Formats     []ExportFormat   `json:"formats"`
	AsOf        *time.Time       `json:"as_of,omitempty"`
	Status      ExportStatus     `json:"status"`
	Error       string           `json:"error,omitempty"`
	Artifacts   []ExportArtifact `json:"artifacts,omitempty"`
	RequestedBy string           `json:"requested_by"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ExportInput is an enqueue request for the worker.
type ExportInput struct {
	ProjectID   string
	Formats     []ExportFormat
	AsOf        *time.Time
	RequestedBy string
	Reason      string
}

// AuditEntry captures audit trail metadata for exports.
type AuditEntry struct {
	ID         string       `json:"id"`
	Action     string       `json:"action"`
	Actor      string       `json:"actor"`
	ProjectID  string       `json:"project_id"`
	Status     ExportStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Note       string       `json:"note,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// AuditLogger records export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Worker renders project exports asynchronously and stores the artifacts in
// the configured blob store.
type Worker struct {
	svc   *core.Service
	store blobcore.Store
	audit AuditLogger

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*ExportRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker constructs an export worker.
func NewWorker(svc *core.Service, store blobcore.Store, audit AuditLogger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		svc:    svc,
		store:  store,
		audit:  audit,
		queue:  make(chan string, 32),
		jobs:   make(map[string]*ExportRecord),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// EnqueueExport schedules an export job and returns the queued record.
func (w *Worker) EnqueueExport(ctx context.Context, input ExportInput) (ExportRecord, error) {
	if input.ProjectID == "" {
		return ExportRecord{}, fmt.Errorf("project id required")
	}
	if _, err := w.svc.Project(input.ProjectID); err != nil {
		return ExportRecord{}, err
	}
	formats := input.Formats
	if len(formats) == 0 {
		formats = []ExportFormat{FormatJSON, FormatCSV}
	}
	seen := make(map[ExportFormat]bool, len(formats))
	uniq := make([]ExportFormat, 0, len(formats))
	for _, f := range formats {
		if seen[f] {
			continue
		}
		if f != FormatCSV && f != FormatJSON {
			return ExportRecord{}, fmt.Errorf("unsupported export format %s", f)
		}
		seen[f] = true
		uniq = append(uniq, f)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	record := ExportRecord{
		ID:          id,
		ProjectID:   input.ProjectID,
		Formats:     uniq,
		AsOf:        input.AsOf,
		Status:      ExportStatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queued := record.copy()
	w.mu.Unlock()

	w.recordAudit(ctx, id, ExportStatusQueued, "")

	select {
	case w.queue <- id:
	default:
		return ExportRecord{}, fmt.Errorf("export queue full")
	}
	return queued, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (ExportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

func (w *Worker) process(id string) {
	w.mu.RLock()
	record, ok := w.jobs[id]
	w.mu.RUnlock()
	if !ok {
		return
	}
	w.updateStatus(id, ExportStatusRunning, "")

	devices, err := w.svc.ProjectDevices(w.ctx, record.ProjectID, record.AsOf)
	if err != nil {
		w.fail(id, fmt.Sprintf("resolve devices: %v", err))
		return
	}

	artifacts := make([]ExportArtifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		payload, contentType, err := Materialize(format, devices)
		if err != nil {
			w.fail(id, err.Error())
			return
		}
		artifact := ExportArtifact{
			ID:          uuid.NewString(),
			Format:      format,
			ContentType: contentType,
			SizeBytes:   int64(len(payload)),
			CreatedAt:   time.Now().UTC(),
		}
		if w.store != nil {
			key := fmt.Sprintf("exports/%s/%s.%s", record.ProjectID, artifact.ID, format)
			info, err := w.store.Put(w.ctx, key, bytes.NewReader(payload), blobcore.PutOptions{
				ContentType: contentType,
				Metadata:    map[string]string{"project_id": record.ProjectID, "requested_by": record.RequestedBy},
			})
			if err != nil {
				w.fail(id, fmt.Sprintf("store artifact: %v", err))
				return
			}
			artifact.URL = info.URL
			artifact.SizeBytes = info.Size
		}
		artifacts = append(artifacts, artifact)
	}
	w.complete(id, artifacts)
}

// Materialize renders the device set in the requested format.
func Materialize(format ExportFormat, devices []core.DeviceRecord) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		payload, err := json.MarshalIndent(devices, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("marshal json: %w", err)
		}
		return payload, "application/json", nil
	case FormatCSV:
		payload, err := renderCSV(devices)
		if err != nil {
			return nil, "", err
		}
		return payload, "text/csv", nil
	}
	return nil, "", fmt.Errorf("unsupported export format %s", format)
}

// renderCSV writes one row per device with the union of attribute columns,
// identity columns first.
func renderCSV(devices []core.DeviceRecord) ([]byte, error) {
	columnSet := make(map[string]bool)
	for _, d := range devices {
		for k := range d.Attributes {
			columnSet[k] = true
		}
	}
	attrColumns := make([]string, 0, len(columnSet))
	for k := range columnSet {
		attrColumns = append(attrColumns, k)
	}
	sort.Strings(attrColumns)

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	header := append([]string{headerFC, headerFG, headerDeviceType}, attrColumns...)
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, d := range devices {
		row := make([]string, 0, len(header))
		row = append(row, d.FC, d.FG, string(d.DeviceType))
		for _, col := range attrColumns {
			row = append(row, formatValue(d.Attributes[col]))
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// Trim trailing zeros the way strconv does for %v.
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (w *Worker) updateStatus(id string, status ExportStatus, message string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, id, status, message)
}

func (w *Worker) complete(id string, artifacts []ExportArtifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, id, ExportStatusSucceeded, "")
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, id, ExportStatusFailed, reason)
}

func (w *Worker) recordAudit(ctx context.Context, id string, status ExportStatus, note string) {
	if w.audit == nil {
		return
	}
	w.mu.RLock()
	record, ok := w.jobs[id]
	var actor, projectID, reason string
	if ok {
		actor, projectID, reason = record.RequestedBy, record.ProjectID, record.Reason
	}
	w.mu.RUnlock()
	w.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "project_export",
		Actor:      actor,
		ProjectID:  projectID,
		Status:     status,
		Reason:     reason,
		Note:       note,
		OccurredAt: time.Now().UTC(),
	})
}

func (r ExportRecord) copy() ExportRecord {
	dup := r
	dup.Formats = append([]ExportFormat(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]ExportArtifact(nil), r.Artifacts...)
	}
	return dup
}

// MemoryAuditLog captures audit entries in memory for assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded audit entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
