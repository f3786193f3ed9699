package datasets

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/slaclab/licco-sub000/internal/core"
	blobmem "github.com/slaclab/licco-sub000/internal/infra/blob/memory"
	"github.com/slaclab/licco-sub000/internal/infra/persistence/memory"
	"github.com/slaclab/licco-sub000/pkg/domain"
)

func waitForExport(t *testing.T, w *Worker, id string) ExportRecord {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("export %s did not finish", id)
		case <-tick.C:
			record, ok := w.GetExport(id)
			if !ok {
				t.Fatalf("export %s vanished", id)
			}
			if record.Status == ExportStatusSucceeded || record.Status == ExportStatusFailed {
				return record
			}
		}
	}
}

func TestWorkerExportsProjectArtifacts(t *testing.T) {
	svc := core.NewService(memory.NewStore())
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := svc.CreateProject(ctx, "lcls-2", "", "alice", at)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := svc.CreateDevice(ctx, p.ID, domain.DeviceRecord{
		DeviceType: domain.DeviceTypeMCD,
		FC:         "AT1L0",
		Attributes: map[string]any{"state": "Conceptual", "nom_loc_z": 12.5},
	}, "alice", at.Add(time.Second)); err != nil {
		t.Fatalf("create device: %v", err)
	}

	store := blobmem.New()
	audit := &MemoryAuditLog{}
	w := NewWorker(svc, store, audit)
	w.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := w.Stop(stopCtx); err != nil {
			t.Fatalf("stop worker: %v", err)
		}
	}()

	queued, err := w.EnqueueExport(ctx, ExportInput{
		ProjectID:   p.ID,
		Formats:     []ExportFormat{FormatJSON, FormatCSV, FormatJSON},
		RequestedBy: "alice",
		Reason:      "design review handout",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued.Status != ExportStatusQueued || len(queued.Formats) != 2 {
		t.Fatalf("unexpected queued record: %+v", queued)
	}

	record := waitForExport(t, w, queued.ID)
	if record.Status != ExportStatusSucceeded {
		t.Fatalf("export failed: %s", record.Error)
	}
	if len(record.Artifacts) != 2 || record.CompletedAt == nil {
		t.Fatalf("unexpected record: %+v", record)
	}

	stored, err := store.List(ctx, "exports/"+p.ID+"/")
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected two stored artifacts, got %d", len(stored))
	}

	// The JSON artifact decodes back to the device set.
	for _, artifact := range record.Artifacts {
		if artifact.Format != FormatJSON {
			continue
		}
		_, rc, err := store.Get(ctx, "exports/"+p.ID+"/"+artifact.ID+".json")
		if err != nil {
			t.Fatalf("get artifact: %v", err)
		}
		payload, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("read artifact: %v", err)
		}
		var devices []core.DeviceRecord
		if err := json.Unmarshal(payload, &devices); err != nil {
			t.Fatalf("decode artifact: %v", err)
		}
		if len(devices) != 1 || devices[0].FC != "AT1L0" {
			t.Fatalf("artifact content wrong: %v", devices)
		}
	}

	var statuses []ExportStatus
	for _, entry := range audit.Entries() {
		statuses = append(statuses, entry.Status)
	}
	if len(statuses) < 3 || statuses[0] != ExportStatusQueued || statuses[len(statuses)-1] != ExportStatusSucceeded {
		t.Fatalf("unexpected audit trail: %v", statuses)
	}
}

func TestEnqueueExportValidation(t *testing.T) {
	svc := core.NewService(memory.NewStore())
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := svc.CreateProject(ctx, "lcls-2", "", "alice", at)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	w := NewWorker(svc, blobmem.New(), nil)
	if _, err := w.EnqueueExport(ctx, ExportInput{ProjectID: "no-such-project"}); err == nil {
		t.Fatalf("unknown project must be rejected")
	}
	if _, err := w.EnqueueExport(ctx, ExportInput{ProjectID: p.ID, Formats: []ExportFormat{"xml"}}); err == nil {
		t.Fatalf("unsupported format must be rejected")
	}
}

func TestMaterializeCSVUnionColumns(t *testing.T) {
	devices := []core.DeviceRecord{
		{FC: "AT1L0", FG: "UND-1", DeviceType: domain.DeviceTypeMCD, Attributes: map[string]any{"state": "Conceptual", "nom_loc_z": 12.5}},
		{FC: "AT2L0", DeviceType: domain.DeviceTypeMCD, Attributes: map[string]any{"state": "Planned", "ray_trace": 1.0}},
	}
	payload, contentType, err := Materialize(FormatCSV, devices)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if contentType != "text/csv" {
		t.Fatalf("unexpected content type %s", contentType)
	}
	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus two rows, got %v", lines)
	}
	if lines[0] != "fc,fg,device_type,nom_loc_z,ray_trace,state" {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "AT1L0,UND-1,mcd,12.5,,") {
		t.Fatalf("unexpected first row: %s", lines[1])
	}
	if !strings.HasPrefix(lines[2], "AT2L0,,mcd,,1,") {
		t.Fatalf("unexpected second row: %s", lines[2])
	}
}
