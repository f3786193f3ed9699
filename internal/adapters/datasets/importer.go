// Package datasets moves device data across the service boundary: CSV
// imports into a project and asynchronous CSV/JSON exports of a project's
// effective device set.
package datasets

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/slaclab/licco-sub000/internal/core"
	"github.com/slaclab/licco-sub000/pkg/domain"
)

// ImportSummary reports the per-row outcome counters of one CSV import.
type ImportSummary struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Ignored int      `json:"ignored"`
	Log     []string `json:"log,omitempty"`
}

// reserved CSV headers mapped to record identity instead of attributes.
const (
	headerFC         = "fc"
	headerFG         = "fg"
	headerDeviceType = "device_type"
)

// ImportCSV reads device rows from r and applies them to the project. Each
// row either creates a new device, updates an existing one, is ignored when
// it reproduces the current values, or fails validation; the summary counts
// all four outcomes and the import never aborts on a bad row. The first
// line must be a header naming an FC column; remaining columns map to
// attribute names. Empty cells leave the attribute untouched.
func ImportCSV(ctx context.Context, svc *core.Service, projectID, actor string, r io.Reader, at time.Time) (ImportSummary, error) {
	var summary ImportSummary

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return summary, fmt.Errorf("read header: %w", err)
	}
	columns := make([]string, len(header))
	fcIndex := -1
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(name))
		if columns[i] == headerFC {
			fcIndex = i
		}
	}
	if fcIndex < 0 {
		return summary, fmt.Errorf("header must name an %s column", strings.ToUpper(headerFC))
	}

	devices, err := svc.ProjectDevices(ctx, projectID, nil)
	if err != nil {
		return summary, err
	}
	existing := make(map[string]bool, len(devices))
	for _, d := range devices {
		existing[d.FC] = true
	}

	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			summary.Failed++
			summary.Log = append(summary.Log, fmt.Sprintf("row %d: %v", line, err))
			continue
		}
		applyRow(ctx, svc, projectID, actor, columns, fcIndex, row, at, line, existing, &summary)
		// Each row advances the write clock by one tick so the global
		// monotonic order is preserved within the import.
		at = at.Add(time.Millisecond)
	}
	return summary, nil
}

func applyRow(ctx context.Context, svc *core.Service, projectID, actor string, columns []string, fcIndex int, row []string, at time.Time, line int, existing map[string]bool, summary *ImportSummary) {
	if fcIndex >= len(row) || strings.TrimSpace(row[fcIndex]) == "" {
		summary.Failed++
		summary.Log = append(summary.Log, fmt.Sprintf("row %d: missing FC", line))
		return
	}
	fc := strings.TrimSpace(row[fcIndex])

	fg := ""
	deviceType := domain.DeviceTypeMCD
	attrs := make(map[string]any)
	for i, cell := range row {
		if i == fcIndex || i >= len(columns) {
			continue
		}
		value := strings.TrimSpace(cell)
		if value == "" {
			continue
		}
		switch columns[i] {
		case headerFG:
			fg = value
		case headerDeviceType:
			deviceType = domain.DeviceType(value)
		case "":
		default:
			attrs[columns[i]] = value
		}
	}

	if existing[fc] {
		changes := make(map[string]any, len(attrs)+1)
		for k, v := range attrs {
			changes[k] = v
		}
		if fg != "" {
			changes[headerFG] = fg
		}
		_, changed, err := svc.UpdateDevice(ctx, projectID, fc, changes, actor, at)
		if err != nil {
			summary.Failed++
			summary.Log = append(summary.Log, fmt.Sprintf("row %d: %s: %v", line, fc, err))
			return
		}
		if !changed {
			summary.Ignored++
			return
		}
		summary.Updated++
		return
	}

	_, err := svc.CreateDevice(ctx, projectID, domain.DeviceRecord{
		DeviceType: deviceType,
		FC:         fc,
		FG:         fg,
		Attributes: attrs,
	}, actor, at)
	if err != nil {
		summary.Failed++
		summary.Log = append(summary.Log, fmt.Sprintf("row %d: %s: %v", line, fc, err))
		return
	}
	existing[fc] = true
	summary.Created++
}
