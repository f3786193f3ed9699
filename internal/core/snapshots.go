package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

// LatestSnapshot returns the project's effective snapshot: the most recent
// one overall, or the most recent at or before asOf when asOf is non-nil.
func (s *Service) LatestSnapshot(ctx context.Context, projectID string, asOf *time.Time) (Snapshot, error) {
	var snap Snapshot
	err := s.store.View(ctx, func(v TransactionView) error {
		if _, ok := v.FindProject(projectID); !ok {
			return domain.NotFoundError{Kind: "project", ID: projectID}
		}
		var found bool
		if asOf != nil {
			snap, found = v.SnapshotAsOf(projectID, *asOf)
		} else {
			snap, found = v.LatestSnapshot(projectID)
		}
		if !found {
			return domain.NotFoundError{Kind: "snapshot", ID: projectID}
		}
		return nil
	})
	return snap, err
}

// Snapshots lists every snapshot recorded for a project, oldest first.
func (s *Service) Snapshots(ctx context.Context, projectID string) ([]Snapshot, error) {
	var out []Snapshot
	err := s.store.View(ctx, func(v TransactionView) error {
		if _, ok := v.FindProject(projectID); !ok {
			return domain.NotFoundError{Kind: "project", ID: projectID}
		}
		out = v.ListSnapshots(projectID)
		return nil
	})
	return out, err
}

// ResolveSnapshot materializes a snapshot into its device records, keyed by
// FC. Resolution is a direct lookup of the snapshot's id list; no history
// replay is involved.
func (s *Service) ResolveSnapshot(ctx context.Context, snap Snapshot) (map[string]DeviceRecord, error) {
	out := make(map[string]DeviceRecord, len(snap.DeviceIDs))
	err := s.store.View(ctx, func(v TransactionView) error {
		for _, id := range snap.DeviceIDs {
			d, ok := v.FindDevice(id)
			if !ok {
				return domain.InvariantViolation{Message: fmt.Sprintf("snapshot %s references missing device record %s", snap.ID, id)}
			}
			out[d.FC] = d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProjectDevices resolves a project's effective device set, optionally as of
// a historical timestamp. Devices are returned sorted by FC.
func (s *Service) ProjectDevices(ctx context.Context, projectID string, asOf *time.Time) ([]DeviceRecord, error) {
	snap, err := s.LatestSnapshot(ctx, projectID, asOf)
	if err != nil {
		if _, missing := err.(domain.NotFoundError); missing {
			if _, ok := s.store.GetProject(projectID); ok {
				return nil, nil
			}
		}
		return nil, err
	}
	byFC, err := s.ResolveSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceRecord, 0, len(byFC))
	for _, fc := range sortedKeys(byFC) {
		devices = append(devices, byFC[fc])
	}
	return devices, nil
}

// TagSnapshot records a named snapshot of the project's current device set.
// Snapshots are immutable, so the name rides on a fresh snapshot pointing at
// the same device ids rather than on the existing row.
func (s *Service) TagSnapshot(ctx context.Context, projectID, name, description, author string, at time.Time) (tagged Snapshot, err error) {
	start := time.Now()
	defer func() { s.observe("tag_snapshot", start, err) }()
	if name == "" {
		return Snapshot{}, domain.ValidationError{Errors: []FieldError{{Field: "name", Message: "must not be empty"}}}
	}
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, ok := tx.FindProject(projectID); !ok {
			return domain.NotFoundError{Kind: "project", ID: projectID}
		}
		var ids []string
		if current, ok := tx.LatestSnapshot(projectID); ok {
			ids = current.DeviceIDs
		}
		var txErr error
		tagged, txErr = tx.InsertSnapshot(Snapshot{
			ProjectID:   projectID,
			Author:      author,
			CreatedAt:   at,
			DeviceIDs:   ids,
			Name:        name,
			Description: description,
		})
		return txErr
	})
	return tagged, err
}

// ChangeHistory flattens a project's snapshot changelogs into one list,
// oldest first. This is the per-project audit trail of field-level edits.
func (s *Service) ChangeHistory(ctx context.Context, projectID string) ([]ChangeEntry, error) {
	snaps, err := s.Snapshots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []ChangeEntry
	for _, snap := range snaps {
		out = append(out, snap.Changelog...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
