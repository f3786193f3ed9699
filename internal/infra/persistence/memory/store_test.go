package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

func fixedNow() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestTransactionRollbackLeavesNoTrace(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	err := store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, err := tx.CreateProject(Project{Name: "doomed", Owner: "alice"}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	if err == nil {
		t.Fatalf("expected the transaction error to propagate")
	}
	if _, ok := store.GetProjectByName("doomed"); ok {
		t.Fatalf("aborted transaction leaked state")
	}
}

func TestTransactionCommitIsAtomic(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	var projectID string

	err := store.RunInTransaction(ctx, func(tx Transaction) error {
		p, err := tx.CreateProject(Project{Name: "lcls-2", Owner: "alice", CreatedAt: fixedNow()})
		if err != nil {
			return err
		}
		projectID = p.ID
		d, err := tx.InsertDevice(DeviceRecord{ProjectID: p.ID, FC: "AT1L0", CreatedAt: fixedNow()})
		if err != nil {
			return err
		}
		_, err = tx.InsertSnapshot(Snapshot{ProjectID: p.ID, DeviceIDs: []string{d.ID}, CreatedAt: fixedNow()})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if _, ok := store.GetProject(projectID); !ok {
		t.Fatalf("committed project missing")
	}
	if snaps := store.ListSnapshots(projectID); len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
}

func TestProjectNamesAreUnique(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if err := store.RunInTransaction(ctx, func(tx Transaction) error {
		_, err := tx.CreateProject(Project{Name: "lcls-2", Owner: "alice"})
		return err
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := store.RunInTransaction(ctx, func(tx Transaction) error {
		_, err := tx.CreateProject(Project{Name: "lcls-2", Owner: "bob"})
		return err
	})
	var conflict domain.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError for duplicate name, got %v", err)
	}

	// Renaming onto a taken name is rejected the same way.
	if err := store.RunInTransaction(ctx, func(tx Transaction) error {
		_, err := tx.CreateProject(Project{Name: "other", Owner: "bob"})
		return err
	}); err != nil {
		t.Fatalf("create other: %v", err)
	}
	other, _ := store.GetProjectByName("other")
	err = store.RunInTransaction(ctx, func(tx Transaction) error {
		_, err := tx.UpdateProject(other.ID, func(p *Project) error {
			p.Name = "lcls-2"
			return nil
		})
		return err
	})
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError on rename collision, got %v", err)
	}
}

func TestGlobalWriteClockIsMonotonic(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := fixedNow()
	var projectID string

	if err := store.RunInTransaction(ctx, func(tx Transaction) error {
		p, err := tx.CreateProject(Project{Name: "lcls-2", Owner: "alice"})
		if err != nil {
			return err
		}
		projectID = p.ID
		_, err = tx.InsertDevice(DeviceRecord{ProjectID: p.ID, FC: "AT1L0", CreatedAt: base})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := store.RunInTransaction(ctx, func(tx Transaction) error {
		_, err := tx.InsertDevice(DeviceRecord{ProjectID: projectID, FC: "AT2L0", CreatedAt: base.Add(-time.Second)})
		return err
	})
	var conflict domain.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected clock-skew conflict, got %v", err)
	}

	// Writes at exactly the watermark are accepted.
	if err := store.RunInTransaction(ctx, func(tx Transaction) error {
		_, err := tx.InsertDevice(DeviceRecord{ProjectID: projectID, FC: "AT3L0", CreatedAt: base})
		return err
	}); err != nil {
		t.Fatalf("write at watermark: %v", err)
	}
}

func TestSnapshotAsOfPicksNewestAtOrBefore(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := fixedNow()
	var projectID string

	if err := store.RunInTransaction(ctx, func(tx Transaction) error {
		p, err := tx.CreateProject(Project{Name: "lcls-2", Owner: "alice"})
		if err != nil {
			return err
		}
		projectID = p.ID
		for i := 0; i < 3; i++ {
			if _, err := tx.InsertSnapshot(Snapshot{ProjectID: p.ID, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	snap, ok := store.SnapshotAsOf(projectID, base.Add(90*time.Second))
	if !ok || !snap.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected the minute-1 snapshot, got %+v (ok=%v)", snap, ok)
	}
	if _, ok := store.SnapshotAsOf(projectID, base.Add(-time.Second)); ok {
		t.Fatalf("no snapshot should exist before the first write")
	}
	latest, ok := store.LatestSnapshot(projectID)
	if !ok || !latest.CreatedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("latest snapshot wrong: %+v", latest)
	}
}

func TestReadsReturnClones(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	var deviceID string
	if err := store.RunInTransaction(ctx, func(tx Transaction) error {
		p, err := tx.CreateProject(Project{Name: "lcls-2", Owner: "alice"})
		if err != nil {
			return err
		}
		d, err := tx.InsertDevice(DeviceRecord{ProjectID: p.ID, FC: "AT1L0", Attributes: map[string]any{"state": "Conceptual"}, CreatedAt: fixedNow()})
		if err != nil {
			return err
		}
		deviceID = d.ID
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, _ := store.GetDevice(deviceID)
	got.Attributes["state"] = "Tampered"

	again, _ := store.GetDevice(deviceID)
	if again.Attributes["state"] != "Conceptual" {
		t.Fatalf("caller mutation reached committed state: %v", again.Attributes)
	}
}

func TestExportImportStateRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if err := store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, err := tx.CreateAccount(Account{ID: "alice"}); err != nil {
			return err
		}
		p, err := tx.CreateProject(Project{Name: "lcls-2", Owner: "alice"})
		if err != nil {
			return err
		}
		d, err := tx.InsertDevice(DeviceRecord{ProjectID: p.ID, FC: "AT1L0", CreatedAt: fixedNow()})
		if err != nil {
			return err
		}
		if _, err := tx.InsertSnapshot(Snapshot{ProjectID: p.ID, DeviceIDs: []string{d.ID}, CreatedAt: fixedNow()}); err != nil {
			return err
		}
		_, err = tx.InsertSwitch(SwitchEvent{ProjectID: p.ID, ProjectName: "lcls-2", Submitter: "alice"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	restored := NewStore()
	restored.ImportState(store.ExportState())

	if len(restored.ListAccounts()) != 1 || len(restored.ListProjects()) != 1 {
		t.Fatalf("round trip lost entities")
	}
	p, _ := restored.GetProjectByName("lcls-2")
	if snaps := restored.ListSnapshots(p.ID); len(snaps) != 1 {
		t.Fatalf("round trip lost snapshots")
	}
	if sw := restored.ListSwitches(); len(sw) != 1 || sw[0].Submitter != "alice" {
		t.Fatalf("round trip lost switches: %v", sw)
	}
}
