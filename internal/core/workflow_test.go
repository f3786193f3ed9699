package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

func setupWorkflow(t *testing.T) (*Service, *RecordingNotifier, *testClock, Project) {
	t.Helper()
	svc, notifier := newTestService(t)
	clock := newTestClock()
	mustAccount(t, svc, Account{ID: "alice", Email: "alice@slac.stanford.edu"})
	mustAccount(t, svc, Account{ID: "bob", Email: "bob@slac.stanford.edu"})
	mustAccount(t, svc, Account{ID: "carol", Email: "carol@slac.stanford.edu"})
	mustAccount(t, svc, Account{ID: "root", Email: "root@slac.stanford.edu", Admin: true})
	if _, err := svc.EnsureMasterProject(context.Background(), "root", clock.tick()); err != nil {
		t.Fatalf("ensure master: %v", err)
	}
	p := mustProject(t, svc, "lcls-2", "alice", clock.tick())
	return svc, notifier, clock, p
}

func TestSubmitRequiresRegisteredApprovers(t *testing.T) {
	svc, _, clock, p := setupWorkflow(t)
	ctx := context.Background()

	_, err := svc.SubmitProject(ctx, p.ID, "alice", []string{"ghost"}, clock.tick())
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unregistered approver, got %v", err)
	}

	_, err = svc.SubmitProject(ctx, p.ID, "alice", nil, clock.tick())
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty approver set, got %v", err)
	}

	_, err = svc.SubmitProject(ctx, p.ID, "alice", []string{"alice"}, clock.tick())
	if !errors.As(err, &verr) {
		t.Fatalf("submitter must not approve their own submission, got %v", err)
	}
}

func TestSubmitAddsSuperApprovers(t *testing.T) {
	svc, notifier, clock, p := setupWorkflow(t)
	mustAccount(t, svc, Account{ID: "sue", Email: "sue@slac.stanford.edu", SuperApprover: true})

	submitted, err := svc.SubmitProject(context.Background(), p.ID, "alice", []string{"bob"}, clock.tick())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(submitted.Approvers) != 2 {
		t.Fatalf("expected bob plus super-approver sue, got %v", submitted.Approvers)
	}

	var sawSubmitted bool
	for _, ev := range notifier.Events() {
		if ev.Kind == "submitted" && ev.ProjectName == "lcls-2" {
			sawSubmitted = true
		}
	}
	if !sawSubmitted {
		t.Fatalf("expected a submitted notification, got %v", notifier.Events())
	}
}

func TestSubmitRequiresOwnerOrEditor(t *testing.T) {
	svc, _, clock, p := setupWorkflow(t)
	_, err := svc.SubmitProject(context.Background(), p.ID, "bob", []string{"carol"}, clock.tick())
	var perm domain.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
}

func TestApprovalFlowMergesIntoMaster(t *testing.T) {
	svc, notifier, clock, p := setupWorkflow(t)
	ctx := context.Background()

	// Seed master with an existing device the draft will override, plus one
	// it never touches.
	master, err := svc.ProjectByName(domain.MasterProjectName)
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	mustDevice(t, svc, master.ID, "AT1L0", "root", map[string]any{"state": "Installed", "nom_loc_z": 10.0}, clock.tick())
	mustDevice(t, svc, master.ID, "SOLO", "root", map[string]any{"state": "Operational"}, clock.tick())

	mustDevice(t, svc, p.ID, "AT1L0", "alice", map[string]any{"state": "Commissioned", "nom_loc_z": 12.5}, clock.tick())
	mustDevice(t, svc, p.ID, "FRESH", "alice", map[string]any{"state": "Planned"}, clock.tick())

	if _, err := svc.SubmitProject(ctx, p.ID, "alice", []string{"bob", "carol"}, clock.tick()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// First approval does not merge.
	partial, merged, err := svc.ApproveProject(ctx, p.ID, "bob", clock.tick())
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if merged {
		t.Fatalf("merge must wait for all approvers")
	}
	if partial.Status != StatusSubmitted || len(partial.ApprovedBy) != 1 {
		t.Fatalf("unexpected partial state: %+v", partial)
	}

	// Double approval by the same user is rejected.
	_, _, err = svc.ApproveProject(ctx, p.ID, "bob", clock.tick())
	var perm domain.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError on double approval, got %v", err)
	}

	// A non-approver cannot sign.
	_, _, err = svc.ApproveProject(ctx, p.ID, "root", clock.tick())
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError for non-approver, got %v", err)
	}

	// Final approval merges.
	final, merged, err := svc.ApproveProject(ctx, p.ID, "carol", clock.tick())
	if err != nil {
		t.Fatalf("final approval: %v", err)
	}
	if !merged {
		t.Fatalf("final approval must merge into master")
	}
	if final.Status != StatusDevelopment || final.ApprovedAt == nil {
		t.Fatalf("approved project must return to development with ApprovedAt set: %+v", final)
	}
	if len(final.Approvers) != 0 || len(final.ApprovedBy) != 0 {
		t.Fatalf("approval bookkeeping must be cleared: %+v", final)
	}

	// Master now carries the union with draft values winning overlaps.
	devices, err := svc.ProjectDevices(ctx, master.ID, nil)
	if err != nil {
		t.Fatalf("master devices: %v", err)
	}
	byFC := map[string]DeviceRecord{}
	for _, d := range devices {
		byFC[d.FC] = d
	}
	if len(byFC) != 3 {
		t.Fatalf("expected AT1L0, SOLO, FRESH in master, got %v", byFC)
	}
	if byFC["AT1L0"].Attributes["state"] != "Commissioned" {
		t.Fatalf("draft must win overlap: %v", byFC["AT1L0"].Attributes)
	}
	if byFC["SOLO"].Attributes["state"] != "Operational" {
		t.Fatalf("untouched master device must survive: %v", byFC["SOLO"].Attributes)
	}

	// The merge leaves a permanent switch event.
	switches := svc.Switches()
	if len(switches) != 1 || switches[0].ProjectName != "lcls-2" || switches[0].Submitter != "alice" {
		t.Fatalf("unexpected switch trail: %v", switches)
	}

	var approvedNotified bool
	for _, ev := range notifier.Events() {
		if ev.Kind == "approved" && ev.ProjectName == "lcls-2" {
			approvedNotified = true
		}
	}
	if !approvedNotified {
		t.Fatalf("expected approved notification, got %v", notifier.Events())
	}
}

func TestMergeSkipsIdenticalDevices(t *testing.T) {
	svc, _, clock, p := setupWorkflow(t)
	ctx := context.Background()
	master, _ := svc.ProjectByName(domain.MasterProjectName)
	existing := mustDevice(t, svc, master.ID, "SAME", "root", map[string]any{"state": "Installed"}, clock.tick())
	mustDevice(t, svc, p.ID, "SAME", "alice", map[string]any{"state": "Installed"}, clock.tick())

	if _, err := svc.SubmitProject(ctx, p.ID, "alice", []string{"bob"}, clock.tick()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.ApproveProject(ctx, p.ID, "bob", clock.tick()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	devices, err := svc.ProjectDevices(ctx, master.ID, nil)
	if err != nil {
		t.Fatalf("master devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != existing.ID {
		t.Fatalf("identical device must keep its master record, got %v", devices)
	}
}

func TestRejectReturnsToDevelopmentWithNote(t *testing.T) {
	svc, notifier, clock, p := setupWorkflow(t)
	ctx := context.Background()
	mustDevice(t, svc, p.ID, "AT1L0", "alice", nil, clock.tick())
	if _, err := svc.SubmitProject(ctx, p.ID, "alice", []string{"bob"}, clock.tick()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rejected, err := svc.RejectProject(ctx, p.ID, "bob", "z offsets disagree with survey", clock.tick())
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusDevelopment {
		t.Fatalf("rejected project must return to development, got %s", rejected.Status)
	}
	if len(rejected.Notes) != 1 || !strings.Contains(rejected.Notes[0], "z offsets disagree") {
		t.Fatalf("rejection note missing: %v", rejected.Notes)
	}
	if len(rejected.ApprovedBy) != 0 || rejected.ApprovedAt != nil {
		t.Fatalf("collected approvals must be discarded: %+v", rejected)
	}

	var sawRejected bool
	for _, ev := range notifier.Events() {
		if ev.Kind == "rejected" && ev.By == "bob" {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatalf("expected rejected notification, got %v", notifier.Events())
	}

	// Rejection reopens the project for edits.
	if _, _, err := svc.UpdateDevice(ctx, p.ID, "AT1L0", map[string]any{"nom_loc_z": 1.0}, "alice", clock.tick()); err != nil {
		t.Fatalf("edit after reject: %v", err)
	}
}

func TestResubmissionReplacesApproverSet(t *testing.T) {
	svc, _, clock, p := setupWorkflow(t)
	ctx := context.Background()
	if _, err := svc.SubmitProject(ctx, p.ID, "alice", []string{"bob", "carol"}, clock.tick()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.ApproveProject(ctx, p.ID, "bob", clock.tick()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	resubmitted, err := svc.SubmitProject(ctx, p.ID, "alice", []string{"carol"}, clock.tick())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if len(resubmitted.Approvers) != 1 || resubmitted.Approvers[0] != "carol" {
		t.Fatalf("approver set must be replaced, got %v", resubmitted.Approvers)
	}
	if len(resubmitted.ApprovedBy) != 0 {
		t.Fatalf("resubmission must discard prior approvals, got %v", resubmitted.ApprovedBy)
	}
}

func TestHideProjectRenamesAndFreesName(t *testing.T) {
	svc, _, clock, p := setupWorkflow(t)
	ctx := context.Background()

	hidden, err := svc.HideProject(ctx, p.ID, "alice", clock.tick())
	if err != nil {
		t.Fatalf("hide: %v", err)
	}
	if hidden.Status != StatusHidden || !strings.HasPrefix(hidden.Name, "hidden_") {
		t.Fatalf("unexpected hidden project: %+v", hidden)
	}

	// The original name is reusable.
	if _, err := svc.CreateProject(ctx, "lcls-2", "", "bob", clock.tick()); err != nil {
		t.Fatalf("name should be free after hide: %v", err)
	}

	// Hidden projects are filtered from the default listing.
	for _, listed := range svc.Projects(false) {
		if listed.ID == p.ID {
			t.Fatalf("hidden project leaked into listing")
		}
	}
}

func TestMasterCannotBeHiddenSubmittedOrDeleted(t *testing.T) {
	svc, _, clock, _ := setupWorkflow(t)
	ctx := context.Background()
	master, _ := svc.ProjectByName(domain.MasterProjectName)

	if _, err := svc.HideProject(ctx, master.ID, "root", clock.tick()); err == nil {
		t.Fatalf("master must not be hideable")
	}
	if _, err := svc.SubmitProject(ctx, master.ID, "root", []string{"bob"}, clock.tick()); err == nil {
		t.Fatalf("master must not be submittable")
	}
	if err := svc.DeleteProject(ctx, master.ID, "root"); err == nil {
		t.Fatalf("master must not be deletable")
	}
}

func TestDeleteProjectIsAdminOnlyAndComplete(t *testing.T) {
	svc, _, clock, p := setupWorkflow(t)
	ctx := context.Background()
	d := mustDevice(t, svc, p.ID, "AT1L0", "alice", nil, clock.tick())

	err := svc.DeleteProject(ctx, p.ID, "alice")
	var perm domain.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError for non-admin delete, got %v", err)
	}

	if err := svc.DeleteProject(ctx, p.ID, "root"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := svc.Project(p.ID); err == nil {
		t.Fatalf("project must be gone")
	}
	if _, ok := svc.Store().GetDevice(d.ID); ok {
		t.Fatalf("device records must be deleted with the project")
	}
	if snaps := svc.Store().ListSnapshots(p.ID); len(snaps) != 0 {
		t.Fatalf("snapshots must be deleted with the project, got %d", len(snaps))
	}
}

func TestCloneProjectCopiesDeviceSet(t *testing.T) {
	svc, _, clock, p := setupWorkflow(t)
	ctx := context.Background()
	source := mustDevice(t, svc, p.ID, "AT1L0", "alice", map[string]any{"state": "Planned", "nom_loc_z": 42.0}, clock.tick())

	clone, err := svc.CloneProject(ctx, p.ID, "lcls-2-copy", "", "bob", clock.tick())
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	devices, err := svc.ProjectDevices(ctx, clone.ID, nil)
	if err != nil {
		t.Fatalf("clone devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one cloned device, got %d", len(devices))
	}
	if devices[0].ID == source.ID {
		t.Fatalf("clone must mint fresh records")
	}
	if devices[0].Attributes["nom_loc_z"].(float64) != 42.0 {
		t.Fatalf("cloned attributes must match source, got %v", devices[0].Attributes)
	}

	// Edits to the clone never leak into the source.
	if _, _, err := svc.UpdateDevice(ctx, clone.ID, "AT1L0", map[string]any{"nom_loc_z": 43.0}, "bob", clock.tick()); err != nil {
		t.Fatalf("edit clone: %v", err)
	}
	originals, _ := svc.ProjectDevices(ctx, p.ID, nil)
	if originals[0].Attributes["nom_loc_z"].(float64) != 42.0 {
		t.Fatalf("source project mutated by clone edit")
	}
}

func TestEditProjectEditorsNotifiesDelta(t *testing.T) {
	svc, notifier, clock, p := setupWorkflow(t)
	_ = clock
	ctx := context.Background()

	editors := []string{"bob", "carol"}
	if _, err := svc.EditProject(ctx, p.ID, "alice", nil, &editors); err != nil {
		t.Fatalf("edit project: %v", err)
	}
	editors = []string{"carol"}
	if _, err := svc.EditProject(ctx, p.ID, "alice", nil, &editors); err != nil {
		t.Fatalf("edit project: %v", err)
	}

	var added, removed int
	for _, ev := range notifier.Events() {
		switch ev.Kind {
		case "add_editors":
			added += len(ev.Users)
		case "remove_editors":
			removed += len(ev.Users)
		}
	}
	if added != 2 || removed != 1 {
		t.Fatalf("expected 2 additions and 1 removal, got %d/%d", added, removed)
	}
}

func TestApproveWithoutMasterIsInvariantViolation(t *testing.T) {
	svc, _ := newTestService(t)
	clock := newTestClock()
	ctx := context.Background()
	mustAccount(t, svc, Account{ID: "alice"})
	mustAccount(t, svc, Account{ID: "bob"})
	p := mustProject(t, svc, "orphan", "alice", clock.tick())
	if _, err := svc.SubmitProject(ctx, p.ID, "alice", []string{"bob"}, clock.tick()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, _, err := svc.ApproveProject(ctx, p.ID, "bob", clock.tick())
	var inv domain.InvariantViolation
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantViolation without master, got %v", err)
	}
}
