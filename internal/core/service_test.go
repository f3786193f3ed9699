package core

import (
	"context"
	"testing"
	"time"

	"github.com/slaclab/licco-sub000/internal/infra/persistence/memory"
	"github.com/slaclab/licco-sub000/pkg/domain"
)

// testClock hands out strictly increasing timestamps so the global write
// clock never trips during a test.
type testClock struct{ t time.Time }

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) tick() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(t *testing.T) (*Service, *RecordingNotifier) {
	t.Helper()
	notifier := NewRecordingNotifier()
	svc := NewService(memory.NewStore(), WithNotifier(notifier), WithMetrics(NewExpvarMetricsRecorder("")))
	return svc, notifier
}

func mustAccount(t *testing.T, svc *Service, account Account) Account {
	t.Helper()
	created, err := svc.RegisterAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("register account %s: %v", account.ID, err)
	}
	return created
}

func mustProject(t *testing.T, svc *Service, name, owner string, at time.Time) Project {
	t.Helper()
	p, err := svc.CreateProject(context.Background(), name, "", owner, at)
	if err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}
	return p
}

func mustDevice(t *testing.T, svc *Service, projectID, fc, actor string, attrs map[string]any, at time.Time) DeviceRecord {
	t.Helper()
	if attrs == nil {
		attrs = map[string]any{"state": "Conceptual"}
	}
	d, err := svc.CreateDevice(context.Background(), projectID, DeviceRecord{
		DeviceType: DeviceTypeMCD,
		FC:         fc,
		Attributes: attrs,
	}, actor, at)
	if err != nil {
		t.Fatalf("create device %s: %v", fc, err)
	}
	return d
}

func TestRegisterAccountValidatesEmail(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.RegisterAccount(context.Background(), Account{ID: "alice", Email: "not-an-email"}); err == nil {
		t.Fatalf("expected validation error for bad email")
	}
	if _, err := svc.RegisterAccount(context.Background(), Account{ID: "alice", Email: "alice@slac.stanford.edu"}); err != nil {
		t.Fatalf("valid email rejected: %v", err)
	}
}

func TestRecordingNotifierValidateEmail(t *testing.T) {
	n := NewRecordingNotifier()
	for email, want := range map[string]bool{
		"alice@slac.stanford.edu": true,
		"b@x.y":                   true,
		"nodomain@":               false,
		"@nolocal.com":            false,
		"bare":                    false,
		"trailing@dot.":           false,
	} {
		if got := n.ValidateEmail(email); got != want {
			t.Fatalf("ValidateEmail(%q) = %v, want %v", email, got, want)
		}
	}
}

func TestMetricsRecorderObservesOperations(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	svc := NewService(memory.NewStore(), WithMetrics(rec))
	clock := newTestClock()
	mustProject(t, svc, "metrics", "alice", clock.tick())

	snap := rec.Snapshot()
	if snap.Results["create_project"]["ok"] != 1 {
		t.Fatalf("expected one successful create_project, got %+v", snap.Results)
	}
	if _, ok := snap.DurationsMS["create_project"]; !ok {
		t.Fatalf("expected a duration entry for create_project")
	}
}

func TestMetricsRecorderCountsFailedOperations(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	svc := NewService(memory.NewStore(), WithMetrics(rec))
	clock := newTestClock()

	if _, err := svc.CreateProject(context.Background(), "", "", "alice", clock.tick()); err == nil {
		t.Fatalf("expected empty project name to be rejected")
	}

	snap := rec.Snapshot()
	if got := snap.Results["create_project"]["error"]; got != 1 {
		t.Fatalf("expected one failed create_project, got %+v", snap.Results["create_project"])
	}
	if got := snap.Results["create_project"]["ok"]; got != 0 {
		t.Fatalf("failed operation must not count as ok, got %+v", snap.Results["create_project"])
	}
}

func TestErrorTaxonomyMessages(t *testing.T) {
	verr := domain.ValidationError{Errors: []domain.FieldError{
		{Field: "state", Message: "required field missing"},
		{Field: "nom_loc_z", Message: "out of range"},
	}}
	if verr.Error() == "" {
		t.Fatalf("validation error must carry a message")
	}
	nf := domain.NotFoundError{Kind: "project", ID: "p1"}
	if nf.Error() == "" {
		t.Fatalf("not found error must carry a message")
	}
}
