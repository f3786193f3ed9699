package core

import (
	"strings"
	"sync"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Notifier = (*RecordingNotifier)(nil)

// NotificationEvent is one captured outbound notification.
type NotificationEvent struct {
	Kind        string
	ProjectName string
	ProjectID   string
	Users       []string
	Reason      string
	By          string
	At          time.Time
}

// RecordingNotifier captures notifications in memory. It backs tests and
// single-process deployments where no mail transport is configured.
type RecordingNotifier struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	events []NotificationEvent
}

// NewRecordingNotifier constructs an empty recording notifier.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the notifier clock; used by tests to control time.
func (n *RecordingNotifier) SetNowFunc(fn func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fn != nil {
		n.nowFn = fn
	}
}

func (n *RecordingNotifier) record(ev NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev.At = n.nowFn()
	n.events = append(n.events, ev)
}

// Events returns a copy of every captured notification, oldest first.
func (n *RecordingNotifier) Events() []NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotificationEvent(nil), n.events...)
}

func (n *RecordingNotifier) AddApprovers(userIDs []string, projectName, projectID string) {
	n.record(NotificationEvent{Kind: "add_approvers", ProjectName: projectName, ProjectID: projectID, Users: userIDs})
}

func (n *RecordingNotifier) RemoveApprovers(userIDs []string, projectName, projectID string) {
	n.record(NotificationEvent{Kind: "remove_approvers", ProjectName: projectName, ProjectID: projectID, Users: userIDs})
}

func (n *RecordingNotifier) AddEditors(userIDs []string, projectName, projectID string) {
	n.record(NotificationEvent{Kind: "add_editors", ProjectName: projectName, ProjectID: projectID, Users: userIDs})
}

func (n *RecordingNotifier) RemoveEditors(userIDs []string, projectName, projectID string) {
	n.record(NotificationEvent{Kind: "remove_editors", ProjectName: projectName, ProjectID: projectID, Users: userIDs})
}

func (n *RecordingNotifier) SubmittedForApproval(projectName, projectID string) {
	n.record(NotificationEvent{Kind: "submitted", ProjectName: projectName, ProjectID: projectID})
}

func (n *RecordingNotifier) Approved(projectName, projectID string) {
	n.record(NotificationEvent{Kind: "approved", ProjectName: projectName, ProjectID: projectID})
}

func (n *RecordingNotifier) Rejected(projectName, projectID, reason, rejectingUser string) {
	n.record(NotificationEvent{Kind: "rejected", ProjectName: projectName, ProjectID: projectID, Reason: reason, By: rejectingUser})
}

// ValidateEmail accepts any address with a non-empty local part and a domain
// containing a dot. Deliberately loose: delivery failures are the real check.
func (n *RecordingNotifier) ValidateEmail(candidate string) bool {
	at := strings.IndexByte(candidate, '@')
	if at <= 0 || at == len(candidate)-1 {
		return false
	}
	dom := candidate[at+1:]
	return strings.Contains(dom, ".") && !strings.HasPrefix(dom, ".") && !strings.HasSuffix(dom, ".")
}
