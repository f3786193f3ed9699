// Package core implements the licco configuration-control service: the
// append-only device store, the project snapshot manager, the structural
// diff engine, and the approval workflow state machine.
package core

import (
	"context"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

// Service exposes the transactional operations of the configuration core.
// All mutating calls receive an already-authenticated actor identifier; the
// service performs authorization decisions only.
type Service struct {
	store    PersistentStore
	notifier Notifier
	metrics  MetricsRecorder
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithNotifier wires an outbound notifier invoked at workflow transition
// points. Notification is best-effort and never rolls back a transition.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics wires a metrics recorder observing operation timings and
// outcomes.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

func (s *Service) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDuration(op, time.Since(start))
	s.metrics.RecordResult(op, status)
}

// RegisterAccount stores a user account. When a notifier is configured its
// email check gates registration.
func (s *Service) RegisterAccount(ctx context.Context, account Account) (created Account, err error) {
	start := time.Now()
	defer func() { s.observe("register_account", start, err) }()
	if account.Email != "" && s.notifier != nil && !s.notifier.ValidateEmail(account.Email) {
		return Account{}, domain.ValidationError{Errors: []domain.FieldError{{Field: "email", Message: "invalid email address"}}}
	}
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateAccount(account)
		return txErr
	})
	return created, err
}

// UpdateAccount mutates an account using the provided mutator.
func (s *Service) UpdateAccount(ctx context.Context, id string, mutator func(*Account) error) (updated Account, err error) {
	start := time.Now()
	defer func() { s.observe("update_account", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateAccount(id, mutator)
		return txErr
	})
	return updated, err
}

// Accounts returns all registered accounts.
func (s *Service) Accounts() []Account { return s.store.ListAccounts() }

func (s *Service) isAdmin(tx Transaction, id string) bool {
	a, ok := tx.FindAccount(id)
	return ok && a.Admin
}

func isOwnerOrEditor(p Project, actor string) bool {
	if p.Owner == actor {
		return true
	}
	for _, e := range p.Editors {
		if e == actor {
			return true
		}
	}
	return false
}

func isApprover(p Project, actor string) bool {
	for _, a := range p.Approvers {
		if a == actor {
			return true
		}
	}
	return false
}

func hasApproved(p Project, actor string) bool {
	for _, a := range p.ApprovedBy {
		if a == actor {
			return true
		}
	}
	return false
}
