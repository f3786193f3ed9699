package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain operations a persistence implementation
// must support within an atomic scope. Device records and snapshots are
// insert-only: history is never rewritten, only appended to.
type Transaction interface {
	// Now is the wall-clock time captured when the transaction began.
	Now() time.Time

	CreateAccount(Account) (Account, error)
	UpdateAccount(id string, mutator func(*Account) error) (Account, error)
	FindAccount(id string) (Account, bool)
	ListAccounts() []Account

	CreateProject(Project) (Project, error)
	UpdateProject(id string, mutator func(*Project) error) (Project, error)
	DeleteProject(id string) error
	FindProject(id string) (Project, bool)
	FindProjectByName(name string) (Project, bool)

	InsertDevice(DeviceRecord) (DeviceRecord, error)
	FindDevice(id string) (DeviceRecord, bool)
	DeleteDevicesByProject(projectID string) error

	InsertSnapshot(Snapshot) (Snapshot, error)
	LatestSnapshot(projectID string) (Snapshot, bool)
	DeleteSnapshotsByProject(projectID string) error

	InsertSwitch(SwitchEvent) (SwitchEvent, error)
}

// TransactionView provides read-only access to committed state.
type TransactionView interface {
	FindAccount(id string) (Account, bool)
	ListAccounts() []Account
	FindProject(id string) (Project, bool)
	FindProjectByName(name string) (Project, bool)
	ListProjects() []Project
	FindDevice(id string) (DeviceRecord, bool)
	LatestSnapshot(projectID string) (Snapshot, bool)
	SnapshotAsOf(projectID string, asOf time.Time) (Snapshot, bool)
	ListSnapshots(projectID string) []Snapshot
	ListSwitches() []SwitchEvent
}

// PersistentStore is the minimal abstraction over durable backends consumed
// by the core service. Implementations must guarantee that a transaction is
// visible either completely or not at all, and must enforce the global
// monotonic write clock: an inserted device or snapshot carrying a timestamp
// earlier than the newest change already recorded anywhere in the store is
// rejected with a StateConflictError.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error

	GetAccount(id string) (Account, bool)
	ListAccounts() []Account
	GetProject(id string) (Project, bool)
	GetProjectByName(name string) (Project, bool)
	ListProjects() []Project
	GetDevice(id string) (DeviceRecord, bool)
	LatestSnapshot(projectID string) (Snapshot, bool)
	SnapshotAsOf(projectID string, asOf time.Time) (Snapshot, bool)
	ListSnapshots(projectID string) []Snapshot
	ListSwitches() []SwitchEvent
}
