// Package domain defines the persistent entities, value types, and error
// taxonomy used by the licco configuration-control core.
package domain

import "time"

// ProjectStatus identifies where a project sits in the review workflow.
type ProjectStatus string

// Canonical project statuses. A project oscillates between development and
// submitted; approved is transient and observed only on the master project
// immediately after a merge; hidden marks a soft-deleted project.
const (
	StatusDevelopment ProjectStatus = "development"
	StatusSubmitted   ProjectStatus = "submitted"
	StatusApproved    ProjectStatus = "approved"
	StatusHidden      ProjectStatus = "hidden"
)

// MasterProjectName is the distinguished name of the canonical merged
// configuration. Exactly one project carries it at any time.
const MasterProjectName = "master"

// DeviceType identifies the validation schema applied to a device record.
// The set is append-only: values observed in stored data must remain
// interpretable forever.
type DeviceType string

const (
	// DeviceTypeUnset marks a record whose type was never assigned. Treated
	// as a caller bug by the validator registry.
	DeviceTypeUnset DeviceType = ""
	// DeviceTypeUnknown deliberately bypasses validation; escape hatch for
	// device classes not yet modeled.
	DeviceTypeUnknown DeviceType = "unknown"
	// DeviceTypeMCD is a machine configuration device (FC/FG placement item).
	DeviceTypeMCD DeviceType = "mcd"
)

// DeviceState enumerates the device lifecycle, ordered from Conceptual
// through Removed.
type DeviceState string

const (
	StateConceptual           DeviceState = "Conceptual"
	StatePlanned              DeviceState = "Planned"
	StateReadyForInstallation DeviceState = "ReadyForInstallation"
	StateInstalled            DeviceState = "Installed"
	StateCommissioned         DeviceState = "Commissioned"
	StateOperational          DeviceState = "Operational"
	StateNonOperational       DeviceState = "NonOperational"
	StateDecommissioned       DeviceState = "Decommissioned"
	StateRemoved              DeviceState = "Removed"
)

// DeviceStates lists every lifecycle state in order.
var DeviceStates = []DeviceState{
	StateConceptual,
	StatePlanned,
	StateReadyForInstallation,
	StateInstalled,
	StateCommissioned,
	StateOperational,
	StateNonOperational,
	StateDecommissioned,
	StateRemoved,
}

// Ordinal returns the position of the state in the lifecycle, or -1 when the
// value is not a known state.
func (s DeviceState) Ordinal() int {
	for i, known := range DeviceStates {
		if known == s {
			return i
		}
	}
	return -1
}

// Project is a named draft (or the canonical master) configuration. It owns
// a review status and the people allowed to move it through the workflow.
// Project records are mutated only by the approval workflow.
type Project struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Owner       string         `json:"owner"`
	Editors     []string       `json:"editors"`
	Approvers   []string       `json:"approvers"`
	Status      ProjectStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	Submitter   string         `json:"submitter,omitempty"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy  []string       `json:"approved_by"`
	Notes       []string       `json:"notes"`
}

// Comment is one entry in a device discussion thread.
type Comment struct {
	Author    string    `json:"author"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceRecord is one immutable, fully resolved attribute set for an FC/FG
// device. Any edit produces a brand-new record with a fresh ID; the old
// record is retained for history and never rewritten.
type DeviceRecord struct {
	ID         string         `json:"id"`
	DeviceType DeviceType     `json:"device_type"`
	FC         string         `json:"fc"`
	FG         string         `json:"fg,omitempty"`
	ProjectID  string         `json:"project_id"`
	CreatedAt  time.Time      `json:"created"`
	CreatedBy  string         `json:"created_by"`
	Attributes map[string]any `json:"attributes"`
	Discussion []Comment      `json:"discussion,omitempty"`
}

// ChangeEntry records one field-level delta applied while producing a new
// device record.
type ChangeEntry struct {
	DeviceID string    `json:"device_id"`
	FC       string    `json:"fc"`
	Field    string    `json:"field"`
	Previous any       `json:"previous"`
	New      any       `json:"new"`
	User     string    `json:"user"`
	At       time.Time `json:"time"`
}

// Snapshot is the authoritative device set of a project at a point in time.
// DeviceIDs always lists the complete set after the operation, not a delta,
// so resolving a project never replays history. Snapshots are immutable once
// written; the most recent snapshot by CreatedAt is the project's effective
// state.
type Snapshot struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Author      string        `json:"author"`
	CreatedAt   time.Time     `json:"created"`
	DeviceIDs   []string      `json:"devices"`
	Changelog   []ChangeEntry `json:"changelog,omitempty"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Account identifies a user known to the system. Approver identities on a
// submission must resolve to accounts; super-approvers are implicitly added
// to every submission's approver set.
type Account struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	SuperApprover bool   `json:"super_approver"`
	Admin         bool   `json:"admin"`
}

// SwitchEvent is the permanent audit entry recorded when a fully approved
// project is merged into master.
type SwitchEvent struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Submitter   string    `json:"submitter"`
	SwitchedAt  time.Time `json:"switched_at"`
}
