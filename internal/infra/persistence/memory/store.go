// Package memory provides the in-memory implementation of the core
// persistence store. It is the canonical transactional implementation: the
// sqlite and postgres drivers wrap it and persist its exported state.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Account aliases domain.Account for in-memory persistence operations.
	Account = domain.Account
	// Project aliases domain.Project.
	Project = domain.Project
	// DeviceRecord aliases domain.DeviceRecord.
	DeviceRecord = domain.DeviceRecord
	// Snapshot aliases domain.Snapshot.
	Snapshot = domain.Snapshot
	// SwitchEvent aliases domain.SwitchEvent.
	SwitchEvent = domain.SwitchEvent
	// Transaction aliases domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	accounts   map[string]Account
	projects   map[string]Project
	devices    map[string]DeviceRecord
	snapshots  map[string][]Snapshot // project id -> snapshots in insertion order
	switches   []SwitchEvent
	lastChange time.Time
}

// State captures a point-in-time clone of the store contents for external
// persistence (sqlite/postgres bucket snapshots).
type State struct {
	Accounts   map[string]Account      `json:"accounts"`
	Projects   map[string]Project      `json:"projects"`
	Devices    map[string]DeviceRecord `json:"devices"`
	Snapshots  map[string][]Snapshot   `json:"snapshots"`
	Switches   []SwitchEvent           `json:"switches"`
	LastChange time.Time               `json:"last_change"`
}

func newMemoryState() memoryState {
	return memoryState{
		accounts:  make(map[string]Account),
		projects:  make(map[string]Project),
		devices:   make(map[string]DeviceRecord),
		snapshots: make(map[string][]Snapshot),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.accounts {
		cloned.accounts[k] = v
	}
	for k, v := range s.projects {
		cloned.projects[k] = cloneProject(v)
	}
	for k, v := range s.devices {
		cloned.devices[k] = cloneDevice(v)
	}
	for k, v := range s.snapshots {
		rows := make([]Snapshot, len(v))
		for i, snap := range v {
			rows[i] = cloneSnapshot(snap)
		}
		cloned.snapshots[k] = rows
	}
	cloned.switches = append([]SwitchEvent(nil), s.switches...)
	cloned.lastChange = s.lastChange
	return cloned
}

func stateFromMemoryState(state memoryState) State {
	out := State{
		Accounts:   make(map[string]Account, len(state.accounts)),
		Projects:   make(map[string]Project, len(state.projects)),
		Devices:    make(map[string]DeviceRecord, len(state.devices)),
		Snapshots:  make(map[string][]Snapshot, len(state.snapshots)),
		Switches:   append([]SwitchEvent(nil), state.switches...),
		LastChange: state.lastChange,
	}
	for k, v := range state.accounts {
		out.Accounts[k] = v
	}
	for k, v := range state.projects {
		out.Projects[k] = cloneProject(v)
	}
	for k, v := range state.devices {
		out.Devices[k] = cloneDevice(v)
	}
	for k, v := range state.snapshots {
		rows := make([]Snapshot, len(v))
		for i, snap := range v {
			rows[i] = cloneSnapshot(snap)
		}
		out.Snapshots[k] = rows
	}
	return out
}

func memoryStateFromState(s State) memoryState {
	state := newMemoryState()
	for k, v := range s.Accounts {
		state.accounts[k] = v
	}
	for k, v := range s.Projects {
		state.projects[k] = cloneProject(v)
	}
	for k, v := range s.Devices {
		state.devices[k] = cloneDevice(v)
	}
	for k, v := range s.Snapshots {
		rows := make([]Snapshot, len(v))
		for i, snap := range v {
			rows[i] = cloneSnapshot(snap)
		}
		state.snapshots[k] = rows
	}
	state.switches = append([]SwitchEvent(nil), s.Switches...)
	state.lastChange = s.LastChange
	return state
}

func cloneProject(p Project) Project {
	cp := p
	cp.Editors = append([]string(nil), p.Editors...)
	cp.Approvers = append([]string(nil), p.Approvers...)
	cp.ApprovedBy = append([]string(nil), p.ApprovedBy...)
	cp.Notes = append([]string(nil), p.Notes...)
	if p.SubmittedAt != nil {
		t := *p.SubmittedAt
		cp.SubmittedAt = &t
	}
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		cp.ApprovedAt = &t
	}
	return cp
}

func cloneDevice(d DeviceRecord) DeviceRecord {
	cp := d
	if d.Attributes != nil {
		cp.Attributes = make(map[string]any, len(d.Attributes))
		for k, v := range d.Attributes {
			cp.Attributes[k] = v
		}
	}
	cp.Discussion = append([]domain.Comment(nil), d.Discussion...)
	return cp
}

func cloneSnapshot(s Snapshot) Snapshot {
	cp := s
	cp.DeviceIDs = append([]string(nil), s.DeviceIDs...)
	cp.Changelog = append([]domain.ChangeEntry(nil), s.Changelog...)
	return cp
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the store clock; used by tests to control time.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ExportState clones the current store contents for external persistence.
func (s *Store) ExportState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateFromMemoryState(s.state)
}

// ImportState replaces the store contents with the provided state.
func (s *Store) ImportState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromState(state)
}

type transaction struct {
	state *memoryState
	now   time.Time
}

// RunInTransaction executes fn within a transactional copy of the store
// state. The copy is committed only when fn returns nil, so readers never
// observe partial writes.
func (s *Store) RunInTransaction(_ context.Context, fn func(tx Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	tx := &transaction{state: &staged, now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.state.clone()
	return fn(&view{state: &snapshot})
}

func (tx *transaction) Now() time.Time { return tx.now }

// advanceClock enforces the global monotonic write clock shared by all
// projects: a write stamped earlier than the newest recorded change anywhere
// in the store is rejected so stale writers retry with a fresh timestamp.
func (tx *transaction) advanceClock(at time.Time) error {
	if at.Before(tx.state.lastChange) {
		return domain.StateConflictError{Reason: fmt.Sprintf(
			"clock skew: write time %s is earlier than the latest recorded change %s",
			at.Format(time.RFC3339Nano), tx.state.lastChange.Format(time.RFC3339Nano))}
	}
	tx.state.lastChange = at
	return nil
}

func (tx *transaction) CreateAccount(a Account) (Account, error) {
	if a.ID == "" {
		return Account{}, fmt.Errorf("account id required")
	}
	if _, exists := tx.state.accounts[a.ID]; exists {
		return Account{}, fmt.Errorf("account %q already exists", a.ID)
	}
	tx.state.accounts[a.ID] = a
	return a, nil
}

func (tx *transaction) UpdateAccount(id string, mutator func(*Account) error) (Account, error) {
	current, ok := tx.state.accounts[id]
	if !ok {
		return Account{}, domain.NotFoundError{Kind: "account", ID: id}
	}
	if err := mutator(&current); err != nil {
		return Account{}, err
	}
	current.ID = id
	tx.state.accounts[id] = current
	return current, nil
}

func (tx *transaction) FindAccount(id string) (Account, bool) {
	a, ok := tx.state.accounts[id]
	return a, ok
}

func (tx *transaction) ListAccounts() []Account {
	return listAccounts(tx.state)
}

func (tx *transaction) CreateProject(p Project) (Project, error) {
	if p.Name == "" {
		return Project{}, domain.ValidationError{Errors: []domain.FieldError{{Field: "name", Message: "must not be empty"}}}
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if _, exists := tx.state.projects[p.ID]; exists {
		return Project{}, fmt.Errorf("project %q already exists", p.ID)
	}
	if existing, taken := findProjectByName(tx.state, p.Name); taken && existing.ID != p.ID {
		return Project{}, domain.StateConflictError{Reason: fmt.Sprintf("project name %q already in use", p.Name)}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = tx.now
	}
	tx.state.projects[p.ID] = cloneProject(p)
	return cloneProject(p), nil
}

func (tx *transaction) UpdateProject(id string, mutator func(*Project) error) (Project, error) {
	current, ok := tx.state.projects[id]
	if !ok {
		return Project{}, domain.NotFoundError{Kind: "project", ID: id}
	}
	if err := mutator(&current); err != nil {
		return Project{}, err
	}
	current.ID = id
	if current.Name == "" {
		return Project{}, domain.ValidationError{Errors: []domain.FieldError{{Field: "name", Message: "must not be empty"}}}
	}
	if existing, taken := findProjectByName(tx.state, current.Name); taken && existing.ID != id {
		return Project{}, domain.StateConflictError{Reason: fmt.Sprintf("project name %q already in use", current.Name)}
	}
	tx.state.projects[id] = cloneProject(current)
	return cloneProject(current), nil
}

func (tx *transaction) DeleteProject(id string) error {
	if _, ok := tx.state.projects[id]; !ok {
		return domain.NotFoundError{Kind: "project", ID: id}
	}
	delete(tx.state.projects, id)
	return nil
}

func (tx *transaction) FindProject(id string) (Project, bool) {
	p, ok := tx.state.projects[id]
	if !ok {
		return Project{}, false
	}
	return cloneProject(p), true
}

func (tx *transaction) FindProjectByName(name string) (Project, bool) {
	return findProjectByName(tx.state, name)
}

// InsertDevice appends a new immutable device record. Existing records are
// never overwritten.
func (tx *transaction) InsertDevice(d DeviceRecord) (DeviceRecord, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	if _, exists := tx.state.devices[d.ID]; exists {
		return DeviceRecord{}, fmt.Errorf("device record %q already exists", d.ID)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = tx.now
	}
	if err := tx.advanceClock(d.CreatedAt); err != nil {
		return DeviceRecord{}, err
	}
	if d.Attributes == nil {
		d.Attributes = map[string]any{}
	}
	tx.state.devices[d.ID] = cloneDevice(d)
	return cloneDevice(d), nil
}

func (tx *transaction) FindDevice(id string) (DeviceRecord, bool) {
	d, ok := tx.state.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return cloneDevice(d), true
}

func (tx *transaction) DeleteDevicesByProject(projectID string) error {
	for id, d := range tx.state.devices {
		if d.ProjectID == projectID {
			delete(tx.state.devices, id)
		}
	}
	return nil
}

// InsertSnapshot appends a snapshot for its project. The monotonic clock
// guarantees insertion order matches timestamp order, so the last element of
// a project's snapshot list is always its effective state.
func (tx *transaction) InsertSnapshot(snap Snapshot) (Snapshot, error) {
	if snap.ProjectID == "" {
		return Snapshot{}, fmt.Errorf("snapshot project id required")
	}
	if _, ok := tx.state.projects[snap.ProjectID]; !ok {
		return Snapshot{}, domain.NotFoundError{Kind: "project", ID: snap.ProjectID}
	}
	if snap.ID == "" {
		snap.ID = newID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = tx.now
	}
	if err := tx.advanceClock(snap.CreatedAt); err != nil {
		return Snapshot{}, err
	}
	tx.state.snapshots[snap.ProjectID] = append(tx.state.snapshots[snap.ProjectID], cloneSnapshot(snap))
	return cloneSnapshot(snap), nil
}

func (tx *transaction) LatestSnapshot(projectID string) (Snapshot, bool) {
	return latestSnapshot(tx.state, projectID)
}

func (tx *transaction) DeleteSnapshotsByProject(projectID string) error {
	delete(tx.state.snapshots, projectID)
	return nil
}

func (tx *transaction) InsertSwitch(ev SwitchEvent) (SwitchEvent, error) {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.SwitchedAt.IsZero() {
		ev.SwitchedAt = tx.now
	}
	tx.state.switches = append(tx.state.switches, ev)
	return ev, nil
}

type view struct {
	state *memoryState
}

func (v *view) FindAccount(id string) (Account, bool) {
	a, ok := v.state.accounts[id]
	return a, ok
}

func (v *view) ListAccounts() []Account {
	return listAccounts(v.state)
}

func (v *view) FindProject(id string) (Project, bool) {
	p, ok := v.state.projects[id]
	if !ok {
		return Project{}, false
	}
	return cloneProject(p), true
}

func (v *view) FindProjectByName(name string) (Project, bool) {
	return findProjectByName(v.state, name)
}

func (v *view) ListProjects() []Project {
	return listProjects(v.state)
}

func (v *view) FindDevice(id string) (DeviceRecord, bool) {
	d, ok := v.state.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return cloneDevice(d), true
}

func (v *view) LatestSnapshot(projectID string) (Snapshot, bool) {
	return latestSnapshot(v.state, projectID)
}

func (v *view) SnapshotAsOf(projectID string, asOf time.Time) (Snapshot, bool) {
	return snapshotAsOf(v.state, projectID, asOf)
}

func (v *view) ListSnapshots(projectID string) []Snapshot {
	return listSnapshots(v.state, projectID)
}

func (v *view) ListSwitches() []SwitchEvent {
	return append([]SwitchEvent(nil), v.state.switches...)
}

// shared lookup helpers -------------------------------------------------------

func findProjectByName(state *memoryState, name string) (Project, bool) {
	for _, p := range state.projects {
		if p.Name == name {
			return cloneProject(p), true
		}
	}
	return Project{}, false
}

func latestSnapshot(state *memoryState, projectID string) (Snapshot, bool) {
	rows := state.snapshots[projectID]
	if len(rows) == 0 {
		return Snapshot{}, false
	}
	return cloneSnapshot(rows[len(rows)-1]), true
}

func snapshotAsOf(state *memoryState, projectID string, asOf time.Time) (Snapshot, bool) {
	rows := state.snapshots[projectID]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].CreatedAt.After(asOf) {
			return cloneSnapshot(rows[i]), true
		}
	}
	return Snapshot{}, false
}

func listSnapshots(state *memoryState, projectID string) []Snapshot {
	rows := state.snapshots[projectID]
	out := make([]Snapshot, len(rows))
	for i, snap := range rows {
		out[i] = cloneSnapshot(snap)
	}
	return out
}

func listProjects(state *memoryState) []Project {
	out := make([]Project, 0, len(state.projects))
	for _, p := range state.projects {
		out = append(out, cloneProject(p))
	}
	return out
}

func listAccounts(state *memoryState) []Account {
	out := make([]Account, 0, len(state.accounts))
	for _, a := range state.accounts {
		out = append(out, a)
	}
	return out
}

// Read helpers ---------------------------------------------------------------

// GetAccount retrieves an account by id from committed state.
func (s *Store) GetAccount(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.accounts[id]
	return a, ok
}

// ListAccounts returns all accounts from committed state.
func (s *Store) ListAccounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccounts(&s.state)
}

// GetProject retrieves a project by id from committed state.
func (s *Store) GetProject(id string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.projects[id]
	if !ok {
		return Project{}, false
	}
	return cloneProject(p), true
}

// GetProjectByName retrieves a project by its globally unique name.
func (s *Store) GetProjectByName(name string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findProjectByName(&s.state, name)
}

// ListProjects returns all projects from committed state.
func (s *Store) ListProjects() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listProjects(&s.state)
}

// GetDevice retrieves an immutable device record by id.
func (s *Store) GetDevice(id string) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return cloneDevice(d), true
}

// LatestSnapshot returns the most recent snapshot for a project.
func (s *Store) LatestSnapshot(projectID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestSnapshot(&s.state, projectID)
}

// SnapshotAsOf returns the most recent snapshot created at or before asOf.
func (s *Store) SnapshotAsOf(projectID string, asOf time.Time) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotAsOf(&s.state, projectID, asOf)
}

// ListSnapshots returns every snapshot recorded for a project, oldest first.
func (s *Store) ListSnapshots(projectID string) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSnapshots(&s.state, projectID)
}

// ListSwitches returns the permanent merge audit trail, oldest first.
func (s *Store) ListSwitches() []SwitchEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SwitchEvent(nil), s.state.switches...)
}
