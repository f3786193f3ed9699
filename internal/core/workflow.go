package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

// CreateProject creates a new draft project in development status.
func (s *Service) CreateProject(ctx context.Context, name, description, owner string, at time.Time) (created Project, err error) {
	start := time.Now()
	defer func() { s.observe("create_project", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateProject(Project{
			Name:        name,
			Description: description,
			Owner:       owner,
			Status:      StatusDevelopment,
			CreatedAt:   at,
		})
		return txErr
	})
	return created, err
}

// EnsureMasterProject creates the canonical master project if it does not
// exist yet, seeding it with an empty initial snapshot.
func (s *Service) EnsureMasterProject(ctx context.Context, owner string, at time.Time) (master Project, err error) {
	start := time.Now()
	defer func() { s.observe("ensure_master", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if existing, ok := tx.FindProjectByName(domain.MasterProjectName); ok {
			master = existing
			return nil
		}
		var txErr error
		master, txErr = tx.CreateProject(Project{
			Name:        domain.MasterProjectName,
			Description: "canonical machine configuration",
			Owner:       owner,
			Status:      StatusDevelopment,
			CreatedAt:   at,
		})
		if txErr != nil {
			return txErr
		}
		_, txErr = tx.InsertSnapshot(Snapshot{ProjectID: master.ID, Author: owner, CreatedAt: at})
		return txErr
	})
	return master, err
}

// CloneProject creates a new draft seeded with the source project's current
// device set. Cloned devices become fresh records owned by the new project.
func (s *Service) CloneProject(ctx context.Context, sourceID, name, description, owner string, at time.Time) (created Project, err error) {
	start := time.Now()
	defer func() { s.observe("clone_project", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		source, ok := tx.FindProject(sourceID)
		if !ok {
			return domain.NotFoundError{Kind: "project", ID: sourceID}
		}
		var txErr error
		created, txErr = tx.CreateProject(Project{
			Name:        name,
			Description: description,
			Owner:       owner,
			Status:      StatusDevelopment,
			CreatedAt:   at,
		})
		if txErr != nil {
			return txErr
		}
		byFC, _, txErr := resolveDeviceSet(tx, source.ID)
		if txErr != nil {
			return txErr
		}
		ids := make([]string, 0, len(byFC))
		for _, fc := range sortedKeys(byFC) {
			src := byFC[fc]
			copied, insErr := tx.InsertDevice(DeviceRecord{
				DeviceType: src.DeviceType,
				FC:         src.FC,
				FG:         src.FG,
				ProjectID:  created.ID,
				CreatedBy:  owner,
				CreatedAt:  at,
				Attributes: src.Attributes,
				Discussion: src.Discussion,
			})
			if insErr != nil {
				return insErr
			}
			ids = append(ids, copied.ID)
		}
		_, txErr = tx.InsertSnapshot(Snapshot{
			ProjectID: created.ID,
			Author:    owner,
			CreatedAt: at,
			DeviceIDs: ids,
		})
		return txErr
	})
	return created, err
}

// EditProject updates a development project's description and editor list.
// Editor changes fan out as add/remove notifications.
func (s *Service) EditProject(ctx context.Context, projectID, actor string, description *string, editors *[]string) (updated Project, err error) {
	start := time.Now()
	defer func() { s.observe("edit_project", start, err) }()
	var added, removed []string
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateProject(projectID, func(p *Project) error {
			if p.Status != StatusDevelopment {
				return domain.StateConflictError{Reason: fmt.Sprintf("project %q is %s; only development projects can be edited", p.Name, p.Status)}
			}
			if !isOwnerOrEditor(*p, actor) && !s.isAdmin(tx, actor) {
				return domain.PermissionError{Actor: actor, Reason: fmt.Sprintf("not an owner or editor of project %q", p.Name)}
			}
			if description != nil {
				p.Description = *description
			}
			if editors != nil {
				next := dedupe(*editors)
				for _, e := range next {
					if _, ok := tx.FindAccount(e); !ok {
						return domain.ValidationError{Errors: []FieldError{{Field: "editors", Message: fmt.Sprintf("%q is not a registered account", e)}}}
					}
				}
				added, removed = setDelta(p.Editors, next)
				p.Editors = next
			}
			return nil
		})
		return txErr
	})
	if err == nil && s.notifier != nil {
		if len(added) > 0 {
			s.notifier.AddEditors(added, updated.Name, updated.ID)
		}
		if len(removed) > 0 {
			s.notifier.RemoveEditors(removed, updated.Name, updated.ID)
		}
	}
	return updated, err
}

// SubmitProject moves a project from development into submitted status.
// Super-approver accounts join the supplied approver list automatically;
// every approver must be a registered account distinct from the submitter,
// owner, and editors. Re-submitting an already submitted project replaces
// its approver set and clears any approvals collected so far.
func (s *Service) SubmitProject(ctx context.Context, projectID, submitter string, approvers []string, at time.Time) (submitted Project, err error) {
	start := time.Now()
	defer func() { s.observe("submit_project", start, err) }()
	var approversAdded, approversRemoved []string
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		submitted, txErr = tx.UpdateProject(projectID, func(p *Project) error {
			if p.Name == domain.MasterProjectName {
				return domain.StateConflictError{Reason: "the master project cannot be submitted for approval"}
			}
			if p.Status != StatusDevelopment && p.Status != StatusSubmitted {
				return domain.StateConflictError{Reason: fmt.Sprintf("project %q is %s; only development or submitted projects can be submitted", p.Name, p.Status)}
			}
			if !isOwnerOrEditor(*p, submitter) && !s.isAdmin(tx, submitter) {
				return domain.PermissionError{Actor: submitter, Reason: fmt.Sprintf("not an owner or editor of project %q", p.Name)}
			}

			set := dedupe(approvers)
			for _, a := range tx.ListAccounts() {
				if a.SuperApprover {
					set = append(set, a.ID)
				}
			}
			set = dedupe(set)
			sort.Strings(set)

			var fieldErrs []FieldError
			if len(set) == 0 {
				fieldErrs = append(fieldErrs, FieldError{Field: "approvers", Message: "at least one approver required"})
			}
			for _, id := range set {
				if _, ok := tx.FindAccount(id); !ok {
					fieldErrs = append(fieldErrs, FieldError{Field: "approvers", Message: fmt.Sprintf("%q is not a registered account", id)})
					continue
				}
				if id == submitter {
					fieldErrs = append(fieldErrs, FieldError{Field: "approvers", Message: fmt.Sprintf("submitter %q cannot approve their own submission", id)})
				}
				if isOwnerOrEditor(*p, id) {
					fieldErrs = append(fieldErrs, FieldError{Field: "approvers", Message: fmt.Sprintf("%q edits this project and cannot approve it", id)})
				}
			}
			if len(fieldErrs) > 0 {
				return domain.ValidationError{Errors: fieldErrs}
			}

			approversAdded, approversRemoved = setDelta(p.Approvers, set)
			submittedAt := at
			p.Status = StatusSubmitted
			p.SubmittedAt = &submittedAt
			p.Submitter = submitter
			p.Approvers = set
			p.ApprovedBy = nil
			return nil
		})
		return txErr
	})
	if err == nil && s.notifier != nil {
		s.notifier.SubmittedForApproval(submitted.Name, submitted.ID)
		if len(approversAdded) > 0 {
			s.notifier.AddApprovers(approversAdded, submitted.Name, submitted.ID)
		}
		if len(approversRemoved) > 0 {
			s.notifier.RemoveApprovers(approversRemoved, submitted.Name, submitted.ID)
		}
	}
	return submitted, err
}

// ApproveProject records one approver's sign-off. When every assigned
// approver has signed, the project's device set is merged into master, a
// switch event is recorded, and both projects return to development, all
// within a single transaction. The returned flag reports whether this call
// completed the approval and triggered the merge.
func (s *Service) ApproveProject(ctx context.Context, projectID, approver string, at time.Time) (approved Project, merged bool, err error) {
	start := time.Now()
	defer func() { s.observe("approve_project", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		p, ok := tx.FindProject(projectID)
		if !ok {
			return domain.NotFoundError{Kind: "project", ID: projectID}
		}
		if p.Status != StatusSubmitted {
			return domain.StateConflictError{Reason: fmt.Sprintf("project %q is %s; only submitted projects can be approved", p.Name, p.Status)}
		}
		if !isApprover(p, approver) {
			return domain.PermissionError{Actor: approver, Reason: fmt.Sprintf("not an assigned approver of project %q", p.Name)}
		}
		if hasApproved(p, approver) {
			return domain.PermissionError{Actor: approver, Reason: fmt.Sprintf("already approved project %q", p.Name)}
		}

		signed := append(append([]string(nil), p.ApprovedBy...), approver)
		if !containsAll(signed, p.Approvers) {
			var txErr error
			approved, txErr = tx.UpdateProject(projectID, func(p *Project) error {
				p.ApprovedBy = signed
				return nil
			})
			return txErr
		}

		// Final sign-off: merge into master.
		master, ok := tx.FindProjectByName(domain.MasterProjectName)
		if !ok {
			return domain.InvariantViolation{Message: "master project missing during merge"}
		}
		if txErr := s.mergeIntoMaster(tx, p, master, approver, at); txErr != nil {
			return txErr
		}

		approvedAt := at
		var txErr error
		approved, txErr = tx.UpdateProject(projectID, func(p *Project) error {
			p.Status = StatusDevelopment
			p.ApprovedAt = &approvedAt
			p.ApprovedBy = nil
			p.Approvers = nil
			p.Editors = nil
			p.Notes = nil
			return nil
		})
		if txErr != nil {
			return txErr
		}
		if _, txErr = tx.InsertSwitch(SwitchEvent{
			ProjectID:   p.ID,
			ProjectName: p.Name,
			Submitter:   p.Submitter,
			SwitchedAt:  at,
		}); txErr != nil {
			return txErr
		}
		merged = true
		return nil
	})
	if err == nil && merged && s.notifier != nil {
		s.notifier.Approved(approved.Name, approved.ID)
	}
	return approved, merged, err
}

// mergeIntoMaster folds the submitted project's device set into master:
// union by FC, with the submission winning every overlap. Master devices the
// submission never touched survive unchanged; devices whose attributes are
// identical keep their existing master record.
func (s *Service) mergeIntoMaster(tx Transaction, submission, master Project, approver string, at time.Time) error {
	draft, _, err := resolveDeviceSet(tx, submission.ID)
	if err != nil {
		return err
	}
	current, _, err := resolveDeviceSet(tx, master.ID)
	if err != nil {
		return err
	}

	mergedIDs := make(map[string]string, len(current)+len(draft))
	for fc, d := range current {
		mergedIDs[fc] = d.ID
	}
	var changelog []ChangeEntry
	for _, fc := range sortedKeys(draft) {
		incoming := draft[fc]
		prev, exists := current[fc]
		delta := attributeDelta(prev, incoming, exists, approver, at)
		if exists && len(delta) == 0 {
			continue
		}
		record, insErr := tx.InsertDevice(DeviceRecord{
			DeviceType: incoming.DeviceType,
			FC:         incoming.FC,
			FG:         incoming.FG,
			ProjectID:  master.ID,
			CreatedBy:  submission.Submitter,
			CreatedAt:  at,
			Attributes: incoming.Attributes,
			Discussion: incoming.Discussion,
		})
		if insErr != nil {
			return insErr
		}
		for i := range delta {
			delta[i].DeviceID = record.ID
		}
		changelog = append(changelog, delta...)
		mergedIDs[fc] = record.ID
	}

	ids := make([]string, 0, len(mergedIDs))
	for _, fc := range sortedKeys(mergedIDs) {
		ids = append(ids, mergedIDs[fc])
	}
	if _, err := tx.InsertSnapshot(Snapshot{
		ProjectID: master.ID,
		Author:    approver,
		CreatedAt: at,
		DeviceIDs: ids,
		Changelog: changelog,
		Name:      fmt.Sprintf("approved: %s", submission.Name),
	}); err != nil {
		return err
	}

	approvedAt := at
	_, err = tx.UpdateProject(master.ID, func(m *Project) error {
		m.Status = StatusDevelopment
		m.ApprovedAt = &approvedAt
		m.ApprovedBy = nil
		m.Approvers = nil
		m.Editors = nil
		m.Notes = nil
		return nil
	})
	return err
}

// attributeDelta lists the field-level changes the incoming record applies
// on top of the previous master record (or all fields when the device is new
// to master).
func attributeDelta(prev, incoming DeviceRecord, exists bool, actor string, at time.Time) []ChangeEntry {
	var out []ChangeEntry
	if !exists {
		for _, field := range sortedKeys(incoming.Attributes) {
			out = append(out, ChangeEntry{FC: incoming.FC, Field: field, Previous: nil, New: incoming.Attributes[field], User: actor, At: at})
		}
		return out
	}
	for _, field := range sortedKeys(incoming.Attributes) {
		if equalAttr(prev.Attributes[field], incoming.Attributes[field]) {
			continue
		}
		out = append(out, ChangeEntry{FC: incoming.FC, Field: field, Previous: prev.Attributes[field], New: incoming.Attributes[field], User: actor, At: at})
	}
	for _, field := range sortedKeys(prev.Attributes) {
		if _, kept := incoming.Attributes[field]; !kept {
			out = append(out, ChangeEntry{FC: incoming.FC, Field: field, Previous: prev.Attributes[field], New: nil, User: actor, At: at})
		}
	}
	if prev.FG != incoming.FG {
		out = append(out, ChangeEntry{FC: incoming.FC, Field: "fg", Previous: prev.FG, New: incoming.FG, User: actor, At: at})
	}
	return out
}

// RejectProject sends a submitted project back to development. Any collected
// approvals are discarded and the reason is recorded as a timestamped note.
func (s *Service) RejectProject(ctx context.Context, projectID, actor, reason string, at time.Time) (rejected Project, err error) {
	start := time.Now()
	defer func() { s.observe("reject_project", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		rejected, txErr = tx.UpdateProject(projectID, func(p *Project) error {
			if p.Status != StatusSubmitted {
				return domain.StateConflictError{Reason: fmt.Sprintf("project %q is %s; only submitted projects can be rejected", p.Name, p.Status)}
			}
			if !isOwnerOrEditor(*p, actor) && !isApprover(*p, actor) && !s.isAdmin(tx, actor) {
				return domain.PermissionError{Actor: actor, Reason: fmt.Sprintf("not an owner, editor, or approver of project %q", p.Name)}
			}
			note := fmt.Sprintf("%s rejected by %s: %s", at.Format(time.RFC3339), actor, reason)
			p.Notes = append([]string{note}, p.Notes...)
			p.Status = StatusDevelopment
			p.ApprovedBy = nil
			p.ApprovedAt = nil
			return nil
		})
		return txErr
	})
	if err == nil && s.notifier != nil {
		s.notifier.Rejected(rejected.Name, rejected.ID, reason, actor)
	}
	return rejected, err
}

// HideProject soft-deletes a development project: it is renamed out of the
// way (freeing its name for reuse) and marked hidden. History is retained.
func (s *Service) HideProject(ctx context.Context, projectID, actor string, at time.Time) (hidden Project, err error) {
	start := time.Now()
	defer func() { s.observe("hide_project", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		hidden, txErr = tx.UpdateProject(projectID, func(p *Project) error {
			if p.Name == domain.MasterProjectName {
				return domain.StateConflictError{Reason: "the master project cannot be hidden"}
			}
			if p.Status != StatusDevelopment {
				return domain.StateConflictError{Reason: fmt.Sprintf("project %q is %s; only development projects can be hidden", p.Name, p.Status)}
			}
			if p.Owner != actor && !s.isAdmin(tx, actor) {
				return domain.PermissionError{Actor: actor, Reason: fmt.Sprintf("not the owner of project %q", p.Name)}
			}
			candidate := fmt.Sprintf("hidden_%s_%s", at.Format("20060102"), p.Name)
			for i := 2; ; i++ {
				if _, taken := tx.FindProjectByName(candidate); !taken {
					break
				}
				candidate = fmt.Sprintf("hidden_%s_%s_%d", at.Format("20060102"), p.Name, i)
			}
			p.Name = candidate
			p.Status = StatusHidden
			return nil
		})
		return txErr
	})
	return hidden, err
}

// DeleteProject permanently removes a project together with its device
// records and snapshots. Admin only; the master project is never deletable.
func (s *Service) DeleteProject(ctx context.Context, projectID, actor string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete_project", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		p, ok := tx.FindProject(projectID)
		if !ok {
			return domain.NotFoundError{Kind: "project", ID: projectID}
		}
		if p.Name == domain.MasterProjectName {
			return domain.StateConflictError{Reason: "the master project cannot be deleted"}
		}
		if !s.isAdmin(tx, actor) {
			return domain.PermissionError{Actor: actor, Reason: "only administrators can permanently delete projects"}
		}
		if txErr := tx.DeleteSnapshotsByProject(projectID); txErr != nil {
			return txErr
		}
		if txErr := tx.DeleteDevicesByProject(projectID); txErr != nil {
			return txErr
		}
		return tx.DeleteProject(projectID)
	})
	return err
}

// Projects lists all projects, optionally filtering out hidden ones.
func (s *Service) Projects(includeHidden bool) []Project {
	all := s.store.ListProjects()
	if includeHidden {
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
		return all
	}
	out := make([]Project, 0, len(all))
	for _, p := range all {
		if p.Status == StatusHidden {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Project looks up a single project by id.
func (s *Service) Project(projectID string) (Project, error) {
	p, ok := s.store.GetProject(projectID)
	if !ok {
		return Project{}, domain.NotFoundError{Kind: "project", ID: projectID}
	}
	return p, nil
}

// ProjectByName looks up a single project by its globally unique name.
func (s *Service) ProjectByName(name string) (Project, error) {
	p, ok := s.store.GetProjectByName(name)
	if !ok {
		return Project{}, domain.NotFoundError{Kind: "project", ID: name}
	}
	return p, nil
}

// Switches returns the permanent merge audit trail, oldest first.
func (s *Service) Switches() []SwitchEvent { return s.store.ListSwitches() }

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func setDelta(old, new []string) (added, removed []string) {
	before := make(map[string]bool, len(old))
	for _, v := range old {
		before[v] = true
	}
	after := make(map[string]bool, len(new))
	for _, v := range new {
		after[v] = true
		if !before[v] {
			added = append(added, v)
		}
	}
	for _, v := range old {
		if !after[v] {
			removed = append(removed, v)
		}
	}
	return added, removed
}

func containsAll(have []string, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, v := range have {
		set[v] = true
	}
	for _, v := range want {
		if !set[v] {
			return false
		}
	}
	return true
}
