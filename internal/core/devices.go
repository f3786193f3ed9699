package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

// editableProject loads a project and checks that the actor may mutate its
// device set right now. Device edits are only legal while the project is in
// development; submitted projects are frozen until approved or rejected.
func (s *Service) editableProject(tx Transaction, projectID, actor string) (Project, error) {
	p, ok := tx.FindProject(projectID)
	if !ok {
		return Project{}, domain.NotFoundError{Kind: "project", ID: projectID}
	}
	if p.Status != StatusDevelopment {
		return Project{}, domain.StateConflictError{Reason: fmt.Sprintf("project %q is %s; devices can only be edited in development", p.Name, p.Status)}
	}
	if !isOwnerOrEditor(p, actor) && !s.isAdmin(tx, actor) {
		return Project{}, domain.PermissionError{Actor: actor, Reason: fmt.Sprintf("not an owner or editor of project %q", p.Name)}
	}
	return p, nil
}

// resolveDeviceSet loads the project's effective device records from its
// latest snapshot. Returns the record per FC plus the snapshot's device id
// list in a stable order.
func resolveDeviceSet(tx Transaction, projectID string) (map[string]DeviceRecord, []string, error) {
	snap, ok := tx.LatestSnapshot(projectID)
	if !ok {
		return map[string]DeviceRecord{}, nil, nil
	}
	byFC := make(map[string]DeviceRecord, len(snap.DeviceIDs))
	ids := append([]string(nil), snap.DeviceIDs...)
	for _, id := range ids {
		d, ok := tx.FindDevice(id)
		if !ok {
			return nil, nil, domain.InvariantViolation{Message: fmt.Sprintf("snapshot %s references missing device record %s", snap.ID, id)}
		}
		byFC[d.FC] = d
	}
	return byFC, ids, nil
}

// equalAttr compares two attribute values structurally. Values round-trip
// through JSON when persisted, so the JSON encoding is the canonical form.
func equalAttr(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

// CreateDevice inserts a brand-new device into a development project. The FC
// must not already exist in the project's effective device set.
func (s *Service) CreateDevice(ctx context.Context, projectID string, device DeviceRecord, actor string, at time.Time) (created DeviceRecord, err error) {
	start := time.Now()
	defer func() { s.observe("create_device", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, txErr := s.editableProject(tx, projectID, actor); txErr != nil {
			return txErr
		}
		if fieldErrs := ValidateDevice(device); len(fieldErrs) > 0 {
			return domain.ValidationError{Errors: fieldErrs}
		}
		byFC, ids, txErr := resolveDeviceSet(tx, projectID)
		if txErr != nil {
			return txErr
		}
		if _, exists := byFC[device.FC]; exists {
			return domain.StateConflictError{Reason: fmt.Sprintf("device %q already exists in project; update it instead", device.FC)}
		}
		validator, _ := ValidatorFor(device.DeviceType)
		attrs, fieldErrs := validator.ValidateAttributes(device.Attributes)
		if len(fieldErrs) > 0 {
			return domain.ValidationError{Errors: fieldErrs}
		}

		record := DeviceRecord{
			DeviceType: device.DeviceType,
			FC:         device.FC,
			FG:         device.FG,
			ProjectID:  projectID,
			CreatedBy:  actor,
			CreatedAt:  at,
			Attributes: attrs,
			Discussion: append([]Comment(nil), device.Discussion...),
		}
		record, txErr = tx.InsertDevice(record)
		if txErr != nil {
			return txErr
		}

		changelog := make([]ChangeEntry, 0, len(attrs))
		for _, field := range sortedKeys(attrs) {
			changelog = append(changelog, ChangeEntry{
				DeviceID: record.ID,
				FC:       record.FC,
				Field:    field,
				Previous: nil,
				New:      attrs[field],
				User:     actor,
				At:       record.CreatedAt,
			})
		}
		if _, txErr = tx.InsertSnapshot(Snapshot{
			ProjectID: projectID,
			Author:    actor,
			CreatedAt: record.CreatedAt,
			DeviceIDs: append(ids, record.ID),
			Changelog: changelog,
		}); txErr != nil {
			return txErr
		}
		created = record
		return nil
	})
	return created, err
}

// UpdateDevice merges a partial change map into the device's current
// attribute set and, when anything actually changed, appends a new immutable
// record plus a snapshot pointing at it. Changes that reproduce the current
// value are suppressed: no new record, no new snapshot. The boolean result
// reports whether a new record was written.
func (s *Service) UpdateDevice(ctx context.Context, projectID, fc string, changes map[string]any, actor string, at time.Time) (updated DeviceRecord, changed bool, err error) {
	start := time.Now()
	defer func() { s.observe("update_device", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, txErr := s.editableProject(tx, projectID, actor); txErr != nil {
			return txErr
		}
		byFC, ids, txErr := resolveDeviceSet(tx, projectID)
		if txErr != nil {
			return txErr
		}
		prev, ok := byFC[fc]
		if !ok {
			return domain.NotFoundError{Kind: "device", ID: fc}
		}

		validator, ok := ValidatorFor(prev.DeviceType)
		if !ok {
			return domain.ValidationError{Errors: []FieldError{{Field: "device_type", Message: fmt.Sprintf("no validator registered for device type %q", prev.DeviceType)}}}
		}

		merged := make(map[string]any, len(prev.Attributes)+len(changes))
		for k, v := range prev.Attributes {
			merged[k] = v
		}
		fg := prev.FG
		var newComments []Comment
		var fieldErrs []FieldError
		var changelog []ChangeEntry

		for _, field := range sortedKeys(changes) {
			raw := changes[field]
			switch field {
			case "fc", "device_type":
				fieldErrs = append(fieldErrs, FieldError{Field: field, Message: "immutable once the device is created"})
				continue
			case "fg":
				value, ok := raw.(string)
				if !ok {
					fieldErrs = append(fieldErrs, FieldError{Field: field, Message: fmt.Sprintf("expected text, got %T", raw)})
					continue
				}
				if value != prev.FG {
					changelog = append(changelog, ChangeEntry{FC: fc, Field: field, Previous: prev.FG, New: value, User: actor, At: at})
					fg = value
				}
				continue
			case "discussion":
				comments, convErr := commentList(raw)
				if convErr != nil {
					fieldErrs = append(fieldErrs, FieldError{Field: field, Message: convErr.Error()})
					continue
				}
				newComments = comments
				continue
			}
			if raw == nil {
				if _, present := merged[field]; present {
					changelog = append(changelog, ChangeEntry{FC: fc, Field: field, Previous: merged[field], New: nil, User: actor, At: at})
					delete(merged, field)
				}
				continue
			}
			value, fe := validator.ValidateField(field, raw)
			if fe != nil {
				fieldErrs = append(fieldErrs, *fe)
				continue
			}
			if equalAttr(merged[field], value) {
				continue
			}
			changelog = append(changelog, ChangeEntry{FC: fc, Field: field, Previous: merged[field], New: value, User: actor, At: at})
			merged[field] = value
		}
		if len(fieldErrs) > 0 {
			return domain.ValidationError{Errors: fieldErrs}
		}

		discussion, appended := mergeComments(prev.Discussion, newComments)

		if len(changelog) == 0 && !appended {
			updated, changed = prev, false
			return nil
		}

		candidate := DeviceRecord{
			DeviceType: prev.DeviceType,
			FC:         prev.FC,
			FG:         fg,
			ProjectID:  projectID,
			CreatedBy:  actor,
			CreatedAt:  at,
			Attributes: merged,
			Discussion: discussion,
		}
		if errs := ValidateDevice(candidate); len(errs) > 0 {
			return domain.ValidationError{Errors: errs}
		}
		record, txErr := tx.InsertDevice(candidate)
		if txErr != nil {
			return txErr
		}
		for i := range changelog {
			changelog[i].DeviceID = record.ID
		}
		if _, txErr = tx.InsertSnapshot(Snapshot{
			ProjectID: projectID,
			Author:    actor,
			CreatedAt: record.CreatedAt,
			DeviceIDs: replaceID(ids, prev.ID, record.ID),
			Changelog: changelog,
		}); txErr != nil {
			return txErr
		}
		updated, changed = record, true
		return nil
	})
	return updated, changed, err
}

// AddDeviceComment appends one comment to a device's discussion thread. The
// comment rides on a fresh record like any other edit; a duplicate comment
// text is dropped silently.
func (s *Service) AddDeviceComment(ctx context.Context, projectID, fc, author, text string, at time.Time) (DeviceRecord, error) {
	updated, _, err := s.UpdateDevice(ctx, projectID, fc, map[string]any{
		"discussion": []Comment{{Author: author, Comment: text, CreatedAt: at}},
	}, author, at)
	if err != nil {
		return DeviceRecord{}, err
	}
	return updated, nil
}

// RemoveDevices drops the named FCs from the project's effective device set
// by writing a snapshot without them. The underlying records are retained:
// historical snapshots still resolve. Unknown FCs are ignored; the count of
// devices actually removed is returned.
func (s *Service) RemoveDevices(ctx context.Context, projectID string, fcs []string, actor string, at time.Time) (removed int, err error) {
	start := time.Now()
	defer func() { s.observe("remove_devices", start, err) }()
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, txErr := s.editableProject(tx, projectID, actor); txErr != nil {
			return txErr
		}
		byFC, ids, txErr := resolveDeviceSet(tx, projectID)
		if txErr != nil {
			return txErr
		}
		drop := make(map[string]DeviceRecord, len(fcs))
		for _, fc := range fcs {
			if d, ok := byFC[fc]; ok {
				drop[d.ID] = d
			}
		}
		if len(drop) == 0 {
			return nil
		}
		kept := make([]string, 0, len(ids))
		var changelog []ChangeEntry
		for _, id := range ids {
			if d, gone := drop[id]; gone {
				changelog = append(changelog, ChangeEntry{DeviceID: id, FC: d.FC, Field: "device", Previous: d.FC, New: nil, User: actor, At: at})
				continue
			}
			kept = append(kept, id)
		}
		if _, txErr = tx.InsertSnapshot(Snapshot{
			ProjectID: projectID,
			Author:    actor,
			CreatedAt: at,
			DeviceIDs: kept,
			Changelog: changelog,
		}); txErr != nil {
			return txErr
		}
		removed = len(drop)
		return nil
	})
	return removed, err
}

// commentList coerces the accepted discussion payload shapes into comments.
func commentList(raw any) ([]Comment, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case Comment:
		return []Comment{v}, nil
	case []Comment:
		return v, nil
	case []any:
		out := make([]Comment, 0, len(v))
		for _, item := range v {
			c, ok := item.(Comment)
			if !ok {
				return nil, fmt.Errorf("expected a comment, got %T", item)
			}
			out = append(out, c)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a comment list, got %T", raw)
}

// mergeComments appends incoming comments to an existing thread, dropping
// any whose text already appears. Returns the merged thread and whether
// anything new was added.
func mergeComments(existing, incoming []Comment) ([]Comment, bool) {
	merged := append([]Comment(nil), existing...)
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.Comment] = true
	}
	appended := false
	for _, c := range incoming {
		if c.Comment == "" || seen[c.Comment] {
			continue
		}
		seen[c.Comment] = true
		merged = append(merged, c)
		appended = true
	}
	return merged, appended
}

func replaceID(ids []string, old, new string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id == old {
			out[i] = new
			continue
		}
		out[i] = id
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
