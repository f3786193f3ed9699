package core

import (
	"context"
	"fmt"
	"time"
)

// DiffOptions tunes a project comparison.
type DiffOptions struct {
	// AsOfA / AsOfB pin either side to a historical snapshot.
	AsOfA *time.Time
	AsOfB *time.Time
	// IgnoreCommentsAfter drops discussion comments newer than the cutoff
	// from both sides before comparing, so late review chatter never shows
	// up as a configuration difference.
	IgnoreCommentsAfter *time.Time
	// ApprovedOnly restricts the report to keys present on side A: devices
	// and fields that exist only on side B are skipped. Used when comparing
	// a draft against master to show just what the draft would change.
	ApprovedOnly bool
}

// DiffEntry is one flattened key compared across the two sides. Keys are
// dotted paths rooted at the device FC, e.g. "AT1L0.nom_loc_z" or
// "AT1L0.discussion.0.comment".
type DiffEntry struct {
	Key     string `json:"key"`
	Differs bool   `json:"differs"`
	ValueA  any    `json:"value_a,omitempty"`
	ValueB  any    `json:"value_b,omitempty"`
}

// DiffProjects compares the effective device sets of two projects and
// returns one entry per flattened key, sorted by key. Comparing a project
// against itself yields no differing entries.
func (s *Service) DiffProjects(ctx context.Context, projectA, projectB string, opts DiffOptions) (entries []DiffEntry, err error) {
	start := time.Now()
	defer func() { s.observe("diff_projects", start, err) }()
	flatA, err := s.flattenProject(ctx, projectA, opts.AsOfA, opts.IgnoreCommentsAfter)
	if err != nil {
		return nil, err
	}
	flatB, err := s.flattenProject(ctx, projectB, opts.AsOfB, opts.IgnoreCommentsAfter)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]bool, len(flatA)+len(flatB))
	for k := range flatA {
		keys[k] = true
	}
	for k := range flatB {
		if opts.ApprovedOnly {
			continue
		}
		keys[k] = true
	}

	entries = make([]DiffEntry, 0, len(keys))
	for _, k := range sortedKeys(keys) {
		va, inA := flatA[k]
		vb, inB := flatB[k]
		differs := inA != inB || !equalAttr(va, vb)
		entries = append(entries, DiffEntry{Key: k, Differs: differs, ValueA: va, ValueB: vb})
	}
	return entries, nil
}

// flattenProject resolves a project's device set and flattens every device
// into dotted-path leaves keyed by FC.
func (s *Service) flattenProject(ctx context.Context, projectID string, asOf, commentCutoff *time.Time) (map[string]any, error) {
	devices, err := s.ProjectDevices(ctx, projectID, asOf)
	if err != nil {
		return nil, err
	}
	flat := make(map[string]any)
	for _, d := range devices {
		flatten(d.FC, deviceView(d, commentCutoff), flat)
	}
	return flat, nil
}

// deviceView turns a record into the comparable attribute map: identity
// fields, the full attribute set, and the (possibly cutoff-filtered)
// discussion thread.
func deviceView(d DeviceRecord, commentCutoff *time.Time) map[string]any {
	view := make(map[string]any, len(d.Attributes)+4)
	for k, v := range d.Attributes {
		view[k] = v
	}
	view["fc"] = d.FC
	view["device_type"] = string(d.DeviceType)
	if d.FG != "" {
		view["fg"] = d.FG
	}
	if len(d.Discussion) > 0 {
		thread := make([]any, 0, len(d.Discussion))
		for _, c := range d.Discussion {
			if commentCutoff != nil && c.CreatedAt.After(*commentCutoff) {
				continue
			}
			thread = append(thread, map[string]any{
				"author":  c.Author,
				"comment": c.Comment,
			})
		}
		if len(thread) > 0 {
			view["discussion"] = thread
		}
	}
	return view
}

// flatten walks maps and slices down to scalar leaves, recording each leaf
// under its dotted path.
func flatten(prefix string, value any, out map[string]any) {
	switch v := value.(type) {
	case map[string]any:
		for _, k := range sortedKeys(v) {
			flatten(prefix+"."+k, v[k], out)
		}
	case []any:
		for i, item := range v {
			flatten(fmt.Sprintf("%s.%d", prefix, i), item, out)
		}
	default:
		out[prefix] = value
	}
}
