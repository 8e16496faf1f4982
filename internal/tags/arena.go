// Package tags implements the per-tenant cost-attribution tag tree as an
// index-based arena rather than a pointer graph, per the design note that
// counters must never be reachable through a cycle of live pointers: a tag
// tree is loaded once per resolution as a flat slice, and parent references
// are plain integer indices into that slice.
package tags

import (
	"errors"
	"fmt"

	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

// MaxWalkDepth bounds the ancestor walk so a corrupt or cyclic parent chain
// cannot hang a resolution.
const MaxWalkDepth = 32

// ErrWalkTooDeep is returned when an ancestor walk exceeds MaxWalkDepth,
// which the budget resolver treats as a resolution error rather than a
// partial result.
var ErrWalkTooDeep = errors.New("tags: ancestor walk exceeded max depth")

// ErrDanglingParent is returned when a tag's ParentID does not resolve to
// any record in the arena.
var ErrDanglingParent = errors.New("tags: parent id not found in arena")

// record pairs a Tag with the arena index of its parent, -1 for a root.
type record struct {
	tag        domain.Tag
	parentIdx  int
}

// Arena holds every tag for one tenant as a flat, index-addressed slice.
type Arena struct {
	records []record
	byID    map[int64]int
}

// NewArena builds an Arena from a tenant's tag rows. Parent/child links are
// resolved once, up front, into integer indices.
func NewArena(rows []domain.Tag) (*Arena, error) {
	a := &Arena{
		records: make([]record, len(rows)),
		byID:    make(map[int64]int, len(rows)),
	}
	for i, t := range rows {
		a.records[i] = record{tag: t, parentIdx: -1}
		a.byID[t.ID] = i
	}
	for i, t := range rows {
		if t.ParentID == nil {
			continue
		}
		idx, ok := a.byID[*t.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: tag %d references parent %d", ErrDanglingParent, t.ID, *t.ParentID)
		}
		a.records[i].parentIdx = idx
	}
	return a, nil
}

// Get returns the tag with the given id.
func (a *Arena) Get(id int64) (domain.Tag, bool) {
	idx, ok := a.byID[id]
	if !ok {
		return domain.Tag{}, false
	}
	return a.records[idx].tag, true
}

// Path returns the materialized dot-delimited path from root to this tag
// (e.g. "eng.platform.billing"), computed by walking parent indices. No
// package here writes the result back; Tag.Path is read as stored in the
// tags table.
func (a *Arena) Path(id int64) (string, error) {
	idx, ok := a.byID[id]
	if !ok {
		return "", fmt.Errorf("tags: unknown tag id %d", id)
	}
	var segments []string
	cur := idx
	for depth := 0; ; depth++ {
		if depth >= MaxWalkDepth {
			return "", ErrWalkTooDeep
		}
		segments = append([]string{a.records[cur].tag.Name}, segments...)
		if a.records[cur].parentIdx == -1 {
			break
		}
		cur = a.records[cur].parentIdx
	}
	path := segments[0]
	for _, s := range segments[1:] {
		path += "." + s
	}
	return path, nil
}

// Ancestor is one hop of an ancestor walk: the tag itself. Only ancestors
// that participate under the inheritance mode are returned.
type Ancestor struct {
	Tag domain.Tag
}

// AncestorsWithInheritance walks from id up to the root, collecting every
// ancestor (excluding id itself) whose configured TagBudget inheritance
// mode is STRICT or LENIENT, per spec §4.3's ancestor-walk algorithm.
// budgetOf looks up the active TagBudget for a tag id, returning
// (budget, found); tags without a configured budget are skipped but still
// count against the depth cap.
func (a *Arena) AncestorsWithInheritance(id int64, budgetOf func(tagID int64) (domain.TagBudget, bool)) ([]Ancestor, error) {
	idx, ok := a.byID[id]
	if !ok {
		return nil, fmt.Errorf("tags: unknown tag id %d", id)
	}

	var out []Ancestor
	cur := a.records[idx].parentIdx
	for depth := 0; cur != -1; depth++ {
		if depth >= MaxWalkDepth {
			return nil, ErrWalkTooDeep
		}
		parent := a.records[cur].tag
		if tb, found := budgetOf(parent.ID); found {
			switch tb.InheritanceMode {
			case domain.InheritanceStrict, domain.InheritanceLenient:
				out = append(out, Ancestor{Tag: parent})
			}
		}
		cur = a.records[cur].parentIdx
	}
	return out, nil
}
