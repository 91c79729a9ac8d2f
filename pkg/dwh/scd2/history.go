package scd2

import (
	"fmt"
	"sort"
	"time"
)

// UnresolvedReferenceError reports that a natural key could not be
// resolved to a dimension version valid at the event date. It is a
// row-level condition: callers quarantine the referencing row and
// continue the batch.
type UnresolvedReferenceError struct {
	Dimension  string
	NaturalKey int64
	EventDate  time.Time
	Reason     string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference: dimension %s natural key %d at %s: %s",
		e.Dimension, e.NaturalKey, e.EventDate.Format("2006-01-02"), e.Reason)
}

// History is the in-run state of one dimension: every persisted version,
// updated in place as merges are applied. As-of resolution and current
// lookups answer from here — never from re-querying storage mid-run,
// since the storage layer's deduplication is eventually consistent.
type History struct {
	dimension string
	byNK      map[int64][]*Version
	maxSK     uint64
}

// NewHistory builds the in-run state from the versions read at run start.
func NewHistory(dimension string, versions []Version) *History {
	h := &History{
		dimension: dimension,
		byNK:      make(map[int64][]*Version),
	}
	for i := range versions {
		v := versions[i]
		h.byNK[v.NaturalKey] = append(h.byNK[v.NaturalKey], &v)
		if v.SurrogateKey > h.maxSK {
			h.maxSK = v.SurrogateKey
		}
	}
	for _, vs := range h.byNK {
		sort.Slice(vs, func(i, j int) bool { return vs[i].ValidFrom.Before(vs[j].ValidFrom) })
	}
	return h
}

func (h *History) Dimension() string { return h.dimension }

// MaxSurrogateKey returns the highest surrogate key seen, the seed for
// the key registry.
func (h *History) MaxSurrogateKey() uint64 { return h.maxSK }

// NaturalKeys returns all known natural keys.
func (h *History) NaturalKeys() []int64 {
	keys := make([]int64, 0, len(h.byNK))
	for nk := range h.byNK {
		keys = append(keys, nk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Current returns the entity's open version, or nil.
func (h *History) Current(naturalKey int64) *Version {
	for _, v := range h.byNK[naturalKey] {
		if v.Current {
			return v
		}
	}
	return nil
}

// Versions returns the entity's versions ordered by valid_from.
func (h *History) Versions(naturalKey int64) []*Version {
	return h.byNK[naturalKey]
}

// ResolveAsOf returns the surrogate key of the version whose validity
// window contains eventDate. It never falls back to the current version:
// a backdated event must resolve against the state the entity had then,
// or fail.
func (h *History) ResolveAsOf(naturalKey int64, eventDate time.Time) (uint64, error) {
	vs, ok := h.byNK[naturalKey]
	if !ok || len(vs) == 0 {
		return 0, &UnresolvedReferenceError{
			Dimension:  h.dimension,
			NaturalKey: naturalKey,
			EventDate:  eventDate,
			Reason:     "unknown natural key",
		}
	}
	for _, v := range vs {
		if v.Contains(eventDate) {
			return v.SurrogateKey, nil
		}
	}
	if DateOf(eventDate).Before(vs[0].ValidFrom) {
		return 0, &UnresolvedReferenceError{
			Dimension:  h.dimension,
			NaturalKey: naturalKey,
			EventDate:  eventDate,
			Reason:     fmt.Sprintf("event predates earliest version (valid_from %s)", vs[0].ValidFrom.Format("2006-01-02")),
		}
	}
	return 0, &UnresolvedReferenceError{
		Dimension:  h.dimension,
		NaturalKey: naturalKey,
		EventDate:  eventDate,
		Reason:     "no version covers event date",
	}
}

// Apply folds a decided and key-assigned action into the in-run state so
// that later resolution within the same run sees it.
func (h *History) Apply(action Action) {
	switch action.Kind {
	case ActionNone:
		return
	case ActionInsert:
		v := *action.Open
		h.insert(&v)
	case ActionSupersede:
		nk := action.Close.NaturalKey
		for _, v := range h.byNK[nk] {
			if v.Current {
				v.ValidTo = action.Close.ValidTo
				v.Current = false
			}
		}
		v := *action.Open
		h.insert(&v)
	}
}

func (h *History) insert(v *Version) {
	vs := append(h.byNK[v.NaturalKey], v)
	sort.Slice(vs, func(i, j int) bool { return vs[i].ValidFrom.Before(vs[j].ValidFrom) })
	h.byNK[v.NaturalKey] = vs
	if v.SurrogateKey > h.maxSK {
		h.maxSK = v.SurrogateKey
	}
}
