package scd2

import "time"

// ActionKind tags the outcome of the merge decision for one natural key.
type ActionKind int

const (
	// ActionNone leaves the open version untouched.
	ActionNone ActionKind = iota
	// ActionInsert opens the first version for a new natural key.
	ActionInsert
	// ActionSupersede closes the open version and opens a new one.
	ActionSupersede
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionInsert:
		return "insert"
	case ActionSupersede:
		return "supersede"
	default:
		return "unknown"
	}
}

// Action is the decided outcome. Close is the bounded copy of the
// previously open version (ActionSupersede only); Open is the version to
// insert (ActionInsert and ActionSupersede), with SurrogateKey left zero
// for the caller to allocate.
type Action struct {
	Kind  ActionKind
	Close *Version
	Open  *Version
}

// Decide evaluates the merge decision for one natural key: the staged
// attributes against the entity's open version, as of loadDate. It is a
// pure function; callers apply the result to storage and in-run state.
//
// The full attribute set is compared in a single pass, so several changed
// attributes within one load still produce exactly one new version.
// tracked lists the attribute keys participating in change detection; nil
// means every attribute is tracked.
func Decide(current *Version, naturalKey int64, attrs map[string]string, tracked []string, loadDate time.Time) Action {
	loadDate = DateOf(loadDate)

	if current == nil {
		return Action{
			Kind: ActionInsert,
			Open: &Version{
				NaturalKey: naturalKey,
				Attrs:      attrs,
				ValidFrom:  loadDate,
				ValidTo:    OpenValidTo,
				Current:    true,
			},
		}
	}

	if trackedEqual(current.Attrs, attrs, tracked) {
		return Action{Kind: ActionNone}
	}

	closed := *current
	closed.ValidTo = loadDate.AddDate(0, 0, -1)
	closed.Current = false

	return Action{
		Kind:  ActionSupersede,
		Close: &closed,
		Open: &Version{
			NaturalKey: naturalKey,
			Attrs:      attrs,
			ValidFrom:  loadDate,
			ValidTo:    OpenValidTo,
			Current:    true,
		},
	}
}

func trackedEqual(a, b map[string]string, tracked []string) bool {
	if tracked == nil {
		if len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || av != bv {
				return false
			}
		}
		return true
	}
	for _, k := range tracked {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}
