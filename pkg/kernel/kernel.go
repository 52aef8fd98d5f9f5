// Package kernel implements the three-way diff/merge decision procedure
// (component C8 of the reconciliation design): given the current A
// view, the current B view, and the last-known shadow of both, it
// produces a deterministic, side-effect-free decision per managed
// field. Nothing in this package performs I/O; it is pure data in, pure
// data out, which is what makes it exhaustively unit-testable from
// fixtures alone.
package kernel

import "github.com/brightfield/reconsync/pkg/managedfield"

// Action is the kernel's verdict for one field.
type Action string

const (
	ActionSkip       Action = "skip"
	ActionApplyToA   Action = "apply-to-A"
	ActionApplyToB   Action = "apply-to-B"
	ActionConflict   Action = "conflict"
)

// Direction records which side a value moved from, for the sync log.
type Direction string

const (
	DirAtoB Direction = "A->B"
	DirBtoA Direction = "B->A"
	DirBoth Direction = "BOTH"
	DirNone Direction = "none"
)

// View is a record's values across the managed field set. A nil entry
// or a missing key both mean "absent" under normalization.
type View map[string]*string

// Get returns the raw (non-normalized) value for field, or nil.
func (v View) Get(field string) *string {
	if v == nil {
		return nil
	}
	return v[field]
}

// FieldDecision is the kernel's output for a single managed field.
type FieldDecision struct {
	Field     string
	Action    Action
	Direction Direction
	// Value is the raw (original-case) value to write, set only for
	// ActionApplyToA/ActionApplyToB.
	Value *string
	// AValue/BValue are populated only for ActionConflict, carrying the
	// two diverged raw values for the conflict ledger.
	AValue *string
	BValue *string
}

// Result is the kernel's summary for one record across all managed
// fields.
type Result struct {
	Decisions []FieldDecision
	UpdatesA  []FieldDecision
	UpdatesB  []FieldDecision
	Conflicts []FieldDecision
}

// Decide runs the three-way diff for every field in managedfield.Registry
// and classifies each into skip/apply-to-A/apply-to-B/conflict. It never
// touches a store, a clock, or the network.
func Decide(a, b, shadowA, shadowB View) Result {
	var res Result
	for _, f := range managedfield.Registry {
		d := decideField(f.Name, a, b, shadowA, shadowB)
		res.Decisions = append(res.Decisions, d)
		switch d.Action {
		case ActionApplyToA:
			res.UpdatesA = append(res.UpdatesA, d)
		case ActionApplyToB:
			res.UpdatesB = append(res.UpdatesB, d)
		case ActionConflict:
			res.Conflicts = append(res.Conflicts, d)
		}
	}
	return res
}

func decideField(field string, a, b, shadowA, shadowB View) FieldDecision {
	rawA, rawB := a.Get(field), b.Get(field)

	nA := managedfield.Normalize(rawA)
	nB := managedfield.Normalize(rawB)
	nSA := managedfield.Normalize(shadowA.Get(field))
	nSB := managedfield.Normalize(shadowB.Get(field))

	aChanged := nA != nSA
	bChanged := nB != nSB

	switch {
	case !aChanged && !bChanged:
		return FieldDecision{Field: field, Action: ActionSkip, Direction: DirNone}

	case aChanged && !bChanged:
		return FieldDecision{Field: field, Action: ActionApplyToB, Direction: DirAtoB, Value: rawA}

	case !aChanged && bChanged:
		return FieldDecision{Field: field, Action: ActionApplyToA, Direction: DirBtoA, Value: rawB}

	default: // both changed
		switch {
		case nA == nB:
			// Converged to the same value independently.
			return FieldDecision{Field: field, Action: ActionSkip, Direction: DirBoth}
		case managedfield.Empty(nA) && !managedfield.Empty(nB):
			return FieldDecision{Field: field, Action: ActionApplyToA, Direction: DirBtoA, Value: rawB}
		case !managedfield.Empty(nA) && managedfield.Empty(nB):
			return FieldDecision{Field: field, Action: ActionApplyToB, Direction: DirAtoB, Value: rawA}
		default:
			return FieldDecision{
				Field:  field,
				Action: ActionConflict,
				AValue: rawA,
				BValue: rawB,
			}
		}
	}
}
