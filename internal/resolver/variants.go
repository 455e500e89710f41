package resolver

import (
	"fmt"

	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/predicate"
)

// Assignment is the winning candidate of a predicated variant.
type Assignment struct {
	GroupID string
	ID      string
	Value   any
	Default bool
}

// IsPredicated reports whether a genome node holds predicated variants.
func IsPredicated(node any) bool {
	obj, ok := node.(map[string]any)
	if !ok {
		return false
	}
	_, ok = obj[KeyPredicatedValues].([]any)
	return ok
}

// ResolvePredicatedVariant picks the winning candidate of a predicated node.
//
// Candidates are scanned in list order; the first whose predicate passes, or
// the first without a predicate (the default), wins. A default winner is
// only decided once every field referenced by any candidate predicate is
// present in ctx, or some non-default candidate matched. Until then the
// result is undecided so the default does not flicker in while the context
// is still being populated.
func ResolvePredicatedVariant(ctx map[string]any, node map[string]any) (Assignment, bool) {
	values, _ := node[KeyPredicatedValues].([]any)
	groupID := fmt.Sprint(node[KeyPredicatedGroupID])

	allTouched := true
	matchedNonDefault := false
	var winner map[string]any
	winnerIsDefault := false

	for _, item := range values {
		candidate, ok := item.(map[string]any)
		if !ok {
			continue
		}
		raw := candidate[KeyPredicate]
		if raw == nil {
			if winner == nil {
				winner = candidate
				winnerIsDefault = true
			}
			continue
		}
		tree, err := predicate.Parse(raw)
		if err != nil {
			continue
		}
		for _, field := range predicate.Fields(tree) {
			if _, present := keypath.Get(ctx, field); !present {
				allTouched = false
			}
		}
		if !predicate.Evaluate(ctx, tree).Rejected {
			matchedNonDefault = true
			if winner == nil {
				winner = candidate
			}
		}
	}

	if winner == nil {
		return Assignment{}, false
	}
	if winnerIsDefault && !allTouched && !matchedNonDefault {
		return Assignment{}, false
	}
	return Assignment{
		GroupID: groupID,
		ID:      assignmentID(winner),
		Value:   keypath.DeepCopy(winner[KeyValue]),
		Default: winnerIsDefault,
	}, true
}

func assignmentID(candidate map[string]any) string {
	if id, ok := candidate[KeyPredicateAssignmentID]; ok && id != nil {
		return fmt.Sprint(id)
	}
	if id, ok := candidate[KeyAssignmentID]; ok && id != nil {
		return fmt.Sprint(id)
	}
	return ""
}
