package predicate

import "github.com/roach88/evolv/internal/keypath"

// RuleID identifies an evaluated rule: the id of the group that owns it,
// its index within that group, and the field it reads.
type RuleID struct {
	Owner string
	Index int
	Field string
}

// Result is the outcome of evaluating a tree.
type Result struct {
	Rejected bool
	Passed   map[RuleID]struct{}
	Failed   map[RuleID]struct{}
}

// Evaluate runs n against ctx. A nil tree passes.
func Evaluate(ctx map[string]any, n *Node) Result {
	e := &evaluation{
		ctx: ctx,
		result: Result{
			Passed: make(map[RuleID]struct{}),
			Failed: make(map[RuleID]struct{}),
		},
	}
	if n != nil {
		e.result.Rejected = !e.group(n, "")
	}
	return e.result
}

type evaluation struct {
	ctx    map[string]any
	result Result
}

// group evaluates a group node. A lone rule at the root is treated as a
// group of one so its outcome is still recorded.
func (e *evaluation) group(n *Node, parentOwner string) bool {
	if !n.IsGroup() {
		return e.rule(n, RuleID{Owner: parentOwner, Index: 0, Field: n.Field})
	}
	if len(n.Rules) == 0 {
		return true
	}

	owner := n.ID
	if owner == "" {
		owner = parentOwner
	}

	for i, child := range n.Rules {
		var passed bool
		if child.IsGroup() {
			passed = e.group(child, owner)
		} else {
			passed = e.rule(child, RuleID{Owner: owner, Index: i, Field: child.Field})
		}

		if n.Combinator == Or {
			if passed {
				return true
			}
			continue
		}
		if !passed {
			return false
		}
	}
	return n.Combinator != Or
}

func (e *evaluation) rule(n *Node, id RuleID) bool {
	value, present := keypath.Get(e.ctx, n.Field)
	passed := apply(ParseOperator(n.Operator), value, present, n.Value)
	if passed {
		e.result.Passed[id] = struct{}{}
	} else {
		e.result.Failed[id] = struct{}{}
	}
	return passed
}
