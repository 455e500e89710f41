package resolver

import "github.com/roach88/evolv/internal/predicate"

// Evaluation holds the prefixes a single experiment walk produced.
type Evaluation struct {
	Disabled []string
	Entry    []string
	// Invalid lists prefixes whose _predicate could not be parsed. They are
	// also in Disabled.
	Invalid []string
}

// EvaluatePredicates walks every experiment of cfg against ctx.
func EvaluatePredicates(ctx map[string]any, cfg Configuration) map[string]Evaluation {
	out := make(map[string]Evaluation, len(cfg.Experiments))
	for _, exp := range cfg.Experiments {
		ev := Evaluation{}
		if exp.root != nil {
			evaluateBranch(ctx, exp.root, &ev)
		}
		out[exp.ID] = ev
	}
	return out
}

func evaluateBranch(ctx map[string]any, b *branch, ev *Evaluation) {
	if b.invalid {
		ev.Invalid = append(ev.Invalid, b.prefix)
		ev.Disabled = append(ev.Disabled, b.prefix)
		return
	}
	if b.predicate != nil && predicate.Evaluate(ctx, b.predicate).Rejected {
		ev.Disabled = append(ev.Disabled, b.prefix)
		return
	}
	if b.entry {
		ev.Entry = append(ev.Entry, b.prefix)
	}
	for _, child := range b.children {
		evaluateBranch(ctx, child, ev)
	}
}
