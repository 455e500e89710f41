package resolver

import (
	"sort"
	"strings"

	"github.com/roach88/evolv/internal/keypath"
)

// ExperimentState is the resolution result for one experiment.
type ExperimentState struct {
	Active      []string
	Entry       []string
	Assignments map[string]Assignment // config key → predicated winner
}

// Snapshot is the resolution result for every experiment.
type Snapshot struct {
	Experiments map[string]ExperimentState
	// Active and Entry are the sorted unions across experiments.
	Active []string
	Entry  []string
}

// IsActive reports whether key is in the active union.
func (s Snapshot) IsActive(key string) bool {
	i := sort.SearchStrings(s.Active, key)
	return i < len(s.Active) && s.Active[i] == key
}

// ActiveWithPrefix returns the active keys covered by prefix.
func (s Snapshot) ActiveWithPrefix(prefix string) []string {
	out := []string{}
	for _, key := range s.Active {
		if keypath.Covers(prefix, key) {
			out = append(out, key)
		}
	}
	return out
}

// EntryExperiments returns the ids of experiments with at least one entry key, sorted.
func (s Snapshot) EntryExperiments() []string {
	var out []string
	for eid, st := range s.Experiments {
		if len(st.Entry) > 0 {
			out = append(out, eid)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve computes active and entry keys.
//
// An experiment contributes keys only when the participant holds a
// non-excluded allocation for it. A configuration key is active iff
// loaded(key) holds and no disabled prefix of its experiment is a string
// prefix of it. Predicated genome nodes add key+"."+assignment once decided
// and are inactive while undecided.
func Resolve(ctx map[string]any, cfg Configuration, allocations []Allocation, loaded func(key string) bool) Snapshot {
	evaluations := EvaluatePredicates(ctx, cfg)
	byEID := allocationsByEID(allocations)

	snap := Snapshot{Experiments: make(map[string]ExperimentState)}
	activeUnion := make(map[string]struct{})
	entryUnion := make(map[string]struct{})

	for _, exp := range cfg.Experiments {
		alloc, ok := byEID[exp.ID]
		if !ok || alloc.Excluded {
			continue
		}
		ev := evaluations[exp.ID]
		st := ExperimentState{Assignments: make(map[string]Assignment)}

		for _, key := range exp.Keys() {
			if loaded != nil && !loaded(key) {
				continue
			}
			if hasStringPrefix(key, ev.Disabled) {
				continue
			}

			keys := []string{key}
			if node, ok := keypath.Get(alloc.Genome, key); ok && IsPredicated(node) {
				assignment, decided := ResolvePredicatedVariant(ctx, node.(map[string]any))
				if !decided {
					continue
				}
				st.Assignments[key] = assignment
				if assignment.ID != "" {
					keys = append(keys, keypath.Join(key, assignment.ID))
				}
			}

			for _, k := range keys {
				st.Active = append(st.Active, k)
				activeUnion[k] = struct{}{}
				if hasStringPrefix(k, ev.Entry) {
					st.Entry = append(st.Entry, k)
					entryUnion[k] = struct{}{}
				}
			}
		}
		sort.Strings(st.Active)
		sort.Strings(st.Entry)
		snap.Experiments[exp.ID] = st
	}

	snap.Active = keypath.SortedKeys(activeUnion)
	snap.Entry = keypath.SortedKeys(entryUnion)
	return snap
}

// EffectiveGenome merges, in allocation order, each experiment's genome
// filtered to its active keys. Later allocations win on conflicting leaves.
// Predicated nodes are replaced by the winning candidate's value.
func EffectiveGenome(snap Snapshot, cfg Configuration, allocations []Allocation) map[string]any {
	out := make(map[string]any)
	for _, alloc := range allocations {
		st, ok := snap.Experiments[alloc.EID]
		if !ok || len(st.Active) == 0 {
			continue
		}
		exp, ok := cfg.Experiment(alloc.EID)
		if !ok {
			continue
		}
		keys := toSet(exp.Keys())
		active := toSet(st.Active)
		filtered := filterGenome(alloc.Genome, "", false, keys, active, st.Assignments)
		keypath.DeepMerge(out, filtered)
	}
	return out
}

// filterGenome keeps genome values whose nearest configuration-key ancestor
// is active. Values above any configuration key are dropped.
func filterGenome(node map[string]any, prefix string, covered bool, keys, active map[string]struct{}, assignments map[string]Assignment) map[string]any {
	out := make(map[string]any)
	for k, v := range node {
		path := keypath.Join(prefix, k)
		childCovered := covered
		if _, isKey := keys[path]; isKey {
			if _, on := active[path]; !on {
				continue
			}
			childCovered = true
		}
		if a, ok := assignments[path]; ok && childCovered {
			out[k] = keypath.DeepCopy(a.Value)
			continue
		}
		if child, ok := v.(map[string]any); ok {
			if sub := filterGenome(child, path, childCovered, keys, active, assignments); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if childCovered {
			out[k] = keypath.DeepCopy(v)
		}
	}
	return out
}

func allocationsByEID(allocations []Allocation) map[string]Allocation {
	out := make(map[string]Allocation, len(allocations))
	for _, a := range allocations {
		if _, seen := out[a.EID]; !seen {
			out[a.EID] = a
		}
	}
	return out
}

// hasStringPrefix is a raw string-prefix test, not segment aware.
func hasStringPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func toSet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
