package store

import (
	"context"

	"github.com/roach88/evolv/internal/keystate"
	"github.com/roach88/evolv/internal/resolver"
)

// Request identifies one fetch.
type Request struct {
	Source keystate.Source
	UID    string
	SID    string
	// Keys restricts the payload to these key paths. Nil means everything.
	Keys []string
}

// Fetcher retrieves the configuration and allocation documents.
type Fetcher interface {
	// FetchConfig returns the decoded configuration document.
	FetchConfig(ctx context.Context, req Request) (map[string]any, error)
	// FetchAllocations returns the decoded allocation list.
	FetchAllocations(ctx context.Context, req Request) ([]any, error)
}

// wireKeys maps tracked keys onto a request key list.
func wireKeys(keys []string) []string {
	for _, k := range keys {
		if k == "" {
			return nil
		}
	}
	return keys
}

// mergeConfigurations folds a newly fetched configuration into the cached
// one. Experiments are matched by id and their trees deep-merged.
func mergeConfigurations(prev, next resolver.Configuration) (resolver.Configuration, error) {
	if prev.Raw == nil {
		return next, nil
	}
	raw := mergeTrees(prev.Raw, next.Raw)

	order := make([]string, 0, len(prev.Experiments)+len(next.Experiments))
	trees := make(map[string]map[string]any)
	for _, list := range [][]resolver.Experiment{prev.Experiments, next.Experiments} {
		for _, exp := range list {
			if existing, ok := trees[exp.ID]; ok {
				trees[exp.ID] = mergeTrees(existing, exp.Tree)
				continue
			}
			order = append(order, exp.ID)
			trees[exp.ID] = exp.Tree
		}
	}
	experiments := make([]any, 0, len(order))
	for _, id := range order {
		obj := mergeTrees(trees[id], nil)
		obj["id"] = id
		experiments = append(experiments, obj)
	}
	raw[resolver.KeyExperiments] = experiments
	return resolver.ParseConfiguration(raw)
}

// mergeAllocations folds newly fetched allocations into the cached list,
// matching on experiment id and keeping first-seen order.
func mergeAllocations(prev, next []resolver.Allocation) []resolver.Allocation {
	out := make([]resolver.Allocation, len(prev))
	copy(out, prev)
	index := make(map[string]int, len(out))
	for i, a := range out {
		index[a.EID] = i
	}
	for _, a := range next {
		i, ok := index[a.EID]
		if !ok {
			index[a.EID] = len(out)
			out = append(out, a)
			continue
		}
		merged := a
		merged.Genome = mergeTrees(out[i].Genome, a.Genome)
		out[i] = merged
	}
	return out
}
