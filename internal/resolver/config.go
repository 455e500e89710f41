package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/predicate"
)

// Metadata keys understood by the resolver.
const (
	KeyExperiments           = "_experiments"
	KeyPredicate             = "_predicate"
	KeyIsEntryPoint          = "_is_entry_point"
	KeyPredicatedGroupID     = "_predicated_variants_group_id"
	KeyPredicatedValues      = "_predicated_values"
	KeyPredicateAssignmentID = "_predicate_assignment_id"
	KeyAssignmentID          = "_assignment_id"
	KeyValue                 = "_value"
)

// Configuration is the participant-independent experiment configuration.
type Configuration struct {
	Experiments []Experiment
	// Raw is the configuration document as received.
	Raw map[string]any
}

// Experiment is one entry of _experiments. Tree excludes the id field.
type Experiment struct {
	ID   string
	Tree map[string]any

	root *branch
	keys []string
}

// Keys returns every non-metadata node path of the experiment tree, sorted.
func (e Experiment) Keys() []string {
	return e.keys
}

// branch is a precompiled configuration node.
type branch struct {
	prefix    string
	predicate *predicate.Node
	invalid   bool // malformed _predicate; always rejects
	entry     bool
	children  []*branch
}

// Allocation is a participant's assignment to one experiment candidate.
type Allocation struct {
	UID      string         `json:"uid"`
	SID      string         `json:"sid"`
	EID      string         `json:"eid"`
	CID      string         `json:"cid"`
	Genome   map[string]any `json:"genome"`
	Excluded bool           `json:"excluded"`
}

// ParseConfiguration reads a decoded configuration document.
func ParseConfiguration(raw map[string]any) (Configuration, error) {
	cfg := Configuration{Raw: keypath.CopyTree(raw)}
	list, ok := raw[KeyExperiments]
	if !ok || list == nil {
		return cfg, nil
	}
	items, ok := list.([]any)
	if !ok {
		return Configuration{}, fmt.Errorf("%s must be a list, got %T", KeyExperiments, list)
	}
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return Configuration{}, fmt.Errorf("%s[%d] must be an object, got %T", KeyExperiments, i, item)
		}
		exp, err := NewExperiment(obj)
		if err != nil {
			return Configuration{}, fmt.Errorf("%s[%d]: %w", KeyExperiments, i, err)
		}
		if _, dup := seen[exp.ID]; dup {
			return Configuration{}, fmt.Errorf("%s[%d]: duplicate experiment id %q", KeyExperiments, i, exp.ID)
		}
		seen[exp.ID] = struct{}{}
		cfg.Experiments = append(cfg.Experiments, exp)
	}
	return cfg, nil
}

// NewExperiment compiles one experiment object.
func NewExperiment(obj map[string]any) (Experiment, error) {
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return Experiment{}, fmt.Errorf("experiment id must be a non-empty string")
	}
	tree := keypath.CopyTree(obj)
	delete(tree, "id")
	exp := Experiment{ID: id, Tree: tree}
	exp.root = compile(tree, "")
	exp.keys = keypath.Prefixes(tree)
	return exp, nil
}

// Experiment returns the experiment with the given id.
func (c Configuration) Experiment(id string) (Experiment, bool) {
	for _, exp := range c.Experiments {
		if exp.ID == id {
			return exp, true
		}
	}
	return Experiment{}, false
}

func compile(node map[string]any, prefix string) *branch {
	b := &branch{prefix: prefix}
	if raw, ok := node[KeyPredicate]; ok && raw != nil {
		parsed, err := predicate.Parse(raw)
		if err != nil {
			b.invalid = true
		} else {
			b.predicate = parsed
		}
	}
	if entry, ok := node[KeyIsEntryPoint].(bool); ok && entry {
		b.entry = true
	}
	keys := make([]string, 0, len(node))
	for key := range node {
		if !strings.HasPrefix(key, "_") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		child, ok := node[key].(map[string]any)
		if !ok {
			continue
		}
		b.children = append(b.children, compile(child, keypath.Join(prefix, key)))
	}
	return b
}

// ParseAllocations reads a decoded allocations document (a list of objects).
func ParseAllocations(raw []any) ([]Allocation, error) {
	out := make([]Allocation, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("allocations[%d] must be an object, got %T", i, item)
		}
		a := Allocation{}
		a.UID, _ = obj["uid"].(string)
		a.SID, _ = obj["sid"].(string)
		a.EID, _ = obj["eid"].(string)
		a.CID, _ = obj["cid"].(string)
		a.Excluded, _ = obj["excluded"].(bool)
		if a.EID == "" {
			return nil, fmt.Errorf("allocations[%d]: missing eid", i)
		}
		if genome, ok := obj["genome"].(map[string]any); ok {
			a.Genome = keypath.CopyTree(genome)
		} else {
			a.Genome = map[string]any{}
		}
		out = append(out, a)
	}
	return out, nil
}
