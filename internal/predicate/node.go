package predicate

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Combinator joins the rules of a group.
type Combinator string

const (
	And Combinator = "and"
	Or  Combinator = "or"
)

// Node is a rule or a group. A node with a Combinator, a Rules list, or
// neither Field nor Operator is a group; otherwise it is a rule.
type Node struct {
	ID         string     `json:"id,omitempty"`
	Combinator Combinator `json:"combinator,omitempty"`
	Rules      []*Node    `json:"rules,omitempty"`

	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// IsGroup reports whether n combines child rules. An object with no rule
// fields at all, such as {} or {"id": 7}, is an empty group.
func (n *Node) IsGroup() bool {
	return n.Combinator != "" || n.Rules != nil || (n.Field == "" && n.Operator == "")
}

// Parse converts a decoded JSON/YAML value into a Node tree.
// nil yields a nil tree, which always passes.
func Parse(v any) (*Node, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("predicate must be an object, got %T", v)
	}
	return parseNode(m)
}

func parseNode(m map[string]any) (*Node, error) {
	n := &Node{}
	if id, ok := m["id"]; ok && id != nil {
		n.ID = idString(id)
	}
	if c, ok := m["combinator"].(string); ok {
		n.Combinator = Combinator(c)
	}
	if raw, ok := m["rules"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("predicate %q: rules must be a list, got %T", n.ID, raw)
		}
		n.Rules = make([]*Node, 0, len(list))
		for i, item := range list {
			child, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("predicate %q: rules[%d] must be an object, got %T", n.ID, i, item)
			}
			parsed, err := parseNode(child)
			if err != nil {
				return nil, fmt.Errorf("rules[%d]: %w", i, err)
			}
			n.Rules = append(n.Rules, parsed)
		}
	}
	if f, ok := m["field"].(string); ok {
		n.Field = f
	}
	if op, ok := m["operator"].(string); ok {
		n.Operator = op
	}
	n.Value = m["value"]
	return n, nil
}

// idString renders predicate ids, which arrive as JSON numbers or strings.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

// Fields returns every field referenced by the rules of n, in first-seen order.
func Fields(n *Node) []string {
	var out []string
	seen := make(map[string]struct{})
	var walk func(*Node)
	walk = func(node *Node) {
		if node == nil {
			return
		}
		if !node.IsGroup() {
			if _, ok := seen[node.Field]; !ok && node.Field != "" {
				seen[node.Field] = struct{}{}
				out = append(out, node.Field)
			}
			return
		}
		for _, child := range node.Rules {
			walk(child)
		}
	}
	walk(n)
	return out
}
