package predicate

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/evolv/internal/keypath"
)

// Operator is the closed set of comparisons a rule may apply.
type Operator int

const (
	OpUnknown Operator = iota
	OpContains
	OpNotContains
	OpDefined
	OpNotDefined
	OpEqual
	OpNotEqual
	OpLooseEqual
	OpLooseNotEqual
	OpExists
	OpNotExists
	OpIsTrue
	OpIsFalse
	OpStartsWith
	OpNotStartsWith
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpRegexMatch
	OpNotRegexMatch
	OpRegex64Match
	OpNotRegex64Match
	OpKVContains
	OpKVNotContains
	OpKVEqual
	OpKVNotEqual
)

var operatorNames = map[string]Operator{
	"contains":                 OpContains,
	"not_contains":             OpNotContains,
	"defined":                  OpDefined,
	"not_defined":              OpNotDefined,
	"equal":                    OpEqual,
	"not_equal":                OpNotEqual,
	"loose_equal":              OpLooseEqual,
	"loose_not_equal":          OpLooseNotEqual,
	"exists":                   OpExists,
	"not_exists":               OpNotExists,
	"is_true":                  OpIsTrue,
	"is_false":                 OpIsFalse,
	"starts_with":              OpStartsWith,
	"not_starts_with":          OpNotStartsWith,
	"greater_than":             OpGreaterThan,
	"greater_than_or_equal_to": OpGreaterThanOrEqual,
	"less_than":                OpLessThan,
	"less_than_or_equal_to":    OpLessThanOrEqual,
	"regex_match":              OpRegexMatch,
	"not_regex_match":          OpNotRegexMatch,
	"regex64_match":            OpRegex64Match,
	"not_regex64_match":        OpNotRegex64Match,
	"kv_contains":              OpKVContains,
	"kv_not_contains":          OpKVNotContains,
	"kv_equal":                 OpKVEqual,
	"kv_not_equal":             OpKVNotEqual,
}

// ParseOperator maps an operator name to its Operator. Unknown names map to OpUnknown.
func ParseOperator(name string) Operator {
	return operatorNames[name]
}

// String returns the wire name of the operator.
func (op Operator) String() string {
	for name, candidate := range operatorNames {
		if candidate == op {
			return name
		}
	}
	return "unknown"
}

// IsKV reports whether the operator first selects a sub-object entry.
func (op Operator) IsKV() bool {
	switch op {
	case OpKVContains, OpKVNotContains, OpKVEqual, OpKVNotEqual:
		return true
	}
	return false
}

// apply evaluates op. present is false when the field path did not resolve.
func apply(op Operator, value any, present bool, param any) bool {
	if op.IsKV() {
		obj, ok := value.(map[string]any)
		if !present || !ok || len(obj) == 0 {
			return false
		}
		return applyKV(op, obj, param)
	}

	switch op {
	case OpContains:
		return contains(value, param)
	case OpNotContains:
		return containable(value) && !contains(value, param)
	case OpDefined:
		return present && value != nil
	case OpNotDefined:
		return !present || value == nil
	case OpEqual:
		return present && keypath.Equal(value, param)
	case OpNotEqual:
		return !present || !keypath.Equal(value, param)
	case OpLooseEqual:
		return present && looseEqual(value, param)
	case OpLooseNotEqual:
		return !present || !looseEqual(value, param)
	case OpExists:
		return present && value != nil
	case OpNotExists:
		return !present || value == nil
	case OpIsTrue:
		b, ok := value.(bool)
		return ok && b
	case OpIsFalse:
		b, ok := value.(bool)
		return ok && !b
	case OpStartsWith, OpNotStartsWith:
		s, ok := value.(string)
		prefix, pok := param.(string)
		if !ok || !pok {
			return false
		}
		return strings.HasPrefix(s, prefix) == (op == OpStartsWith)
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return compare(op, value, param)
	case OpRegexMatch, OpNotRegexMatch:
		pattern, ok := param.(string)
		if !ok {
			return false
		}
		return regexMatch(value, pattern, op == OpRegexMatch)
	case OpRegex64Match, OpNotRegex64Match:
		encoded, ok := param.(string)
		if !ok {
			return false
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return false
		}
		return regexMatch(value, string(decoded), op == OpRegex64Match)
	default:
		return false
	}
}

func applyKV(op Operator, obj map[string]any, param any) bool {
	params, ok := param.([]any)
	if !ok || len(params) < 2 {
		return false
	}
	key, ok := params[0].(string)
	if !ok {
		return false
	}
	entry, present := obj[key]
	switch op {
	case OpKVEqual:
		return present && keypath.Equal(entry, params[1])
	case OpKVNotEqual:
		return !present || !keypath.Equal(entry, params[1])
	case OpKVContains:
		return present && contains(entry, params[1])
	case OpKVNotContains:
		return !present || !contains(entry, params[1])
	}
	return false
}

func containable(v any) bool {
	switch v.(type) {
	case string, []any:
		return true
	}
	return false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if keypath.Equal(item, needle) {
				return true
			}
		}
	}
	return false
}

func looseEqual(a, b any) bool {
	if keypath.Equal(a, b) {
		return true
	}
	as, aok := scalarString(a)
	bs, bok := scalarString(b)
	return aok && bok && as == bs
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	}
	if f, ok := keypath.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func compare(op Operator, a, b any) bool {
	var cmp int
	af, aok := keypath.ToFloat(a)
	bf, bok := keypath.ToFloat(b)
	switch {
	case aok && bok:
		switch {
		case af < bf:
			cmp = -1
		case af > bf:
			cmp = 1
		}
	default:
		as, aok := a.(string)
		bs, bok := b.(string)
		if !aok || !bok {
			return false
		}
		cmp = strings.Compare(as, bs)
	}
	switch op {
	case OpGreaterThan:
		return cmp > 0
	case OpGreaterThanOrEqual:
		return cmp >= 0
	case OpLessThan:
		return cmp < 0
	case OpLessThanOrEqual:
		return cmp <= 0
	}
	return false
}

func regexMatch(value any, pattern string, want bool) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s) == want
}

var patternCache sync.Map // string -> *regexp.Regexp

// compilePattern accepts "/body/flags" literals (flags i, m, s) or a bare body.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	body := pattern
	if len(pattern) >= 2 && pattern[0] == '/' {
		if end := strings.LastIndexByte(pattern, '/'); end > 0 {
			flags := pattern[end+1:]
			body = pattern[1:end]
			var prefix strings.Builder
			for _, f := range flags {
				switch f {
				case 'i', 'm', 's':
					prefix.WriteRune(f)
				}
			}
			if prefix.Len() > 0 {
				body = "(?" + prefix.String() + ")" + body
			}
		}
	}
	re, err := regexp.Compile(body)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
