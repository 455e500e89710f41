package harness

import (
	"fmt"
	"slices"

	"github.com/roach88/evolv/internal/keypath"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Index   int
	Type    string
	Message string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %d (%s): %s", e.Index, e.Type, e.Message)
}

// EvaluateAssertions checks every assertion against a finished result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, (&AssertionError{Index: i, Type: a.Type, Message: err.Error()}).Error())
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertActiveKeys:
		got, _ := result.State["active_keys"].([]string)
		return expectStrings(a.Keys, got)
	case AssertClasses:
		got, _ := result.State["classes"].([]string)
		return expectStrings(a.Classes, got)
	case AssertValue:
		genome, _ := result.State["genome"].(map[string]any)
		got, ok := keypath.Get(genome, a.Key)
		if !ok && a.Value == nil {
			return nil
		}
		if !keypath.Equal(a.Value, got) {
			return fmt.Errorf("%s: expected %v, got %v", a.Key, a.Value, got)
		}
		return nil
	case AssertConfirmations:
		got, _ := result.State["confirmations"].([]string)
		return expectCount(a.Count, len(got))
	case AssertContaminations:
		got, _ := result.State["contaminations"].([]string)
		return expectCount(a.Count, len(got))
	case AssertFunctionStatus:
		functions, _ := result.State["functions"].(map[string]any)
		got, ok := functions[a.Key]
		if !ok {
			return fmt.Errorf("function %s is not registered", a.Key)
		}
		if got != a.Status {
			return fmt.Errorf("function %s: expected %s, got %v", a.Key, a.Status, got)
		}
		return nil
	case AssertRunLevel:
		if got := result.State["run_level"]; got != a.Level {
			return fmt.Errorf("expected run level %s, got %v", a.Level, got)
		}
		return nil
	case AssertTraceContains:
		if countEvents(result.Trace, a.Event, a.Key) == 0 {
			return fmt.Errorf("no %s event%s in trace", a.Event, forKey(a.Key))
		}
		return nil
	case AssertTraceCount:
		return expectCount(a.Count, countEvents(result.Trace, a.Event, a.Key))
	case AssertTraceOrder:
		return expectOrder(result.Trace, a.Events)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func expectStrings(want, got []string) error {
	if want == nil {
		want = []string{}
	}
	if got == nil {
		got = []string{}
	}
	if !slices.Equal(want, got) {
		return fmt.Errorf("expected %v, got %v", want, got)
	}
	return nil
}

func expectCount(want, got int) error {
	if want != got {
		return fmt.Errorf("expected %d, got %d", want, got)
	}
	return nil
}

func countEvents(trace []TraceEvent, typ, key string) int {
	n := 0
	for _, ev := range trace {
		if ev.Type == typ && (key == "" || ev.Key == key) {
			n++
		}
	}
	return n
}

// expectOrder checks that the event types appear as a subsequence of the trace.
func expectOrder(trace []TraceEvent, events []string) error {
	next := 0
	for _, ev := range trace {
		if next < len(events) && ev.Type == events[next] {
			next++
		}
	}
	if next < len(events) {
		return fmt.Errorf("expected order %v, stopped matching at %s", events, events[next])
	}
	return nil
}

func forKey(key string) string {
	if key == "" {
		return ""
	}
	return " for " + key
}
