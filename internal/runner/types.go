package runner

import "strings"

// Timing is when a variant function wants to run.
type Timing string

const (
	TimingImmediate        Timing = "immediate"
	TimingLegacy           Timing = "legacy"
	TimingDOMContentLoaded Timing = "dom-content-loaded"
	TimingLoaded           Timing = "loaded"
)

// Timings returns every supported timing in run order.
func Timings() []Timing {
	return []Timing{TimingImmediate, TimingDOMContentLoaded, TimingLegacy, TimingLoaded}
}

// ParseTiming normalizes a registry timing annotation. Missing or
// unrecognized values fall back to legacy.
func ParseTiming(s string) Timing {
	switch t := Timing(strings.TrimSpace(s)); t {
	case TimingImmediate, TimingDOMContentLoaded, TimingLoaded, TimingLegacy:
		return t
	default:
		return TimingLegacy
	}
}

// Level returns the run level at which functions of this timing execute.
// dom-content-loaded runs with immediate: as soon as the registry is ready,
// whether or not the page event already fired.
func (t Timing) Level() RunLevel {
	switch t {
	case TimingImmediate, TimingDOMContentLoaded:
		return LevelImmediate
	case TimingLoaded:
		return LevelComplete
	default:
		return LevelLegacy
	}
}

// gatesConfirm reports whether functions of this timing can appear in a
// RunRecord.
func (t Timing) gatesConfirm() bool {
	return t == TimingImmediate || t == TimingLegacy
}

// RunLevel is the ordered page lifecycle stage.
type RunLevel int

const (
	LevelNone RunLevel = iota
	LevelImmediate
	LevelLegacy
	LevelInteractive
	LevelComplete
)

func (l RunLevel) String() string {
	switch l {
	case LevelImmediate:
		return "immediate"
	case LevelLegacy:
		return "legacy"
	case LevelInteractive:
		return "interactive"
	case LevelComplete:
		return "complete"
	default:
		return "none"
	}
}

// Status is the execution state of one function.
type Status int

const (
	StatusNotRunnable Status = iota
	StatusRunnable
	StatusRunning
	StatusResolved
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	case StatusResolved:
		return "resolved"
	case StatusRejected:
		return "rejected"
	default:
		return "not-runnable"
	}
}

// Terminal reports whether the status is resolved or rejected.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// FunctionDef is one registered variant function.
type FunctionDef struct {
	Key    string
	Timing Timing
	Status Status
	// RunNumber is the pass that started the function, -1 before it ran.
	RunNumber int

	handler Handler
}

// RunRecord is frozen when a pass starts.
type RunRecord struct {
	Number          int
	Level           RunLevel
	Started         []string
	NeededToConfirm []string
	Confirmed       bool
}
