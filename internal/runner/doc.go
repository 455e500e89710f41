// Package runner schedules and executes page-mutating variant functions at
// the right point of the page lifecycle and gates the confirm signal on the
// completion of functions that were scheduled together.
//
// # Lifecycle of a function
//
//	not-runnable → runnable   UpdateFunctionsToRun includes its key
//	runnable → not-runnable   UpdateFunctionsToRun omits it before it ran
//	runnable → running        an execute pass reaches its timing's run level
//	running → resolved        the handler finished
//	running → rejected        the handler failed or panicked
//
// A running function cannot be unscheduled; handlers receive no cancellation.
//
// # Run levels
//
// The run level only increases. The registry becoming available raises it
// to Immediate, the first polling tick after that raises it to Legacy, and
// the document ready state raises it to Interactive and Complete. Every
// increase and every UpdateFunctionsToRun triggers one execute pass.
//
// # Confirmation
//
// Each pass freezes a RunRecord naming the functions that must all resolve
// before that pass confirms. At exactly Immediate the record also names
// legacy functions that have not run yet; at exactly Legacy it also names
// immediate functions still running. Only immediate and legacy functions
// are recorded. A pass confirms at most once.
//
// # Threading
//
// CRITICAL: Runner state changes only inside tasks on its loop. Public
// methods post tasks; timers, ready-state callbacks and asynchronous
// handler completions are posted too, so no two passes ever interleave.
// Accessors (RunLevel, Functions, Runs) are safe from any goroutine.
package runner
