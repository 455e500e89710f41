// Package loop implements the single-writer task loop the runtime is built on.
//
// ARCHITECTURE:
//
// Every asynchronous signal that mutates runner or listener state (document
// ready-state changes, timer fires, variant completions, active-key
// notifications) is posted to a Loop as a Task. Tasks run one at a time in
// FIFO order, so state transitions never interleave and re-entrant calls
// made from inside a task simply queue behind it.
//
// A host drives the loop with Run on exactly one goroutine. Tests and
// synchronous hosts call Drain instead, which executes queued tasks on the
// calling goroutine until the queue is empty.
package loop
