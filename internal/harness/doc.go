// Package harness runs scripted page-view scenarios against the full runtime.
//
// A scenario wires a real client, store, runner and asset manager to static
// payloads, an in-memory document, a variant registry with scripted
// behaviours and a fake clock, then applies steps one at a time. Every step
// drains the task loop before the next one starts, so traces are identical
// across runs and can be compared against golden files.
//
// # Scenario Format
//
//	name: predicated_button
//	description: "Predicated variants follow the state context key"
//	version: 2
//	assets: { stylesheet: true, script: true }
//	registry:
//	  variants:
//	    - key: evolv_web_page
//	    - key: evolv_web_page_button_red
//	      timing: immediate
//	      behavior: pending
//	configuration: { _experiments: [...] }
//	allocations: [...]
//	steps:
//	  - set: { state: TX }
//	  - advance: 100ms
//	  - resolve: evolv_web_page_button_red
//	assertions:
//	  - type: active_keys
//	    keys: [web, web.page]
//	  - type: confirmations
//	    count: 1
//
// # Variant Behaviours
//
//   - resolve (default): completes synchronously
//   - reject: returns an error
//   - throw: panics
//   - pending: completes when a resolve or reject step names it
//
// # Trace Events
//
// step, active_keys, invoke, settle, confirm and contaminate events are
// recorded with a sequence number starting at 1.
package harness
