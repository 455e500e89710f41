// Package page abstracts the host document the runtime mutates: its
// ready state, the root element's class list and which environment assets
// (stylesheet, script) were injected.
package page
