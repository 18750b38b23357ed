// Package tools holds the local functions a remote agent may invoke mid-run.
//
// A Tool is a langchaingo tools.Tool (name, description, Call with a JSON
// argument string) that also publishes a JSON schema for its parameters so
// the remote agent definition can advertise it. The Registry is the single
// lookup point used by the run executor when a run stops with a
// requires-action event.
package tools
