// Package pipeline defines the shared vocabulary of the orchestrator: the
// stage enum, the tracked-issue and sub-issue records, pull request and
// timeline references, and the cycle-local snapshot the transition engine
// evaluates.
//
// The package holds data types only. Decisions live in internal/engine,
// persistence in internal/store, and external I/O in internal/gateway, so
// every type here is safe to construct in tests without infrastructure.
package pipeline
