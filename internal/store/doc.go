// Package store persists per-issue pipeline state in a single-file
// SQLite database. It is the sole writer of durable orchestration state;
// stage changes go through Transition, a compare-and-set keyed on the
// current stage, so two concurrent cycles can never double-advance the
// same issue.
package store
