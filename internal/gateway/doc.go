// Package gateway wraps outbound calls to the remote project/issue
// service behind the Gateway interface: listing issues by status,
// reading and writing the label-encoded status and agent fields, creating
// sub-issues, commenting, querying and merging pull requests, and fetching
// ordered timeline events.
//
// Every call is classified into one of four failure classes: Transient
// (retried with exponential backoff up to a bounded attempt count),
// RateLimited (fails fast until the reported reset time passes),
// Permanent (surfaced, never retried), and AuthExpired (a Permanent the
// orchestrator cannot resolve itself). Non-idempotent writes
// (CreateSubIssue, Comment, MergePR) are attempted exactly once; callers
// check external state before re-issuing them.
//
// The GitHub implementation is safe for concurrent use, but callers keep
// all calls for one issue on a single goroutine so rate-limit accounting
// and idempotency checks stay coherent.
package gateway
