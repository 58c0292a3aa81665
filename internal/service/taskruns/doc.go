// Package taskruns implements the task-run lifecycle use cases over the
// dependency-injected store contracts.
//
// States:
//   - queued -> running -> completed | failed
//   - queued | running -> cancel_requested -> canceled
//
// Create and Cancel own every invariant: idempotent creation via the
// client request key, at most one active run per session, and dedupe-keyed
// event appends so callers may retry blindly. The service never retries on
// its own; the transport layer decides.
//
// Event logs:
//   - Every accepted transition appends exactly one run-scoped event and
//     mirrors one session-scoped event.
//   - A dedupe-skipped run event suppresses the session mirror as well.
package taskruns
