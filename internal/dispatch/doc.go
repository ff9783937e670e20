// Package dispatch is the delivery pipeline in front of the gate.
//
// Candidates are queued, gated by quiet hours and rate limits, and handed to a
// Sender by a small worker pool. Outbound sends are paced with a token bucket
// and retried with jittered exponential backoff.
//
// # Store failures
//
// When the window store cannot be reached the gate returns an error instead of
// a decision. FailMode decides what the pipeline does with such candidates:
// "closed" drops them, "open" delivers them unthrottled.
//
// # History
//
// The service keeps a small in-memory history of recent results for operators.
package dispatch
