// Package dedupe tracks recently observed keys inside a sliding time window.
//
// The coordinator uses it for two things: rejecting replayed A2A envelope
// signatures while they are still inside the clock-skew tolerance, and
// dropping inbound messages whose message_id was already processed.
package dedupe
