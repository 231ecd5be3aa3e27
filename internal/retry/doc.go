// Package retry runs an operation with capped exponential backoff.
//
// Agent dispatch uses it twice: the message router retries transport
// failures, and the workflow scheduler retries steps that timed out up to
// the step's max_retries. Errors wrapped with Permanent stop retrying.
package retry
