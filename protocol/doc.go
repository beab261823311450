// Package protocol is the JSON wire format shared by every driver that stores
// jobs as documents.
//
// A job record carries the keys id, job, data, delay, created_at,
// available_at, attempts and max_attempts. A failed record adds failed_at and
// error. Timestamps are unix seconds. Records without an id or a job type are
// rejected with ErrMalformed so drivers can discard them.
package protocol
