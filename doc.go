// Package queue defers work to background workers through pluggable storage
// backends.
//
// A Manager resolves named connections into drivers (sync, file, redis,
// beanstalk, amqp, sqs, database) and builds them lazily on first use. A
// Worker polls one connection, resolves each job's handler from a Registry and
// settles the job with Ack or Fail. Failed jobs can be listed and pushed back
// onto the ready store with Retry.
package queue
