// Package acct is the accounting sink: job-start, step-start,
// step-complete, and job-complete records emitted by the controller,
// stored in BoltDB with query and archive support.
package acct
