// Package controller implements the central scheduler side: node,
// partition, and job registries, the job state machine, the RPC service,
// and snapshot/recovery across restarts.
package controller
