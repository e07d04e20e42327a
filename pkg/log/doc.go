// Package log provides structured logging for all burrow components.
//
// It wraps zerolog with a process-global logger plus helpers that attach
// the fields every subsystem tags its output with (component, job_id,
// step_id, node).
package log
