// Package eio is the single-threaded cooperative I/O reactor used by the
// step launch client for its response/exit message plane (the listener and
// every per-step connection on it). The step manager's request socket and
// the stdio plane do not run on this reactor; goroutines serve them.
//
// Each registered object exposes readable/writable interest plus the
// handle_read/handle_write/handle_error/handle_close callbacks; the loop
// builds a poll vector from the interest reports, waits in epoll, and
// dispatches. Callbacks never block.
package eio
