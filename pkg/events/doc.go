// Package events provides the in-process broker the controller publishes
// job, step, and node lifecycle events through.
package events
