// Package container implements the process-container capability used
// exclusively by the step manager: create/add/signal/find/destroy over
// the processes of one step.
package container
