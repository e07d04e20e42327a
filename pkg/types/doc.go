// Package types defines the domain records shared by the controller, the
// step launch client, and the per-node step manager: nodes, partitions,
// jobs, steps, and their layouts and states.
package types
