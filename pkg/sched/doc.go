// Package sched runs the controller's scheduling loop: pending jobs in
// priority order, placement through the node-selection capability.
package sched
