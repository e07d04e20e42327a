// Package nodeselect defines the node-selection capability the scheduler
// dispatches placement through, plus the default linear first-fit
// selector. Geometry-aware selectors register alongside it.
package nodeselect
