// Package stepmgr is the per-node step manager: it validates the launch
// credential, supervises the user tasks in a resource container,
// multiplexes their stdio, serves the per-step request plane, and
// aggregates step completion up the tree.
package stepmgr
