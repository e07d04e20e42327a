// Package launch drives a step's lifecycle from the client side: the
// launch broadcast over the forwarding tree, per-task start/exit
// accounting under a single mutex and condition variable, signal
// forwarding to active nodes, node-failure handling, abort with a grace
// period, and the synchronous wait-for-started / wait-for-finished
// operations.
package launch
