// Package forward implements the fan-out tree used to deliver one RPC to
// a list of nodes in logarithmic hops and gather one reply record per
// leaf, substituting synthetic failure records for dead subtrees.
package forward
