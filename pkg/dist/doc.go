// Package dist assigns global task ids to (node, local-slot) positions
// under the block, cyclic, and plane distribution policies.
package dist
