// Package bitmap provides the dense bitsets the controller and step
// manager index by node-table position.
package bitmap
