// Package metrics exposes prometheus collectors for the controller,
// scheduler, launch client, and stdio plane.
package metrics
