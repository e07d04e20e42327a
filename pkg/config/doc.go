// Package config loads the YAML cluster configuration consumed by the
// controller, the step manager, and the launch client.
package config
