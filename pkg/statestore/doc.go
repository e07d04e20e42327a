// Package statestore persists the controller's node, partition, and job
// registries as self-delimited packed files with a version stamp and CRC
// trailer, written tmp-then-rename so a partial write leaves the previous
// snapshot untouched.
package statestore
