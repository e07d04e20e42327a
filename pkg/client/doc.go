// Package client is the typed wire-protocol client the CLI tools and the
// launch path use to talk to the controller.
package client
