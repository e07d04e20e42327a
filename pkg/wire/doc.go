// Package wire implements the machine-independent codec and message
// envelope shared by the controller, launch client, and step manager.
//
// Every message is framed as header || body. Encoding is big-endian
// fixed-width integers, length-prefixed byte strings, and count-prefixed
// arrays; every message variant has a single canonical wire form.
package wire
