// Package stdio is the connection-oriented stdio plane between the launch
// client and each step manager: header-framed messages labeled by task
// id, credential-signature authentication on init, buffer pools for flow
// control, line buffering, label-io, and bounded replay for reattach.
package stdio
