// Package cred implements the credential capability: opaque signed bearer
// tokens binding (job, step, uid, node list) that the step manager
// validates before admitting a launch. Implementations register under a
// "type/method" identity that travels with the packed credential.
package cred
