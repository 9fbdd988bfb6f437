// Package protocol owns the driver command stream.
//
// Ownership boundary:
// - command and return enums
// - the fixed transaction record
// - command-stream encoder/decoder
//
// frame/ and session/ carry the stream between a process and a kernel hosted
// in another process; this package does not know how bytes move.
package protocol
