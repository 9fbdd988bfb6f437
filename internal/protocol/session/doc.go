// Package session owns the socket-driver session helpers.
//
// Ownership boundary:
// - hello/ack control messages and protocol version negotiation
// - write-read call payload wire helpers
// - dial retry/backoff and the in-flight call table
package session
