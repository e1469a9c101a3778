// Package engine defines the boundary to the external vector+fulltext
// storage engine and provides its HTTP driver.
//
// The engine is an external collaborator: this package does not implement
// indexing or query execution, only the client side of the protocol. Every
// error crossing the boundary is classified into a Kind (transient, conflict,
// not found, ...) so that callers make retry and reconnect decisions on
// structure, never on error message text.
//
// Conn wraps an Engine with connection lifecycle management: a bounded
// initial-connect retry budget, a cheap liveness probe, and a single
// transparent reconnect attempt when the transport drops.
package engine
