// Package protocol owns the viewer-facing line protocol.
//
// Ownership boundary:
// - connection manifest (host/port/key record)
// - handshake and parameter lines
// - command envelopes and the two reserved forms (INTERNALSYNC, UI)
//
// Every unit on the wire is one newline-terminated line. Fields that may
// carry arbitrary text are escaped so they never contain a delimiter.
package protocol
