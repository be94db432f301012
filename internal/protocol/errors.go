package protocol

import "errors"

var (
	ErrLineTooLong        = errors.New("protocol: line too long")
	ErrEmptyEnvelope      = errors.New("protocol: empty envelope")
	ErrInvalidSyncID      = errors.New("protocol: invalid sync id")
	ErrInvalidUICommand   = errors.New("protocol: invalid ui command")
	ErrInvalidEscape      = errors.New("protocol: invalid escape sequence")
	ErrManifestIncomplete = errors.New("protocol: manifest incomplete")
	ErrManifestSyntax     = errors.New("protocol: manifest syntax")
	ErrHandshakeReply     = errors.New("protocol: unexpected handshake reply")
)
