package session

import "errors"

// Error codes reported to clients in error frames.
const (
	CodeProtocol    = "protocol_error"
	CodeNotFound    = "not_found"
	CodePersistence = "persistence_error"
)

var (
	// ErrProtocol covers malformed or unknown inbound commands. Reported to
	// the sender; the connection stays open.
	ErrProtocol = errors.New("protocol error")
	// ErrNotFound covers unknown rooms and unreachable recipients.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated fails the connect precondition and is the only
	// error that terminates a session outright.
	ErrUnauthenticated = errors.New("unauthenticated")
)
