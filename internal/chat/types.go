package chat

import "github.com/cockroachdb/errors"

const (
	// NameBufferSize is the maximum size of the name payload, terminator included.
	NameBufferSize = 32
	MinNameLen     = 2
	MaxNameLen     = NameBufferSize - 1

	// LineBufferSize bounds a single inbound chunk. Longer lines are relayed
	// in LineBufferSize pieces.
	LineBufferSize = 2048

	// ExitToken ends a session cleanly.
	ExitToken = "exit"

	DefaultCapacity = 100

	// firstSessionID is where the session id counter starts.
	firstSessionID = 10
)

// Participant is a named, registered session. The name never changes after
// registration.
type Participant struct {
	ID   uint64
	Name string
	Conn *Connection
}

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
	ErrLineTooLong   = errors.New("line exceeds buffer")
	ErrNameTooLong   = errors.New("name too long")
	ErrNameInvalid   = errors.New("name invalid")
	ErrServerFull    = errors.New("server at capacity")
	ErrServerClosed  = errors.New("server closed")
)
