// Package engine is the runtime binding: the capability surface the session
// drives once a viewer is bound, and LineEngine, the binding that speaks the
// line command protocol directly.
package engine

import (
	"bufio"
	"errors"
	"net"

	"github.com/danmuck/simlink/internal/dispatch"
	"github.com/danmuck/simlink/internal/parallel"
)

var (
	ErrNotConnected   = errors.New("engine: no viewer connected")
	ErrDisconnected   = errors.New("engine: viewer disconnected")
	ErrUnsupported    = errors.New("engine: operation not supported")
	ErrNoCommunicator = errors.New("engine: communicator required")
)

// DefaultPathHint is the first argument an engine is initialized with when
// negotiation produced none.
const DefaultPathHint = "."

// Engine is the bound runtime instance. Every method is called on every
// rank in the same order; only the root rank holds the connection.
type Engine interface {
	Initialize(args []string) error
	ConnectToViewer(conn net.Conn, r *bufio.Reader, args []string) error
	// SocketFD is the pollable connection descriptor on the root rank.
	SocketFD() int
	// Buffered reports input already read off the socket.
	Buffered() bool
	Connected() bool
	ProcessOneInput() error
	Disconnect() error
	ExecuteCommand(cmd string) error
	SetCommandCallback(h dispatch.CommandHandler)
	SetSlaveProcessCallback(fn func())
	SaveImage(path string, width, height int, format string) error
	SetCommunicator(pctx *parallel.Context) error
}
