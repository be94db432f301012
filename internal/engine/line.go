package engine

import (
	"bufio"
	"fmt"
	"net"

	"github.com/danmuck/simlink/internal/dispatch"
	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Config struct {
	PathHint     string
	MaxLineBytes int
}

func DefaultConfig() Config {
	return Config{PathHint: DefaultPathHint, MaxLineBytes: protocol.MaxLineBytes}
}

// LineEngine reads command lines on the root rank, broadcasts each line and
// dispatches it on every rank.
type LineEngine struct {
	cfg  Config
	pctx *parallel.Context
	d    *dispatch.Dispatcher

	args      []string
	conn      net.Conn
	r         *bufio.Reader
	connected bool
	slave     func()
}

var _ Engine = (*LineEngine)(nil)

func NewLineEngine(pctx *parallel.Context, d *dispatch.Dispatcher, cfg Config) *LineEngine {
	if cfg.PathHint == "" {
		cfg.PathHint = DefaultPathHint
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = protocol.MaxLineBytes
	}
	return &LineEngine{cfg: cfg, pctx: pctx, d: d}
}

// Initialize records the startup arguments, falling back to the path hint
// when the list is empty.
func (e *LineEngine) Initialize(args []string) error {
	if len(args) == 0 {
		args = []string{e.cfg.PathHint}
	}
	e.args = append([]string(nil), args...)
	return nil
}

func (e *LineEngine) Args() []string {
	return append([]string(nil), e.args...)
}

// ConnectToViewer binds the negotiated connection. conn and r are nil on
// every rank but the root.
func (e *LineEngine) ConnectToViewer(conn net.Conn, r *bufio.Reader, args []string) error {
	if len(e.args) == 0 || len(args) > 0 {
		if err := e.Initialize(args); err != nil {
			return err
		}
	}
	if e.pctx.IsRoot() {
		if conn == nil {
			return ErrNotConnected
		}
		if r == nil {
			r = bufio.NewReader(conn)
		}
		e.conn, e.r = conn, r
	}
	e.connected = true
	return nil
}

func (e *LineEngine) Connected() bool {
	return e.connected
}

func (e *LineEngine) SocketFD() int {
	if e.conn == nil {
		return mux.NoHandle
	}
	fd, err := mux.FD(e.conn)
	if err != nil {
		return mux.NoHandle
	}
	return fd
}

func (e *LineEngine) Buffered() bool {
	return e.r != nil && e.r.Buffered() > 0
}

// ProcessOneInput reads one line on the root, broadcasts it, and dispatches
// it everywhere. A line that does not parse is logged and skipped. Losing
// the connection returns ErrDisconnected on every rank.
func (e *LineEngine) ProcessOneInput() error {
	if !e.connected {
		return ErrNotConnected
	}
	root := parallel.RootRank
	if e.pctx.IsRoot() && e.pctx.IsParallel() && e.slave != nil {
		e.slave()
	}

	var (
		line    string
		readErr error
	)
	if e.pctx.IsRoot() {
		line, readErr = protocol.ReadLine(e.r, e.cfg.MaxLineBytes)
	}
	if err := e.pctx.ShareOutcome(readErr); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	line, err := e.pctx.BroadcastString(line, root)
	if err != nil {
		return err
	}

	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		log.Warn().Err(err).Int("rank", e.pctx.Rank()).Str("line", line).Msg("engine: unparsable command skipped")
		return nil
	}
	route := e.d.Dispatch(env)
	log.Debug().
		Int("rank", e.pctx.Rank()).
		Str("command", env.Name).
		Str("route", route.String()).
		Msg("engine: dispatched")
	return nil
}

// ExecuteCommand sends one command line to the viewer from the root rank.
func (e *LineEngine) ExecuteCommand(cmd string) error {
	if !e.connected {
		return ErrNotConnected
	}
	var writeErr error
	if e.pctx.IsRoot() {
		writeErr = protocol.WriteLine(e.conn, cmd)
	}
	if err := e.pctx.ShareOutcome(writeErr); err != nil {
		return fmt.Errorf("%w: send: %v", ErrDisconnected, err)
	}
	return nil
}

// Disconnect drops the connection. It is safe to call when not connected.
func (e *LineEngine) Disconnect() error {
	var err error
	if e.conn != nil {
		err = e.conn.Close()
	}
	e.conn, e.r = nil, nil
	e.connected = false
	return err
}

func (e *LineEngine) SetCommandCallback(h dispatch.CommandHandler) {
	e.d.SetHandler(h)
}

// SetSlaveProcessCallback installs fn, run on the root rank before each
// input is read in a parallel group so ranks outside the event loop can be
// woken to join the broadcast.
func (e *LineEngine) SetSlaveProcessCallback(fn func()) {
	e.slave = fn
}

// SaveImage is not available: rendering belongs to the viewer.
func (e *LineEngine) SaveImage(path string, width, height int, format string) error {
	if path == "" || width <= 0 || height <= 0 {
		return fmt.Errorf("engine: invalid image request %q %dx%d", path, width, height)
	}
	return fmt.Errorf("%w: save image %s (%s)", ErrUnsupported, path, format)
}

func (e *LineEngine) SetCommunicator(pctx *parallel.Context) error {
	if pctx == nil {
		return ErrNoCommunicator
	}
	e.pctx = pctx
	return nil
}
