// Package session is the explicit context object that owns one control
// connection: the listener, the engine binding, the dispatcher, the sync
// registry and the parallel context they share.
//
// Every rank constructs its own Session and calls the same methods in the
// same order. Only the root rank polls or touches sockets; each outcome it
// observes is broadcast before any rank acts on it.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danmuck/simlink/internal/dispatch"
	"github.com/danmuck/simlink/internal/engine"
	"github.com/danmuck/simlink/internal/listener"
	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/negotiate"
	"github.com/danmuck/simlink/internal/observability"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/danmuck/simlink/internal/syncwait"
	"github.com/danmuck/simlink/internal/ui"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("session: no viewer connected")

type Config struct {
	// Name identifies the host in logs, metrics and the manifest file name.
	Name     string
	Listener listener.Config
	Engine   engine.Config
	// IdleTimeout bounds each blocking poll so context cancellation is seen.
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:        "simlink",
		Listener:    listener.DefaultConfig(),
		Engine:      engine.DefaultConfig(),
		IdleTimeout: 250 * time.Millisecond,
	}
}

// Status is a point-in-time snapshot safe to read from any goroutine.
type Status struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Rank         int       `json:"rank"`
	Size         int       `json:"size"`
	State        string    `json:"state"`
	Host         string    `json:"host,omitempty"`
	Port         int       `json:"port,omitempty"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	Connected    bool      `json:"connected"`
	Peer         string    `json:"peer,omitempty"`
	Args         []string  `json:"args,omitempty"`
	PendingSyncs int       `json:"pending_syncs"`
	Commands     uint64    `json:"commands"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

type Session struct {
	id     string
	cfg    Config
	pctx   *parallel.Context
	logger zerolog.Logger

	lst    *listener.Listener
	ui     *ui.Registry
	reg    *syncwait.Registry
	disp   *dispatch.Dispatcher
	eng    engine.Engine
	waiter *syncwait.Waiter

	consoleFD int
	console   *bufio.Reader

	mu     sync.Mutex
	status Status
}

// New builds a session for one rank. A nil pctx is a single-rank group.
func New(pctx *parallel.Context, cfg Config) (*Session, error) {
	if pctx == nil {
		pctx = parallel.Serial()
	}
	if cfg.Name == "" {
		cfg.Name = "simlink"
	}
	if cfg.Listener.ManifestName == "" || cfg.Listener.ManifestName == listener.DefaultManifestName {
		cfg.Listener.ManifestName = cfg.Name
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.Engine.MaxLineBytes <= 0 {
		cfg.Engine.MaxLineBytes = protocol.MaxLineBytes
	}

	// every rank must agree on the id so logs correlate across the group
	id := ""
	if pctx.IsRoot() {
		id = uuid.NewString()
	}
	id, err := pctx.BroadcastString(id, parallel.RootRank)
	if err != nil {
		return nil, fmt.Errorf("session: share id: %w", err)
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		pctx:      pctx,
		logger:    log.With().Str("session", id[:8]).Int("rank", pctx.Rank()).Logger(),
		lst:       listener.New(pctx, cfg.Listener),
		ui:        ui.NewRegistry(),
		reg:       syncwait.NewRegistry(),
		consoleFD: mux.NoHandle,
	}
	s.disp = dispatch.New(s.reg, s.ui, nil)
	s.eng = engine.NewLineEngine(pctx, s.disp, cfg.Engine)
	s.waiter = syncwait.NewWaiter(s.reg, syncwait.SourceFunc(s.waitEvent), s.eng)
	s.status = Status{
		ID:        id,
		Name:      cfg.Name,
		Rank:      pctx.Rank(),
		Size:      pctx.Size(),
		StartedAt: time.Now(),
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Context() *parallel.Context { return s.pctx }

// UI is the element registry UI commands are offered to.
func (s *Session) UI() *ui.Registry { return s.ui }

func (s *Session) Engine() engine.Engine { return s.eng }

func (s *Session) Listener() *listener.Listener { return s.lst }

// SetCommandHandler installs the generic command callback.
func (s *Session) SetCommandHandler(h dispatch.CommandHandler) {
	s.eng.SetCommandCallback(countingHandler{s: s, next: h})
}

type countingHandler struct {
	s    *Session
	next dispatch.CommandHandler
}

func (c countingHandler) HandleCommand(env protocol.Envelope) {
	c.s.mu.Lock()
	c.s.status.Commands++
	c.s.mu.Unlock()
	if c.next != nil {
		c.next.HandleCommand(env)
	}
}

// SetConsole watches f as the extra input handle. Only the root reads it.
func (s *Session) SetConsole(f *os.File) error {
	if !s.pctx.IsRoot() || f == nil {
		return nil
	}
	fd, err := mux.FD(f)
	if err != nil {
		return err
	}
	s.consoleFD = fd
	s.console = bufio.NewReader(f)
	return nil
}

// Listen binds the socket and publishes the manifest.
func (s *Session) Listen() error {
	if err := s.lst.Listen(); err != nil {
		return err
	}
	desc := s.lst.Descriptor()
	s.update(func(st *Status) {
		st.Host = desc.Host
		st.Port = desc.Port
		st.ManifestPath = s.lst.ManifestPath()
	})
	return nil
}

func (s *Session) update(fn func(st *Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	state := s.lst.State().String()
	pending := s.reg.Len()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = state
	st.PendingSyncs = pending
	st.Args = append([]string(nil), s.status.Args...)
	return st
}

func (s *Session) handles(watchExtra bool) mux.Handles {
	h := mux.None()
	if !s.eng.Connected() {
		h.Listen = s.lst.FD()
	} else {
		h.Engine = s.eng.SocketFD()
		h.EngineBuffered = s.eng.Buffered()
	}
	if watchExtra {
		h.Extra = s.consoleFD
	}
	return h
}

// detect polls on the root and broadcasts the outcome. timeout < 0 blocks.
func (s *Session) detect(ctx context.Context, timeout time.Duration, watchExtra bool) (mux.Event, error) {
	var (
		ev  mux.Event
		err error
	)
	if s.pctx.IsRoot() {
		if err = ctx.Err(); err == nil {
			ev, err = mux.PollTimeout(s.handles(watchExtra), timeout)
		}
	}
	code := encodeEvent(ev, err)
	if berr := s.pctx.BroadcastInt(&code, parallel.RootRank); berr != nil {
		return mux.Error, berr
	}
	return decodeEvent(code, err)
}

// Detect reports which input is ready. A blocking detect waits until one is.
func (s *Session) Detect(ctx context.Context, blocking bool) (mux.Event, error) {
	if blocking {
		return s.detect(ctx, -1, true)
	}
	return s.detect(ctx, 0, true)
}

// DetectTimeout waits at most d.
func (s *Session) DetectTimeout(ctx context.Context, d time.Duration) (mux.Event, error) {
	return s.detect(ctx, d, true)
}

// waitEvent feeds a synchronized wait. The console is not watched and
// cancellation is ignored: a wait ends on its reply or on disconnect.
// The poll is bounded by IdleTimeout rather than blocking so the wait
// loop re-checks the connection after a nested handler drops the viewer.
func (s *Session) waitEvent(ctx context.Context) (mux.Event, error) {
	return s.detect(context.WithoutCancel(ctx), s.cfg.IdleTimeout, false)
}

// AttemptToCompleteConnection accepts the pending peer, runs the key
// handshake and parameter negotiation, and binds the engine. On failure the
// peer is dropped and the listener is back to Listening.
func (s *Session) AttemptToCompleteConnection() error {
	conn, err := s.lst.Accept()
	if err != nil {
		return err
	}
	var r *bufio.Reader
	if conn != nil {
		r = bufio.NewReaderSize(conn, s.cfg.Engine.MaxLineBytes)
	}
	if err := s.lst.Handshake(conn, r); err != nil {
		s.logger.Warn().Err(err).Msg("session: handshake rejected")
		return err
	}
	args, err := negotiate.Negotiate(s.pctx, r)
	if err != nil {
		s.lst.Abort(conn)
		s.logger.Warn().Err(err).Msg("session: negotiation failed")
		return err
	}
	if err := s.eng.Initialize(args); err != nil {
		s.lst.Abort(conn)
		return err
	}
	if err := s.eng.ConnectToViewer(conn, r, args); err != nil {
		s.lst.Abort(conn)
		return err
	}
	if err := s.lst.Bind(); err != nil {
		_ = s.eng.Disconnect()
		return err
	}

	peer := ""
	if conn != nil {
		peer = conn.RemoteAddr().String()
	}
	s.update(func(st *Status) {
		st.Connected = true
		st.Peer = peer
		st.Args = args
		st.ConnectedAt = time.Now()
	})
	observability.SetViewerConnected(true)
	s.logger.Info().Strs("args", args).Str("peer", peer).Msg("session: viewer bound")
	return nil
}

// ProcessEngineCommand handles one line from the viewer. Losing the
// connection disconnects the session and returns the error.
func (s *Session) ProcessEngineCommand() error {
	if !s.eng.Connected() {
		return ErrNotConnected
	}
	err := s.eng.ProcessOneInput()
	if errors.Is(err, engine.ErrDisconnected) {
		s.logger.Info().Err(err).Msg("session: viewer went away")
		if derr := s.Disconnect(); derr != nil {
			return errors.Join(err, derr)
		}
	}
	return err
}

// ExecuteCommand sends one command line to the viewer.
func (s *Session) ExecuteCommand(cmd string) error {
	if !s.eng.Connected() {
		return ErrNotConnected
	}
	err := s.eng.ExecuteCommand(cmd)
	if errors.Is(err, engine.ErrDisconnected) {
		_ = s.Disconnect()
	}
	return err
}

// Synchronize blocks until the viewer has processed everything sent before
// it. Commands arriving meanwhile are dispatched as usual.
func (s *Session) Synchronize(ctx context.Context) error {
	if !s.eng.Connected() {
		return ErrNotConnected
	}
	err := s.waiter.Synchronize(ctx)
	if errors.Is(err, syncwait.ErrDisconnected) && s.eng.Connected() {
		_ = s.Disconnect()
	}
	return err
}

// Disconnect drops the viewer and resumes listening for the next one.
func (s *Session) Disconnect() error {
	if !s.eng.Connected() {
		return nil
	}
	err := s.eng.Disconnect()
	if lerr := s.lst.Disconnect(); lerr == nil {
		if rerr := s.lst.Listen(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	s.update(func(st *Status) {
		st.Connected = false
		st.Peer = ""
		st.Args = nil
		st.ConnectedAt = time.Time{}
	})
	observability.SetViewerConnected(false)
	s.logger.Info().Msg("session: viewer disconnected")
	return err
}

// Close disconnects, stops listening and removes the manifest.
func (s *Session) Close() error {
	err := s.Disconnect()
	if cerr := s.lst.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (s *Session) Synchronizer() *syncwait.Waiter {
	return s.waiter
}
