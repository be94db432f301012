// Package listener owns the server socket a viewer connects to: it binds the
// first free port in a range, publishes the connection manifest, accepts a
// single peer and runs the one-time key handshake.
//
// Only the root rank touches the socket. Every value it observes is
// broadcast so all ranks walk the same state transitions and reach the same
// accept/reject decisions.
package listener

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/simlink/internal/auth"
	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/observability"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrPortsExhausted  = errors.New("listener: no free port in range")
	ErrAcceptFailed    = errors.New("listener: accept failed")
	ErrKeyMismatch     = errors.New("listener: offered key does not match")
	ErrHandshakeFailed = errors.New("listener: handshake failed")
	ErrInvalidState    = errors.New("listener: invalid state transition")
)

const (
	DefaultBasePort         = 5600
	DefaultPortRange        = 100
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultManifestName     = "simlink"
)

// Config describes where to listen and what to advertise.
type Config struct {
	// Host is advertised in the manifest. Empty means os.Hostname.
	Host string
	// BindHost is the interface to bind. Empty binds every interface.
	BindHost string
	// BasePort is the first port tried; 0 lets the kernel choose.
	BasePort  int
	PortRange int
	// Key replaces the generated one-time key when set.
	Key string
	// ManifestDir empty disables the manifest.
	ManifestDir      string
	ManifestName     string
	Path             string
	InputFile        string
	Comment          string
	UIFile           string
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BasePort:         DefaultBasePort,
		PortRange:        DefaultPortRange,
		ManifestName:     DefaultManifestName,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.PortRange <= 0 {
		c.PortRange = 1
	}
	if c.ManifestName == "" {
		c.ManifestName = DefaultManifestName
	}
	if c.HandshakeTimeout < 0 {
		c.HandshakeTimeout = 0
	}
	return c
}

// Listener is one rank's view of the connection lifecycle.
type Listener struct {
	cfg  Config
	pctx *parallel.Context

	mu    sync.Mutex
	state State
	desc  protocol.Manifest

	ln           net.Listener
	manifestPath string
}

func New(pctx *parallel.Context, cfg Config) *Listener {
	return &Listener{cfg: cfg.withDefaults(), pctx: pctx, state: Idle}
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		log.Debug().
			Int("rank", l.pctx.Rank()).
			Str("from", prev.String()).
			Str("to", s.String()).
			Msg("listener: state")
	}
}

func (l *Listener) expect(allowed ...State) error {
	cur := l.State()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: in %s", ErrInvalidState, cur)
}

// Descriptor is the connection record every rank agreed on in Listen.
func (l *Listener) Descriptor() protocol.Manifest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.desc
}

// ManifestPath is where the root rank published the descriptor, or "".
func (l *Listener) ManifestPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manifestPath
}

// FD is the listening socket descriptor on the root rank, mux.NoHandle
// elsewhere or when not listening.
func (l *Listener) FD() int {
	if l.ln == nil {
		return mux.NoHandle
	}
	fd, err := mux.FD(l.ln)
	if err != nil {
		return mux.NoHandle
	}
	return fd
}

// Listen binds, agrees on the descriptor and publishes the manifest. From
// Disconnected it reopens the existing socket for the next peer without a
// new listen cycle.
func (l *Listener) Listen() error {
	if l.State() == Disconnected {
		l.setState(Listening)
		return nil
	}
	if err := l.expect(Idle); err != nil {
		return err
	}

	var (
		local   protocol.Manifest
		bindErr error
	)
	if l.pctx.IsRoot() {
		local, bindErr = l.bind()
	}
	if err := l.pctx.ShareOutcome(bindErr); err != nil {
		return err
	}

	desc, err := l.shareDescriptor(local)
	if err != nil {
		l.closeSocket()
		return err
	}

	l.mu.Lock()
	l.desc = desc
	l.mu.Unlock()

	var writeErr error
	if l.pctx.IsRoot() && l.cfg.ManifestDir != "" {
		path := protocol.ManifestPath(l.cfg.ManifestDir, l.cfg.ManifestName)
		writeErr = protocol.WriteManifestFile(path, desc)
		if writeErr == nil {
			l.mu.Lock()
			l.manifestPath = path
			l.mu.Unlock()
		}
	}
	if err := l.pctx.ShareOutcome(writeErr); err != nil {
		l.closeSocket()
		return fmt.Errorf("listener: publish manifest: %w", err)
	}

	observability.RecordListenCycle()
	l.setState(Listening)
	log.Info().
		Int("rank", l.pctx.Rank()).
		Str("host", desc.Host).
		Int("port", desc.Port).
		Str("manifest", l.ManifestPath()).
		Msg("listener: listening")
	return nil
}

func (l *Listener) bind() (protocol.Manifest, error) {
	host := l.cfg.Host
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return protocol.Manifest{}, fmt.Errorf("listener: hostname: %w", err)
		}
		host = h
	}
	key := l.cfg.Key
	if key == "" {
		k, err := auth.NewKey()
		if err != nil {
			return protocol.Manifest{}, err
		}
		key = k
	}

	ln, err := scan(l.cfg.BindHost, l.cfg.BasePort, l.cfg.PortRange)
	if err != nil {
		return protocol.Manifest{}, err
	}
	l.ln = ln
	return protocol.Manifest{
		Host:      host,
		Port:      ln.Addr().(*net.TCPAddr).Port,
		Key:       key,
		Path:      l.cfg.Path,
		InputFile: l.cfg.InputFile,
		Comment:   l.cfg.Comment,
		UIFile:    l.cfg.UIFile,
	}, nil
}

// scan binds the first free port in [base, base+span).
func scan(bindHost string, base, span int) (net.Listener, error) {
	if base == 0 {
		return net.Listen("tcp", net.JoinHostPort(bindHost, "0"))
	}
	var last error
	for p := base; p < base+span && p <= 65535; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		last = err
	}
	return nil, fmt.Errorf("%w: %d-%d: %v", ErrPortsExhausted, base, base+span-1, last)
}

func (l *Listener) shareDescriptor(local protocol.Manifest) (protocol.Manifest, error) {
	root := parallel.RootRank
	out := local
	var err error
	if out.Host, err = l.pctx.BroadcastString(local.Host, root); err != nil {
		return protocol.Manifest{}, err
	}
	if err = l.pctx.BroadcastInt(&out.Port, root); err != nil {
		return protocol.Manifest{}, err
	}
	if out.Key, err = l.pctx.BroadcastString(local.Key, root); err != nil {
		return protocol.Manifest{}, err
	}
	out.Path = l.cfg.Path
	out.InputFile = l.cfg.InputFile
	out.Comment = l.cfg.Comment
	out.UIFile = l.cfg.UIFile
	return out, nil
}

// Accept takes the next peer on the root rank. The returned conn is nil on
// every other rank. Failure leaves the listener in Listening.
func (l *Listener) Accept() (net.Conn, error) {
	if err := l.expect(Listening); err != nil {
		return nil, err
	}
	l.setState(Accepting)

	var (
		conn      net.Conn
		acceptErr error
	)
	if l.pctx.IsRoot() {
		if l.ln == nil {
			acceptErr = fmt.Errorf("%w: no socket", ErrAcceptFailed)
		} else if conn, acceptErr = l.ln.Accept(); acceptErr != nil {
			acceptErr = fmt.Errorf("%w: %v", ErrAcceptFailed, acceptErr)
		}
	}
	if err := l.pctx.ShareOutcome(acceptErr); err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		l.setState(Listening)
		if errors.Is(err, parallel.ErrRootFailed) {
			return nil, fmt.Errorf("%w: %v", ErrAcceptFailed, err)
		}
		return nil, err
	}
	if conn != nil {
		log.Info().Str("peer", conn.RemoteAddr().String()).Msg("listener: accepted")
	}
	return conn, nil
}

// Handshake reads the offered key from r on the root rank, broadcasts the
// authoritative and offered keys, and lets every rank compare them. The
// root replies success or failure on conn. On mismatch or any failure conn
// is closed and the listener returns to Listening.
func (l *Listener) Handshake(conn net.Conn, r *bufio.Reader) error {
	if err := l.expect(Accepting); err != nil {
		return err
	}
	l.setState(KeyExchange)

	var (
		offered string
		readErr error
	)
	if l.pctx.IsRoot() {
		offered, readErr = l.readKey(conn, r)
	}
	if err := l.pctx.ShareOutcome(readErr); err != nil {
		l.Abort(conn)
		observability.RecordHandshake("error")
		if errors.Is(err, parallel.ErrRootFailed) {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		return err
	}

	root := parallel.RootRank
	authoritative, err := l.pctx.BroadcastString(l.Descriptor().Key, root)
	if err != nil {
		l.Abort(conn)
		return err
	}
	offered, err = l.pctx.BroadcastString(offered, root)
	if err != nil {
		l.Abort(conn)
		return err
	}
	verr := auth.StaticToken{Token: authoritative}.Validate(offered)

	var writeErr error
	if l.pctx.IsRoot() {
		writeErr = protocol.WriteHandshakeReply(conn, verr == nil)
	}
	if verr != nil {
		l.Abort(conn)
		observability.RecordHandshake("mismatch")
		log.Warn().Int("rank", l.pctx.Rank()).Msg("listener: key mismatch")
		return fmt.Errorf("%w: %v", ErrKeyMismatch, verr)
	}
	if err := l.pctx.ShareOutcome(writeErr); err != nil {
		l.Abort(conn)
		observability.RecordHandshake("error")
		return fmt.Errorf("%w: reply: %v", ErrHandshakeFailed, err)
	}

	observability.RecordHandshake("success")
	l.setState(Negotiating)
	return nil
}

func (l *Listener) readKey(conn net.Conn, r *bufio.Reader) (string, error) {
	if conn == nil || r == nil {
		return "", fmt.Errorf("%w: no connection", ErrHandshakeFailed)
	}
	if d := l.cfg.HandshakeTimeout; d > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return "", err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	key, err := protocol.ReadLine(r, protocol.MaxLineBytes)
	if err != nil {
		return "", fmt.Errorf("%w: read key: %v", ErrHandshakeFailed, err)
	}
	return key, nil
}

// Bind completes negotiation.
func (l *Listener) Bind() error {
	if err := l.expect(Negotiating); err != nil {
		return err
	}
	l.setState(Bound)
	return nil
}

// Abort closes conn and returns to Listening. Used for any failure between
// accept and bind.
func (l *Listener) Abort(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
	if l.State() != Idle {
		l.setState(Listening)
	}
}

// Disconnect marks the bound peer gone. Listen resumes accepting.
func (l *Listener) Disconnect() error {
	if err := l.expect(Bound); err != nil {
		return err
	}
	l.setState(Disconnected)
	return nil
}

// Close releases the socket and removes the manifest.
func (l *Listener) Close() error {
	l.closeSocket()
	l.mu.Lock()
	path := l.manifestPath
	l.manifestPath = ""
	l.mu.Unlock()
	var err error
	if path != "" {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
	}
	l.setState(Idle)
	return err
}

func (l *Listener) closeSocket() {
	if l.ln != nil {
		_ = l.ln.Close()
		l.ln = nil
	}
}
