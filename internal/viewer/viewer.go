// Package viewer is the peer side of the control protocol: it finds a host
// through its manifest, offers the one-time key, sends the startup
// parameters and then exchanges command lines.
package viewer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/simlink/internal/protocol"
	"github.com/danmuck/simlink/internal/protocol/backoff"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoManifest = errors.New("viewer: no manifest found")
	ErrRejected   = errors.New("viewer: host rejected key")
)

type Config struct {
	// ManifestPath selects one manifest. When empty the newest manifest in
	// ManifestDir is used.
	ManifestPath string
	ManifestDir  string
	// Addr and Key override the manifest values.
	Addr        string
	Key         string
	Args        []string
	DialTimeout time.Duration
	// MaxAttempts bounds dial attempts; 0 retries until ctx ends.
	MaxAttempts int
	Backoff     backoff.Config
	// AutoSync echoes every INTERNALSYNC request straight back.
	AutoSync bool
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: 2 * time.Second,
		MaxAttempts: 5,
		Backoff:     backoff.DefaultConfig(),
		AutoSync:    true,
	}
}

// Resolve finds the manifest cfg points at and applies the overrides.
func Resolve(cfg Config) (protocol.Manifest, error) {
	path := cfg.ManifestPath
	if path == "" && cfg.ManifestDir != "" {
		found, err := protocol.FindManifests(cfg.ManifestDir)
		if err != nil {
			return protocol.Manifest{}, err
		}
		if len(found) > 0 {
			path = found[0]
		}
	}
	if path == "" && cfg.Addr == "" {
		return protocol.Manifest{}, ErrNoManifest
	}

	var m protocol.Manifest
	if path != "" {
		var err error
		if m, err = protocol.ReadManifestFile(path); err != nil {
			return protocol.Manifest{}, err
		}
	}
	if cfg.Key != "" {
		m.Key = cfg.Key
	}
	if cfg.Addr != "" {
		host, port, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return protocol.Manifest{}, fmt.Errorf("viewer: address %q: %w", cfg.Addr, err)
		}
		if m.Port, err = strconv.Atoi(port); err != nil {
			return protocol.Manifest{}, fmt.Errorf("viewer: port %q: %w", port, err)
		}
		m.Host = host
	}
	return m, nil
}

// Client is one attached viewer connection.
type Client struct {
	cfg      Config
	manifest protocol.Manifest
	conn     net.Conn
	r        *bufio.Reader

	wmu sync.Mutex
}

// Dial resolves the manifest, connects with backoff, and completes the key
// handshake and parameter exchange.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	m, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := dialWithBackoff(ctx, cfg, m.Addr())
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, manifest: m, conn: conn, r: bufio.NewReader(conn)}
	if err := c.attach(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Info().Str("addr", m.Addr()).Int("args", len(cfg.Args)).Msg("viewer: attached")
	return c, nil
}

func dialWithBackoff(ctx context.Context, cfg Config, addr string) (net.Conn, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("viewer: dial %s after %d attempts: %w", addr, attempt, err)
		}
		log.Debug().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("viewer: dial retry")
		if err := backoff.Sleep(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) attach() error {
	if err := protocol.WriteLine(c.conn, c.manifest.Key); err != nil {
		return err
	}
	ok, err := protocol.ReadHandshakeReply(c.r)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return protocol.WriteParameters(c.conn, c.cfg.Args)
}

func (c *Client) Manifest() protocol.Manifest {
	return c.manifest
}

// Send writes one envelope. Safe for concurrent use.
func (c *Client) Send(env protocol.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteEnvelope(c.conn, env)
}

func (c *Client) SendLine(line string) error {
	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) SendUI(cmd protocol.UICommand) error {
	return c.Send(cmd.Envelope())
}

// Next reads the next envelope from the host. With AutoSync a sync
// request is echoed before it is returned.
func (c *Client) Next() (protocol.Envelope, error) {
	env, err := protocol.ReadEnvelope(c.r)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if c.cfg.AutoSync && env.IsSync() {
		if err := c.Send(env); err != nil {
			return env, err
		}
	}
	return env, nil
}

// SetDeadline bounds pending reads and writes.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
