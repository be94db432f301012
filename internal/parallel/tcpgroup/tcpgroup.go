// Package tcpgroup carries rank broadcasts between separate processes.
//
// Rank 0 is the hub: it accepts one TCP connection per peer rank and relays
// broadcasts that originate on a non-root rank. Every broadcast is one frame
// stamped with a per-member sequence number; a frame whose kind, sender or
// sequence does not match the local call is reported as ErrDesync.
package tcpgroup

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/protocol/backoff"
	"github.com/danmuck/simlink/internal/protocol/frame"
	"github.com/danmuck/simlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddrRequired   = errors.New("tcpgroup: coordinator address required")
	ErrBadHello       = errors.New("tcpgroup: bad hello")
	ErrDuplicateRank  = errors.New("tcpgroup: duplicate rank")
	ErrDesync         = errors.New("tcpgroup: broadcast sequence diverged")
	ErrLengthMismatch = errors.New("tcpgroup: broadcast length mismatch")
)

// Config describes one member's place in the group.
type Config struct {
	Rank        int
	Size        int
	Addr        string
	DialTimeout time.Duration
	MaxAttempts int
	Backoff     backoff.Config
	Limits      frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Size:        1,
		DialTimeout: 5 * time.Second,
		MaxAttempts: 50,
		Backoff:     backoff.DefaultConfig(),
		Limits:      frame.DefaultLimits(),
	}
}

// Member is one rank's Broadcaster over TCP.
type Member struct {
	rank   int
	size   int
	peers  []net.Conn
	up     net.Conn
	seq    uint64
	limits frame.Limits
}

var _ parallel.Broadcaster = (*Member)(nil)

// Join listens on cfg.Addr when cfg.Rank is 0 and dials it otherwise.
func Join(ctx context.Context, cfg Config) (*Member, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddrRequired
	}
	if cfg.Rank == parallel.RootRank {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		defer ln.Close()
		return Accept(ctx, ln, cfg.Size, cfg.Limits)
	}
	return Dial(ctx, cfg)
}

// Accept builds the root member by collecting size-1 peers from ln.
func Accept(ctx context.Context, ln net.Listener, size int, limits frame.Limits) (*Member, error) {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	m := &Member{rank: parallel.RootRank, size: size, peers: make([]net.Conn, size), limits: limits}
	if dl, ok := ctx.Deadline(); ok {
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(dl)
		}
	}
	for joined := 1; joined < size; {
		conn, err := ln.Accept()
		if err != nil {
			m.Close()
			return nil, err
		}
		rank, err := m.readHello(conn)
		if err != nil {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("tcpgroup hello rejected")
			_ = conn.Close()
			continue
		}
		if err := m.writeHello(conn); err != nil {
			_ = conn.Close()
			continue
		}
		m.peers[rank] = conn
		joined++
		log.Debug().Int("peer", rank).Int("joined", joined).Int("size", size).Msg("tcpgroup peer joined")
	}
	return m, nil
}

// Dial connects a non-root member to the hub, retrying with backoff while
// the hub is not yet listening.
func Dial(ctx context.Context, cfg Config) (*Member, error) {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.Rank <= 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("%w: rank=%d size=%d", parallel.ErrInvalidRank, cfg.Rank, cfg.Size)
	}
	m := &Member{rank: cfg.Rank, size: cfg.Size, limits: cfg.Limits}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
		if err == nil {
			if err = m.writeHello(conn); err == nil {
				_, err = m.readAck(conn)
			}
			if err == nil {
				m.up = conn
				return m, nil
			}
			_ = conn.Close()
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, err
		}
		log.Debug().Err(err).Int("attempt", attempt).Str("addr", cfg.Addr).Msg("tcpgroup dial retry")
		if err := backoff.Sleep(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// Context wraps the member in a validated parallel.Context.
func (m *Member) Context() (*parallel.Context, error) {
	return parallel.NewContext(m.rank, m.size, m)
}

func (m *Member) Close() error {
	var first error
	for _, c := range m.peers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	if m.up != nil {
		if err := m.up.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Member) BroadcastInt(v *int, sender int) error {
	payload := tlv.EncodeFields([]tlv.Field{tlv.I64(tlv.FieldValue, int64(*v))})
	got, err := m.broadcast(frame.KindInt, payload, sender)
	if err != nil || m.rank == sender {
		return err
	}
	fields, err := tlv.DecodeFields(got)
	if err != nil {
		return err
	}
	n, err := tlv.GetI64(fields, tlv.FieldValue)
	if err != nil {
		return err
	}
	*v = int(n)
	return nil
}

func (m *Member) BroadcastBytes(buf []byte, sender int) error {
	payload := tlv.EncodeFields([]tlv.Field{tlv.Bytes(tlv.FieldData, buf)})
	got, err := m.broadcast(frame.KindBytes, payload, sender)
	if err != nil || m.rank == sender {
		return err
	}
	fields, err := tlv.DecodeFields(got)
	if err != nil {
		return err
	}
	data, err := tlv.GetBytes(fields, tlv.FieldData)
	if err != nil {
		return err
	}
	if len(data) != len(buf) {
		return fmt.Errorf("%w: got %d want %d", ErrLengthMismatch, len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

func (m *Member) broadcast(kind frame.Kind, payload []byte, sender int) ([]byte, error) {
	m.seq++
	out := frame.Frame{
		Header:  frame.Header{Kind: kind, Sender: uint32(sender), Seq: m.seq},
		Payload: payload,
	}
	switch {
	case m.rank == sender && m.rank == parallel.RootRank:
		return payload, m.fanOut(out, -1)
	case m.rank == sender:
		return payload, frame.WriteFrame(m.up, out, m.limits)
	case m.rank == parallel.RootRank:
		in, err := m.read(m.peers[sender], kind, sender)
		if err != nil {
			return nil, err
		}
		return in.Payload, m.fanOut(in, sender)
	default:
		in, err := m.read(m.up, kind, sender)
		if err != nil {
			return nil, err
		}
		return in.Payload, nil
	}
}

func (m *Member) fanOut(f frame.Frame, skip int) error {
	for rank, c := range m.peers {
		if c == nil || rank == skip {
			continue
		}
		if err := frame.WriteFrame(c, f, m.limits); err != nil {
			return fmt.Errorf("tcpgroup: write to rank %d: %w", rank, err)
		}
	}
	return nil
}

func (m *Member) read(conn net.Conn, kind frame.Kind, sender int) (frame.Frame, error) {
	f, err := frame.ReadFrame(conn, m.limits)
	if err != nil {
		return frame.Frame{}, err
	}
	h := f.Header
	if h.Kind != kind || int(h.Sender) != sender || h.Seq != m.seq {
		return frame.Frame{}, fmt.Errorf(
			"%w: got kind=%s sender=%d seq=%d want kind=%s sender=%d seq=%d",
			ErrDesync, h.Kind, h.Sender, h.Seq, kind, sender, m.seq,
		)
	}
	return f, nil
}

func (m *Member) writeHello(conn net.Conn) error {
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.U32(tlv.FieldRank, uint32(m.rank)),
		tlv.U32(tlv.FieldSize, uint32(m.size)),
	})
	return frame.WriteFrame(conn, frame.Frame{
		Header:  frame.Header{Kind: frame.KindHello, Sender: uint32(m.rank)},
		Payload: payload,
	}, m.limits)
}

func (m *Member) readHello(conn net.Conn) (int, error) {
	rank, size, err := m.decodeHello(conn)
	if err != nil {
		return 0, err
	}
	if size != m.size {
		return 0, fmt.Errorf("%w: size %d want %d", ErrBadHello, size, m.size)
	}
	if rank <= 0 || rank >= m.size {
		return 0, fmt.Errorf("%w: rank %d", ErrBadHello, rank)
	}
	if m.peers[rank] != nil {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateRank, rank)
	}
	return rank, nil
}

func (m *Member) readAck(conn net.Conn) (int, error) {
	rank, size, err := m.decodeHello(conn)
	if err != nil {
		return 0, err
	}
	if rank != parallel.RootRank || size != m.size {
		return 0, fmt.Errorf("%w: ack rank=%d size=%d", ErrBadHello, rank, size)
	}
	return rank, nil
}

func (m *Member) decodeHello(conn net.Conn) (int, int, error) {
	f, err := frame.ReadFrame(conn, m.limits)
	if err != nil {
		return 0, 0, err
	}
	if f.Header.Kind != frame.KindHello {
		return 0, 0, fmt.Errorf("%w: kind %s", ErrBadHello, f.Header.Kind)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return 0, 0, err
	}
	rank, err := tlv.GetU32(fields, tlv.FieldRank)
	if err != nil {
		return 0, 0, err
	}
	size, err := tlv.GetU32(fields, tlv.FieldSize)
	if err != nil {
		return 0, 0, err
	}
	return int(rank), int(size), nil
}
