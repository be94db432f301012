// Package inproc runs a parallel group as goroutines inside one process.
//
// Each rank gets its own Broadcaster view. Messages travel over one FIFO
// channel per (sender, receiver) pair, so ordering holds even when the
// sender rank changes between calls.
package inproc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/simlink/internal/parallel"
)

var (
	ErrGroupClosed    = errors.New("inproc: group closed")
	ErrLengthMismatch = errors.New("inproc: broadcast length mismatch")
	ErrKindMismatch   = errors.New("inproc: broadcast kind mismatch")
)

const pairDepth = 256

type message struct {
	isInt bool
	n     int
	buf   []byte
}

// Group is the shared state behind every member.
type Group struct {
	size  int
	pairs [][]chan message
	done  chan struct{}
	once  sync.Once
}

func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}
	pairs := make([][]chan message, size)
	for s := range pairs {
		pairs[s] = make([]chan message, size)
		for r := range pairs[s] {
			if r == s {
				continue
			}
			pairs[s][r] = make(chan message, pairDepth)
		}
	}
	return &Group{size: size, pairs: pairs, done: make(chan struct{})}
}

func (g *Group) Size() int {
	return g.size
}

// Close unblocks every pending receive with ErrGroupClosed.
func (g *Group) Close() {
	g.once.Do(func() { close(g.done) })
}

// Member returns the broadcaster view for one rank.
func (g *Group) Member(rank int) *Member {
	return &Member{g: g, rank: rank}
}

// Context builds a validated parallel.Context for rank.
func (g *Group) Context(rank int) (*parallel.Context, error) {
	return parallel.NewContext(rank, g.size, g.Member(rank))
}

// Run starts one goroutine per rank and waits for all of them. errs[i] is
// the error returned by rank i.
func (g *Group) Run(fn func(pctx *parallel.Context) error) []error {
	errs := make([]error, g.size)
	var wg sync.WaitGroup
	for rank := 0; rank < g.size; rank++ {
		pctx, err := g.Context(rank)
		if err != nil {
			errs[rank] = err
			continue
		}
		wg.Add(1)
		go func(rank int, pctx *parallel.Context) {
			defer wg.Done()
			errs[rank] = fn(pctx)
		}(rank, pctx)
	}
	wg.Wait()
	return errs
}

// Member is one rank's Broadcaster.
type Member struct {
	g    *Group
	rank int
}

var _ parallel.Broadcaster = (*Member)(nil)

func (m *Member) BroadcastInt(v *int, sender int) error {
	if m.rank == sender {
		return m.fanOut(message{isInt: true, n: *v})
	}
	msg, err := m.recv(sender)
	if err != nil {
		return err
	}
	if !msg.isInt {
		return fmt.Errorf("%w: want int from rank %d", ErrKindMismatch, sender)
	}
	*v = msg.n
	return nil
}

func (m *Member) BroadcastBytes(buf []byte, sender int) error {
	if m.rank == sender {
		out := make([]byte, len(buf))
		copy(out, buf)
		return m.fanOut(message{buf: out})
	}
	msg, err := m.recv(sender)
	if err != nil {
		return err
	}
	if msg.isInt {
		return fmt.Errorf("%w: want bytes from rank %d", ErrKindMismatch, sender)
	}
	if len(msg.buf) != len(buf) {
		return fmt.Errorf("%w: got %d want %d", ErrLengthMismatch, len(msg.buf), len(buf))
	}
	copy(buf, msg.buf)
	return nil
}

func (m *Member) fanOut(msg message) error {
	for r := 0; r < m.g.size; r++ {
		if r == m.rank {
			continue
		}
		select {
		case m.g.pairs[m.rank][r] <- msg:
		case <-m.g.done:
			return ErrGroupClosed
		}
	}
	return nil
}

func (m *Member) recv(sender int) (message, error) {
	select {
	case msg := <-m.g.pairs[sender][m.rank]:
		return msg, nil
	case <-m.g.done:
		return message{}, ErrGroupClosed
	}
}
