// Package parallel owns rank coherence for a simulation process group.
//
// Every rank runs the identical call sequence. Values that only rank 0 can
// observe (socket input, generated keys, poll results) are copied to the
// other ranks through a Broadcaster, so the group stays in lockstep without
// shared memory.
//
// A broadcast call site must be reached by every rank in the same order.
// Nothing here detects divergence; a rank that skips a broadcast deadlocks
// or desynchronizes the group.
package parallel

import (
	"errors"
	"fmt"
)

// RootRank is the only rank that touches the control socket.
const RootRank = 0

var (
	ErrBroadcasterRequired = errors.New("parallel: broadcaster required in parallel mode")
	ErrInvalidRank         = errors.New("parallel: invalid rank")
	ErrInvalidSender       = errors.New("parallel: invalid sender rank")
	ErrBroadcastFailed     = errors.New("parallel: broadcast failed")
	ErrNegativeLength      = errors.New("parallel: negative string length")
	ErrRootFailed          = errors.New("parallel: root rank reported failure")
)

// Broadcaster is the collective primitive pair a host application supplies.
//
// On the sender rank the input is authoritative. On every other rank the
// input is ignored and overwritten with the sender's value. BroadcastBytes
// requires len(buf) to be identical on every rank.
type Broadcaster interface {
	BroadcastInt(v *int, sender int) error
	BroadcastBytes(buf []byte, sender int) error
}

// Context is the process-wide view of the group for one session.
type Context struct {
	rank int
	size int
	b    Broadcaster
}

// Serial returns a single-rank context; every broadcast is an identity.
func Serial() *Context {
	return &Context{rank: RootRank, size: 1}
}

// NewContext validates the group shape and fails fast when a parallel
// group has no broadcaster installed.
func NewContext(rank, size int, b Broadcaster) (*Context, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: size=%d", ErrInvalidRank, size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank=%d size=%d", ErrInvalidRank, rank, size)
	}
	if size > 1 && b == nil {
		return nil, ErrBroadcasterRequired
	}
	return &Context{rank: rank, size: size, b: b}, nil
}

func (c *Context) Rank() int {
	return c.rank
}

func (c *Context) Size() int {
	return c.size
}

func (c *Context) IsParallel() bool {
	return c.size > 1
}

// IsRoot reports whether this rank owns the socket.
func (c *Context) IsRoot() bool {
	return c.rank == RootRank
}

func (c *Context) checkSender(sender int) error {
	if sender < 0 || sender >= c.size {
		return fmt.Errorf("%w: sender=%d size=%d", ErrInvalidSender, sender, c.size)
	}
	return nil
}

// BroadcastInt copies the sender's v to every rank.
func (c *Context) BroadcastInt(v *int, sender int) error {
	if err := c.checkSender(sender); err != nil {
		return err
	}
	if !c.IsParallel() {
		return nil
	}
	if err := c.b.BroadcastInt(v, sender); err != nil {
		return fmt.Errorf("%w: int from rank %d: %v", ErrBroadcastFailed, sender, err)
	}
	return nil
}

// BroadcastBool is BroadcastInt over 0/1.
func (c *Context) BroadcastBool(v bool, sender int) (bool, error) {
	n := 0
	if v {
		n = 1
	}
	if err := c.BroadcastInt(&n, sender); err != nil {
		return false, err
	}
	return n != 0, nil
}

// ShareOutcome tells every rank whether a step only the root performs
// succeeded. The root gets its own err back; other ranks get ErrRootFailed
// when the root failed.
func (c *Context) ShareOutcome(err error) error {
	ok, berr := c.BroadcastBool(err == nil, RootRank)
	if berr != nil {
		if err != nil {
			return errors.Join(err, berr)
		}
		return berr
	}
	if c.IsRoot() {
		return err
	}
	if !ok {
		return ErrRootFailed
	}
	return nil
}

// BroadcastString sends the length, then exactly that many bytes plus a
// zero terminator. Non-sender ranks ignore s.
func (c *Context) BroadcastString(s string, sender int) (string, error) {
	if err := c.checkSender(sender); err != nil {
		return "", err
	}
	if !c.IsParallel() {
		return s, nil
	}
	n := len(s)
	if err := c.BroadcastInt(&n, sender); err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	buf := make([]byte, n+1)
	if c.rank == sender {
		copy(buf, s)
	}
	if err := c.b.BroadcastBytes(buf, sender); err != nil {
		return "", fmt.Errorf("%w: %d bytes from rank %d: %v", ErrBroadcastFailed, n, sender, err)
	}
	return string(buf[:n]), nil
}

// BroadcastStrings sends the count, then each string in order.
func (c *Context) BroadcastStrings(in []string, sender int) ([]string, error) {
	n := len(in)
	if err := c.BroadcastInt(&n, sender); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		var s string
		if c.rank == sender {
			s = in[i]
		}
		v, err := c.BroadcastString(s, sender)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
