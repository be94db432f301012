//go:build unix

// Package mux is the single readiness primitive behind the host event loop.
// One call watches the listening socket, the bound engine socket and an
// optional extra handle (console input) and reports exactly one of them.
package mux

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// NoHandle marks an unused slot in Handles.
const NoHandle = -1

var (
	ErrInterrupted   = errors.New("mux: interrupted wait")
	ErrInvalidHandle = errors.New("mux: invalid handle")
	ErrInternal      = errors.New("mux: no recognized readiness")
	ErrNotPollable   = errors.New("mux: handle has no file descriptor")
)

type Event int

const (
	Timeout Event = iota
	ListenReady
	EngineReady
	ExtraReady
	Error
)

func (e Event) String() string {
	switch e {
	case Timeout:
		return "timeout"
	case ListenReady:
		return "listen"
	case EngineReady:
		return "engine"
	case ExtraReady:
		return "extra"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Handles names the descriptors one poll watches. Unused slots hold
// NoHandle. Listen is ignored while Engine is bound, so only one peer can
// ever be connected. EngineBuffered reports input already read off the
// engine socket into a user-space buffer; it counts as engine readiness.
type Handles struct {
	Listen         int
	Engine         int
	Extra          int
	EngineBuffered bool
}

// None returns Handles with every slot unused.
func None() Handles {
	return Handles{Listen: NoHandle, Engine: NoHandle, Extra: NoHandle}
}

// Poll waits for readiness. A non-blocking poll returns Timeout at once
// when nothing is ready.
func Poll(h Handles, blocking bool) (Event, error) {
	if blocking {
		return poll(h, -1)
	}
	return poll(h, 0)
}

// PollTimeout waits at most d. A negative d blocks.
func PollTimeout(h Handles, d time.Duration) (Event, error) {
	if d < 0 {
		return poll(h, -1)
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return poll(h, ms)
}

const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR

func poll(h Handles, timeoutMs int) (Event, error) {
	type slot struct {
		ev Event
		fd int
	}
	slots := make([]slot, 0, 3)
	if h.Listen >= 0 && h.Engine < 0 {
		slots = append(slots, slot{ListenReady, h.Listen})
	}
	if h.Engine >= 0 {
		if h.EngineBuffered {
			return EngineReady, nil
		}
		slots = append(slots, slot{EngineReady, h.Engine})
	}
	if h.Extra >= 0 {
		slots = append(slots, slot{ExtraReady, h.Extra})
	}
	if len(slots) == 0 && timeoutMs < 0 {
		return Error, fmt.Errorf("%w: blocking poll with no handles", ErrInvalidHandle)
	}

	fds := make([]unix.PollFd, len(slots))
	for i, s := range slots {
		fds[i] = unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN}
	}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		switch {
		case errors.Is(err, unix.EINTR):
			return Error, ErrInterrupted
		case errors.Is(err, unix.EBADF):
			return Error, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
		default:
			return Error, fmt.Errorf("mux: poll: %w", err)
		}
	}
	if n == 0 {
		return Timeout, nil
	}

	for i, fd := range fds {
		if fd.Revents&unix.POLLNVAL != 0 {
			return Error, fmt.Errorf("%w: %s fd %d", ErrInvalidHandle, slots[i].ev, fd.Fd)
		}
		if fd.Revents&readable != 0 {
			return slots[i].ev, nil
		}
	}
	return Error, fmt.Errorf("%w: %d ready without events", ErrInternal, n)
}

// FD extracts the descriptor behind a net.Conn, net.Listener or *os.File.
// The descriptor stays owned by c and is valid only while c is open.
func FD(c any) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return NoHandle, fmt.Errorf("%w: %T", ErrNotPollable, c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return NoHandle, err
	}
	fd := NoHandle
	if err := raw.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return NoHandle, err
	}
	return fd, nil
}
