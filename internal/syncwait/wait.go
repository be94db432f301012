// Package syncwait turns the fire-and-forget command stream into a blocking
// request/reply call.
//
// Synchronize sends "INTERNALSYNC <id>" and then keeps servicing engine
// input on the calling goroutine until the reply for that id has been
// dispatched. Handlers run from inside that loop may call Synchronize
// again; waits nest like a stack and each inner wait resolves before its
// caller resumes.
package syncwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/observability"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrDisconnected  = errors.New("syncwait: channel lost while waiting")
	ErrChannelClosed = errors.New("syncwait: viewer no longer connected")
)

// Source yields the next input event, identical on every rank.
type Source interface {
	Next(ctx context.Context) (mux.Event, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context) (mux.Event, error)

func (f SourceFunc) Next(ctx context.Context) (mux.Event, error) {
	return f(ctx)
}

// Channel is the engine side of a wait: send one command, process one
// input line. Connected turns false once the viewer is dropped, including
// from a handler running inside the wait.
type Channel interface {
	ExecuteCommand(cmd string) error
	ProcessOneInput() error
	Connected() bool
}

type Waiter struct {
	reg *Registry
	src Source
	ch  Channel
}

func NewWaiter(reg *Registry, src Source, ch Channel) *Waiter {
	return &Waiter{reg: reg, src: src, ch: ch}
}

func (w *Waiter) Registry() *Registry {
	return w.reg
}

// Synchronize blocks until the viewer echoes a fresh sync id or the
// channel is lost.
func (w *Waiter) Synchronize(ctx context.Context) error {
	return w.SynchronizeFunc(ctx, nil)
}

// SynchronizeFunc is Synchronize with a callback run when the reply is
// dispatched, before the wait returns.
func (w *Waiter) SynchronizeFunc(ctx context.Context, cb func()) error {
	p := w.reg.Issue(cb)
	start := time.Now()
	logger := log.With().Int("sync_id", p.ID).Logger()
	logger.Debug().Int("depth", w.reg.Len()).Msg("syncwait: issued")

	fail := func(reason string, err error) error {
		w.reg.Discard(p.ID)
		observability.RecordSyncWait(time.Since(start), false)
		logger.Warn().Err(err).Msg("syncwait: " + reason)
		return fmt.Errorf("%w: %s: %w", ErrDisconnected, reason, err)
	}

	if err := w.ch.ExecuteCommand(protocol.SyncEnvelope(p.ID).Encode()); err != nil {
		return fail("send", err)
	}

	for w.reg.IsPending(p.ID) {
		// a nested wait or a handler may have dropped the viewer; the
		// source then stops reporting engine input
		if !w.ch.Connected() {
			return fail("input", ErrChannelClosed)
		}
		ev, err := w.src.Next(ctx)
		if err != nil {
			if errors.Is(err, mux.ErrInterrupted) {
				continue
			}
			return fail("poll", err)
		}
		switch ev {
		case mux.EngineReady:
			if err := w.ch.ProcessOneInput(); err != nil {
				return fail("input", err)
			}
		case mux.ListenReady, mux.ExtraReady, mux.Timeout:
			// not serviced while waiting
		default:
			return fail("poll", fmt.Errorf("%w: event %s", mux.ErrInternal, ev))
		}
	}

	observability.RecordSyncWait(time.Since(start), true)
	logger.Debug().Dur("waited", time.Since(start)).Msg("syncwait: resolved")
	return nil
}
