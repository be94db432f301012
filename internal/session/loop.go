package session

import (
	"context"
	"errors"
	"io"

	"github.com/danmuck/simlink/internal/engine"
	"github.com/danmuck/simlink/internal/listener"
	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/negotiate"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/protocol"
)

// Loop is what Run calls back into.
type Loop struct {
	// Step advances the simulation while no input is pending. Nil makes Run
	// block until input arrives.
	Step func(ctx context.Context) error
	// Console receives each console line, on every rank.
	Console func(line string)
}

// Run drives the event loop until ctx ends, Step fails, or the poll itself
// fails unrecoverably. Connection attempts that fail and viewers that go
// away are logged and the loop keeps running.
func (s *Session) Run(ctx context.Context, loop Loop) error {
	for {
		timeout := s.cfg.IdleTimeout
		if loop.Step != nil {
			timeout = 0
		}
		ev, err := s.detect(ctx, timeout, true)
		if err != nil {
			if errors.Is(err, mux.ErrInterrupted) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
			}
			return err
		}

		switch ev {
		case mux.Timeout:
			if loop.Step != nil {
				if err := loop.Step(ctx); err != nil {
					return err
				}
			}
		case mux.ListenReady:
			if err := s.AttemptToCompleteConnection(); err != nil && !recoverableConnect(err) {
				return err
			}
		case mux.EngineReady:
			if err := s.ProcessEngineCommand(); err != nil && !errors.Is(err, engine.ErrDisconnected) {
				return err
			}
		case mux.ExtraReady:
			if err := s.processConsole(loop.Console); err != nil {
				return err
			}
		}
	}
}

func recoverableConnect(err error) bool {
	return errors.Is(err, listener.ErrKeyMismatch) ||
		errors.Is(err, listener.ErrHandshakeFailed) ||
		errors.Is(err, listener.ErrAcceptFailed) ||
		errors.Is(err, negotiate.ErrMalformedParameters)
}

// processConsole reads the ready console line on the root and hands it to
// fn on every rank. At EOF the console stops being watched.
func (s *Session) processConsole(fn func(line string)) error {
	var (
		line string
		eof  bool
	)
	if s.pctx.IsRoot() && s.console != nil {
		var err error
		line, err = protocol.ReadLine(s.console, protocol.MaxLineBytes)
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			eof = true
		case err != nil:
			eof = true
			line = ""
		}
	}
	eof, err := s.pctx.BroadcastBool(eof, parallel.RootRank)
	if err != nil {
		return err
	}
	line, err = s.pctx.BroadcastString(line, parallel.RootRank)
	if err != nil {
		return err
	}
	if eof {
		s.consoleFD = mux.NoHandle
		s.console = nil
		s.logger.Info().Msg("session: console closed")
	}
	if line != "" && fn != nil {
		fn(line)
	}
	return nil
}
