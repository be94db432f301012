// Package dispatch routes one decoded command envelope to exactly one of:
// the synchronization completer, a UI element, or the generic command
// handler.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/danmuck/simlink/internal/observability"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Route records where an envelope went.
type Route int

const (
	RouteDropped Route = iota
	RouteSync
	RouteUI
	RouteCommand
)

func (r Route) String() string {
	switch r {
	case RouteDropped:
		return "dropped"
	case RouteSync:
		return "sync"
	case RouteUI:
		return "ui"
	case RouteCommand:
		return "command"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// CommandHandler receives every envelope that is neither a sync reply nor a
// claimed UI command.
type CommandHandler interface {
	HandleCommand(env protocol.Envelope)
}

// CommandHandlerFunc adapts a function into a CommandHandler.
type CommandHandlerFunc func(env protocol.Envelope)

func (f CommandHandlerFunc) HandleCommand(env protocol.Envelope) {
	f(env)
}

// Completer resolves sync replies. Complete reports whether id was pending.
type Completer interface {
	Complete(id int) bool
}

// Claimer is the UI element registry as seen by the dispatcher.
type Claimer interface {
	Claim(cmd protocol.UICommand) bool
}

type Dispatcher struct {
	mu        sync.RWMutex
	completer Completer
	ui        Claimer
	handler   CommandHandler
}

// New builds a dispatcher. Any collaborator may be nil; the matching route
// then drops or falls through.
func New(completer Completer, ui Claimer, handler CommandHandler) *Dispatcher {
	return &Dispatcher{completer: completer, ui: ui, handler: handler}
}

func (d *Dispatcher) SetHandler(h CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *Dispatcher) SetUI(ui Claimer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ui = ui
}

func (d *Dispatcher) SetCompleter(c Completer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completer = c
}

func (d *Dispatcher) collaborators() (Completer, Claimer, CommandHandler) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.completer, d.ui, d.handler
}

// Dispatch delivers env to exactly one destination and reports which.
// Collaborators are called without any dispatcher lock held, so a handler
// may dispatch again.
func (d *Dispatcher) Dispatch(env protocol.Envelope) Route {
	route := d.route(env)
	observability.RecordDispatch(route.String())
	return route
}

func (d *Dispatcher) route(env protocol.Envelope) Route {
	completer, ui, handler := d.collaborators()

	if env.IsSync() {
		id, err := env.SyncID()
		if err != nil {
			log.Warn().Err(err).Str("args", env.Args).Msg("dispatch: malformed sync reply dropped")
			return RouteDropped
		}
		if completer == nil {
			log.Warn().Int("sync_id", id).Msg("dispatch: sync reply with no completer")
			return RouteDropped
		}
		if !completer.Complete(id) {
			log.Warn().Int("sync_id", id).Msg("dispatch: sync reply for unknown id")
		}
		return RouteSync
	}

	if env.IsUI() {
		cmd, err := protocol.ParseUICommand(env.Args)
		if err != nil {
			log.Warn().Err(err).Str("args", env.Args).Msg("dispatch: malformed ui command passed through")
			return deliver(handler, env)
		}
		if ui != nil && ui.Claim(cmd) {
			return RouteUI
		}
		return deliver(handler, protocol.Envelope{Name: cmd.Element, Args: cmd.Residual()})
	}

	return deliver(handler, env)
}

func deliver(h CommandHandler, env protocol.Envelope) Route {
	if h == nil {
		log.Debug().Str("command", env.Name).Msg("dispatch: no command handler")
		return RouteDropped
	}
	h.HandleCommand(env)
	return RouteCommand
}
