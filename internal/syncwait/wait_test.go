package syncwait

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/danmuck/simlink/internal/dispatch"
	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/danmuck/simlink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// scripted plays the viewer: inbound lines are consumed by ProcessOneInput
// and dispatched; echo makes every outbound sync request come straight back.
type scripted struct {
	inbound  []string
	outbound []string
	echo     bool
	sendErr  error
	dropped  bool
	d        *dispatch.Dispatcher
}

func (s *scripted) Connected() bool {
	return !s.dropped
}

func (s *scripted) ExecuteCommand(cmd string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.outbound = append(s.outbound, cmd)
	if s.echo {
		s.inbound = append(s.inbound, cmd)
	}
	return nil
}

func (s *scripted) ProcessOneInput() error {
	if len(s.inbound) == 0 {
		return io.EOF
	}
	line := s.inbound[0]
	s.inbound = s.inbound[1:]
	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		return err
	}
	s.d.Dispatch(env)
	return nil
}

func engineAlways(context.Context) (mux.Event, error) {
	return mux.EngineReady, nil
}

func newHarness(handler dispatch.CommandHandler) (*Waiter, *scripted) {
	reg := NewRegistry()
	ch := &scripted{d: dispatch.New(reg, nil, handler)}
	return NewWaiter(reg, SourceFunc(engineAlways), ch), ch
}

func TestSynchronizeRoundTrip(t *testing.T) {
	testlog.Start(t)

	w, ch := newHarness(nil)
	ch.echo = true
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Synchronize(context.Background()))
		require.Equal(t, 0, w.Registry().Len())
	}
	require.Equal(t, []string{"INTERNALSYNC 1", "INTERNALSYNC 2", "INTERNALSYNC 3"}, ch.outbound)
}

func TestSynchronizeServicesOtherCommandsWhileWaiting(t *testing.T) {
	testlog.Start(t)

	var seen []string
	w, ch := newHarness(dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
		seen = append(seen, env.Encode())
	}))
	ch.inbound = []string{"step 1", "UI slider;valueChanged;3", "INTERNALSYNC 1", "after"}

	called := false
	require.NoError(t, w.SynchronizeFunc(context.Background(), func() { called = true }))
	require.True(t, called)
	require.Equal(t, []string{"step 1", "slider valueChanged;3"}, seen)
	require.Equal(t, []string{"after"}, ch.inbound, "input past the reply stays queued")
}

func TestNestedWaitResolvesInnerFirst(t *testing.T) {
	testlog.Start(t)

	var (
		w     *Waiter
		order []string
	)
	w, ch := newHarness(dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
		if env.Name != "nest" {
			return
		}
		order = append(order, "inner-start")
		require.NoError(t, w.SynchronizeFunc(context.Background(), func() { order = append(order, "inner-reply") }))
		order = append(order, "inner-done")
	}))
	// the outer reply reaches the wire before the inner one
	ch.inbound = []string{"nest", "INTERNALSYNC 1", "INTERNALSYNC 2"}

	err := w.SynchronizeFunc(context.Background(), func() { order = append(order, "outer-reply") })
	require.NoError(t, err)
	order = append(order, "outer-done")

	require.Equal(t, []string{"inner-start", "outer-reply", "inner-reply", "inner-done", "outer-done"}, order)
	require.Empty(t, ch.inbound)
	require.Equal(t, 0, w.Registry().Len())
	require.Equal(t, []string{"INTERNALSYNC 1", "INTERNALSYNC 2"}, ch.outbound)
}

func TestDisconnectDiscardsEntry(t *testing.T) {
	testlog.Start(t)

	w, ch := newHarness(nil)
	ch.inbound = []string{"step 1"}
	err := w.Synchronize(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	require.Equal(t, 0, w.Registry().Len())

	ch.sendErr = errors.New("broken pipe")
	require.ErrorIs(t, w.Synchronize(context.Background()), ErrDisconnected)
	require.Equal(t, 0, w.Registry().Len())
}

func TestOuterWaitEndsWhenNestedWaitDropsViewer(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	ch := &scripted{}
	var w *Waiter
	var innerErr error
	ch.d = dispatch.New(reg, nil, dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
		if env.Name != "nest" {
			return
		}
		innerErr = w.Synchronize(context.Background())
		if innerErr != nil {
			// what the session does on a lost viewer
			ch.dropped = true
		}
	}))
	ch.inbound = []string{"nest"}

	// once dropped, only timeouts arrive: the engine socket is no longer watched
	polls := 0
	src := SourceFunc(func(context.Context) (mux.Event, error) {
		polls++
		if polls > 100 {
			t.Fatalf("outer wait kept polling after the viewer was dropped")
		}
		if ch.dropped {
			return mux.Timeout, nil
		}
		return mux.EngineReady, nil
	})
	w = NewWaiter(reg, src, ch)

	err := w.Synchronize(context.Background())
	require.ErrorIs(t, innerErr, ErrDisconnected)
	require.ErrorIs(t, err, ErrDisconnected)
	require.ErrorIs(t, err, ErrChannelClosed)
	require.Equal(t, 0, reg.Len())
	require.Equal(t, []string{"INTERNALSYNC 1", "INTERNALSYNC 2"}, ch.outbound)
}

func TestNonEngineEventsAreIgnored(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	ch := &scripted{d: dispatch.New(reg, nil, nil), echo: true}
	events := []mux.Event{mux.ListenReady, mux.ExtraReady, mux.Timeout, mux.EngineReady}
	calls := 0
	src := SourceFunc(func(context.Context) (mux.Event, error) {
		ev := events[calls%len(events)]
		calls++
		if calls == 2 {
			return mux.Error, mux.ErrInterrupted
		}
		return ev, nil
	})
	w := NewWaiter(reg, src, ch)
	require.NoError(t, w.Synchronize(context.Background()))
	require.Equal(t, 4, calls)
	require.Equal(t, 0, reg.Len())
}

func TestPollErrorFailsWait(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	ch := &scripted{d: dispatch.New(reg, nil, nil)}
	src := SourceFunc(func(context.Context) (mux.Event, error) {
		return mux.Error, mux.ErrInvalidHandle
	})
	err := NewWaiter(reg, src, ch).Synchronize(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	require.Equal(t, 0, reg.Len())
}

func TestRegistryCompletesInAnyOrder(t *testing.T) {
	testlog.Start(t)

	rng := rand.New(rand.NewSource(7))
	for n := 1; n <= 16; n++ {
		reg := NewRegistry()
		done := 0
		ids := make([]int, n)
		for i := range ids {
			ids[i] = reg.Issue(func() { done++ }).ID
		}
		require.Equal(t, ids, reg.IDs())

		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		for _, id := range ids {
			require.True(t, reg.Complete(id))
			require.False(t, reg.Complete(id), "second completion of %d", id)
		}
		require.Equal(t, 0, reg.Len())
		require.Empty(t, reg.IDs())
		require.Equal(t, n, done)
	}
}

func TestRegistryIDsAreNeverReused(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	a := reg.Issue(nil)
	require.True(t, reg.Discard(a.ID))
	require.False(t, reg.Discard(a.ID))
	b := reg.Issue(nil)
	require.Greater(t, b.ID, a.ID)
	p, ok := reg.Get(b.ID)
	require.True(t, ok)
	require.False(t, p.IssuedAt.IsZero())
}
