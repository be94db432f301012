package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/simlink/internal/dispatch"
	"github.com/danmuck/simlink/internal/listener"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/parallel/inproc"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/danmuck/simlink/internal/syncwait"
	"github.com/danmuck/simlink/internal/testutil/testlog"
	"github.com/danmuck/simlink/internal/ui"
	"github.com/danmuck/simlink/internal/viewer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "deadbeefcafebabe"

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Name = "session-test"
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.Listener.Host = "127.0.0.1"
	cfg.Listener.BindHost = "127.0.0.1"
	cfg.Listener.BasePort = 0
	cfg.Listener.Key = testKey
	cfg.Listener.ManifestDir = t.TempDir()
	cfg.Listener.HandshakeTimeout = 2 * time.Second
	return cfg
}

func viewerConfig(cfg Config, args ...string) viewer.Config {
	vc := viewer.DefaultConfig()
	vc.ManifestDir = cfg.Listener.ManifestDir
	vc.Args = args
	vc.MaxAttempts = 20
	vc.Backoff.InitialDelay = 10 * time.Millisecond
	return vc
}

// runSerial starts s.Run on its own goroutine and returns a stop function
// that cancels it and reports Run's error.
func runSerial(t *testing.T, s *Session, loop Loop) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, loop) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("run loop did not stop")
			return nil
		}
	}
}

func TestAttachCommandAndStatus(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t)
	s, err := New(nil, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	commands := make(chan protocol.Envelope, 8)
	s.SetCommandHandler(dispatch.CommandHandlerFunc(func(env protocol.Envelope) { commands <- env }))
	clicked := make(chan struct{}, 1)
	require.NoError(t, s.UI().Register(ui.NewWidget("run").OnClicked(func() { clicked <- struct{}{} })))

	stop := runSerial(t, s, Loop{})

	v, err := viewer.Dial(context.Background(), viewerConfig(cfg, "/opt/app", "-debug", "5"))
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, testKey, v.Manifest().Key)

	require.NoError(t, v.SendLine("step 3"))
	require.NoError(t, v.SendUI(protocol.UICommand{Element: "run", Signal: ui.Clicked}))
	require.NoError(t, v.SendUI(protocol.UICommand{Element: "other", Signal: "valueChanged", Value: "9"}))

	require.Equal(t, protocol.Envelope{Name: "step", Args: "3"}, <-commands)
	<-clicked
	require.Equal(t, protocol.Envelope{Name: "other", Args: "valueChanged;9"}, <-commands)

	st := s.Status()
	require.True(t, st.Connected)
	require.Equal(t, listener.Bound.String(), st.State)
	require.Equal(t, []string{"/opt/app", "-debug", "5"}, st.Args)
	require.Equal(t, uint64(2), st.Commands)
	require.Equal(t, s.ID(), st.ID)
	require.NotEmpty(t, st.ManifestPath)

	require.ErrorIs(t, stop(), context.Canceled)
	require.NoError(t, s.Close())
	require.False(t, s.Status().Connected)
}

func TestSynchronizeFromCommandHandler(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t)
	s, err := New(nil, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	defer s.Close()

	syncErr := make(chan error, 1)
	s.SetCommandHandler(dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
		if env.Name != "sync-me" {
			return
		}
		err := s.Synchronize(context.Background())
		if err == nil {
			err = s.ExecuteCommand("synced")
		}
		syncErr <- err
	}))
	stop := runSerial(t, s, Loop{})
	defer stop()

	v, err := viewer.Dial(context.Background(), viewerConfig(cfg))
	require.NoError(t, err)
	defer v.Close()
	require.NoError(t, v.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, v.SendLine("sync-me"))
	env, err := v.Next()
	require.NoError(t, err)
	require.True(t, env.IsSync())
	id, err := env.SyncID()
	require.NoError(t, err)
	require.Equal(t, 1, id)

	env, err = v.Next()
	require.NoError(t, err)
	require.Equal(t, "synced", env.Name)
	require.NoError(t, <-syncErr)
	require.Equal(t, 0, s.Status().PendingSyncs)
}

func TestSynchronizeReportsDisconnect(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t)
	s, err := New(nil, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	defer s.Close()

	syncErr := make(chan error, 1)
	s.SetCommandHandler(dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
		syncErr <- s.Synchronize(context.Background())
	}))
	stop := runSerial(t, s, Loop{})
	defer stop()

	vc := viewerConfig(cfg)
	vc.AutoSync = false
	v, err := viewer.Dial(context.Background(), vc)
	require.NoError(t, err)
	require.NoError(t, v.SendLine("wait-for-me"))
	env, err := v.Next()
	require.NoError(t, err)
	require.True(t, env.IsSync())
	require.NoError(t, v.Close())

	select {
	case err := <-syncErr:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("synchronize never returned")
	}
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.Connected && st.PendingSyncs == 0 && st.State == listener.Listening.String()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNestedWaitsFailWhenViewerLeaves(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t)
	s, err := New(nil, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	defer s.Close()

	results := make(chan string, 2)
	s.SetCommandHandler(dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
		switch env.Name {
		case "outer", "nest":
			err := s.Synchronize(context.Background())
			if errors.Is(err, syncwait.ErrDisconnected) {
				results <- env.Name + ": disconnected"
				return
			}
			results <- fmt.Sprintf("%s: %v", env.Name, err)
		}
	}))
	stop := runSerial(t, s, Loop{})
	defer stop()

	vc := viewerConfig(cfg)
	vc.AutoSync = false
	v, err := viewer.Dial(context.Background(), vc)
	require.NoError(t, err)
	require.NoError(t, v.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, v.SendLine("outer"))
	env, err := v.Next()
	require.NoError(t, err)
	require.Equal(t, "INTERNALSYNC 1", env.Encode())
	require.NoError(t, v.SendLine("nest"))
	env, err = v.Next()
	require.NoError(t, err)
	require.Equal(t, "INTERNALSYNC 2", env.Encode())
	require.NoError(t, v.Close())

	// the inner wait sees the loss first and the outer one follows
	for _, want := range []string{"nest: disconnected", "outer: disconnected"} {
		select {
		case got := <-results:
			require.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("wait never returned, status=%+v", s.Status())
		}
	}
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.Connected && st.PendingSyncs == 0 && st.State == listener.Listening.String()
	}, 2*time.Second, 10*time.Millisecond)

	// the loop is free again and the next viewer can attach
	v, err = viewer.Dial(context.Background(), viewerConfig(cfg))
	require.NoError(t, err)
	defer v.Close()
	require.Eventually(t, func() bool { return s.Status().Connected }, 2*time.Second, 10*time.Millisecond)
}

func TestRejectedKeyThenReconnect(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t)
	s, err := New(nil, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	defer s.Close()
	stop := runSerial(t, s, Loop{})
	defer stop()

	bad := viewerConfig(cfg)
	bad.Key = "deadbeefcafebab0"
	_, err = viewer.Dial(context.Background(), bad)
	require.ErrorIs(t, err, viewer.ErrRejected)

	v, err := viewer.Dial(context.Background(), viewerConfig(cfg))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status().Connected }, 2*time.Second, 10*time.Millisecond)

	// a viewer leaving puts the session back to listening for the next one
	require.NoError(t, v.Close())
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.Connected && st.State == listener.Listening.String()
	}, 2*time.Second, 10*time.Millisecond)

	v, err = viewer.Dial(context.Background(), viewerConfig(cfg, "again"))
	require.NoError(t, err)
	defer v.Close()
	require.Eventually(t, func() bool { return s.Status().Connected }, 2*time.Second, 10*time.Millisecond)
}

func TestStepRunsWhileIdle(t *testing.T) {
	testlog.Start(t)

	s, err := New(nil, testConfig(t))
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	defer s.Close()

	boom := errors.New("simulation finished")
	steps := 0
	err = s.Run(context.Background(), Loop{Step: func(context.Context) error {
		steps++
		if steps == 5 {
			return boom
		}
		return nil
	}})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 5, steps)
}

func TestOperationsRequireViewer(t *testing.T) {
	testlog.Start(t)

	s, err := New(nil, testConfig(t))
	require.NoError(t, err)
	require.ErrorIs(t, s.ExecuteCommand("x"), ErrNotConnected)
	require.ErrorIs(t, s.Synchronize(context.Background()), ErrNotConnected)
	require.ErrorIs(t, s.ProcessEngineCommand(), ErrNotConnected)
	require.NoError(t, s.Disconnect())
}

func TestParallelGroupSeesIdenticalStream(t *testing.T) {
	testlog.Start(t)

	const ranks = 3
	cfg := testConfig(t)
	g := inproc.NewGroup(ranks)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make([][]string, ranks)
		ids  = make([]string, ranks)
	)
	listening := make(chan struct{})
	finished := make(chan struct{}, ranks)
	done := make(chan []error, 1)
	go func() {
		done <- g.Run(func(pctx *parallel.Context) error {
			s, err := New(pctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Listen(); err != nil {
				return err
			}
			if pctx.IsRoot() {
				close(listening)
			}
			rank := pctx.Rank()
			s.SetCommandHandler(dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
				mu.Lock()
				seen[rank] = append(seen[rank], env.Encode())
				mu.Unlock()
				switch env.Name {
				case "sync-me":
					assert.NoError(t, s.Synchronize(ctx), "rank %d", rank)
					assert.NoError(t, s.ExecuteCommand("synced"), "rank %d", rank)
				case "quit":
					finished <- struct{}{}
				}
			}))
			mu.Lock()
			ids[rank] = s.ID()
			mu.Unlock()
			err = s.Run(ctx, Loop{})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}()

	<-listening
	v, err := viewer.Dial(context.Background(), viewerConfig(cfg, "/opt/app", "-np", "3"))
	require.NoError(t, err)
	defer v.Close()
	require.NoError(t, v.SetDeadline(time.Now().Add(10*time.Second)))

	require.NoError(t, v.SendLine("step 1"))
	require.NoError(t, v.SendLine("sync-me"))
	env, err := v.Next()
	require.NoError(t, err)
	require.True(t, env.IsSync())
	env, err = v.Next()
	require.NoError(t, err)
	require.Equal(t, "synced", env.Name)
	require.NoError(t, v.SendUI(protocol.UICommand{Element: "slider", Signal: "valueChanged", Value: "4"}))
	require.NoError(t, v.SendLine("quit"))

	for i := 0; i < ranks; i++ {
		select {
		case <-finished:
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d ranks finished", i)
		}
	}
	cancel()
	errs := <-done
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}

	want := []string{"step 1", "sync-me", "slider valueChanged;4", "quit"}
	for rank := 0; rank < ranks; rank++ {
		require.Equal(t, want, seen[rank], "rank %d", rank)
		require.Equal(t, ids[0], ids[rank], "rank %d", rank)
	}
}
