package engine

import (
	"bufio"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/simlink/internal/dispatch"
	"github.com/danmuck/simlink/internal/mux"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/parallel/inproc"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/danmuck/simlink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// tcpPair returns the host and viewer ends of a loopback connection.
func tcpPair(t *testing.T) (host, viewer net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	viewer, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	host = <-accepted
	require.NotNil(t, host)
	t.Cleanup(func() {
		_ = host.Close()
		_ = viewer.Close()
	})
	return host, viewer
}

func TestInitializeDefaultsPathHint(t *testing.T) {
	testlog.Start(t)

	e := NewLineEngine(parallel.Serial(), dispatch.New(nil, nil, nil), Config{PathHint: "/opt/sim"})
	require.NoError(t, e.Initialize(nil))
	require.Equal(t, []string{"/opt/sim"}, e.Args())

	require.NoError(t, e.Initialize([]string{"/opt/app", "-debug"}))
	require.Equal(t, []string{"/opt/app", "-debug"}, e.Args())

	e = NewLineEngine(parallel.Serial(), dispatch.New(nil, nil, nil), Config{})
	require.NoError(t, e.Initialize([]string{}))
	require.Equal(t, []string{DefaultPathHint}, e.Args())
}

func TestProcessAndExecuteSerial(t *testing.T) {
	testlog.Start(t)

	host, viewer := tcpPair(t)
	var got []protocol.Envelope
	d := dispatch.New(nil, nil, nil)
	e := NewLineEngine(parallel.Serial(), d, DefaultConfig())
	e.SetCommandCallback(dispatch.CommandHandlerFunc(func(env protocol.Envelope) { got = append(got, env) }))

	require.ErrorIs(t, e.ProcessOneInput(), ErrNotConnected)
	require.Equal(t, mux.NoHandle, e.SocketFD())

	require.NoError(t, e.ConnectToViewer(host, nil, nil))
	require.True(t, e.Connected())
	require.NotEqual(t, mux.NoHandle, e.SocketFD())

	_, err := viewer.Write([]byte("step 1\nstep 2\n"))
	require.NoError(t, err)
	require.NoError(t, e.ProcessOneInput())
	require.NoError(t, e.ProcessOneInput())
	require.Equal(t, []protocol.Envelope{{Name: "step", Args: "1"}, {Name: "step", Args: "2"}}, got)

	require.NoError(t, e.ExecuteCommand("redraw now"))
	line, err := protocol.ReadLine(bufio.NewReader(viewer), 0)
	require.NoError(t, err)
	require.Equal(t, "redraw now", line)
	require.Error(t, e.ExecuteCommand("two\nlines"))

	require.NoError(t, viewer.Close())
	require.ErrorIs(t, e.ProcessOneInput(), ErrDisconnected)
	require.NoError(t, e.Disconnect())
	require.False(t, e.Connected())
	require.NoError(t, e.Disconnect())
}

func TestUnparsableLineIsSkipped(t *testing.T) {
	testlog.Start(t)

	host, viewer := tcpPair(t)
	var got []string
	d := dispatch.New(nil, nil, dispatch.CommandHandlerFunc(func(env protocol.Envelope) { got = append(got, env.Name) }))
	e := NewLineEngine(parallel.Serial(), d, DefaultConfig())
	require.NoError(t, e.ConnectToViewer(host, bufio.NewReader(host), []string{"a"}))

	_, err := viewer.Write([]byte("   \nbad 50%\nok\n"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.ProcessOneInput())
	}
	require.Equal(t, []string{"ok"}, got)
}

func TestEveryRankDispatchesTheSameCommands(t *testing.T) {
	testlog.Start(t)

	const ranks = 3
	host, viewer := tcpPair(t)
	_, err := viewer.Write([]byte("step 1\nUI run;clicked;\nquit\n"))
	require.NoError(t, err)

	g := inproc.NewGroup(ranks)
	defer g.Close()

	var mu sync.Mutex
	seen := make([][]string, ranks)
	slaveCalls := 0
	errs := g.Run(func(pctx *parallel.Context) error {
		var rec []string
		d := dispatch.New(nil, nil, dispatch.CommandHandlerFunc(func(env protocol.Envelope) {
			rec = append(rec, env.Encode())
		}))
		e := NewLineEngine(pctx, d, DefaultConfig())
		e.SetSlaveProcessCallback(func() {
			mu.Lock()
			slaveCalls++
			mu.Unlock()
		})
		var conn net.Conn
		if pctx.IsRoot() {
			conn = host
		}
		if err := e.ConnectToViewer(conn, nil, nil); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if err := e.ProcessOneInput(); err != nil {
				return err
			}
		}
		if err := e.ExecuteCommand("done"); err != nil {
			return err
		}
		mu.Lock()
		seen[pctx.Rank()] = rec
		mu.Unlock()
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	want := []string{"step 1", "run clicked;", "quit"}
	for rank := 0; rank < ranks; rank++ {
		require.Equal(t, want, seen[rank], "rank %d", rank)
	}
	require.Equal(t, 3, slaveCalls, "slave callback runs once per input on the root only")

	line, err := protocol.ReadLine(bufio.NewReader(viewer), 0)
	require.NoError(t, err)
	require.Equal(t, "done", line)
}

func TestDisconnectIsSeenByEveryRank(t *testing.T) {
	testlog.Start(t)

	host, viewer := tcpPair(t)
	require.NoError(t, viewer.Close())

	g := inproc.NewGroup(2)
	defer g.Close()
	errs := g.Run(func(pctx *parallel.Context) error {
		e := NewLineEngine(pctx, dispatch.New(nil, nil, nil), DefaultConfig())
		var conn net.Conn
		if pctx.IsRoot() {
			conn = host
		}
		if err := e.ConnectToViewer(conn, nil, nil); err != nil {
			return err
		}
		return e.ProcessOneInput()
	})
	require.ErrorIs(t, errs[0], ErrDisconnected)
	require.ErrorIs(t, errs[1], ErrDisconnected)
}

func TestUnsupportedAndCommunicator(t *testing.T) {
	testlog.Start(t)

	e := NewLineEngine(parallel.Serial(), dispatch.New(nil, nil, nil), DefaultConfig())
	require.ErrorIs(t, e.SaveImage("/tmp/x.png", 640, 480, "png"), ErrUnsupported)
	require.Error(t, e.SaveImage("", 0, 0, "png"))
	require.ErrorIs(t, e.SetCommunicator(nil), ErrNoCommunicator)
	require.NoError(t, e.SetCommunicator(parallel.Serial()))
	require.ErrorIs(t, e.ExecuteCommand("x"), ErrNotConnected)
}
