package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/simlink/internal/config"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/parallel/inproc"
	"github.com/danmuck/simlink/internal/testutil/testlog"
	"github.com/danmuck/simlink/internal/viewer"
	"github.com/stretchr/testify/require"
)

func TestRunFlagsOverrideConfig(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "host.toml")
	require.NoError(t, config.WriteTemplate(path, "host", false))

	opts := &runOptions{}
	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--name", "cfd",
		"--base-port", "0",
		"--admin", "127.0.0.1:7601",
		"--rank", "1",
		"--size", "2",
		"--coord", "127.0.0.1:7700",
	}))

	cfg, err := opts.resolve(cmd)
	require.NoError(t, err)
	require.Equal(t, "cfd", cfg.Name)
	require.Equal(t, 0, cfg.BasePort)
	require.True(t, cfg.Admin.Enabled)
	require.Equal(t, "127.0.0.1:7601", cfg.Admin.Addr)
	require.Equal(t, 1, cfg.Parallel.Rank)
	require.Equal(t, 2, cfg.Parallel.Size)
	require.Equal(t, "127.0.0.1:7700", cfg.Parallel.Coordinator)
	// untouched flags keep the file value
	require.Equal(t, "localhost", cfg.Host)
}

func TestRunFlagsRejectInvalidGroup(t *testing.T) {
	testlog.Start(t)

	opts := &runOptions{}
	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--rank", "3", "--size", "2"}))
	_, err := opts.resolve(cmd)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func testHostConfig(t *testing.T) config.HostConfig {
	cfg := config.DefaultHostConfig()
	cfg.Name = "simhost-test"
	cfg.Host = "127.0.0.1"
	cfg.BindHost = "127.0.0.1"
	cfg.BasePort = 0
	cfg.ManifestDir = t.TempDir()
	cfg.IdleTimeout = "20ms"
	require.NoError(t, config.ValidateHostConfig(cfg))
	return cfg
}

// dialHost retries until the host has published its manifest.
func dialHost(t *testing.T, cfg config.HostConfig) *viewer.Client {
	t.Helper()
	vc := viewer.DefaultConfig()
	vc.ManifestDir = cfg.ManifestDir
	vc.MaxAttempts = 50
	vc.Backoff.InitialDelay = 10 * time.Millisecond
	var (
		v   *viewer.Client
		err error
	)
	require.Eventually(t, func() bool {
		v, err = viewer.Dial(context.Background(), vc)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, v.SetDeadline(time.Now().Add(5*time.Second)))
	return v
}

func TestRunHostServesViewer(t *testing.T) {
	testlog.Start(t)

	cfg := testHostConfig(t)
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runHost(context.Background(), cfg, nil, &out) }()

	v := dialHost(t, cfg)
	defer v.Close()

	require.NoError(t, v.SendLine("echo hello there"))
	env, err := v.Next()
	require.NoError(t, err)
	require.Equal(t, "echo hello there", env.Encode())

	require.NoError(t, v.SendLine("UI step;valueChanged;3"))
	env, err = v.Next()
	require.NoError(t, err)
	require.Equal(t, "progress 3", env.Encode())

	require.NoError(t, v.SendLine("sync"))
	env, err = v.Next()
	require.NoError(t, err)
	require.True(t, env.IsSync())
	env, err = v.Next()
	require.NoError(t, err)
	require.Equal(t, "synced", env.Name)

	require.NoError(t, v.SendLine("shutdown"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("host did not shut down")
	}
	require.Contains(t, out.String(), "listening on 127.0.0.1:")
}

func TestConsoleOnRootDrivesEveryRank(t *testing.T) {
	testlog.Start(t)

	const ranks = 3
	cfg := testHostConfig(t)
	console, feed, err := os.Pipe()
	require.NoError(t, err)
	defer console.Close()
	defer feed.Close()

	g := inproc.NewGroup(ranks)
	defer g.Close()
	var out bytes.Buffer
	done := make(chan []error, 1)
	go func() {
		done <- g.Run(func(pctx *parallel.Context) error {
			// only the root process has a terminal on stdin
			var stdin *os.File
			if pctx.IsRoot() {
				stdin = console
			}
			isTerm := func(f *os.File) bool { return f != nil }
			return serveHost(context.Background(), pctx, cfg, stdin, isTerm, &out)
		})
	}()

	v := dialHost(t, cfg)
	defer v.Close()

	// a reply means the viewer is bound before the console speaks
	require.NoError(t, v.SendLine("echo ready"))
	env, err := v.Next()
	require.NoError(t, err)
	require.Equal(t, "echo ready", env.Encode())

	_, err = io.WriteString(feed, "send hello\n")
	require.NoError(t, err)
	env, err = v.Next()
	require.NoError(t, err)
	require.Equal(t, "hello", env.Encode())

	_, err = io.WriteString(feed, "sync\n")
	require.NoError(t, err)
	env, err = v.Next()
	require.NoError(t, err)
	require.True(t, env.IsSync())

	_, err = io.WriteString(feed, "quit\n")
	require.NoError(t, err)
	select {
	case errs := <-done:
		for rank, err := range errs {
			require.NoError(t, err, "rank %d", rank)
		}
	case <-time.After(10 * time.Second):
		g.Close()
		t.Fatalf("ranks did not stop together")
	}
	require.Contains(t, out.String(), "synchronized")
}
