package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/simlink/internal/admin"
	"github.com/danmuck/simlink/internal/config"
	"github.com/danmuck/simlink/internal/dispatch"
	"github.com/danmuck/simlink/internal/logging"
	"github.com/danmuck/simlink/internal/parallel"
	"github.com/danmuck/simlink/internal/parallel/tcpgroup"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/danmuck/simlink/internal/session"
	"github.com/danmuck/simlink/internal/ui"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath  string
	name        string
	host        string
	key         string
	manifestDir string
	basePort    int
	adminAddr   string
	rank        int
	size        int
	coordinator string
	logLevel    string
}

func newRunCommand(opts *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Listen for a viewer and serve its commands",
		Long: `Listen for a viewer, publish the connection manifest and serve commands.

With --size > 1 every rank runs this command; rank 0 owns the socket and
the other ranks follow it over the coordinator connection.

Example:
  simhost run --name cfd --manifest-dir /tmp/sims
  simhost run --rank 0 --size 4 --coord node01:7700`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				_ = os.Setenv(logging.EnvLogLevel, opts.logLevel)
			}
			logging.ConfigureRuntime()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cfg, os.Stdin, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "host config file (toml)")
	f.StringVar(&opts.name, "name", "", "host name, also the manifest file name")
	f.StringVar(&opts.host, "host", "", "host name advertised in the manifest")
	f.StringVar(&opts.key, "key", "", "fixed handshake key instead of a generated one")
	f.StringVar(&opts.manifestDir, "manifest-dir", "", "directory the manifest is published in")
	f.IntVar(&opts.basePort, "base-port", 0, "first port to try, 0 lets the kernel pick")
	f.StringVar(&opts.adminAddr, "admin", "", "serve the admin API on this address (root rank only)")
	f.IntVar(&opts.rank, "rank", 0, "rank of this process")
	f.IntVar(&opts.size, "size", 1, "number of ranks")
	f.StringVar(&opts.coordinator, "coord", "", "rank 0 coordinator address")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	return cmd
}

// resolve loads the config file, if any, and applies explicitly set flags.
func (o *runOptions) resolve(cmd *cobra.Command) (config.HostConfig, error) {
	cfg := config.DefaultHostConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadHostConfig(o.configPath); err != nil {
			return config.HostConfig{}, err
		}
	}
	f := cmd.Flags()
	if f.Changed("name") {
		cfg.Name = o.name
	}
	if f.Changed("host") {
		cfg.Host = o.host
	}
	if f.Changed("key") {
		cfg.Key = o.key
	}
	if f.Changed("manifest-dir") {
		cfg.ManifestDir = o.manifestDir
	}
	if f.Changed("base-port") {
		cfg.BasePort = o.basePort
	}
	if f.Changed("admin") {
		cfg.Admin.Enabled = o.adminAddr != ""
		cfg.Admin.Addr = o.adminAddr
	}
	if f.Changed("rank") {
		cfg.Parallel.Rank = o.rank
	}
	if f.Changed("size") {
		cfg.Parallel.Size = o.size
	}
	if f.Changed("coord") {
		cfg.Parallel.Coordinator = o.coordinator
	}
	if err := config.ValidateHostConfig(cfg); err != nil {
		return config.HostConfig{}, err
	}
	return cfg, nil
}

func joinGroup(ctx context.Context, cfg config.HostConfig) (*parallel.Context, io.Closer, error) {
	if cfg.Parallel.Size <= 1 {
		return parallel.Serial(), nil, nil
	}
	member, err := tcpgroup.Join(ctx, cfg.Group())
	if err != nil {
		return nil, nil, fmt.Errorf("join rank group: %w", err)
	}
	pctx, err := member.Context()
	if err != nil {
		_ = member.Close()
		return nil, nil, err
	}
	return pctx, member, nil
}

func runHost(ctx context.Context, cfg config.HostConfig, stdin *os.File, out io.Writer) error {
	pctx, group, err := joinGroup(ctx, cfg)
	if err != nil {
		return err
	}
	if group != nil {
		defer group.Close()
	}
	return serveHost(ctx, pctx, cfg, stdin, isTerminal, out)
}

func isTerminal(f *os.File) bool {
	return f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// serveHost runs one rank of the host. isTerm is consulted on the root only.
func serveHost(ctx context.Context, pctx *parallel.Context, cfg config.HostConfig, stdin *os.File, isTerm func(*os.File) bool, out io.Writer) error {
	s, err := session.New(pctx, cfg.Session())
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h := &host{s: s, out: out, cancel: cancel}
	s.SetCommandHandler(dispatch.CommandHandlerFunc(h.handleCommand))
	if err := h.registerElements(); err != nil {
		return err
	}

	loop, err := consoleLoop(pctx, s, h, stdin, isTerm)
	if err != nil {
		return err
	}

	if pctx.IsRoot() {
		desc := s.Listener().Descriptor()
		fmt.Fprintf(out, "listening on %s:%d manifest=%s\n", desc.Host, desc.Port, s.Listener().ManifestPath())
		if cfg.Admin.Enabled {
			srv := admin.New(cfg.Name, cfg.Admin.Addr, s, cfg.Admin.CorsOrigins)
			go func() {
				if err := srv.Serve(ctx); err != nil {
					log.Error().Err(err).Msg("admin server stopped")
				}
			}()
		}
	}

	err = s.Run(ctx, loop)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consoleLoop decides on the root whether stdin is an interactive console.
// Every rank installs the same Console callback so console lines drive the
// same collectives everywhere.
func consoleLoop(pctx *parallel.Context, s *session.Session, h *host, stdin *os.File, isTerm func(*os.File) bool) (session.Loop, error) {
	attached := pctx.IsRoot() && isTerm(stdin)
	attached, err := pctx.BroadcastBool(attached, parallel.RootRank)
	if err != nil || !attached {
		return session.Loop{}, err
	}
	if err := pctx.ShareOutcome(s.SetConsole(stdin)); err != nil {
		return session.Loop{}, fmt.Errorf("attach console: %w", err)
	}
	return session.Loop{Console: h.handleConsole}, nil
}

// host is the built-in command set: enough to drive a viewer by hand.
type host struct {
	s      *session.Session
	out    io.Writer
	cancel context.CancelFunc
	steps  int
}

func (h *host) registerElements() error {
	return h.s.UI().Register(ui.NewWidget("step").
		OnClicked(func() { h.advance(1) }).
		OnValueChanged(h.advance))
}

func (h *host) advance(n int) {
	h.steps += n
	_ = h.s.ExecuteCommand(fmt.Sprintf("progress %d", h.steps))
}

func (h *host) handleCommand(env protocol.Envelope) {
	switch env.Name {
	case "echo":
		_ = h.s.ExecuteCommand(protocol.Envelope{Name: "echo", Args: env.Args}.Encode())
	case "sync":
		if err := h.s.Synchronize(context.Background()); err != nil {
			log.Warn().Err(err).Msg("sync failed")
			return
		}
		_ = h.s.ExecuteCommand("synced")
	case "shutdown":
		h.cancel()
	default:
		log.Info().Str("command", env.Name).Str("args", env.Args).Msg("unhandled command")
	}
}

func (h *host) handleConsole(line string) {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "send":
		if err := h.s.ExecuteCommand(rest); err != nil {
			h.printf("send failed: %v\n", err)
		}
	case "sync":
		if err := h.s.Synchronize(context.Background()); err != nil {
			h.printf("sync failed: %v\n", err)
			return
		}
		h.printf("synchronized\n")
	case "status":
		st := h.s.Status()
		h.printf("state=%s connected=%t commands=%d pending=%d\n", st.State, st.Connected, st.Commands, st.PendingSyncs)
	case "quit", "exit":
		h.cancel()
	default:
		h.printf("commands: send <line> | sync | status | quit\n")
	}
}

// printf writes console output on the root rank only.
func (h *host) printf(format string, args ...any) {
	if h.s.Context().IsRoot() {
		fmt.Fprintf(h.out, format, args...)
	}
}

func writeTemplate(path, kind string, force bool) error {
	return config.WriteTemplate(path, kind, force)
}
