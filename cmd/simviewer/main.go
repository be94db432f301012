package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/simlink/internal/logging"
	"github.com/danmuck/simlink/internal/protocol"
	"github.com/danmuck/simlink/internal/viewer"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "simviewer: %v\n", err)
		os.Exit(1)
	}
}

type attachOptions struct {
	configPath string
	manifest   string
	dir        string
	addr       string
	key        string
	script     string
	noSync     bool
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "simviewer",
		Short:         "Attach to a running simulation host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newAttachCommand(&attachOptions{}))
	return cmd
}

func newAttachCommand(opts *attachOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach [-- args...]",
		Short: "Connect to a host and exchange commands",
		Long: `Connect to the newest published host, or the one named by --manifest,
then either play a YAML script or relay stdin lines as commands.

Arguments after -- are sent to the host as its parameters.

Example:
  simviewer attach -- /opt/sim/bin/solver -np 4
  simviewer attach --script demo.yaml --dir /tmp/sims`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd, args)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return attach(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "viewer config file (toml)")
	f.StringVar(&opts.manifest, "manifest", "", "manifest file to connect with")
	f.StringVar(&opts.dir, "dir", "", "directory to search for the newest manifest")
	f.StringVar(&opts.addr, "addr", "", "host:port overriding the manifest")
	f.StringVar(&opts.key, "key", "", "key overriding the manifest")
	f.StringVar(&opts.script, "script", "", "YAML script to play instead of reading stdin")
	f.BoolVar(&opts.noSync, "no-auto-sync", false, "do not echo sync requests")
	return cmd
}

func (o *attachOptions) resolve(cmd *cobra.Command, args []string) (attachConfig, error) {
	cfg := defaultAttachConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = loadAttachConfig(o.configPath); err != nil {
			return attachConfig{}, err
		}
	}
	f := cmd.Flags()
	if f.Changed("manifest") {
		cfg.Viewer.ManifestPath = o.manifest
	}
	if f.Changed("dir") {
		cfg.Viewer.ManifestDir = o.dir
	}
	if f.Changed("addr") {
		cfg.Viewer.Addr = o.addr
	}
	if f.Changed("key") {
		cfg.Viewer.Key = o.key
	}
	if f.Changed("script") {
		cfg.Script = o.script
	}
	if o.noSync {
		cfg.Viewer.AutoSync = false
	}
	if len(args) > 0 {
		cfg.Viewer.Args = args
	}
	return cfg, nil
}

func attach(ctx context.Context, cfg attachConfig, in io.Reader, out io.Writer) error {
	var script *viewer.Script
	if cfg.Script != "" {
		s, err := viewer.LoadScript(cfg.Script)
		if err != nil {
			return err
		}
		script = &s
	}

	c, err := viewer.Dial(ctx, cfg.Viewer)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(out, "attached to %s\n", c.Manifest().Addr())

	show := func(env protocol.Envelope) { fmt.Fprintln(out, env.Encode()) }
	if script != nil {
		return c.RunScript(ctx, *script, show)
	}

	errCh := make(chan error, 1)
	go func() {
		for {
			env, err := c.Next()
			if err != nil {
				errCh <- err
				return
			}
			show(env)
		}
	}()
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if sc.Text() == "" {
				continue
			}
			if err := c.SendLine(sc.Text()); err != nil {
				fmt.Fprintf(out, "send: %v\n", err)
			}
		}
		errCh <- io.EOF
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}
