package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/simlink/internal/listener"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// HostConfig is the on-disk shape of a simulation host.
type HostConfig struct {
	Name             string         `toml:"name"`
	Host             string         `toml:"host"`
	BindHost         string         `toml:"bind_host"`
	BasePort         int            `toml:"base_port"`
	PortRange        int            `toml:"port_range"`
	Key              string         `toml:"key"`
	ManifestDir      string         `toml:"manifest_dir"`
	Path             string         `toml:"path"`
	InputFile        string         `toml:"input_file"`
	Comment          string         `toml:"comment"`
	UIFile           string         `toml:"ui_file"`
	HandshakeTimeout string         `toml:"handshake_timeout"`
	IdleTimeout      string         `toml:"idle_timeout"`
	PathHint         string         `toml:"path_hint"`
	MaxLineBytes     int            `toml:"max_line_bytes"`
	Admin            AdminConfig    `toml:"admin"`
	Parallel         ParallelConfig `toml:"parallel"`
}

type AdminConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// ParallelConfig places this process in a rank group. Size 1 runs alone.
type ParallelConfig struct {
	Rank        int    `toml:"rank"`
	Size        int    `toml:"size"`
	Coordinator string `toml:"coordinator"`
}

func DefaultHostConfig() HostConfig {
	return HostConfig{
		Name:             "simlink",
		Host:             "localhost",
		BasePort:         listener.DefaultBasePort,
		PortRange:        listener.DefaultPortRange,
		ManifestDir:      DefaultManifestDir(),
		HandshakeTimeout: listener.DefaultHandshakeTimeout.String(),
		IdleTimeout:      "250ms",
		PathHint:         ".",
		Admin: AdminConfig{
			Addr: "127.0.0.1:7600",
		},
		Parallel: ParallelConfig{
			Size:        1,
			Coordinator: "127.0.0.1:7700",
		},
	}
}

// DefaultManifestDir is where hosts publish and viewers look by default.
func DefaultManifestDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".simlink")
	}
	return filepath.Join(os.TempDir(), "simlink")
}

// LoadHostConfig reads path over the defaults and validates the result.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	if err := loadToml(path, &cfg); err != nil {
		return HostConfig{}, err
	}
	if err := ValidateHostConfig(cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateHostConfig(cfg HostConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.ContainsAny(cfg.Name, `/\`) {
		return fmt.Errorf("%w: name %q must not contain a path separator", ErrInvalid, cfg.Name)
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalid)
	}
	if cfg.BasePort < 0 || cfg.BasePort > 65535 {
		return fmt.Errorf("%w: base_port %d out of range", ErrInvalid, cfg.BasePort)
	}
	if cfg.BasePort > 0 && cfg.PortRange <= 0 {
		return fmt.Errorf("%w: port_range must be positive", ErrInvalid)
	}
	if cfg.Key != "" && len(cfg.Key) < 8 {
		return fmt.Errorf("%w: key shorter than 8 characters", ErrInvalid)
	}
	for name, v := range map[string]string{
		"handshake_timeout": cfg.HandshakeTimeout,
		"idle_timeout":      cfg.IdleTimeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if cfg.MaxLineBytes < 0 {
		return fmt.Errorf("%w: max_line_bytes must not be negative", ErrInvalid)
	}
	if cfg.Admin.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Admin.Addr); err != nil {
			return fmt.Errorf("%w: admin.addr: %v", ErrInvalid, err)
		}
	}
	if err := validateParallel(cfg.Parallel); err != nil {
		return err
	}
	return nil
}

func validateParallel(p ParallelConfig) error {
	if p.Size < 1 {
		return fmt.Errorf("%w: parallel.size must be at least 1", ErrInvalid)
	}
	if p.Rank < 0 || p.Rank >= p.Size {
		return fmt.Errorf("%w: parallel.rank %d outside group of %d", ErrInvalid, p.Rank, p.Size)
	}
	if p.Size > 1 && strings.TrimSpace(p.Coordinator) == "" {
		return fmt.Errorf("%w: parallel.coordinator required when size > 1", ErrInvalid)
	}
	return nil
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}
