package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/simlink/internal/config"
	"github.com/danmuck/simlink/internal/viewer"
)

type fileConfig struct {
	ManifestDir string   `toml:"manifest_dir"`
	Manifest    string   `toml:"manifest"`
	Addr        string   `toml:"addr"`
	Key         string   `toml:"key"`
	Args        []string `toml:"args"`
	DialTimeout string   `toml:"dial_timeout"`
	MaxAttempts int      `toml:"max_attempts"`
	AutoSync    bool     `toml:"auto_sync"`
	Script      string   `toml:"script"`
}

type attachConfig struct {
	Viewer viewer.Config
	Script string
}

func defaultAttachConfig() attachConfig {
	cfg := viewer.DefaultConfig()
	cfg.ManifestDir = config.DefaultManifestDir()
	return attachConfig{Viewer: cfg}
}

// loadAttachConfig overlays only the keys path actually sets.
func loadAttachConfig(path string) (attachConfig, error) {
	cfg := defaultAttachConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return attachConfig{}, fmt.Errorf("load viewer config: %w", err)
	}

	if meta.IsDefined("manifest_dir") {
		if dir := strings.TrimSpace(raw.ManifestDir); dir != "" {
			cfg.Viewer.ManifestDir = dir
		}
	}
	if meta.IsDefined("manifest") {
		cfg.Viewer.ManifestPath = strings.TrimSpace(raw.Manifest)
	}
	if meta.IsDefined("addr") {
		cfg.Viewer.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("key") {
		cfg.Viewer.Key = strings.TrimSpace(raw.Key)
	}
	if meta.IsDefined("args") {
		cfg.Viewer.Args = normalizeArgs(raw.Args)
	}
	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return attachConfig{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.Viewer.DialTimeout = d
	}
	if meta.IsDefined("max_attempts") {
		cfg.Viewer.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("auto_sync") {
		cfg.Viewer.AutoSync = raw.AutoSync
	}
	if meta.IsDefined("script") {
		cfg.Script = strings.TrimSpace(raw.Script)
	}
	return cfg, nil
}

func normalizeArgs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if v := strings.TrimSpace(a); v != "" {
			out = append(out, v)
		}
	}
	return out
}
