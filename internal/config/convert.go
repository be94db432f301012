package config

import (
	"github.com/danmuck/simlink/internal/parallel/tcpgroup"
	"github.com/danmuck/simlink/internal/session"
)

// Session maps a validated host config onto a session config. Empty
// durations keep the session defaults.
func (c HostConfig) Session() session.Config {
	out := session.DefaultConfig()
	out.Name = c.Name

	out.Listener.Host = c.Host
	out.Listener.BindHost = c.BindHost
	out.Listener.BasePort = c.BasePort
	out.Listener.PortRange = c.PortRange
	out.Listener.Key = c.Key
	out.Listener.ManifestDir = c.ManifestDir
	out.Listener.ManifestName = c.Name
	out.Listener.Path = c.Path
	out.Listener.InputFile = c.InputFile
	out.Listener.Comment = c.Comment
	out.Listener.UIFile = c.UIFile
	if d, _ := parseDuration(c.HandshakeTimeout); d > 0 {
		out.Listener.HandshakeTimeout = d
	}

	if c.PathHint != "" {
		out.Engine.PathHint = c.PathHint
	}
	if c.MaxLineBytes > 0 {
		out.Engine.MaxLineBytes = c.MaxLineBytes
	}
	if d, _ := parseDuration(c.IdleTimeout); d > 0 {
		out.IdleTimeout = d
	}
	return out
}

// Group maps the parallel section onto a tcpgroup member config.
func (c HostConfig) Group() tcpgroup.Config {
	out := tcpgroup.DefaultConfig()
	out.Rank = c.Parallel.Rank
	out.Size = c.Parallel.Size
	out.Addr = c.Parallel.Coordinator
	return out
}
