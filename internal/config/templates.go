package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "viewer":
		return viewerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `name = "simlink"
host = "localhost"
bind_host = ""
base_port = 5600
port_range = 100
# key = "" generates a fresh key per listen
# manifest_dir defaults to ~/.simlink
# manifest_dir = "/var/run/simlink"
path = ""
input_file = ""
comment = ""
ui_file = ""
handshake_timeout = "10s"
idle_timeout = "250ms"
path_hint = "."
max_line_bytes = 65536

[admin]
enabled = false
addr = "127.0.0.1:7600"
cors_origins = ["http://localhost:3000"]

[parallel]
rank = 0
size = 1
coordinator = "127.0.0.1:7700"
`

const viewerTemplate = `manifest_dir = ""
manifest = ""
addr = ""
key = ""
args = []
dial_timeout = "2s"
max_attempts = 5
auto_sync = true
script = ""
`
