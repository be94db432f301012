package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ManifestExt is the file extension viewers scan for.
const ManifestExt = ".sim2"

// Manifest is the discoverable connection record: where to connect and
// which one-time key to offer.
type Manifest struct {
	Host      string
	Port      int
	Key       string
	Path      string
	InputFile string
	Comment   string
	UIFile    string
}

// Validate requires host, port and key, and rejects values that would break
// the one-key-per-line format.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Host) == "" {
		return fmt.Errorf("%w: missing host", ErrManifestIncomplete)
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrManifestIncomplete, m.Port)
	}
	if strings.TrimSpace(m.Key) == "" {
		return fmt.Errorf("%w: missing key", ErrManifestIncomplete)
	}
	for name, v := range map[string]string{
		"host": m.Host, "key": m.Key, "path": m.Path,
		"inputfile": m.InputFile, "comment": m.Comment, "uiFile": m.UIFile,
	} {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: %s contains a line terminator", ErrManifestSyntax, name)
		}
	}
	return nil
}

// Addr is the dialable host:port.
func (m Manifest) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Encode renders the manifest, required keys first, optional keys only
// when set.
func (m Manifest) Encode() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "host %s\n", m.Host)
	fmt.Fprintf(&b, "port %d\n", m.Port)
	fmt.Fprintf(&b, "key %s\n", m.Key)
	optional := []struct{ k, v string }{
		{"path", m.Path},
		{"inputfile", m.InputFile},
		{"comment", m.Comment},
		{"uiFile", m.UIFile},
	}
	for _, kv := range optional {
		if kv.v != "" {
			fmt.Fprintf(&b, "%s %s\n", kv.k, kv.v)
		}
	}
	return b.Bytes()
}

// ParseManifest reads "key value" lines. Unknown keys and blank lines are
// ignored; the value is everything after the first space.
func ParseManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return Manifest{}, fmt.Errorf("%w: line %d: %q", ErrManifestSyntax, lineNo, line)
		}
		switch key {
		case "host":
			m.Host = strings.TrimSpace(value)
		case "port":
			port, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return Manifest{}, fmt.Errorf("%w: line %d: port %q", ErrManifestSyntax, lineNo, value)
			}
			m.Port = port
		case "key":
			m.Key = strings.TrimSpace(value)
		case "path":
			m.Path = value
		case "inputfile":
			m.InputFile = value
		case "comment":
			m.Comment = value
		case "uiFile":
			m.UIFile = value
		}
	}
	if err := sc.Err(); err != nil {
		return Manifest{}, err
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ManifestPath joins dir and name with the manifest extension.
func ManifestPath(dir, name string) string {
	return filepath.Join(dir, name+ManifestExt)
}

// WriteManifestFile writes m next to path and renames it into place so a
// scanning viewer never sees a partial record.
func WriteManifestFile(path string, m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("manifest dir (%s): %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(m.Encode()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ReadManifestFile(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	return ParseManifest(f)
}

// FindManifests lists manifest files in dir, newest first.
func FindManifests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type found struct {
		path string
		mod  int64
	}
	list := make([]found, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ManifestExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		list = append(list, found{path: filepath.Join(dir, e.Name()), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].mod > list[j].mod
	})
	out := make([]string, len(list))
	for i, f := range list {
		out[i] = f.path
	}
	return out, nil
}
