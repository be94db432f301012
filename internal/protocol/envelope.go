package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved envelope names recognized before anything reaches user code.
const (
	SyncCommandName = "INTERNALSYNC"
	UICommandName   = "UI"
)

// Envelope is one decoded command line: "<name> <args>".
type Envelope struct {
	Name string
	Args string
}

// ParseEnvelope splits one line (without its terminator) at the first
// space. Args are line-unescaped.
func ParseEnvelope(line string) (Envelope, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Envelope{}, ErrEmptyEnvelope
	}
	name, rest, _ := strings.Cut(line, " ")
	if name == "" {
		return Envelope{}, fmt.Errorf("%w: leading space", ErrEmptyEnvelope)
	}
	args, err := UnescapeLine(rest)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Name: name, Args: args}, nil
}

// Encode renders the envelope as one line without the terminator.
func (e Envelope) Encode() string {
	if e.Args == "" {
		return e.Name
	}
	return e.Name + " " + EscapeLine(e.Args)
}

func (e Envelope) String() string {
	return e.Encode()
}

// IsSync reports whether e is the reserved synchronization form.
func (e Envelope) IsSync() bool {
	return e.Name == SyncCommandName
}

// IsUI reports whether e is the reserved UI-namespaced form.
func (e Envelope) IsUI() bool {
	return e.Name == UICommandName
}

// SyncEnvelope builds the request/reply form for id.
func SyncEnvelope(id int) Envelope {
	return Envelope{Name: SyncCommandName, Args: strconv.Itoa(id)}
}

// SyncID extracts the positive integer id of a sync envelope.
func (e Envelope) SyncID() (int, error) {
	if !e.IsSync() {
		return 0, fmt.Errorf("%w: not a sync envelope: %q", ErrInvalidSyncID, e.Name)
	}
	id, err := strconv.Atoi(strings.TrimSpace(e.Args))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSyncID, e.Args)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSyncID, id)
	}
	return id, nil
}

// UICommand is the decomposed argument string of a UI envelope.
type UICommand struct {
	Element string
	Signal  string
	Value   string
}

// Envelope encodes c as "UI <element>;<signal>;<value>".
func (c UICommand) Envelope() Envelope {
	return Envelope{
		Name: UICommandName,
		Args: escapeField(c.Element) + ";" + escapeField(c.Signal) + ";" + escapeField(c.Value),
	}
}

// Residual is the argument string handed to the generic command handler
// when no UI element claims the command: "<signal>;<value>".
func (c UICommand) Residual() string {
	return escapeField(c.Signal) + ";" + escapeField(c.Value)
}

// ParseUICommand decomposes UI envelope args. A missing value is empty;
// extra unescaped ';' are kept as part of the value.
func ParseUICommand(args string) (UICommand, error) {
	fields, err := splitFields(args)
	if err != nil {
		return UICommand{}, err
	}
	if len(fields) < 2 {
		return UICommand{}, fmt.Errorf("%w: want element;signal[;value], got %q", ErrInvalidUICommand, args)
	}
	cmd := UICommand{Element: fields[0], Signal: fields[1]}
	if strings.TrimSpace(cmd.Element) == "" {
		return UICommand{}, fmt.Errorf("%w: missing element", ErrInvalidUICommand)
	}
	if len(fields) > 2 {
		cmd.Value = strings.Join(fields[2:], ";")
	}
	return cmd, nil
}
