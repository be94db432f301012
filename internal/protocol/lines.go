package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineBytes bounds every line read off the control socket.
const MaxLineBytes = 64 * 1024

const (
	HandshakeSuccess = "success"
	HandshakeFailure = "failure"
)

// ReadLine reads one '\n'-terminated line of at most max bytes and returns
// it without "\n" or "\r\n". A final unterminated line at EOF is returned
// together with io.ErrUnexpectedEOF.
func ReadLine(r *bufio.Reader, max int) (string, error) {
	if max <= 0 {
		max = MaxLineBytes
	}
	tooLong := fmt.Errorf("%w: over %d bytes", ErrLineTooLong, max)
	var b strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		// max bytes of content plus a "\r\n" terminator
		if b.Len()+len(chunk) > max+2 {
			return "", tooLong
		}
		b.Write(chunk)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && b.Len() > 0 {
			if b.Len() > max {
				return "", tooLong
			}
			return b.String(), io.ErrUnexpectedEOF
		}
		return "", err
	}
	line := strings.TrimSuffix(b.String(), "\n")
	line = strings.TrimSuffix(line, "\r")
	if len(line) > max {
		return "", tooLong
	}
	return line, nil
}

// WriteLine writes s followed by '\n' in a single write.
func WriteLine(w io.Writer, s string) error {
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("protocol: line contains terminator: %q", s)
	}
	_, err := io.WriteString(w, s+"\n")
	return err
}

// WriteEnvelope writes e as one line.
func WriteEnvelope(w io.Writer, e Envelope) error {
	return WriteLine(w, e.Encode())
}

// ReadEnvelope reads and parses one command line.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	line, err := ReadLine(r, MaxLineBytes)
	if err != nil {
		return Envelope{}, err
	}
	return ParseEnvelope(line)
}

// WriteHandshakeReply writes the literal success/failure token.
func WriteHandshakeReply(w io.Writer, ok bool) error {
	if ok {
		return WriteLine(w, HandshakeSuccess)
	}
	return WriteLine(w, HandshakeFailure)
}

// ReadHandshakeReply reads the host's verdict on an offered key.
func ReadHandshakeReply(r *bufio.Reader) (bool, error) {
	line, err := ReadLine(r, len(HandshakeFailure)+2)
	if err != nil {
		return false, err
	}
	switch line {
	case HandshakeSuccess:
		return true, nil
	case HandshakeFailure:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrHandshakeReply, line)
	}
}

// WriteParameters sends one token per line followed by the empty
// terminator line. Empty tokens and tokens with line terminators cannot be
// represented and are rejected.
func WriteParameters(w io.Writer, args []string) error {
	var b strings.Builder
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, "\r\n") {
			return fmt.Errorf("protocol: parameter %d not representable: %q", i, a)
		}
		b.WriteString(a)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
