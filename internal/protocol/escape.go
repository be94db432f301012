package protocol

import (
	"fmt"
	"strings"
)

// Line level: '%', '\n' and '\r' become %25, %0A and %0D so one logical
// argument string always fits on one line.
var lineEscaper = strings.NewReplacer(
	"%", "%25",
	"\n", "%0A",
	"\r", "%0D",
)

// EscapeLine makes s safe to place after the command name on one line.
func EscapeLine(s string) string {
	return lineEscaper.Replace(s)
}

// UnescapeLine reverses EscapeLine. Any '%' run other than the three
// sequences EscapeLine produces is rejected.
func UnescapeLine(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if len(s)-i < 3 {
			return "", fmt.Errorf("%w: truncated at %d", ErrInvalidEscape, i)
		}
		switch strings.ToUpper(s[i+1 : i+3]) {
		case "25":
			b.WriteByte('%')
		case "0A":
			b.WriteByte('\n')
		case "0D":
			b.WriteByte('\r')
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidEscape, s[i:i+3])
		}
		i += 2
	}
	return b.String(), nil
}

// Field level (UI commands): '\' and ';' are backslash escaped so fields
// can be joined with a bare ';'.
var fieldEscaper = strings.NewReplacer(
	`\`, `\\`,
	";", `\;`,
)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

// splitFields splits on unescaped ';' and unescapes each field.
func splitFields(s string) ([]string, error) {
	fields := make([]string, 0, 3)
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("%w: dangling backslash", ErrInvalidEscape)
			}
			next := s[i+1]
			if next != '\\' && next != ';' {
				return nil, fmt.Errorf("%w: \\%c", ErrInvalidEscape, next)
			}
			cur.WriteByte(next)
			i++
		case ';':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields, nil
}
