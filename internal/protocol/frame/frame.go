package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x51A1C0DE
	Version        uint16 = 1
	FixedHeaderLen        = 24
)

// Kind tags what a frame carries between ranks.
type Kind uint16

const (
	KindHello Kind = 1
	KindInt   Kind = 2
	KindBytes Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Version    uint16
	Kind       Kind
	Sender     uint32
	Seq        uint64
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h := DecodeHeader(fixed)
	if h.Magic != Magic {
		return Frame{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Frame{}, ErrUnsupportedVersion
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame stamps magic, version and payload length, then writes f as a
// single buffer.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))

	hb := EncodeHeader(h)
	buf := make([]byte, 0, len(hb)+len(f.Payload))
	buf = append(buf, hb[:]...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) [FixedHeaderLen]byte {
	var buf [FixedHeaderLen]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Kind))
	binary.BigEndian.PutUint32(buf[8:12], h.Sender)
	binary.BigEndian.PutUint64(buf[12:20], h.Seq)
	binary.BigEndian.PutUint32(buf[20:24], h.PayloadLen)
	return buf
}

func DecodeHeader(b [FixedHeaderLen]byte) Header {
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Kind:       Kind(binary.BigEndian.Uint16(b[6:8])),
		Sender:     binary.BigEndian.Uint32(b[8:12]),
		Seq:        binary.BigEndian.Uint64(b[12:20]),
		PayloadLen: binary.BigEndian.Uint32(b[20:24]),
	}
}
