package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
)

// Type IDs.
const (
	TypeU32   uint8 = 3
	TypeI64   uint8 = 4
	TypeBytes uint8 = 7
)

// Field IDs carried in rank broadcast frames.
const (
	FieldRank  uint16 = 1
	FieldSize  uint16 = 2
	FieldValue uint16 = 3
	FieldData  uint16 = 4
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func I64(id uint16, v int64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return Field{ID: id, Type: TypeI64, Value: buf}
}

func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

// DecodeFields preserves unknown field ids in order.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

// GetU32 looks up id and decodes it as a uint32.
func GetU32(fields []Field, id uint16) (uint32, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, TypeU32); err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

// GetI64 looks up id and decodes it as an int64.
func GetI64(fields []Field, id uint16) (int64, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, TypeI64); err != nil {
		return 0, err
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("tlv: invalid i64 length: %d", len(f.Value))
	}
	return int64(binary.BigEndian.Uint64(f.Value)), nil
}

// GetBytes looks up id and returns its raw value.
func GetBytes(fields []Field, id uint16) ([]byte, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, TypeBytes); err != nil {
		return nil, err
	}
	return f.Value, nil
}
