package blz

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// FieldType is the wire encoding of one descriptor field.
type FieldType uint8

const (
	Uint8 FieldType = iota + 1
	Uint16
	Uint16BE
	Uint32
	Uint64
	Int8
	// EUI64Field is an 8-byte extended address (or extended PAN id), wire order.
	EUI64Field
	// KeyField is a fixed 16-byte security key.
	KeyField
	// Bytes takes its length from the previous numeric field.
	Bytes
	// List8 and List16 take their element count from the previous numeric field.
	List8
	List16
	// AddressByMode is a short address or an EUI64 depending on the previous
	// (mode) field: AddrModeIEEE selects the 8-byte form.
	AddressByMode
	// Remaining consumes the rest of the payload and must be last.
	Remaining
)

// AddrModeIEEE selects the 64-bit form of an AddressByMode field.
const AddrModeIEEE uint8 = 0x03

func (t FieldType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint16BE:
		return "uint16be"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Int8:
		return "int8"
	case EUI64Field:
		return "eui64"
	case KeyField:
		return "key"
	case Bytes:
		return "bytes"
	case List8:
		return "list8"
	case List16:
		return "list16"
	case AddressByMode:
		return "address"
	case Remaining:
		return "remaining"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// Field is one entry in a command descriptor.
type Field struct {
	Name string
	Type FieldType
}

// EUI64 is a 64-bit IEEE address held in wire (little-endian) byte order.
type EUI64 [8]byte

// String renders the address most significant byte first, e.g. 00158D00012A3B4C.
func (e EUI64) String() string {
	var b [8]byte
	for i := range e {
		b[i] = e[7-i]
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// Uint64 returns the address as an integer.
func (e EUI64) Uint64() uint64 { return binary.LittleEndian.Uint64(e[:]) }

// EUI64FromUint64 converts an integer address into wire order.
func EUI64FromUint64(v uint64) EUI64 {
	var e EUI64
	binary.LittleEndian.PutUint64(e[:], v)
	return e
}

// ParseEUI64 parses a 16-hex-digit address written most significant byte
// first. Separators ':' and '-' and a 0x prefix are accepted.
func ParseEUI64(s string) (EUI64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(s) != 16 {
		return EUI64{}, fmt.Errorf("eui64 %q: want 16 hex digits", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return EUI64{}, fmt.Errorf("eui64 %q: %w", s, err)
	}
	var e EUI64
	for i := range e {
		e[i] = b[7-i]
	}
	return e, nil
}

func (e EUI64) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *EUI64) UnmarshalText(b []byte) error {
	v, err := ParseEUI64(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Key is a 128-bit network or link key.
type Key [16]byte

func (k Key) String() string { return strings.ToUpper(hex.EncodeToString(k[:])) }

// ParseKey parses 32 hex digits.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return Key{}, fmt.Errorf("key: %w", err)
	}
	if len(b) != len(Key{}) {
		return Key{}, fmt.Errorf("key: want 16 bytes, got %d", len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(b []byte) error {
	v, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Address is the value of an AddressByMode field.
type Address struct {
	Short uint16
	IEEE  EUI64
}

// Serialize writes values in descriptor order.
func Serialize(fields []Field, values []any) ([]byte, error) {
	if len(values) != len(fields) {
		return nil, fmt.Errorf("%w: %d values for %d fields", ErrSchemaMismatch, len(values), len(fields))
	}

	buf := make([]byte, 0, 32)
	for i, f := range fields {
		v := values[i]
		mismatch := func() error {
			return fmt.Errorf("%w: field %s (%s) got %T", ErrSchemaMismatch, f.Name, f.Type, v)
		}

		switch f.Type {
		case Uint8:
			x, ok := v.(uint8)
			if !ok {
				return nil, mismatch()
			}
			buf = append(buf, x)
		case Uint16:
			x, ok := v.(uint16)
			if !ok {
				return nil, mismatch()
			}
			buf = binary.LittleEndian.AppendUint16(buf, x)
		case Uint16BE:
			x, ok := v.(uint16)
			if !ok {
				return nil, mismatch()
			}
			buf = binary.BigEndian.AppendUint16(buf, x)
		case Uint32:
			x, ok := v.(uint32)
			if !ok {
				return nil, mismatch()
			}
			buf = binary.LittleEndian.AppendUint32(buf, x)
		case Uint64:
			x, ok := v.(uint64)
			if !ok {
				return nil, mismatch()
			}
			buf = binary.LittleEndian.AppendUint64(buf, x)
		case Int8:
			x, ok := v.(int8)
			if !ok {
				return nil, mismatch()
			}
			buf = append(buf, byte(x))
		case EUI64Field:
			x, ok := v.(EUI64)
			if !ok {
				return nil, mismatch()
			}
			buf = append(buf, x[:]...)
		case KeyField:
			x, ok := v.(Key)
			if !ok {
				return nil, mismatch()
			}
			buf = append(buf, x[:]...)
		case Bytes:
			x, ok := v.([]byte)
			if !ok {
				return nil, mismatch()
			}
			n, err := lengthFrom(fields, values, i)
			if err != nil {
				return nil, err
			}
			if n != len(x) {
				return nil, fmt.Errorf("%w: field %s has %d bytes, length field says %d", ErrSchemaMismatch, f.Name, len(x), n)
			}
			buf = append(buf, x...)
		case List8:
			x, ok := v.([]uint8)
			if !ok {
				return nil, mismatch()
			}
			n, err := lengthFrom(fields, values, i)
			if err != nil {
				return nil, err
			}
			if n != len(x) {
				return nil, fmt.Errorf("%w: field %s has %d items, count field says %d", ErrSchemaMismatch, f.Name, len(x), n)
			}
			buf = append(buf, x...)
		case List16:
			x, ok := v.([]uint16)
			if !ok {
				return nil, mismatch()
			}
			n, err := lengthFrom(fields, values, i)
			if err != nil {
				return nil, err
			}
			if n != len(x) {
				return nil, fmt.Errorf("%w: field %s has %d items, count field says %d", ErrSchemaMismatch, f.Name, len(x), n)
			}
			for _, e := range x {
				buf = binary.LittleEndian.AppendUint16(buf, e)
			}
		case AddressByMode:
			x, ok := v.(Address)
			if !ok {
				return nil, mismatch()
			}
			mode, err := lengthFrom(fields, values, i)
			if err != nil {
				return nil, err
			}
			if uint8(mode) == AddrModeIEEE {
				buf = append(buf, x.IEEE[:]...)
			} else {
				buf = binary.LittleEndian.AppendUint16(buf, x.Short)
			}
		case Remaining:
			if i != len(fields)-1 {
				return nil, fmt.Errorf("%w: remaining field %s is not last", ErrSchemaMismatch, f.Name)
			}
			x, ok := v.([]byte)
			if !ok {
				return nil, mismatch()
			}
			buf = append(buf, x...)
		default:
			return nil, fmt.Errorf("%w: field %s has unknown type %s", ErrSchemaMismatch, f.Name, f.Type)
		}
	}
	return buf, nil
}

// lengthFrom reads the numeric value of the field preceding index i.
func lengthFrom(fields []Field, values []any, i int) (int, error) {
	if i == 0 {
		return 0, fmt.Errorf("%w: field %s needs a preceding length field", ErrSchemaMismatch, fields[i].Name)
	}
	switch n := values[i-1].(type) {
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: field %s length source %s is %T", ErrSchemaMismatch, fields[i].Name, fields[i-1].Name, n)
	}
}

// Deserialize mirrors Serialize. It returns the decoded values and the number
// of trailing bytes no field consumed; firmware sometimes pads payloads, so
// leftovers are reported rather than rejected.
func Deserialize(fields []Field, payload []byte) ([]any, int, error) {
	values := make([]any, 0, len(fields))
	pos := 0
	need := func(f Field, n int) error {
		if pos+n > len(payload) {
			return fmt.Errorf("%w: field %s needs %d bytes at offset %d, have %d", ErrTruncatedPayload, f.Name, n, pos, len(payload)-pos)
		}
		return nil
	}

	for i, f := range fields {
		switch f.Type {
		case Uint8:
			if err := need(f, 1); err != nil {
				return nil, 0, err
			}
			values = append(values, payload[pos])
			pos++
		case Uint16:
			if err := need(f, 2); err != nil {
				return nil, 0, err
			}
			values = append(values, binary.LittleEndian.Uint16(payload[pos:]))
			pos += 2
		case Uint16BE:
			if err := need(f, 2); err != nil {
				return nil, 0, err
			}
			values = append(values, binary.BigEndian.Uint16(payload[pos:]))
			pos += 2
		case Uint32:
			if err := need(f, 4); err != nil {
				return nil, 0, err
			}
			values = append(values, binary.LittleEndian.Uint32(payload[pos:]))
			pos += 4
		case Uint64:
			if err := need(f, 8); err != nil {
				return nil, 0, err
			}
			values = append(values, binary.LittleEndian.Uint64(payload[pos:]))
			pos += 8
		case Int8:
			if err := need(f, 1); err != nil {
				return nil, 0, err
			}
			values = append(values, int8(payload[pos]))
			pos++
		case EUI64Field:
			if err := need(f, 8); err != nil {
				return nil, 0, err
			}
			var e EUI64
			copy(e[:], payload[pos:])
			values = append(values, e)
			pos += 8
		case KeyField:
			if err := need(f, 16); err != nil {
				return nil, 0, err
			}
			var k Key
			copy(k[:], payload[pos:])
			values = append(values, k)
			pos += 16
		case Bytes, List8, List16:
			n, err := lengthFrom(fields, values, i)
			if err != nil {
				return nil, 0, err
			}
			switch f.Type {
			case Bytes:
				if err := need(f, n); err != nil {
					return nil, 0, err
				}
				values = append(values, append([]byte(nil), payload[pos:pos+n]...))
				pos += n
			case List8:
				if err := need(f, n); err != nil {
					return nil, 0, err
				}
				values = append(values, append([]uint8(nil), payload[pos:pos+n]...))
				pos += n
			case List16:
				if err := need(f, n*2); err != nil {
					return nil, 0, err
				}
				list := make([]uint16, n)
				for j := range list {
					list[j] = binary.LittleEndian.Uint16(payload[pos+j*2:])
				}
				values = append(values, list)
				pos += n * 2
			}
		case AddressByMode:
			mode, err := lengthFrom(fields, values, i)
			if err != nil {
				return nil, 0, err
			}
			var a Address
			if uint8(mode) == AddrModeIEEE {
				if err := need(f, 8); err != nil {
					return nil, 0, err
				}
				copy(a.IEEE[:], payload[pos:])
				pos += 8
			} else {
				if err := need(f, 2); err != nil {
					return nil, 0, err
				}
				a.Short = binary.LittleEndian.Uint16(payload[pos:])
				pos += 2
			}
			values = append(values, a)
		case Remaining:
			if i != len(fields)-1 {
				return nil, 0, fmt.Errorf("%w: remaining field %s is not last", ErrSchemaMismatch, f.Name)
			}
			values = append(values, append([]byte(nil), payload[pos:]...))
			pos = len(payload)
		default:
			return nil, 0, fmt.Errorf("%w: field %s has unknown type %s", ErrSchemaMismatch, f.Name, f.Type)
		}
	}
	return values, len(payload) - pos, nil
}
