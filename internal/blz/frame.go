// Package blz implements the BLZ coprocessor wire protocol: frame codec,
// CRC, field descriptors and the typed command set.
package blz

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame delimiters and byte stuffing.
const (
	StartByte  = 0x42
	StopByte   = 0x4C
	EscapeByte = 0x07
	EscapeMask = 0x10
)

// Control byte flags.
const (
	ControlRequest  uint8 = 0x00
	ControlResponse uint8 = 0x80
)

// control(1) + sequence(1) + commandId(2) + crc(2)
const frameOverhead = 6

// Frame is one decoded wire unit. Payload is owned by the Frame.
type Frame struct {
	Control   uint8
	Sequence  uint8
	CommandID CommandID
	Payload   []byte
}

// IsResponse reports whether the device marked the frame as a response.
func (f Frame) IsResponse() bool {
	return f.Control&ControlResponse != 0
}

func (f Frame) String() string {
	return fmt.Sprintf("%s ctl=0x%02X seq=%d payload=%X", f.CommandID, f.Control, f.Sequence, f.Payload)
}

// Checksum computes the frame CRC-16 (CCITT, seed 0xFFFF, no reflection).
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc>>8 | crc<<8
		crc ^= uint16(b)
		crc ^= (crc & 0xFF) >> 4
		crc ^= crc << 12
		crc ^= (crc & 0xFF) << 5
	}
	return crc
}

// EncodeFrame serializes f into a delimited, stuffed wire frame.
// The CRC is written big-endian.
func EncodeFrame(f Frame) []byte {
	raw := make([]byte, 4, len(f.Payload)+frameOverhead)
	raw[0] = f.Control
	raw[1] = f.Sequence
	binary.LittleEndian.PutUint16(raw[2:4], uint16(f.CommandID))
	raw = append(raw, f.Payload...)
	raw = binary.BigEndian.AppendUint16(raw, Checksum(raw))

	out := make([]byte, 0, len(raw)*2+2)
	out = append(out, StartByte)
	for _, b := range raw {
		if needsEscape(b) {
			out = append(out, EscapeByte, b^EscapeMask)
			continue
		}
		out = append(out, b)
	}
	return append(out, StopByte)
}

func needsEscape(b byte) bool {
	return b == StartByte || b == StopByte || b == EscapeByte
}

// DecodeFrame parses one delimited frame. Every failure is a
// *CorruptFrameError; the read loop drops such frames and keeps going.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < 2 {
		return Frame{}, corrupt(data, "frame too short: %d bytes", len(data))
	}
	if data[0] != StartByte {
		return Frame{}, corrupt(data, "missing start byte: 0x%02X", data[0])
	}
	if data[len(data)-1] != StopByte {
		return Frame{}, corrupt(data, "missing stop byte: 0x%02X", data[len(data)-1])
	}

	body := data[1 : len(data)-1]
	raw := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		switch b {
		case StartByte, StopByte:
			return Frame{}, corrupt(data, "unescaped delimiter 0x%02X at offset %d", b, i+1)
		case EscapeByte:
			i++
			if i >= len(body) {
				return Frame{}, corrupt(data, "dangling escape at end of frame")
			}
			raw = append(raw, body[i]^EscapeMask)
		default:
			raw = append(raw, b)
		}
	}

	if len(raw) < frameOverhead {
		return Frame{}, corrupt(data, "frame truncated: %d bytes", len(raw))
	}

	n := len(raw) - 2
	want := binary.BigEndian.Uint16(raw[n:])
	if got := Checksum(raw[:n]); got != want {
		return Frame{}, corrupt(data, "crc mismatch: got 0x%04X, want 0x%04X", got, want)
	}

	f := Frame{
		Control:   raw[0],
		Sequence:  raw[1],
		CommandID: CommandID(binary.LittleEndian.Uint16(raw[2:4])),
	}
	if n > 4 {
		f.Payload = bytes.Clone(raw[4:n])
	}
	return f, nil
}

// SplitFrames is a bufio.SplitFunc yielding one START..STOP chunk per token.
// Bytes preceding a start byte are line noise and are skipped.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.IndexByte(data, StartByte)
	if start < 0 {
		// Nothing useful buffered yet.
		return len(data), nil, nil
	}
	stop := bytes.IndexByte(data[start+1:], StopByte)
	if stop < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end := start + 1 + stop + 1
	// A second start byte before the stop means the first frame was cut off.
	if restart := bytes.LastIndexByte(data[start+1:end-1], StartByte); restart >= 0 {
		start += 1 + restart
	}
	return end, data[start:end], nil
}
