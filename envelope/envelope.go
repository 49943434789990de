// Package envelope implements the binary wire codec for meshmail protocol
// messages.
//
// Every application-level message is an ordered sequence of implicitly
// tagged fields. Field order and type are fixed per message kind and are
// part of the wire contract: there is no schema negotiation over a
// delay-tolerant transport, so the format is positional, versionless and
// validated strictly. Any deviation from the expected shape rejects the
// whole envelope.
//
// Example:
//
//	data := envelope.Encode(
//	    envelope.String("alice"),
//	    envelope.String("en-US"),
//	    envelope.Bytes(publicKey),
//	)
//	fields, err := envelope.Decode(data, envelope.KindString, envelope.KindString, envelope.KindBytes)
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned for any structurally invalid envelope:
// empty input, bad framing, truncation, missing fields, or a field whose
// on-wire type does not match the expected type for its position.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Kind identifies the on-wire type of a single field.
type Kind uint8

const (
	KindBytes  Kind = 0x01
	KindString Kind = 0x02
	KindUint64 Kind = 0x03
)

// envelopeMagic marks the start of every encoded sequence.
const envelopeMagic = 0x4D

// maxFieldLen bounds a single field payload. Protocol messages are small;
// anything larger is corruption.
const maxFieldLen = 16 * 1024 * 1024

// Field is one typed value in an envelope sequence.
type Field struct {
	Kind Kind
	Raw  []byte
	Str  string
	U64  uint64
}

// Bytes builds a raw-bytes field.
func Bytes(b []byte) Field {
	return Field{Kind: KindBytes, Raw: b}
}

// String builds a UTF-8 string field.
func String(s string) Field {
	return Field{Kind: KindString, Str: s}
}

// Uint64 builds an unsigned integer field.
func Uint64(v uint64) Field {
	return Field{Kind: KindUint64, U64: v}
}

// Encode serializes an ordered field sequence. It never fails for
// well-typed input.
//
// Wire layout:
//
//	[magic 0x4D][field count uint8][fields...]
//
// and each field is:
//
//	[kind uint8][length uint32 BE][payload]
//
// Uint64 payloads are always 8 bytes, big-endian.
func Encode(fields ...Field) []byte {
	size := 2
	for _, f := range fields {
		size += 5 + payloadLen(f)
	}

	out := make([]byte, 0, size)
	out = append(out, envelopeMagic, byte(len(fields)))

	for _, f := range fields {
		out = append(out, byte(f.Kind))
		switch f.Kind {
		case KindString:
			out = binary.BigEndian.AppendUint32(out, uint32(len(f.Str)))
			out = append(out, f.Str...)
		case KindUint64:
			out = binary.BigEndian.AppendUint32(out, 8)
			out = binary.BigEndian.AppendUint64(out, f.U64)
		default:
			out = binary.BigEndian.AppendUint32(out, uint32(len(f.Raw)))
			out = append(out, f.Raw...)
		}
	}

	return out
}

func payloadLen(f Field) int {
	switch f.Kind {
	case KindString:
		return len(f.Str)
	case KindUint64:
		return 8
	default:
		return len(f.Raw)
	}
}

// Decode parses data against an exact expected shape. It fails with an
// error wrapping ErrMalformedEnvelope if data is empty, the framing is
// wrong, the sequence carries fewer fields than the shape, a field's
// on-wire kind mismatches the expected kind at that position, or any
// bytes trail the declared sequence.
func Decode(data []byte, shape ...Kind) ([]Field, error) {
	fields, rest, err := decode(data, shape, false)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after sequence", ErrMalformedEnvelope, len(rest))
	}
	return fields, nil
}

// DecodePrefix parses the leading fields of data against shape and returns
// any additional fields carried after them. Used for message kinds that
// allow a variable trailer (message attachments); the trailer fields keep
// their on-wire kinds.
func DecodePrefix(data []byte, shape ...Kind) (prefix, trailer []Field, err error) {
	return decode(data, shape, true)
}

func decode(data []byte, shape []Kind, allowTrailer bool) ([]Field, []Field, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty input", ErrMalformedEnvelope)
	}
	if data[0] != envelopeMagic {
		return nil, nil, fmt.Errorf("%w: not a field sequence", ErrMalformedEnvelope)
	}
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrMalformedEnvelope)
	}

	count := int(data[1])
	if count < len(shape) {
		return nil, nil, fmt.Errorf("%w: sequence has %d fields, expected at least %d",
			ErrMalformedEnvelope, count, len(shape))
	}
	if !allowTrailer && count > len(shape) {
		return nil, nil, fmt.Errorf("%w: sequence has %d fields, expected %d",
			ErrMalformedEnvelope, count, len(shape))
	}

	all := make([]Field, 0, count)
	rest := data[2:]
	for i := 0; i < count; i++ {
		var (
			f   Field
			err error
		)
		f, rest, err = decodeField(rest, i)
		if err != nil {
			return nil, nil, err
		}
		if i < len(shape) && f.Kind != shape[i] {
			return nil, nil, fmt.Errorf("%w: field %d has kind 0x%02x, expected 0x%02x",
				ErrMalformedEnvelope, i, uint8(f.Kind), uint8(shape[i]))
		}
		all = append(all, f)
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes after sequence", ErrMalformedEnvelope, len(rest))
	}

	return all[:len(shape)], all[len(shape):], nil
}

func decodeField(data []byte, index int) (Field, []byte, error) {
	if len(data) < 5 {
		return Field{}, nil, fmt.Errorf("%w: truncated field %d header", ErrMalformedEnvelope, index)
	}

	kind := Kind(data[0])
	length := binary.BigEndian.Uint32(data[1:5])
	if length > maxFieldLen {
		return Field{}, nil, fmt.Errorf("%w: field %d length %d exceeds limit", ErrMalformedEnvelope, index, length)
	}
	if uint32(len(data)-5) < length {
		return Field{}, nil, fmt.Errorf("%w: truncated field %d payload", ErrMalformedEnvelope, index)
	}
	payload := data[5 : 5+length]
	rest := data[5+length:]

	switch kind {
	case KindBytes:
		raw := make([]byte, len(payload))
		copy(raw, payload)
		return Field{Kind: KindBytes, Raw: raw}, rest, nil
	case KindString:
		return Field{Kind: KindString, Str: string(payload)}, rest, nil
	case KindUint64:
		if length != 8 {
			return Field{}, nil, fmt.Errorf("%w: field %d uint64 payload is %d bytes", ErrMalformedEnvelope, index, length)
		}
		return Field{Kind: KindUint64, U64: binary.BigEndian.Uint64(payload)}, rest, nil
	default:
		return Field{}, nil, fmt.Errorf("%w: field %d has unknown kind 0x%02x", ErrMalformedEnvelope, index, uint8(kind))
	}
}
