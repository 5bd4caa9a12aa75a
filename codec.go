package otelapis

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// DecodeErrorKind classifies why a payload could not be decoded.
type DecodeErrorKind int

const (
	// DecodeTruncated means a value (most often a length-delimited field)
	// extends past the end of the input.
	DecodeTruncated DecodeErrorKind = iota + 1

	// DecodeInvalidWireType means a known field tag carried a wire type the
	// schema does not allow for that field.
	DecodeInvalidWireType

	// DecodeRequiredFieldMissing means a proto2 required field was absent.
	// OTLP schemas are proto3 and never produce it.
	DecodeRequiredFieldMissing

	// DecodeMalformed covers everything else the runtime rejects: bad
	// varints, reserved field numbers, invalid UTF-8, excessive nesting.
	DecodeMalformed
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeTruncated:
		return "truncated"
	case DecodeInvalidWireType:
		return "invalid wire type"
	case DecodeRequiredFieldMissing:
		return "required field missing"
	case DecodeMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("DecodeErrorKind(%d)", int(k))
	}
}

// DecodeError is returned by [Decode]. It matches [ErrDecode] with errors.Is.
type DecodeError struct {
	Kind DecodeErrorKind
	// Field is the full name of the field being decoded, empty for unknown
	// fields and top-level framing errors.
	Field protoreflect.FullName
	// Offset is the byte offset of the offending tag within the input.
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("otelapis: decode %s at offset %d", e.Kind, e.Offset)
	if e.Field != "" {
		msg += " (" + string(e.Field) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

var (
	errTooDeep      = errors.New("message nesting exceeds limit")
	encodeOptions   = proto.MarshalOptions{Deterministic: true}
	defaultMaxDepth = protowire.DefaultRecursionLimit
)

// Encode serializes m into the protobuf wire format.
//
// Output is deterministic: fields are written in ascending tag order, map
// entries are sorted, unset proto3 fields are omitted and repeated numeric
// scalars are packed.
func Encode(m proto.Message) ([]byte, error) {
	return encodeOptions.Marshal(m)
}

// DecodeOption configures [Decode].
type DecodeOption func(*decodeConfig)

type decodeConfig struct {
	keepUnknown bool
	maxDepth    int
}

// WithKeepUnknown retains unknown fields on the decoded message so that a
// relay can re-encode them unchanged. By default they are skipped.
func WithKeepUnknown() DecodeOption {
	return func(c *decodeConfig) {
		c.keepUnknown = true
	}
}

// WithMaxDepth limits message nesting. The default matches the protobuf
// runtime's recursion limit.
func WithMaxDepth(depth int) DecodeOption {
	return func(c *decodeConfig) {
		c.maxDepth = depth
	}
}

// Decode parses b into m.
//
// Unknown field tags are skipped using their wire type's length rule.
// Framing problems are reported as a [*DecodeError] instead of a partial
// parse; m is left reset in that case.
func Decode(b []byte, m proto.Message, opts ...DecodeOption) error {
	cfg := decodeConfig{maxDepth: defaultMaxDepth}
	for _, opt := range opts {
		opt(&cfg)
	}

	proto.Reset(m)
	if err := validateWire(b, m.ProtoReflect().Descriptor(), 0, 0, cfg.maxDepth); err != nil {
		return err
	}

	uo := proto.UnmarshalOptions{
		DiscardUnknown: !cfg.keepUnknown,
		RecursionLimit: cfg.maxDepth,
	}
	if err := uo.Unmarshal(b, m); err != nil {
		proto.Reset(m)
		return &DecodeError{Kind: DecodeMalformed, Err: err}
	}
	return nil
}

// validateWire walks b against md without allocating messages. base is the
// offset of b within the original input.
func validateWire(b []byte, md protoreflect.MessageDescriptor, base, depth, maxDepth int) error {
	if depth > maxDepth {
		return &DecodeError{Kind: DecodeMalformed, Field: md.FullName(), Offset: base, Err: errTooDeep}
	}

	fields := md.Fields()
	var seenRequired []protoreflect.FieldNumber

	for off := 0; off < len(b); {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return wireError(protowire.ParseError(n), "", base+off)
		}
		valOff := off + n

		fd := fields.ByNumber(num)
		if fd == nil {
			m := protowire.ConsumeFieldValue(num, typ, b[valOff:])
			if m < 0 {
				return wireError(protowire.ParseError(m), "", base+off)
			}
			off = valOff + m
			continue
		}

		if !wireTypeAllowed(fd, typ) {
			return &DecodeError{
				Kind:   DecodeInvalidWireType,
				Field:  fd.FullName(),
				Offset: base + off,
				Err:    fmt.Errorf("got wire type %d, want %d", typ, expectedWireType(fd.Kind())),
			}
		}

		switch {
		case typ == protowire.BytesType && fd.Message() != nil:
			v, m := protowire.ConsumeBytes(b[valOff:])
			if m < 0 {
				return wireError(protowire.ParseError(m), fd.FullName(), base+off)
			}
			if err := validateWire(v, fd.Message(), base+valOff+m-len(v), depth+1, maxDepth); err != nil {
				return err
			}
			off = valOff + m
		case typ == protowire.StartGroupType:
			v, m := protowire.ConsumeGroup(num, b[valOff:])
			if m < 0 {
				return wireError(protowire.ParseError(m), fd.FullName(), base+off)
			}
			if err := validateWire(v, fd.Message(), base+valOff, depth+1, maxDepth); err != nil {
				return err
			}
			off = valOff + m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b[valOff:])
			if m < 0 {
				return wireError(protowire.ParseError(m), fd.FullName(), base+off)
			}
			off = valOff + m
		}

		if fd.Cardinality() == protoreflect.Required {
			seenRequired = append(seenRequired, num)
		}
	}

	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.Cardinality() != protoreflect.Required {
			continue
		}
		found := false
		for _, num := range seenRequired {
			if num == fd.Number() {
				found = true
				break
			}
		}
		if !found {
			return &DecodeError{Kind: DecodeRequiredFieldMissing, Field: fd.FullName(), Offset: base + len(b)}
		}
	}
	return nil
}

func wireError(err error, field protoreflect.FullName, offset int) *DecodeError {
	kind := DecodeMalformed
	if errors.Is(err, io.ErrUnexpectedEOF) {
		kind = DecodeTruncated
	}
	return &DecodeError{Kind: kind, Field: field, Offset: offset, Err: err}
}

// wireTypeAllowed accepts the packed form for repeated scalars in addition
// to the field's natural wire type.
func wireTypeAllowed(fd protoreflect.FieldDescriptor, typ protowire.Type) bool {
	want := expectedWireType(fd.Kind())
	if typ == want {
		return true
	}
	return typ == protowire.BytesType && fd.IsList() &&
		want != protowire.BytesType && want != protowire.StartGroupType
}

func expectedWireType(k protoreflect.Kind) protowire.Type {
	switch k {
	case protoreflect.BoolKind, protoreflect.EnumKind,
		protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Uint32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Uint64Kind:
		return protowire.VarintType
	case protoreflect.Fixed32Kind, protoreflect.Sfixed32Kind, protoreflect.FloatKind:
		return protowire.Fixed32Type
	case protoreflect.Fixed64Kind, protoreflect.Sfixed64Kind, protoreflect.DoubleKind:
		return protowire.Fixed64Type
	case protoreflect.GroupKind:
		return protowire.StartGroupType
	default:
		return protowire.BytesType
	}
}
