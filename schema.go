package otelapis

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// StreamingMode is the call shape of an RPC method.
type StreamingMode int

const (
	Unary StreamingMode = iota
	ServerStreaming
	ClientStreaming
	BidiStreaming
)

func (m StreamingMode) String() string {
	switch m {
	case ServerStreaming:
		return "server-streaming"
	case ClientStreaming:
		return "client-streaming"
	case BidiStreaming:
		return "bidi"
	default:
		return "unary"
	}
}

type FieldSchema struct {
	Name     protoreflect.Name
	Number   protoreflect.FieldNumber
	Kind     protoreflect.Kind
	WireType protowire.Type
	Repeated bool
	Packed   bool
}

type MessageSchema struct {
	Name   protoreflect.FullName
	Fields []FieldSchema
}

type MethodSchema struct {
	Name   protoreflect.Name
	Input  protoreflect.FullName
	Output protoreflect.FullName
	Mode   StreamingMode
}

type ServiceSchema struct {
	Name    protoreflect.FullName
	Methods []MethodSchema
}

// FileSchema describes one proto file as linked into this binary.
type FileSchema struct {
	ProtoFile
	Package   protoreflect.FullName
	Stability Stability
	// Linked is false when the file's Go package is not compiled in; the
	// remaining descriptor fields are then empty.
	Linked   bool
	Messages []MessageSchema
	Services []ServiceSchema
}

// Describe looks files up in the global protobuf registry. Messages are
// listed in declaration order with nested types following their parent;
// map entry types are omitted. Stability comes from the built-in manifest.
func Describe(files []ProtoFile) ([]FileSchema, error) {
	return DefaultManifest().Describe(files)
}

// Describe is like the package level Describe, with stability taken from
// the groups of m.
func (m *Manifest) Describe(files []ProtoFile) ([]FileSchema, error) {
	return describe(protoregistry.GlobalFiles, m, files)
}

func describe(reg *protoregistry.Files, m *Manifest, files []ProtoFile) ([]FileSchema, error) {
	out := make([]FileSchema, 0, len(files))
	for _, f := range files {
		fs := FileSchema{ProtoFile: f}
		if g, ok := m.Group(f.Group); ok {
			fs.Stability = g.Stability
		}

		fd, err := reg.FindFileByPath(f.Path)
		if errors.Is(err, protoregistry.NotFound) {
			out = append(out, fs)
			continue
		}
		if err != nil {
			return nil, err
		}

		fs.Linked = true
		fs.Package = fd.Package()
		fs.Messages = describeMessages(fd.Messages(), nil)

		services := fd.Services()
		for i := 0; i < services.Len(); i++ {
			sd := services.Get(i)
			ss := ServiceSchema{Name: sd.FullName()}
			methods := sd.Methods()
			for j := 0; j < methods.Len(); j++ {
				md := methods.Get(j)
				ss.Methods = append(ss.Methods, MethodSchema{
					Name:   md.Name(),
					Input:  md.Input().FullName(),
					Output: md.Output().FullName(),
					Mode:   streamingMode(md),
				})
			}
			fs.Services = append(fs.Services, ss)
		}
		out = append(out, fs)
	}
	return out, nil
}

func describeMessages(msgs protoreflect.MessageDescriptors, out []MessageSchema) []MessageSchema {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.IsMapEntry() {
			continue
		}
		ms := MessageSchema{Name: md.FullName()}
		fields := md.Fields()
		for j := 0; j < fields.Len(); j++ {
			fd := fields.Get(j)
			ms.Fields = append(ms.Fields, FieldSchema{
				Name:     fd.Name(),
				Number:   fd.Number(),
				Kind:     fd.Kind(),
				WireType: expectedWireType(fd.Kind()),
				Repeated: fd.IsList() || fd.IsMap(),
				Packed:   fd.IsPacked(),
			})
		}
		out = append(out, ms)
		out = describeMessages(md.Messages(), out)
	}
	return out
}

func streamingMode(md protoreflect.MethodDescriptor) StreamingMode {
	switch {
	case md.IsStreamingClient() && md.IsStreamingServer():
		return BidiStreaming
	case md.IsStreamingServer():
		return ServerStreaming
	case md.IsStreamingClient():
		return ClientStreaming
	default:
		return Unary
	}
}
