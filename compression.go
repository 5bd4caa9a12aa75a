package otelapis

import (
	"context"
	"slices"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"
)

// Compression names understood by client and collector options.
const (
	CompressionNone = "identity"
	CompressionGzip = gzip.Name
)

const headerAcceptEncoding = "grpc-accept-encoding"

func compressionRequested(name string) bool {
	return name != "" && name != CompressionNone
}

// peerEncodings tracks what the remote end is known to accept. Unknown
// means no restriction is applied.
type peerEncodings struct {
	mu    sync.RWMutex
	known bool
	names []string
}

func (p *peerEncodings) declare(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known = true
	p.names = normalizeEncodings(names)
}

// learn records grpc-accept-encoding from response headers unless the
// caller declared the set explicitly.
func (p *peerEncodings) learn(md metadata.MD) {
	values := md.Get(headerAcceptEncoding)
	if len(values) == 0 {
		return
	}
	var names []string
	for _, v := range values {
		names = append(names, strings.Split(v, ",")...)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known {
		return
	}
	p.known = true
	p.names = normalizeEncodings(names)
}

func (p *peerEncodings) accepts(name string) (accepted, known bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.known {
		return false, false
	}
	return slices.Contains(p.names, name), true
}

func normalizeEncodings(names []string) []string {
	out := make([]string, 0, len(names)+1)
	out = append(out, CompressionNone)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// checkCompression fails fast, before any bytes are written, when name is
// not registered locally or not accepted by the peer.
func checkCompression(method, name string, peer *peerEncodings) error {
	if !compressionRequested(name) {
		return nil
	}
	if encoding.GetCompressor(name) == nil {
		return unavailablef(method, "compressor %q is not registered", name)
	}
	if accepted, known := peer.accepts(name); known && !accepted {
		return unavailablef(method, "peer does not accept %q encoding", name)
	}
	return nil
}

// encodingTag records the grpc-encoding of an incoming request so that the
// accept interceptor can see it.
type encodingTag struct {
	mu   sync.Mutex
	name string
}

type encodingTagKey struct{}

// encodingStatsHandler captures InHeader.Compression for every RPC.
type encodingStatsHandler struct{}

func (encodingStatsHandler) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return context.WithValue(ctx, encodingTagKey{}, &encodingTag{})
}

func (encodingStatsHandler) HandleRPC(ctx context.Context, s stats.RPCStats) {
	in, ok := s.(*stats.InHeader)
	if !ok {
		return
	}
	if tag, ok := ctx.Value(encodingTagKey{}).(*encodingTag); ok {
		tag.mu.Lock()
		tag.name = in.Compression
		tag.mu.Unlock()
	}
}

func (encodingStatsHandler) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

func (encodingStatsHandler) HandleConn(context.Context, stats.ConnStats) {}

func requestEncoding(ctx context.Context) string {
	tag, ok := ctx.Value(encodingTagKey{}).(*encodingTag)
	if !ok {
		return ""
	}
	tag.mu.Lock()
	defer tag.mu.Unlock()
	return tag.name
}

// acceptCompressionInterceptor rejects requests whose grpc-encoding is not
// in accepted with Unavailable. Identity is always accepted.
func acceptCompressionInterceptor(accepted []string) grpc.UnaryServerInterceptor {
	allowed := normalizeEncodings(accepted)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if enc := strings.ToLower(requestEncoding(ctx)); compressionRequested(enc) && !slices.Contains(allowed, enc) {
			return nil, status.Errorf(codes.Unavailable, "grpc-encoding %q is not accepted", enc)
		}
		return handler(ctx, req)
	}
}
