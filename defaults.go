package otelapis

import "time"

const (
	defaultClientTimeout    = 10 * time.Second
	defaultCollectorAddress = "localhost:4317"
	defaultBacklogSize      = 100
	defaultMaxRecvMsgSize   = 16 << 20
	defaultShutdownTimeout  = 5 * time.Second

	defaultSubjectPrefix  = "otel"
	defaultSubjectSuffix  = ""
	defaultQueueGroup     = ""
	defaultEncoding       = EncodingProtobuf
	defaultPublishTimeout = 5 * time.Second
	defaultAckWait        = 30 * time.Second

	defaultProtoRoot    = "opentelemetry-proto"
	defaultOutputDir    = "gen"
	defaultProtoc       = "protoc"
	defaultGoPlugin     = "protoc-gen-go"
	defaultGoGRPCPlugin = "protoc-gen-go-grpc"
	defaultImportPrefix = otlpImportPrefix
)
