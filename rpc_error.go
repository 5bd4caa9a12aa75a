package otelapis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RPCErrorKind is the coarse classification of a failed call.
type RPCErrorKind int

const (
	// Unavailable covers transport failures, overload and rejected
	// compression. It is the only kind [Retry] retries.
	Unavailable RPCErrorKind = iota + 1
	DeadlineExceeded
	InvalidArgument
	Internal
	Cancelled
)

func (k RPCErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case DeadlineExceeded:
		return "deadline exceeded"
	case InvalidArgument:
		return "invalid argument"
	case Internal:
		return "internal"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("RPCErrorKind(%d)", int(k))
	}
}

// RPCError is returned by client stubs for every failed call.
type RPCError struct {
	Kind   RPCErrorKind
	Method string
	Status *status.Status
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("otelapis: %s: %s: %s", e.Method, e.Kind, e.Status.Message())
}

// GRPCStatus lets status.FromError and status.Code see through the wrapper.
func (e *RPCError) GRPCStatus() *status.Status {
	return e.Status
}

// Is matches another *RPCError of the same kind, so callers can test with
// errors.Is(err, &RPCError{Kind: Unavailable}).
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	return ok && t.Kind == e.Kind
}

// IsUnavailable reports whether err is an [RPCError] of kind [Unavailable].
func IsUnavailable(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind == Unavailable
}

func newRPCError(method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var st *status.Status
	switch {
	case errors.Is(err, context.Canceled):
		st = status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		st = status.New(codes.DeadlineExceeded, err.Error())
	default:
		st = status.Convert(err)
	}
	return &RPCError{Kind: kindFromStatus(st), Method: method, Status: st}
}

func unavailablef(method, format string, args ...any) *RPCError {
	return &RPCError{
		Kind:   Unavailable,
		Method: method,
		Status: status.Newf(codes.Unavailable, format, args...),
	}
}

func kindFromStatus(st *status.Status) RPCErrorKind {
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return Unavailable
	case codes.DeadlineExceeded:
		return DeadlineExceeded
	case codes.Canceled:
		return Cancelled
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return InvalidArgument
	case codes.Unimplemented:
		// grpc-go answers an unsupported grpc-encoding with Unimplemented.
		if isCompressionRejection(st.Message()) {
			return Unavailable
		}
		return Internal
	case codes.Internal:
		if isCompressionRejection(st.Message()) {
			return Unavailable
		}
		return Internal
	default:
		return Internal
	}
}

func isCompressionRejection(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "grpc-encoding") ||
		strings.Contains(msg, "compressor") ||
		strings.Contains(msg, "decompressor")
}

// PartialSuccessError reports items the server accepted the request for but
// rejected individually. It is returned together with the response.
type PartialSuccessError struct {
	Signal   Signal
	Rejected int64
	Message  string
}

func (e *PartialSuccessError) Error() string {
	return fmt.Sprintf("otelapis: export %s: %d items were rejected by the collector: %s",
		e.Signal, e.Rejected, e.Message)
}
