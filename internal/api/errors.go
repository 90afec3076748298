package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Code maps a domain error to a gRPC code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, chat.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, chat.ErrPermission):
		return codes.PermissionDenied
	case errors.Is(err, chat.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, chat.ErrConnectivity):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	if s, ok := grpcstatus.FromError(err); ok {
		return s.Code()
	}
	return codes.Internal
}

// toStatus converts err into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(Code(err), err.Error())
}

// FromStatus turns a status error received by a client back into a domain
// error, so callers can use errors.Is with the chat sentinels.
func FromStatus(err error) error {
	s, ok := grpcstatus.FromError(err)
	if !ok || err == nil {
		return err
	}
	var sentinel error
	switch s.Code() {
	case codes.InvalidArgument:
		sentinel = chat.ErrValidation
	case codes.PermissionDenied:
		sentinel = chat.ErrPermission
	case codes.NotFound:
		sentinel = chat.ErrNotFound
	case codes.Unavailable:
		sentinel = chat.ErrConnectivity
	default:
		return err
	}
	return &remoteError{sentinel: sentinel, msg: s.Message(), status: err}
}

type remoteError struct {
	sentinel error
	msg      string
	status   error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Is(target error) bool { return target == e.sentinel }
func (e *remoteError) Unwrap() error { return e.status }
