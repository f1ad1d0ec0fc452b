package flight

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

var codeOf = map[errors.ErrorType]codes.Code{
	errors.ErrorTypeProtocolViolation:  codes.DataLoss,
	errors.ErrorTypePoolExhausted:      codes.ResourceExhausted,
	errors.ErrorTypeRateLimit:          codes.ResourceExhausted,
	errors.ErrorTypePoolTimeout:        codes.DeadlineExceeded,
	errors.ErrorTypeTimeout:            codes.DeadlineExceeded,
	errors.ErrorTypeConnection:         codes.Unavailable,
	errors.ErrorTypeBackendUnreachable: codes.Unavailable,
	errors.ErrorTypeNotFound:           codes.NotFound,
	errors.ErrorTypeSchemaUnavailable:  codes.NotFound,
	errors.ErrorTypeValidation:         codes.InvalidArgument,
	errors.ErrorTypeConfig:             codes.InvalidArgument,
	errors.ErrorTypeQuery:              codes.InvalidArgument,
	errors.ErrorTypeData:               codes.InvalidArgument,
	errors.ErrorTypeUnsupportedType:    codes.InvalidArgument,
	errors.ErrorTypeCapability:         codes.FailedPrecondition,
	errors.ErrorTypeAuthentication:     codes.Unauthenticated,
	errors.ErrorTypeConflict:           codes.AlreadyExists,
	errors.ErrorTypeBackendExecution:   codes.Aborted,
	errors.ErrorTypePoolCorrupted:      codes.Internal,
	errors.ErrorTypeInternal:           codes.Internal,
}

// typeOf is the inverse of codeOf for statuses without a typed message.
var typeOf = map[codes.Code]errors.ErrorType{
	codes.DataLoss:           errors.ErrorTypeProtocolViolation,
	codes.Unavailable:        errors.ErrorTypeConnection,
	codes.ResourceExhausted:  errors.ErrorTypePoolExhausted,
	codes.DeadlineExceeded:   errors.ErrorTypeTimeout,
	codes.NotFound:           errors.ErrorTypeSchemaUnavailable,
	codes.InvalidArgument:    errors.ErrorTypeValidation,
	codes.FailedPrecondition: errors.ErrorTypeCapability,
	codes.Unauthenticated:    errors.ErrorTypeAuthentication,
	codes.PermissionDenied:   errors.ErrorTypeAuthentication,
	codes.AlreadyExists:      errors.ErrorTypeConflict,
	codes.Aborted:            errors.ErrorTypeBackendExecution,
	codes.Unimplemented:      errors.ErrorTypeCapability,
}

// toStatus converts err into a gRPC status whose message starts with the
// error type, so clients can restore it.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.IsCanceled(err):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded) && !isTyped(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if _, ok := status.FromError(err); ok && !isTyped(err) {
		return err
	}
	t := errors.TypeOf(err)
	code, ok := codeOf[t]
	if !ok {
		code = codes.Internal
	}
	msg := err.Error()
	if !isTyped(err) {
		msg = string(t) + ": " + msg
	}
	return status.Error(code, msg)
}

func isTyped(err error) bool {
	var e *errors.Error
	return errors.As(err, &e)
}

// fromStatus restores the typed error carried by a gRPC status.
func fromStatus(err error) error {
	if err == nil || isTyped(err) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Canceled:
		return context.Canceled
	}
	msg := st.Message()
	if prefix, rest, ok := strings.Cut(msg, ": "); ok {
		if t, known := errors.ParseType(prefix); known {
			return errors.New(t, rest)
		}
	}
	t, ok := typeOf[st.Code()]
	if !ok {
		t = errors.ErrorTypeInternal
	}
	return errors.Wrap(err, t, "flight call failed")
}

// streamError types the error that ended a record stream. Errors without a
// gRPC status were raised while decoding the frames themselves.
func streamError(err error) error {
	if err == nil || isTyped(err) {
		return err
	}
	if errors.IsCanceled(err) {
		return context.Canceled
	}
	if _, ok := status.FromError(err); ok {
		return fromStatus(err)
	}
	return errors.Wrap(err, errors.ErrorTypeProtocolViolation, "malformed flight stream")
}
