package base

import (
	"context"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/metrics"
)

// ErrorHandler classifies raw backend errors into the typed taxonomy and
// records them.
type ErrorHandler struct {
	logger  *zap.Logger
	kind    string
	dataset string
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger, kind, dataset string) *ErrorHandler {
	return &ErrorHandler{logger: logger, kind: kind, dataset: dataset}
}

// brokenPatterns mark driver errors after which the connection must not be
// reused.
var brokenPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"bad connection",
	"conn closed",
	"connection closed",
	"unexpected eof",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
}

// HandleScanError classifies an error raised while a scan was producing
// batches. Cancellation passes through untouched, an expired scan deadline
// becomes a timeout, errors that indicate a dead connection become connection
// errors and everything else untyped becomes backend_execution.
func (eh *ErrorHandler) HandleScanError(err error) error {
	if err == nil || errors.IsCanceled(err) {
		return err
	}

	var classified error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		classified = errors.Wrap(err, errors.ErrorTypeTimeout, "scan timed out")
	case isTyped(err):
		classified = err
	case IsBrokenConnection(err):
		classified = errors.Wrap(err, errors.ErrorTypeConnection, "backend connection lost during scan")
	default:
		classified = errors.Wrap(err, errors.ErrorTypeBackendExecution, "scan failed")
	}

	errType := errors.TypeOf(classified)
	metrics.ScanErrors.WithLabelValues(eh.kind, string(errType)).Inc()
	log := eh.logger.Warn
	for _, e := range multierr.Errors(err) {
		if errors.IsType(e, errors.ErrorTypePoolCorrupted) {
			log = eh.logger.Error
		}
	}
	log("scan error",
		zap.String("dataset", eh.dataset),
		zap.String("error_type", string(errType)),
		zap.Error(err))
	return classified
}

// HandleSchemaError classifies an error raised during schema discovery.
func (eh *ErrorHandler) HandleSchemaError(err error) error {
	if err == nil || errors.IsCanceled(err) || isTyped(err) {
		return err
	}
	if IsBrokenConnection(err) {
		return errors.Wrap(err, errors.ErrorTypeBackendUnreachable, "backend unreachable during schema discovery")
	}
	return errors.Wrap(err, errors.ErrorTypeSchemaUnavailable, "schema unavailable for "+eh.dataset)
}

// IsBrokenConnection reports whether err indicates the connection it was
// raised on is unusable.
func IsBrokenConnection(err error) bool {
	if err == nil {
		return false
	}
	switch errors.TypeOf(err) {
	case errors.ErrorTypeConnection, errors.ErrorTypeBackendUnreachable:
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range brokenPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func isTyped(err error) bool {
	var e *errors.Error
	return errors.As(err, &e) && e.Type != errors.ErrorTypeInternal
}
