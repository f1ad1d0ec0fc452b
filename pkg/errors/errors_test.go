package errors_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

func TestParseType(t *testing.T) {
	typ, ok := errors.ParseType("pool_timeout")
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypePoolTimeout, typ)

	_, ok = errors.ParseType("nonsense")
	assert.False(t, ok)
}

func TestTypeOfOutermost(t *testing.T) {
	inner := errors.New(errors.ErrorTypeBackendExecution, "query failed")
	outer := errors.Wrap(inner, errors.ErrorTypeData, "scan orders")

	assert.Equal(t, errors.ErrorTypeData, errors.TypeOf(outer))
	assert.True(t, errors.IsType(outer, errors.ErrorTypeData))
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Equal(t, errors.ErrorTypeInternal, errors.TypeOf(fmt.Errorf("plain")))
	assert.Nil(t, errors.Wrap(nil, errors.ErrorTypeData, "nothing"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, errors.IsRetryable(errors.New(errors.ErrorTypeBackendUnreachable, "down")))
	assert.True(t, errors.IsRetryable(fmt.Errorf("acquire: %w", errors.New(errors.ErrorTypePoolTimeout, "busy"))))
	assert.False(t, errors.IsRetryable(errors.New(errors.ErrorTypeValidation, "bad")))
	assert.False(t, errors.IsRetryable(context.Canceled))
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, errors.IsCanceled(errors.Wrap(context.Canceled, errors.ErrorTypeData, "scan")))
	assert.False(t, errors.IsCanceled(context.DeadlineExceeded))
}
