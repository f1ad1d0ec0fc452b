package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

func TestIdentityFingerprint(t *testing.T) {
	a := NewIdentity("postgres", "db:5432", map[string]string{"user": "app", "password": "x"})
	b := NewIdentity("postgres", "db:5432", map[string]string{"password": "x", "user": "app"})
	c := NewIdentity("postgres", "db:5432", map[string]string{"user": "app", "password": "y"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a.String(), "x")
	assert.Contains(t, a.String(), "postgres://db:5432#")
}

func TestRegistrySharesPoolsByIdentity(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	f := &fakeFactory{}
	id := NewIdentity("fake", "host:1", nil)

	h1, err := Shared[*fakeConn](r, id, testConfig(1), f)
	require.NoError(t, err)
	h2, err := Shared[*fakeConn](r, id, testConfig(4), f)
	require.NoError(t, err)
	assert.Same(t, h1.Pool(), h2.Pool())
	assert.Equal(t, 1, h2.Pool().Stats().MaxSize, "first registration wins")
	assert.Equal(t, 1, r.Len())

	other, err := Shared[*fakeConn](r, NewIdentity("fake", "host:2", nil), testConfig(1), f)
	require.NoError(t, err)
	assert.NotSame(t, h1.Pool(), other.Pool())
	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.Stats(), 2)

	h1.Release()
	h1.Release()
	assert.Equal(t, 2, r.Len(), "pool survives while a handle remains")

	h2.Release()
	assert.Equal(t, 1, r.Len())
	_, err = h2.Acquire(context.Background(), 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypePoolExhausted))

	other.Release()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(2), f.shutdowns.Load())
}

func TestRegistryRejectsTypeConflict(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	id := NewIdentity("fake", "host:1", nil)

	_, err := Shared[*fakeConn](r, id, testConfig(1), &fakeFactory{})
	require.NoError(t, err)

	_, err = Shared[string](r, id, testConfig(1), Funcs[string]{
		OpenFunc: func(context.Context) (string, error) { return "conn", nil },
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestHandleRebuildsCorruptedPool(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	id := NewIdentity("fake", "host:1", nil)

	h, err := Shared[*fakeConn](r, id, testConfig(1), &fakeFactory{})
	require.NoError(t, err)
	defer h.Release()

	ctx := context.Background()
	c, err := h.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(OutcomeOK))
	require.Error(t, c.Release(OutcomeOK))

	old := h.Pool()
	require.True(t, old.Corrupted())

	c, err = h.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotSame(t, old, h.Pool())
	assert.False(t, h.Pool().Corrupted())
	require.NoError(t, c.Release(OutcomeOK))
}
