package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var created *core.Descriptor
	factory := func(_ context.Context, desc *core.Descriptor, _ core.Dependencies) (core.Connector, error) {
		created = desc
		return nil, nil
	}

	require.NoError(t, r.Register(core.ConnectorMetadata{Kind: "b"}, factory))
	require.NoError(t, r.Register(core.ConnectorMetadata{Kind: "a", Writable: true}, factory))
	err := r.Register(core.ConnectorMetadata{Kind: "a"}, factory)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.Equal(t, []string{"a", "b"}, r.Kinds())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))
	assert.True(t, r.Metadata()[0].Writable)

	desc := &core.Descriptor{Name: "x", Kind: "a"}
	_, err = r.Create(context.Background(), desc, core.Dependencies{})
	require.NoError(t, err)
	assert.Same(t, desc, created)

	_, err = r.Create(context.Background(), &core.Descriptor{Kind: "c"}, core.Dependencies{})
	require.Error(t, err)
}

func TestCreateWrapsUntypedFactoryErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(core.ConnectorMetadata{Kind: "bad"},
		func(context.Context, *core.Descriptor, core.Dependencies) (core.Connector, error) {
			return nil, fmt.Errorf("missing option")
		}))
	require.NoError(t, r.Register(core.ConnectorMetadata{Kind: "typed"},
		func(context.Context, *core.Descriptor, core.Dependencies) (core.Connector, error) {
			return nil, errors.New(errors.ErrorTypeSchemaUnavailable, "table missing")
		}))

	_, err := r.Create(context.Background(), &core.Descriptor{Kind: "bad"}, core.Dependencies{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = r.Create(context.Background(), &core.Descriptor{Kind: "typed"}, core.Dependencies{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaUnavailable))
}
