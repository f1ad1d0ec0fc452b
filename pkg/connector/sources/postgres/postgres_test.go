package postgres

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/pool"
)

func TestConnConfigAppliesCredentials(t *testing.T) {
	desc := &core.Descriptor{
		Name:        "events",
		DSN:         "postgres://reader@db.internal:6543/analytics",
		Credentials: map[string]string{"user": "svc", "password": "s3cret"},
		Pool:        config.PoolConfig{ConnectTimeout: 3 * time.Second},
	}
	cfg, err := ConnConfig(desc)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, uint16(6543), cfg.Port)
	assert.Equal(t, "analytics", cfg.Database)
	assert.Equal(t, "svc", cfg.User)
	assert.Equal(t, "s3cret", cfg.Password)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
}

func TestConnConfigErrors(t *testing.T) {
	_, err := ConnConfig(&core.Descriptor{Name: "events"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = ConnConfig(&core.Descriptor{Name: "events", DSN: "postgres://db:notaport/x"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNewValidatesDescriptor(t *testing.T) {
	reg := pool.NewRegistry()
	defer reg.Close()

	_, err := New(&core.Descriptor{Name: "x", Kind: Kind, DSN: "postgres://db/x"}, core.Dependencies{Pools: reg})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "table or query is required")

	_, err = New(&core.Descriptor{Name: "x", Kind: Kind, Table: "t", DSN: "postgres://db/x"}, core.Dependencies{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "pool registry is required")

	c, err := New(&core.Descriptor{
		Name: "x", Kind: Kind, Table: "public.t", DSN: "postgres://db/x",
		Capabilities: core.Caps(core.CapPredicate, core.CapLimit),
	}, core.Dependencies{Pools: reg})
	require.NoError(t, err, "no connection is opened at construction")
	assert.Equal(t, core.Caps(core.CapPredicate, core.CapLimit), c.Capabilities())
	require.NoError(t, c.Close(context.Background()))
}

func TestNormalizeUUID(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	row := normalize([]interface{}{[16]byte(id), int64(1), nil})
	assert.Equal(t, columnar.Row{id.String(), int64(1), nil}, row)
}

func TestRecordSourceWalksEveryRow(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	first, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, []columnar.Row{{int64(1), "a"}, {int64(2), nil}})
	require.NoError(t, err)
	second, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, []columnar.Row{{int64(3), "c"}})
	require.NoError(t, err)

	src := &recordSource{ctx: context.Background(), stream: base.NewSliceStream(schema, []arrow.Record{first, second})}
	defer src.release()

	var got [][]interface{}
	for src.Next() {
		v, err := src.Values()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, src.Err())
	assert.Equal(t, [][]interface{}{{int64(1), "a"}, {int64(2), nil}, {int64(3), "c"}}, got)
}

type failingStream struct{ schema *arrow.Schema }

func (s failingStream) Schema() *arrow.Schema { return s.schema }
func (s failingStream) Next(context.Context) (arrow.Record, error) {
	return nil, errors.New(errors.ErrorTypeProtocolViolation, "bad batch")
}
func (s failingStream) Close() error { return nil }

func TestRecordSourceKeepsStreamError(t *testing.T) {
	src := &recordSource{ctx: context.Background(), stream: failingStream{}}
	assert.False(t, src.Next())
	assert.True(t, errors.IsType(src.Err(), errors.ErrorTypeProtocolViolation))
	assert.NotErrorIs(t, src.Err(), io.EOF)
}
