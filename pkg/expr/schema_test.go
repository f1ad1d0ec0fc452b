package expr

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema("id int64 not null; price decimal(10, 2); at timestamp_us_utc")
	require.NoError(t, err)
	require.Equal(t, 3, s.NumFields())
	assert.False(t, s.Field(0).Nullable)
	assert.True(t, arrow.TypeEqual(&arrow.Decimal128Type{Precision: 10, Scale: 2}, s.Field(1).Type))
	assert.True(t, s.Field(2).Nullable)

	_, err = ParseSchema("id")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	_, err = ParseSchema("id money")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
