package expr

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/columnar"
)

func TestFilterJSONKeepsLiteralTypes(t *testing.T) {
	price, err := columnar.ParseDecimal("19.99", 12, 2)
	require.NoError(t, err)
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	in := And(
		Gt(Col("orders.id"), Lit(int64(9007199254740993))),
		Eq(Col("price"), Lit(price)),
		LtEq(Col("created"), Lit(when)),
		In{Expr: Col("status"), List: []Literal{Lit("open"), Lit(nil)}, Negated: true},
		IsNull{Expr: Col("deleted"), Negated: true},
	)

	data, err := json.Marshal(Filter{in})
	require.NoError(t, err)

	var out Filter
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.String(), out.Expr.String())

	lits := Literals(out.Expr)
	require.Len(t, lits, 5)
	assert.Equal(t, int64(9007199254740993), lits[0].Value)
	assert.Equal(t, "19.99", lits[1].Value.(columnar.Decimal).String())
	assert.True(t, when.Equal(lits[2].Value.(time.Time)))
	assert.Nil(t, lits[4].Value)
}

func TestFilterJSONRejectsUnknownNodes(t *testing.T) {
	var f Filter
	err := json.Unmarshal([]byte(`{"kind":"subquery"}`), &f)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"kind":"binary","op":"^","left":{"kind":"column","name":"a"},"right":{"kind":"column","name":"b"}}`), &f)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"kind":"literal","type":"int64","value":"x"}`), &f)
	require.Error(t, err)
}
