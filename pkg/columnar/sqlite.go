package columnar

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type sqliteMapper struct{}

// SQLite maps declared column types using SQLite's affinity rules, with
// dedicated handling for declared boolean, decimal and temporal types.
var SQLite TypeMapper = sqliteMapper{}

func (sqliteMapper) Backend() string { return "sqlite" }

func (m sqliteMapper) ArrowType(n NativeType) (arrow.DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(n.Name))
	base := strings.ToUpper(baseName(name))

	switch base {
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean, nil
	case "DATE":
		return Date, nil
	case "DATETIME", "TIMESTAMP":
		return TimestampLocal, nil
	case "DECIMAL", "NUMERIC":
		if p, s, ok := parseDecimalSuffix(name); ok {
			return DecimalType(m.Backend(), NativeType{Name: n.Name, Precision: p, Scale: s})
		}
	}

	// Affinity rules, in SQLite's order of precedence.
	switch {
	case strings.Contains(base, "INT"):
		return arrow.PrimitiveTypes.Int64, nil
	case strings.Contains(base, "CHAR"), strings.Contains(base, "CLOB"), strings.Contains(base, "TEXT"):
		return arrow.BinaryTypes.String, nil
	case strings.Contains(base, "BLOB"):
		return arrow.BinaryTypes.Binary, nil
	case strings.Contains(base, "REAL"), strings.Contains(base, "FLOA"), strings.Contains(base, "DOUB"):
		return arrow.PrimitiveTypes.Float64, nil
	default:
		return nil, unsupported(m.Backend(), n)
	}
}
