package columnar

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type mongoMapper struct{}

// Mongo maps BSON type names, as reported by bson.Type.String() or inferred
// from sampled documents. Embedded documents and arrays surface as their
// extended JSON text.
var Mongo TypeMapper = mongoMapper{}

func (mongoMapper) Backend() string { return "mongodb" }

func (m mongoMapper) ArrowType(n NativeType) (arrow.DataType, error) {
	switch strings.ToLower(n.Name) {
	case "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "string", "objectid", "decimal128", "128-bit decimal", "embedded document", "array", "symbol", "javascript":
		return arrow.BinaryTypes.String, nil
	case "32-bit integer", "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "64-bit integer", "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "utc datetime", "datetime":
		return &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, unsupported(m.Backend(), n)
	}
}
