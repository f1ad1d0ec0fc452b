package columnar

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// PostgreSQL type OIDs understood by the mapper.
const (
	OIDBool        uint32 = 16
	OIDBytea       uint32 = 17
	OIDChar        uint32 = 18
	OIDName        uint32 = 19
	OIDInt8        uint32 = 20
	OIDInt2        uint32 = 21
	OIDInt4        uint32 = 23
	OIDText        uint32 = 25
	OIDOID         uint32 = 26
	OIDJSON        uint32 = 114
	OIDCidr        uint32 = 650
	OIDFloat4      uint32 = 700
	OIDFloat8      uint32 = 701
	OIDInet        uint32 = 869
	OIDBPChar      uint32 = 1042
	OIDVarchar     uint32 = 1043
	OIDDate        uint32 = 1082
	OIDTime        uint32 = 1083
	OIDTimestamp   uint32 = 1114
	OIDTimestamptz uint32 = 1184
	OIDNumeric     uint32 = 1700
	OIDUUID        uint32 = 2950
	OIDJSONB       uint32 = 3802
)

type postgresMapper struct{}

// Postgres maps PostgreSQL types, by OID when known and by
// information_schema data_type name otherwise.
var Postgres TypeMapper = postgresMapper{}

func (postgresMapper) Backend() string { return "postgres" }

var postgresOIDNames = map[uint32]string{
	OIDBool:        "boolean",
	OIDBytea:       "bytea",
	OIDChar:        "char",
	OIDName:        "name",
	OIDInt8:        "bigint",
	OIDInt2:        "smallint",
	OIDInt4:        "integer",
	OIDText:        "text",
	OIDOID:         "oid",
	OIDJSON:        "json",
	OIDCidr:        "cidr",
	OIDFloat4:      "real",
	OIDFloat8:      "double precision",
	OIDInet:        "inet",
	OIDBPChar:      "character",
	OIDVarchar:     "character varying",
	OIDDate:        "date",
	OIDTime:        "time without time zone",
	OIDTimestamp:   "timestamp without time zone",
	OIDTimestamptz: "timestamp with time zone",
	OIDNumeric:     "numeric",
	OIDUUID:        "uuid",
	OIDJSONB:       "jsonb",
}

// PostgresNumericModifier decodes precision and scale from a numeric type
// modifier as reported in a row description. ok is false for an
// unconstrained numeric.
func PostgresNumericModifier(typmod int32) (precision, scale int32, ok bool) {
	if typmod < 4 {
		return 0, 0, false
	}
	mod := typmod - 4
	return (mod >> 16) & 0xffff, mod & 0xffff, true
}

func (m postgresMapper) ArrowType(n NativeType) (arrow.DataType, error) {
	name := baseName(n.Name)
	if n.OID != 0 {
		known, ok := postgresOIDNames[n.OID]
		if !ok {
			return nil, unsupported(m.Backend(), n)
		}
		name = known
	}

	switch name {
	case "smallint", "int2":
		return arrow.PrimitiveTypes.Int16, nil
	case "integer", "int", "int4":
		return arrow.PrimitiveTypes.Int32, nil
	case "bigint", "int8", "oid":
		return arrow.PrimitiveTypes.Int64, nil
	case "real", "float4":
		return arrow.PrimitiveTypes.Float32, nil
	case "double precision", "float8":
		return arrow.PrimitiveTypes.Float64, nil
	case "numeric", "decimal":
		if n.Precision == 0 {
			// Unconstrained numeric has no fixed scale; keep it lossless as text.
			return arrow.BinaryTypes.String, nil
		}
		return DecimalType(m.Backend(), n)
	case "boolean", "bool":
		return arrow.FixedWidthTypes.Boolean, nil
	case "text", "character varying", "varchar", "character", "char", "bpchar",
		"name", "uuid", "citext", "inet", "cidr", "json", "jsonb":
		return arrow.BinaryTypes.String, nil
	case "bytea":
		return arrow.BinaryTypes.Binary, nil
	case "date":
		return Date, nil
	case "time", "time without time zone":
		return TimeOfDay, nil
	case "timestamp", "timestamp without time zone":
		return TimestampLocal, nil
	case "timestamptz", "timestamp with time zone":
		return TimestampUTC, nil
	default:
		return nil, unsupported(m.Backend(), n)
	}
}
