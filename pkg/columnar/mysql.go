package columnar

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type mysqlMapper struct{}

// MySQL maps go-sql-driver/mysql DatabaseTypeName values.
var MySQL TypeMapper = mysqlMapper{}

func (mysqlMapper) Backend() string { return "mysql" }

func (m mysqlMapper) ArrowType(n NativeType) (arrow.DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(n.Name))
	unsigned := strings.HasPrefix(name, "UNSIGNED ")
	name = strings.TrimPrefix(name, "UNSIGNED ")

	switch name {
	case "TINYINT":
		if unsigned {
			return arrow.PrimitiveTypes.Uint8, nil
		}
		return arrow.PrimitiveTypes.Int8, nil
	case "SMALLINT", "YEAR":
		if unsigned {
			return arrow.PrimitiveTypes.Uint16, nil
		}
		return arrow.PrimitiveTypes.Int16, nil
	case "MEDIUMINT", "INT":
		if unsigned {
			return arrow.PrimitiveTypes.Uint32, nil
		}
		return arrow.PrimitiveTypes.Int32, nil
	case "BIGINT":
		if unsigned {
			return arrow.PrimitiveTypes.Uint64, nil
		}
		return arrow.PrimitiveTypes.Int64, nil
	case "FLOAT":
		return arrow.PrimitiveTypes.Float32, nil
	case "DOUBLE":
		return arrow.PrimitiveTypes.Float64, nil
	case "DECIMAL":
		return DecimalType(m.Backend(), n)
	case "CHAR", "VARCHAR", "TEXT", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "ENUM", "SET", "JSON", "TIME":
		return arrow.BinaryTypes.String, nil
	case "BINARY", "VARBINARY", "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BIT":
		return arrow.BinaryTypes.Binary, nil
	case "DATE":
		return Date, nil
	case "DATETIME":
		return TimestampLocal, nil
	case "TIMESTAMP":
		return TimestampUTC, nil
	default:
		return nil, unsupported(m.Backend(), n)
	}
}
