package columnar

import (
	"database/sql/driver"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// AppendValue appends a native Go value to an Arrow builder. nil appends a
// null. Values are coerced only when the conversion is exact; anything else
// is a data error.
func AppendValue(builder array.Builder, value interface{}) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}
	if _, isTime := value.(time.Time); !isTime {
		if v, ok := value.(driver.Valuer); ok {
			dv, err := v.Value()
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "failed to read driver value")
			}
			return AppendValue(builder, dv)
		}
	}

	var err error
	switch b := builder.(type) {
	case *array.NullBuilder:
		b.AppendNull()
	case *array.BooleanBuilder:
		var v bool
		if v, err = toBool(value); err == nil {
			b.Append(v)
		}
	case *array.Int8Builder:
		var v int64
		if v, err = toInt(value, math.MinInt8, math.MaxInt8); err == nil {
			b.Append(int8(v))
		}
	case *array.Int16Builder:
		var v int64
		if v, err = toInt(value, math.MinInt16, math.MaxInt16); err == nil {
			b.Append(int16(v))
		}
	case *array.Int32Builder:
		var v int64
		if v, err = toInt(value, math.MinInt32, math.MaxInt32); err == nil {
			b.Append(int32(v))
		}
	case *array.Int64Builder:
		var v int64
		if v, err = toInt(value, math.MinInt64, math.MaxInt64); err == nil {
			b.Append(v)
		}
	case *array.Uint8Builder:
		var v uint64
		if v, err = toUint(value, math.MaxUint8); err == nil {
			b.Append(uint8(v))
		}
	case *array.Uint16Builder:
		var v uint64
		if v, err = toUint(value, math.MaxUint16); err == nil {
			b.Append(uint16(v))
		}
	case *array.Uint32Builder:
		var v uint64
		if v, err = toUint(value, math.MaxUint32); err == nil {
			b.Append(uint32(v))
		}
	case *array.Uint64Builder:
		var v uint64
		if v, err = toUint(value, math.MaxUint64); err == nil {
			b.Append(v)
		}
	case *array.Float32Builder:
		var v float64
		if v, err = toFloat(value); err == nil {
			b.Append(float32(v))
		}
	case *array.Float64Builder:
		var v float64
		if v, err = toFloat(value); err == nil {
			b.Append(v)
		}
	case *array.StringBuilder:
		var v string
		if v, err = toString(value); err == nil {
			b.Append(v)
		}
	case *array.LargeStringBuilder:
		var v string
		if v, err = toString(value); err == nil {
			b.Append(v)
		}
	case *array.BinaryBuilder:
		var v []byte
		if v, err = toBytes(value); err == nil {
			b.Append(v)
		}
	case *array.Date32Builder:
		var t time.Time
		if t, err = toTime(value); err == nil {
			b.Append(arrow.Date32FromTime(t))
		}
	case *array.Date64Builder:
		var t time.Time
		if t, err = toTime(value); err == nil {
			b.Append(arrow.Date64FromTime(t))
		}
	case *array.TimestampBuilder:
		err = appendTimestamp(b, value)
	case *array.Time64Builder:
		var d time.Duration
		if d, err = toClock(value); err == nil {
			unit := b.Type().(*arrow.Time64Type).Unit
			b.Append(arrow.Time64(d / unit.Multiplier()))
		}
	case *array.Decimal128Builder:
		dt := b.Type().(*arrow.Decimal128Type)
		var n decimal128.Num
		if n, err = toDecimal(value, dt.Precision, dt.Scale); err == nil {
			b.Append(n)
		}
	default:
		return errors.Newf(errors.ErrorTypeData, "unsupported builder type %T", builder)
	}

	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData,
			fmt.Sprintf("cannot convert %T to %s", value, builder.Type()))
	}
	return nil
}

func appendTimestamp(b *array.TimestampBuilder, value interface{}) error {
	unit := b.Type().(*arrow.TimestampType).Unit
	if v, ok := value.(int64); ok {
		b.Append(arrow.Timestamp(v))
		return nil
	}
	t, err := toTime(value)
	if err != nil {
		return err
	}
	ts, err := arrow.TimestampFromTime(t, unit)
	if err != nil {
		return err
	}
	b.Append(ts)
	return nil
}

// Value returns the Go value at index i, or nil for a null slot.
//
// The mapping is: integers and floats keep their width, strings are string,
// binaries []byte, dates and timestamps time.Time, time of day
// time.Duration, and decimals Decimal.
func Value(arr arrow.Array, i int) interface{} {
	if arr.IsNull(i) {
		return nil
	}

	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return a.Value(i)
	case *array.Int16:
		return a.Value(i)
	case *array.Int32:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return a.Value(i)
	case *array.Uint16:
		return a.Value(i)
	case *array.Uint32:
		return a.Value(i)
	case *array.Uint64:
		return a.Value(i)
	case *array.Float32:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		v := a.Value(i)
		out := make([]byte, len(v))
		copy(out, v)
		return out
	case *array.Date32:
		return a.Value(i).ToTime()
	case *array.Date64:
		return a.Value(i).ToTime()
	case *array.Timestamp:
		dt := a.DataType().(*arrow.TimestampType)
		t := a.Value(i).ToTime(dt.Unit)
		if dt.TimeZone != "" {
			if loc, err := time.LoadLocation(dt.TimeZone); err == nil {
				t = t.In(loc)
			}
		}
		return t
	case *array.Time64:
		unit := a.DataType().(*arrow.Time64Type).Unit
		return time.Duration(a.Value(i)) * unit.Multiplier()
	case *array.Decimal128:
		dt := a.DataType().(*arrow.Decimal128Type)
		return Decimal{Num: a.Value(i), Precision: dt.Precision, Scale: dt.Scale}
	default:
		return a.ValueStr(i)
	}
}

// NativeValue returns the value at index i in the form database drivers
// accept for parameter binding: decimals become their exact string and
// times of day become HH:MM:SS.ffffff.
func NativeValue(arr arrow.Array, i int) interface{} {
	v := Value(arr, i)
	switch x := v.(type) {
	case Decimal:
		return x.String()
	case time.Duration:
		return FormatClock(x)
	default:
		return v
	}
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	case []byte:
		return strconv.ParseBool(string(v))
	}
	n, err := toInt(value, 0, 1)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func toInt(value interface{}, min, max int64) (int64, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		n = int64(v)
	case float32:
		return toInt(float64(v), min, max)
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v > math.MaxInt64 {
			return 0, fmt.Errorf("value %v is not an exact integer", v)
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	case []byte:
		return toInt(string(v), min, max)
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
	}
	return n, nil
}

func toUint(value interface{}, max uint64) (uint64, error) {
	var n uint64
	switch v := value.(type) {
	case uint:
		n = uint64(v)
	case uint8:
		n = uint64(v)
	case uint16:
		n = uint64(v)
	case uint32:
		n = uint64(v)
	case uint64:
		n = v
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	case []byte:
		return toUint(string(v), max)
	default:
		i, err := toInt(value, 0, math.MaxInt64)
		if err != nil {
			return 0, err
		}
		n = uint64(i)
	}
	if n > max {
		return 0, fmt.Errorf("value %d out of range [0, %d]", n, max)
	}
	return n, nil
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
	case Decimal:
		f, _ := v.Rat().Float64()
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func toString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case Decimal:
		return v.String(), nil
	case *big.Rat:
		return v.RatString(), nil
	case map[string]interface{}, []interface{}:
		out, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unexpected type %T", value)
	}
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case [16]byte:
		return v[:], nil
	default:
		return nil, fmt.Errorf("unexpected type %T", value)
	}
}

func toTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", value)
	}
}

func toClock(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case time.Time:
		return sinceMidnight(v), nil
	case string:
		return parseClock(v)
	case []byte:
		return parseClock(string(v))
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func toDecimal(value interface{}, precision, scale int32) (decimal128.Num, error) {
	switch v := value.(type) {
	case Decimal:
		if v.Scale == scale {
			return v.Num, nil
		}
		return decimal128.FromString(v.String(), precision, scale)
	case string:
		return decimal128.FromString(strings.TrimSpace(v), precision, scale)
	case []byte:
		return decimal128.FromString(strings.TrimSpace(string(v)), precision, scale)
	case *big.Rat:
		return decimal128.FromString(v.FloatString(int(scale)), precision, scale)
	case float32:
		return decimal128.FromFloat64(float64(v), precision, scale)
	case float64:
		return decimal128.FromFloat64(v, precision, scale)
	case fmt.Stringer:
		return decimal128.FromString(v.String(), precision, scale)
	}
	n, err := toInt(value, math.MinInt64, math.MaxInt64)
	if err != nil {
		return decimal128.Num{}, err
	}
	return decimal128.FromString(strconv.FormatInt(n, 10), precision, scale)
}
