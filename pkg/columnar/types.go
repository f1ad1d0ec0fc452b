package columnar

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/decimal128"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// MaxDecimalPrecision is the widest decimal representable as Decimal128.
const MaxDecimalPrecision = 38

// NativeType describes a column type as reported by a backend.
type NativeType struct {
	// Name is the backend type name, case-insensitive (e.g. "numeric", "TIMESTAMP_TZ")
	Name string
	// Precision and Scale apply to decimal types; Length to sized strings
	Precision int32
	Scale     int32
	Length    int64
	// OID is set for PostgreSQL columns discovered from the wire protocol
	OID uint32
}

func (n NativeType) String() string {
	if n.Precision > 0 {
		return fmt.Sprintf("%s(%d,%d)", n.Name, n.Precision, n.Scale)
	}
	return n.Name
}

// TypeMapper maps a backend's native types onto Arrow types.
type TypeMapper interface {
	// Backend names the backend family, used in error messages
	Backend() string
	// ArrowType returns the Arrow type for a native type or an
	// unsupported_type error.
	ArrowType(NativeType) (arrow.DataType, error)
}

// Canonical Arrow types produced by the mappers.
var (
	TimestampUTC   arrow.DataType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	TimestampLocal arrow.DataType = &arrow.TimestampType{Unit: arrow.Microsecond}
	TimeOfDay      arrow.DataType = arrow.FixedWidthTypes.Time64us
	Date           arrow.DataType = arrow.FixedWidthTypes.Date32
)

// DecimalType returns Decimal128(p, s) or an unsupported_type error when the
// precision does not fit.
func DecimalType(backend string, n NativeType) (arrow.DataType, error) {
	if n.Precision <= 0 || n.Precision > MaxDecimalPrecision || n.Scale < 0 || n.Scale > n.Precision {
		return nil, unsupported(backend, n)
	}
	return &arrow.Decimal128Type{Precision: n.Precision, Scale: n.Scale}, nil
}

func unsupported(backend string, n NativeType) error {
	return errors.Newf(errors.ErrorTypeUnsupportedType, "%s type %s has no columnar mapping", backend, n).
		WithDetail("backend", backend).
		WithDetail("native_type", n.String())
}

// baseName lower-cases a type name and strips any "(...)" suffix.
func baseName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	return name
}

// parseDecimalSuffix extracts p and s from names such as "DECIMAL(12,2)".
func parseDecimalSuffix(name string) (int32, int32, bool) {
	open := strings.IndexByte(name, '(')
	end := strings.IndexByte(name, ')')
	if open < 0 || end < open {
		return 0, 0, false
	}
	var p, s int32
	args := strings.Split(name[open+1:end], ",")
	if _, err := fmt.Sscanf(strings.TrimSpace(args[0]), "%d", &p); err != nil {
		return 0, 0, false
	}
	if len(args) > 1 {
		if _, err := fmt.Sscanf(strings.TrimSpace(args[1]), "%d", &s); err != nil {
			return 0, 0, false
		}
	}
	return p, s, true
}

// Decimal is the Go representation of an Arrow decimal value.
type Decimal struct {
	Num       decimal128.Num
	Precision int32
	Scale     int32
}

// String renders the decimal with exactly Scale fractional digits.
func (d Decimal) String() string {
	return d.Num.ToString(d.Scale)
}

// Rat returns the exact rational value.
func (d Decimal) Rat() *big.Rat {
	r := new(big.Rat).SetInt(d.Num.BigInt())
	if d.Scale > 0 {
		den := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Scale)), nil)
		r.Quo(r, new(big.Rat).SetInt(den))
	}
	return r
}

// ParseDecimal parses s into a decimal with the given precision and scale.
func ParseDecimal(s string, precision, scale int32) (Decimal, error) {
	n, err := decimal128.FromString(strings.TrimSpace(s), precision, scale)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Num: n, Precision: precision, Scale: scale}, nil
}

// timeLayouts are the textual layouts accepted for temporal values.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time", s)
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04:05.999999999", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as a time of day: %w", s, err)
	}
	return sinceMidnight(t), nil
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// FormatClock renders a time of day as HH:MM:SS.ffffff.
func FormatClock(d time.Duration) string {
	return time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC).Add(d).Format("15:04:05.000000")
}
