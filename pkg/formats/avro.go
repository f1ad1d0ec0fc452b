package formats

import (
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// avroReader decodes an object container file. Records are flat; nested
// records, arrays and maps are rejected when the schema is read.
type avroReader struct {
	ocf     *goavro.OCFReader
	schema  *arrow.Schema
	batcher *columnar.Batcher
}

func newAvroReader(r io.Reader, o Options) (*avroReader, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, err
	}
	schema, err := avroToArrow(ocf.Codec().Schema())
	if err != nil {
		return nil, err
	}
	return &avroReader{
		ocf:     ocf,
		schema:  schema,
		batcher: columnar.NewBatcher(o.allocator(), schema, o.batch()),
	}, nil
}

func (a *avroReader) Schema() *arrow.Schema { return a.schema }

func (a *avroReader) Next() (arrow.Record, error) {
	for !a.batcher.Full() && a.ocf.Scan() {
		datum, err := a.ocf.Read()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid avro datum")
		}
		m, ok := datum.(map[string]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeData, "avro datum is %T, not a record", datum)
		}
		row := make(columnar.Row, a.schema.NumFields())
		for i, f := range a.schema.Fields() {
			row[i] = unwrapUnion(m[f.Name])
		}
		if err := a.batcher.Append(row); err != nil {
			return nil, err
		}
	}
	if err := a.ocf.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid avro block")
	}
	if rec := a.batcher.Flush(); rec != nil {
		return rec, nil
	}
	return nil, io.EOF
}

func (a *avroReader) Close() error {
	a.batcher.Release()
	return nil
}

// unwrapUnion returns the branch value of a decoded union, which goavro
// presents as a single entry map keyed by the branch type.
func unwrapUnion(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok && len(m) == 1 {
		for _, inner := range m {
			return inner
		}
	}
	return v
}

type avroField struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

type avroType struct {
	Type        interface{} `json:"type"`
	LogicalType string      `json:"logicalType"`
	Precision   int32       `json:"precision"`
	Scale       int32       `json:"scale"`
	Symbols     []string    `json:"symbols"`
}

func avroToArrow(schemaJSON string) (*arrow.Schema, error) {
	var rec struct {
		Type   string      `json:"type"`
		Fields []avroField `json:"fields"`
	}
	if err := json.Unmarshal([]byte(schemaJSON), &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid avro schema")
	}
	if rec.Type != "record" {
		return nil, errors.Newf(errors.ErrorTypeUnsupportedType, "avro schema is a %s, not a record", rec.Type)
	}
	fields := make([]arrow.Field, len(rec.Fields))
	for i, f := range rec.Fields {
		t, nullable, err := avroFieldType(f.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType, "avro field "+f.Name)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: t, Nullable: nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// avroFieldType maps a field type. A union with null is a nullable field of
// the other branch; other unions are not supported.
func avroFieldType(raw json.RawMessage) (arrow.DataType, bool, error) {
	var union []json.RawMessage
	if json.Unmarshal(raw, &union) == nil {
		var branches []json.RawMessage
		nullable := false
		for _, b := range union {
			if string(b) == `"null"` {
				nullable = true
				continue
			}
			branches = append(branches, b)
		}
		if len(branches) != 1 {
			return nil, false, fmt.Errorf("union %s", raw)
		}
		t, _, err := avroFieldType(branches[0])
		return t, nullable, err
	}

	var name string
	if json.Unmarshal(raw, &name) == nil {
		t, err := primitiveAvroType(name, avroType{})
		return t, false, err
	}
	var complex avroType
	if err := json.Unmarshal(raw, &complex); err != nil {
		return nil, false, err
	}
	name, ok := complex.Type.(string)
	if !ok {
		return nil, false, fmt.Errorf("nested type %s", raw)
	}
	t, err := primitiveAvroType(name, complex)
	return t, false, err
}

func primitiveAvroType(name string, t avroType) (arrow.DataType, error) {
	switch t.LogicalType {
	case "decimal":
		return &arrow.Decimal128Type{Precision: t.Precision, Scale: t.Scale}, nil
	case "date":
		return columnar.Date, nil
	case "timestamp-millis", "timestamp-micros":
		return columnar.TimestampUTC, nil
	case "time-millis", "time-micros":
		return columnar.TimeOfDay, nil
	}
	switch name {
	case "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "int":
		return arrow.PrimitiveTypes.Int32, nil
	case "long":
		return arrow.PrimitiveTypes.Int64, nil
	case "float":
		return arrow.PrimitiveTypes.Float32, nil
	case "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "string", "enum":
		return arrow.BinaryTypes.String, nil
	case "bytes", "fixed":
		return arrow.BinaryTypes.Binary, nil
	}
	return nil, fmt.Errorf("type %s", name)
}

var avroName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// avroWriter writes an object container file with snappy blocks.
type avroWriter struct {
	ocf    *goavro.OCFWriter
	schema *arrow.Schema
	names  []string
}

func newAvroWriter(w io.Writer, schema *arrow.Schema) (*avroWriter, error) {
	fields := make([]map[string]interface{}, schema.NumFields())
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		if !avroName.MatchString(f.Name) {
			return nil, errors.Newf(errors.ErrorTypeUnsupportedType, "column name %q is not a valid avro name", f.Name)
		}
		t, name, err := arrowToAvro(f.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType, "column "+f.Name)
		}
		if f.Nullable {
			t = []interface{}{"null", t}
		}
		fields[i] = map[string]interface{}{"name": f.Name, "type": t}
		names[i] = name
	}
	doc, err := json.Marshal(map[string]interface{}{"type": "record", "name": "row", "fields": fields})
	if err != nil {
		return nil, err
	}
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Schema:          string(doc),
		CompressionName: goavro.CompressionSnappyLabel,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "avro writer")
	}
	return &avroWriter{ocf: ocf, schema: schema, names: names}, nil
}

// arrowToAvro returns the Avro type of t and its union branch name.
func arrowToAvro(t arrow.DataType) (interface{}, string, error) {
	switch dt := t.(type) {
	case *arrow.Decimal128Type:
		return map[string]interface{}{"type": "bytes", "logicalType": "decimal", "precision": dt.Precision, "scale": dt.Scale}, "bytes.decimal", nil
	case *arrow.Date32Type:
		return map[string]interface{}{"type": "int", "logicalType": "date"}, "int.date", nil
	case *arrow.TimestampType:
		return map[string]interface{}{"type": "long", "logicalType": "timestamp-micros"}, "long.timestamp-micros", nil
	case *arrow.Time64Type:
		return map[string]interface{}{"type": "long", "logicalType": "time-micros"}, "long.time-micros", nil
	}
	switch t.ID() {
	case arrow.BOOL:
		return "boolean", "boolean", nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
		return "int", "int", nil
	case arrow.INT64, arrow.UINT32:
		return "long", "long", nil
	case arrow.FLOAT32:
		return "float", "float", nil
	case arrow.FLOAT64:
		return "double", "double", nil
	case arrow.STRING, arrow.LARGE_STRING:
		return "string", "string", nil
	case arrow.BINARY, arrow.LARGE_BINARY:
		return "bytes", "bytes", nil
	}
	return nil, "", fmt.Errorf("no avro type for %s", t)
}

func (a *avroWriter) Write(rec arrow.Record) error {
	rows := columnar.RecordToRows(rec)
	data := make([]interface{}, len(rows))
	for r, row := range rows {
		m := make(map[string]interface{}, len(row))
		for i, v := range row {
			f := a.schema.Field(i)
			v = avroNative(v)
			if f.Nullable && v != nil {
				v = goavro.Union(a.names[i], v)
			}
			m[f.Name] = v
		}
		data[r] = m
	}
	if err := a.ocf.Append(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "avro encoding failed")
	}
	return nil
}

// avroNative converts column values to what the goavro codecs accept.
func avroNative(v interface{}) interface{} {
	switch x := v.(type) {
	case int8:
		return int32(x)
	case int16:
		return int32(x)
	case uint8:
		return int32(x)
	case uint16:
		return int32(x)
	case uint32:
		return int64(x)
	case columnar.Decimal:
		return x.Rat()
	case time.Time:
		return x.UTC()
	}
	return v
}

func (a *avroWriter) Close() error { return nil }
