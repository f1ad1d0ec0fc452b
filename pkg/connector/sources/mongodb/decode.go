package mongodb

import (
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// decodeRow reads the schema's fields from doc by name. Missing fields are
// null.
func decodeRow(doc bson.Raw, schema *arrow.Schema) (columnar.Row, error) {
	row := make(columnar.Row, schema.NumFields())
	for i, f := range schema.Fields() {
		v, err := fromBSON(doc.Lookup(f.Name))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "field "+f.Name)
		}
		row[i] = v
	}
	return row, nil
}

// fromBSON converts a raw value into the Go value the column builders
// accept. Types without a scalar counterpart become extended JSON text.
func fromBSON(rv bson.RawValue) (interface{}, error) {
	switch rv.Type {
	case 0, bson.TypeNull, bson.TypeUndefined:
		return nil, nil
	case bson.TypeDouble:
		return rv.Double(), nil
	case bson.TypeString:
		return rv.StringValue(), nil
	case bson.TypeInt32:
		return rv.Int32(), nil
	case bson.TypeInt64:
		return rv.Int64(), nil
	case bson.TypeBoolean:
		return rv.Boolean(), nil
	case bson.TypeDateTime:
		return time.UnixMilli(rv.DateTime()).UTC(), nil
	case bson.TypeTimestamp:
		sec, _ := rv.Timestamp()
		return time.Unix(int64(sec), 0).UTC(), nil
	case bson.TypeObjectID:
		return rv.ObjectID().Hex(), nil
	case bson.TypeDecimal128:
		return rv.Decimal128().String(), nil
	case bson.TypeBinary:
		_, data := rv.Binary()
		return data, nil
	case bson.TypeSymbol:
		return rv.Symbol(), nil
	case bson.TypeJavaScript:
		return rv.JavaScript(), nil
	}
	return extJSON(rv)
}

func extJSON(rv bson.RawValue) (string, error) {
	out, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: rv}}, false, false)
	if err != nil {
		return "", err
	}
	s := strings.TrimPrefix(string(out), `{"v":`)
	return strings.TrimSuffix(s, "}"), nil
}

// toBSON converts a column value for insertion. Object id columns take
// their hex form back.
func toBSON(v interface{}, native bsontype.Type) interface{} {
	switch x := v.(type) {
	case columnar.Decimal:
		if d, err := primitive.ParseDecimal128(x.String()); err == nil {
			return d
		}
		return x.String()
	case time.Duration:
		return columnar.FormatClock(x)
	case time.Time:
		return primitive.NewDateTimeFromTime(x)
	case string:
		if native == bson.TypeObjectID {
			if id, err := primitive.ObjectIDFromHex(x); err == nil {
				return id
			}
		}
	}
	return v
}

// sampler infers a schema from documents. Fields keep the order in which
// they are first seen.
type sampler struct {
	docs   int
	order  []string
	fields map[string]*sampled
}

type sampled struct {
	typ   bsontype.Type
	nulls bool
	seen  int
}

func newSampler() *sampler {
	return &sampler{fields: make(map[string]*sampled)}
}

func (s *sampler) add(doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocolViolation, "malformed document")
	}
	s.docs++
	for _, el := range elems {
		name, t := el.Key(), el.Value().Type
		f, ok := s.fields[name]
		if !ok {
			f = &sampled{}
			s.fields[name] = f
			s.order = append(s.order, name)
		}
		f.seen++
		if t == bson.TypeNull || t == bson.TypeUndefined {
			f.nulls = true
			continue
		}
		if f.typ == 0 {
			f.typ = t
			continue
		}
		w, ok := widen(f.typ, t)
		if !ok {
			return errors.Newf(errors.ErrorTypeUnsupportedType, "field %s mixes %s and %s values", name, f.typ, t)
		}
		f.typ = w
	}
	return nil
}

// widen returns the type that holds both a and b. Integers widen to int64
// and mixed numbers to double.
func widen(a, b bsontype.Type) (bsontype.Type, bool) {
	if a == b {
		return a, true
	}
	num := func(t bsontype.Type) bool {
		return t == bson.TypeInt32 || t == bson.TypeInt64 || t == bson.TypeDouble
	}
	switch {
	case !num(a) || !num(b):
		return 0, false
	case a == bson.TypeDouble || b == bson.TypeDouble:
		return bson.TypeDouble, true
	default:
		return bson.TypeInt64, true
	}
}

// schema maps the sampled fields. A field absent from some documents is
// nullable; _id never is. Fields seen only as null are strings.
func (s *sampler) schema() (*arrow.Schema, map[string]bsontype.Type, error) {
	if s.docs == 0 {
		return nil, nil, errors.New(errors.ErrorTypeSchemaUnavailable, "collection is empty; declare a schema option")
	}
	fields := make([]arrow.Field, 0, len(s.order))
	native := make(map[string]bsontype.Type, len(s.order))
	for _, name := range s.order {
		f := s.fields[name]
		typ := f.typ
		if typ == 0 {
			typ = bson.TypeString
		}
		at, err := columnar.Mongo.ArrowType(columnar.NativeType{Name: typ.String()})
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType, "field "+name)
		}
		native[name] = typ
		fields = append(fields, arrow.Field{
			Name:     name,
			Type:     at,
			Nullable: name != "_id" && (f.nulls || f.seen < s.docs),
		})
	}
	return arrow.NewSchema(fields, nil), native, nil
}
