// Package columnar is the type conversion toolkit between backend-native
// values and Apache Arrow.
//
// # Overview
//
// The package provides:
//   - Per-backend type mapping tables (TypeMapper) from native column types
//     to Arrow types, total over each backend's supported set
//   - Value conversion into Arrow builders (AppendValue) and back out of Arrow
//     arrays (Value, NativeValue)
//   - Row set conversion (RowsToRecord, RecordToRows) and a Batcher that
//     slices native rows into fixed-size record batches
//
// # Type Mapping
//
// Mappings are resolved at schema discovery time. An unmapped native type is
// reported as an unsupported_type error there, never while converting a batch:
//
//	typ, err := columnar.Postgres.ArrowType(columnar.NativeType{Name: "numeric", Precision: 12, Scale: 2})
//	// typ == &arrow.Decimal128Type{Precision: 12, Scale: 2}
//
// Decimal scale is preserved exactly. Timestamps carrying a time zone map to
// Arrow timestamps tagged "UTC"; timestamps without one stay untagged.
package columnar
