// Package connector groups the pieces that adapt backends to the engine.
//
//   - core: the Connector contract, descriptors, capabilities and scan
//     requests. Every connector reports its schema once, accepts a
//     ScanRequest holding the operators pushed down to it and returns a
//     RecordStream of batches in that schema.
//
//   - base: BaseConnector, embedded by every connector. It caches the
//     discovered schema, validates scan requests against the capability
//     set, leases pooled connections and adapts result sets to streams.
//
//   - registry: kind to factory mapping. Connector packages register
//     themselves in init, so binaries select them with blank imports.
//
//   - sqlbuilder: renders scan requests as SQL for the relational
//     connectors, per dialect.
//
//   - sources: the connector implementations.
//
// A connector advertises what it can evaluate natively; a descriptor may
// narrow that set but never widen it. Operators outside the effective set
// are evaluated by the engine.
package connector
