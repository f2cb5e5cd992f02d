// Package guidedflow defines the data model for guided flows: directed
// graphs of typed steps that walk a customer or support agent through a
// process step by step.
//
// The package is pure data and logic: visibility filtering, step
// satisfaction, index resolution, and structural validation. Traversal
// state lives in the engine subpackage; persistence and transport live in
// server, bus, and sse.
package guidedflow
