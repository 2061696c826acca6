// Package wire decodes server payloads defensively.
//
// The wire format is expected to drift: servers add fields, introduce enum
// values, and occasionally flip a numeric field to a string. Decoding
// follows three rules:
//
//   - Unknown object keys are preserved in an auxiliary Extra map rather
//     than discarded, so round-trip persistence loses nothing and later
//     code can reinterpret them.
//   - Unknown enum values decode to an explicit Unknown(raw) variant
//     instead of failing.
//   - Fields historically prone to type drift accept either numeric or
//     string representations.
//
// The one loud failure: a structurally incompatible envelope (missing
// required root fields) is a SCHEMA_INCOMPATIBLE terminal error, never
// silently defaulted - defaulting a broken payload risks corrupting
// materialized local state.
package wire
