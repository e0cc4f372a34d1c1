// Package ir provides the Json value model shared by every recoll package.
//
// This package contains value types and their algebra only. All other
// internal packages import ir; ir imports nothing internal. This keeps ir
// the foundational layer with no circular dependencies.
//
// Contents:
//   - Value: sealed Json variants (Null, Bool, Int, Float, String, Array, Object)
//   - Compare: the Json total order used for collection keys
//   - MarshalCanonical / Fingerprint: deterministic encoding and identity
//   - Codec: the export/import contract at the wire boundary
//   - Entry, Pair, CollectionUpdate, Watermark: collection data shapes
//   - Error: classified runtime errors (defect, validation, external)
package ir
