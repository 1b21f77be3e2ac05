package models

// Record is one fetched row state for one upstream object, keyed by raw
// (unsanitized) field name. Values are decoded JSON shapes and must be
// passed through Normalize before use.
type Record map[string]interface{}
