// Package ir provides the canonical value model and record types for the
// truth layer.
//
// All other internal packages import ir; ir imports nothing internal. This
// keeps the value model, content addressing and record shapes in one
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - No binary floats anywhere; non-integer numbers are canonical Decimal text
//   - Every id derived from content uses a domain-separated SHA-256
//   - All JSON tags use snake_case
//   - Timestamps are UTC and serialized with a fixed-width layout
package ir
