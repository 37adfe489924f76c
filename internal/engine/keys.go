package engine

import "github.com/google/uuid"

// AutoKeyPrefix marks idempotency keys the engine generated itself.
const AutoKeyPrefix = "auto:"

// KeyGenerator produces idempotency keys for requests that arrive without
// one (relationship operations only).
// Tests use testutil.SequentialKeyGenerator.
type KeyGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable keys of the form "auto:<uuidv7>".
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new key.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return AutoKeyPrefix + uuid.Must(uuid.NewV7()).String()
}
