package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustUpdate runs fn in a transaction and fails the test on error.
func mustUpdate(t *testing.T, s *Store, fn func(w Writer) error) {
	t.Helper()
	if err := s.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

// createTestSource stores data as a source for (caller, key).
func createTestSource(t *testing.T, s *Store, caller, key string, data []byte) ir.Source {
	t.Helper()
	src := ir.Source{
		ID:             ir.SourceID(caller, key),
		CallerID:       caller,
		IdempotencyKey: key,
		ContentHash:    ir.ContentHash(data),
		MimeType:       "application/json",
		Size:           int64(len(data)),
		CreatedAt:      testEpoch,
	}
	mustUpdate(t, s, func(w Writer) error {
		if err := w.PutBlob(context.Background(), src.ContentHash, data); err != nil {
			return err
		}
		_, err := w.InsertSource(context.Background(), src)
		return err
	})
	return src
}

// createTestObservation builds a structured observation with a derived id.
func createTestObservation(sourceID, entityID, field string, value ir.Value, at time.Time) ir.Observation {
	return ir.Observation{
		ID:               ir.MustObservationID(sourceID, "", entityID, field, value, 0),
		EntityID:         entityID,
		EntityType:       "contact",
		Field:            field,
		Value:            value,
		SourceID:         sourceID,
		Kind:             ir.KindStructured,
		SourcePriority:   100,
		SpecificityScore: 100,
		SchemaVersion:    1,
		ObservedAt:       at,
	}
}

func testEntityID(name string) string {
	return ir.MustEntityID("contact", ir.Object{"name": ir.String(name)})
}
