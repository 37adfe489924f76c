package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialKeyGenerator_Sequence(t *testing.T) {
	gen := NewSequentialKeyGenerator("rel")

	assert.Equal(t, "rel-0001", gen.Generate())
	assert.Equal(t, "rel-0002", gen.Generate())
}

func TestSequentialKeyGenerator_DefaultPrefix(t *testing.T) {
	gen := NewSequentialKeyGenerator("")

	assert.Equal(t, "test-key-0001", gen.Generate())
}
