package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("classified errors keep their kind", func(t *testing.T) {
		assert.Equal(t, Validation, KindOf(New(Validation, "bad input")))
		assert.Equal(t, Attestation, KindOf(New(Attestation, "spoofed")))
		assert.Equal(t, Transient, KindOf(New(Transient, "timeout")))
		assert.Equal(t, Permanent, KindOf(New(Permanent, "reverted")))
	})

	t.Run("unclassified errors are internal", func(t *testing.T) {
		assert.Equal(t, Internal, KindOf(errors.New("who knows")))
	})

	t.Run("kind survives wrapping", func(t *testing.T) {
		inner := New(Transient, "rpc timeout")
		wrapped := fmt.Errorf("submit failed: %w", inner)
		assert.Equal(t, Transient, KindOf(wrapped))
		assert.True(t, IsTransient(wrapped))
	})
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Transient, "provider unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "provider unreachable")
	assert.Contains(t, err.Error(), "connection refused")
}
