package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelIdentity(t *testing.T) {
	wrapped := Wrap(ErrNotFound, "reading state summaries/2026-01-15.txt")
	assert.True(t, Is(wrapped, ErrNotFound))
	assert.False(t, Is(wrapped, ErrStoreIO))
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(NewNotFoundf("entity %s has no state for stage %s", "2026-01-15", "summary")))
	assert.False(t, IsNotFound(New("some other error")))
}

func TestIsStoreIO(t *testing.T) {
	base := New("permission denied")
	wrapped := WrapStoreIO(base, "writing manifest")
	assert.True(t, IsStoreIO(wrapped))
	assert.False(t, IsStoreIO(base))
}

func TestWrapPreservesDetails(t *testing.T) {
	err := New("node execution failed")
	err = WithDetail(err, "Stage: summary")
	err = WithDetail(err, "Entity: 2026-01-15")
	err = Wrap(err, "execute stage")

	details := GetAllDetails(err)
	require.Len(t, details, 2)
	assert.Contains(t, details, "Stage: summary")
}
