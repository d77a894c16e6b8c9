package postproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowOwnership(t *testing.T) {
	o := NewRowOwnership(5)
	assert.Error(t, o.Complete())
	assert.Equal(t, unowned, o.owner[0])

	require.NoError(t, o.Claim(0, []int{0, 2}))
	require.NoError(t, o.Claim(1, []int{1, 3, 4}))
	require.NoError(t, o.Complete())
	assert.Equal(t, []int{0, 1, 0, 1, 1}, o.owner)

	// Re-claiming your own rows is fine.
	assert.NoError(t, o.Claim(1, []int{3}))
}

func TestRowOwnership_Overlap(t *testing.T) {
	o := NewRowOwnership(3)
	require.NoError(t, o.Claim(0, []int{0, 1}))

	err := o.Claim(1, []int{2, 1})
	assert.ErrorIs(t, err, ErrOverlappingRows)
	// A failed claim leaves no partial effect.
	assert.Equal(t, unowned, o.owner[2])

	assert.Error(t, o.Claim(2, []int{3}))
	assert.Error(t, o.Claim(2, []int{-1}))
}
