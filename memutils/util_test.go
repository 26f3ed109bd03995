package memutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextMultipleOf(t *testing.T) {
	require.Equal(t, 13, NextMultipleOf(13, 0))
	require.Equal(t, 13, NextMultipleOf(13, 1))
	require.Equal(t, 14, NextMultipleOf(13, 7))
	require.Equal(t, 64, NextMultipleOf(13, 64))
	require.Equal(t, 64, NextMultipleOf(64, 64))
	require.Equal(t, 0, NextMultipleOf(0, 64))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 16, AlignUp(13, 16))
	require.Equal(t, 16, AlignUp(16, 16))
	require.Equal(t, 4096, AlignUp(1, 4096))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(64, "size"))
	require.ErrorIs(t, CheckPow2(48, "size"), PowerOfTwoError)
}
