package hbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var formatPlaneCountTestCases = map[string]struct {
	Format Format

	PlaneCount int
	ExpectErr  bool
}{
	"TestSinglePlane": {
		Format:     FormatR8,
		PlaneCount: 1,
	},
	"TestPacked422": {
		Format:     FormatYUYV,
		PlaneCount: 1,
	},
	"TestTwoPlane": {
		Format:     FormatNV12,
		PlaneCount: 2,
	},
	"TestThreePlane": {
		Format:     FormatYUV420,
		PlaneCount: 3,
	},
	"TestUnknownFormat": {
		Format:    Format('Z' | 'Z'<<8 | 'Z'<<16 | 'Z'<<24),
		ExpectErr: true,
	},
}

func TestFormatPlaneCount(t *testing.T) {
	for testName, testCase := range formatPlaneCountTestCases {
		t.Run(testName, func(t *testing.T) {
			count, err := FormatPlaneCount(testCase.Format)
			if testCase.ExpectErr {
				require.ErrorIs(t, err, ErrUnsupported)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testCase.PlaneCount, count)
		})
	}
}

func TestFormatBlockGeometry(t *testing.T) {
	size, err := FormatBlockSize(FormatNV12, 1)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	width, height, err := FormatBlockExtent(FormatNV12, 1)
	require.NoError(t, err)
	require.Equal(t, 2, width)
	require.Equal(t, 2, height)

	_, err = FormatBlockSize(FormatNV12, 2)
	require.ErrorIs(t, err, ErrInvalidLayout)

	size, err = FormatBlockSize(FormatYUYV, 0)
	require.NoError(t, err)
	require.Equal(t, 4, size)

	width, height, err = FormatBlockExtent(FormatYUYV, 0)
	require.NoError(t, err)
	require.Equal(t, 2, width)
	require.Equal(t, 1, height)
}

func TestFormatString(t *testing.T) {
	require.Equal(t, "NV12", FormatNV12.String())
	require.Equal(t, "R8", FormatR8.String())
	require.Equal(t, "'ZZZZ'", Format('Z'|'Z'<<8|'Z'<<16|'Z'<<24).String())
	require.Equal(t, "0x0", FormatInvalid.String())
}

var packedLayoutTestCases = map[string]struct {
	Format     Format
	Width      int
	Height     int
	Constraint *Constraint

	Layout Layout
}{
	"TestR8Tight": {
		Format: FormatR8,
		Width:  13,
		Height: 31,
		Layout: Layout{
			Size:       403,
			Modifier:   ModifierLinear,
			PlaneCount: 1,
			Strides:    [MaxPlanes]int{13},
		},
	},
	"TestR8Aligned": {
		Format: FormatR8,
		Width:  13,
		Height: 31,
		Constraint: &Constraint{
			OffsetAlign: 64,
			StrideAlign: 16,
			SizeAlign:   64,
		},
		Layout: Layout{
			Size:       512,
			Modifier:   ModifierLinear,
			PlaneCount: 1,
			Strides:    [MaxPlanes]int{16},
		},
	},
	"TestNV12Tight": {
		Format: FormatNV12,
		Width:  4,
		Height: 4,
		Layout: Layout{
			Size:       24,
			Modifier:   ModifierLinear,
			PlaneCount: 2,
			Offsets:    [MaxPlanes]int{0, 16},
			Strides:    [MaxPlanes]int{4, 4},
		},
	},
	"TestYUV420Tight": {
		Format: FormatYUV420,
		Width:  4,
		Height: 4,
		Layout: Layout{
			Size:       24,
			Modifier:   ModifierLinear,
			PlaneCount: 3,
			Offsets:    [MaxPlanes]int{0, 16, 20},
			Strides:    [MaxPlanes]int{4, 2, 2},
		},
	},
	"TestOddExtentRoundsBlocks": {
		Format: FormatNV12,
		Width:  5,
		Height: 5,
		Layout: Layout{
			// Chroma covers ceil(5/2) blocks in each direction.
			Size:       43,
			Modifier:   ModifierLinear,
			PlaneCount: 2,
			Offsets:    [MaxPlanes]int{0, 25},
			Strides:    [MaxPlanes]int{5, 6},
		},
	},
}

func TestPackedLayout(t *testing.T) {
	for testName, testCase := range packedLayoutTestCases {
		t.Run(testName, func(t *testing.T) {
			layout, err := packedLayout(testCase.Format, testCase.Width, testCase.Height, testCase.Constraint)
			require.NoError(t, err)
			require.Equal(t, testCase.Layout, layout)
			require.NoError(t, layout.Validate())
		})
	}
}
