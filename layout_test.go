package hbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var layoutValidateTestCases = map[string]struct {
	Layout Layout

	ExpectErr bool
}{
	"TestValidSinglePlane": {
		Layout: Layout{
			Size:       4096,
			Modifier:   ModifierLinear,
			PlaneCount: 1,
			Strides:    [MaxPlanes]int{64},
		},
	},
	"TestValidMultiPlane": {
		Layout: Layout{
			Size:       24,
			Modifier:   ModifierLinear,
			PlaneCount: 2,
			Offsets:    [MaxPlanes]int{0, 16},
			Strides:    [MaxPlanes]int{4, 4},
		},
	},
	"TestZeroSize": {
		Layout: Layout{
			PlaneCount: 1,
			Strides:    [MaxPlanes]int{64},
		},
		ExpectErr: true,
	},
	"TestZeroPlanes": {
		Layout: Layout{
			Size:    4096,
			Strides: [MaxPlanes]int{64},
		},
		ExpectErr: true,
	},
	"TestTooManyPlanes": {
		Layout: Layout{
			Size:       4096,
			PlaneCount: 5,
		},
		ExpectErr: true,
	},
	"TestOffsetPastEnd": {
		Layout: Layout{
			Size:       64,
			PlaneCount: 2,
			Offsets:    [MaxPlanes]int{0, 64},
			Strides:    [MaxPlanes]int{8, 8},
		},
		ExpectErr: true,
	},
	"TestZeroStride": {
		Layout: Layout{
			Size:       4096,
			PlaneCount: 1,
		},
		ExpectErr: true,
	},
}

func TestLayoutValidate(t *testing.T) {
	for testName, testCase := range layoutValidateTestCases {
		t.Run(testName, func(t *testing.T) {
			err := testCase.Layout.Validate()
			if testCase.ExpectErr {
				require.ErrorIs(t, err, ErrInvalidLayout)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLayoutFits(t *testing.T) {
	layout := Layout{
		Size:       8192,
		Modifier:   ModifierLinear,
		PlaneCount: 2,
		Offsets:    [MaxPlanes]int{0, 4096},
		Strides:    [MaxPlanes]int{256, 128},
	}

	require.True(t, layout.Fits(nil))
	require.True(t, layout.Fits(&Constraint{OffsetAlign: 4096, StrideAlign: 128, SizeAlign: 64}))
	require.False(t, layout.Fits(&Constraint{OffsetAlign: 8192}))
	require.False(t, layout.Fits(&Constraint{StrideAlign: 256}))
	require.False(t, layout.Fits(&Constraint{SizeAlign: 8192}))
}

func TestConstraintMerge(t *testing.T) {
	con := &Constraint{OffsetAlign: 4, StrideAlign: 16}
	con.merge(&Constraint{OffsetAlign: 64, SizeAlign: 4096, Modifiers: []Modifier{ModifierLinear}})

	require.Equal(t, 64, con.OffsetAlign)
	require.Equal(t, 16, con.StrideAlign)
	require.Equal(t, 4096, con.SizeAlign)
	require.Equal(t, []Modifier{ModifierLinear}, con.Modifiers)

	con.merge(nil)
	require.Equal(t, 64, con.OffsetAlign)

	require.Panics(t, func() {
		incompatible := &Constraint{OffsetAlign: 6}
		incompatible.merge(&Constraint{OffsetAlign: 8})
	})
	require.Panics(t, func() {
		restricted := &Constraint{Modifiers: []Modifier{ModifierLinear}}
		restricted.merge(&Constraint{Modifiers: []Modifier{ModifierLinear}})
	})
}

func TestResolveLayoutBuffer(t *testing.T) {
	class := NewClass(Description{Flags: FlagMap, Format: FormatInvalid, Modifier: ModifierInvalid})

	layout, err := ResolveLayout(class, BufferExtent{Size: 13}, &Constraint{SizeAlign: 64})
	require.NoError(t, err)
	require.Equal(t, 64, layout.Size)
	require.Equal(t, ModifierInvalid, layout.Modifier)
	require.Equal(t, 1, layout.PlaneCount)
	require.Equal(t, 64, layout.Strides[0])
}

func TestResolveLayoutRequiresLinear(t *testing.T) {
	class := NewClass(Description{Flags: FlagMap, Format: FormatR8, Modifier: ModifierInvalid})
	class.Modifiers = []Modifier{Modifier(0xffee)}

	_, err := ResolveLayout(class, ImageExtent{Width: 4, Height: 4}, nil)
	require.ErrorIs(t, err, ErrConstraintUnsatisfiable)

	class.Modifiers = []Modifier{ModifierLinear}
	layout, err := ResolveLayout(class, ImageExtent{Width: 4, Height: 4}, nil)
	require.NoError(t, err)
	require.Equal(t, ModifierLinear, layout.Modifier)

	// A constraint that excludes linear overrides the class set.
	_, err = ResolveLayout(class, ImageExtent{Width: 4, Height: 4}, &Constraint{Modifiers: []Modifier{Modifier(0xffee)}})
	require.ErrorIs(t, err, ErrConstraintUnsatisfiable)
}
