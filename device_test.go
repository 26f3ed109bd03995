package hbm_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hbm"
)

const (
	modifierVendorA hbm.Modifier = 0x100000000000001
	modifierVendorB hbm.Modifier = 0x100000000000002
)

// stubBackend answers capability queries from canned data and reserves
// trivial handles. Only the classification paths are wired; everything else
// panics.
type stubBackend struct {
	name string

	modifiers         []hbm.Modifier
	maxExtent         hbm.Extent
	constraint        *hbm.Constraint
	unknownConstraint bool
	classifyErr       error

	planeCount    int
	planeCountErr error
}

type stubHandle struct {
	layout hbm.Layout
}

func (s *stubBackend) Name() string {
	return s.name
}

func (s *stubBackend) MemoryPlaneCount(format hbm.Format, modifier hbm.Modifier) (int, error) {
	if s.planeCountErr != nil {
		return 0, s.planeCountErr
	}
	return s.planeCount, nil
}

func (s *stubBackend) Classify(desc hbm.Description) (*hbm.Class, error) {
	if s.classifyErr != nil {
		return nil, s.classifyErr
	}

	class := hbm.NewClass(desc)
	if !desc.IsBuffer() {
		class.Modifiers = append([]hbm.Modifier{}, s.modifiers...)
	}
	if s.maxExtent != nil {
		class.MaxExtent = s.maxExtent
	}
	class.Constraint = s.constraint
	class.UnknownConstraint = s.unknownConstraint
	return class, nil
}

func (s *stubBackend) CreateWithConstraint(class *hbm.Class, extent hbm.Extent, con *hbm.Constraint) (hbm.Handle, error) {
	layout, err := hbm.ResolveLayout(class, extent, con)
	if err != nil {
		return nil, err
	}
	return &stubHandle{layout: layout}, nil
}

func (s *stubBackend) CreateWithLayout(class *hbm.Class, extent hbm.Extent, layout hbm.Layout, importFd int) (hbm.Handle, error) {
	return &stubHandle{layout: layout}, nil
}

func (s *stubBackend) Free(handle hbm.Handle) {}

func (s *stubBackend) Layout(handle hbm.Handle) hbm.Layout {
	return handle.(*stubHandle).layout
}

func (s *stubBackend) MemoryTypes(handle hbm.Handle) []hbm.MemoryType {
	return []hbm.MemoryType{hbm.MemoryLocal}
}

func (s *stubBackend) BindMemory(handle hbm.Handle, memoryType hbm.MemoryType, importFd int) error {
	return nil
}

func (s *stubBackend) Export(handle hbm.Handle, label string) (int, error) {
	panic("not implemented")
}

func (s *stubBackend) Map(handle hbm.Handle) (hbm.Mapping, error) {
	panic("not implemented")
}

func (s *stubBackend) Unmap(handle hbm.Handle, mapping hbm.Mapping) {
	panic("not implemented")
}

func (s *stubBackend) Flush(handle hbm.Handle)      { panic("not implemented") }
func (s *stubBackend) Invalidate(handle hbm.Handle) { panic("not implemented") }

func (s *stubBackend) CopyBuffer(dst, src hbm.Handle, region hbm.BufferCopy, waitFd int) (int, error) {
	panic("not implemented")
}

func (s *stubBackend) CopyBufferImage(dst, src hbm.Handle, region hbm.BufferImageCopy, waitFd int) (int, error) {
	panic("not implemented")
}

func imageDesc() hbm.Description {
	return hbm.Description{
		Flags:    hbm.FlagMap,
		Format:   hbm.FormatR8,
		Modifier: hbm.ModifierInvalid,
	}
}

func TestCreateDeviceRequiresBackends(t *testing.T) {
	_, err := hbm.CreateDevice(hbm.DeviceCreateOptions{})
	require.ErrorIs(t, err, hbm.ErrInvalidState)
}

func TestBufferDescriptionCannotRequestModifier(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{&stubBackend{name: "stub", modifiers: []hbm.Modifier{hbm.ModifierLinear}}},
	})
	require.NoError(t, err)
	defer device.Destroy()

	_, err = hbm.NewBoWithConstraint(device, hbm.Description{
		Format:   hbm.FormatInvalid,
		Modifier: hbm.ModifierLinear,
	}, hbm.BufferExtent{Size: 64}, nil)
	require.ErrorIs(t, err, hbm.ErrConstraintUnsatisfiable)
}

func TestModifiersIntersectAcrossBackends(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{
			&stubBackend{name: "one", modifiers: []hbm.Modifier{hbm.ModifierLinear, modifierVendorA, modifierVendorB}},
			&stubBackend{name: "two", modifiers: []hbm.Modifier{modifierVendorB, modifierVendorA}},
		},
	})
	require.NoError(t, err)
	defer device.Destroy()

	// The intersection keeps the first backend's preference order.
	require.Equal(t, []hbm.Modifier{modifierVendorA, modifierVendorB}, device.Modifiers(imageDesc()))
	require.True(t, device.SupportsModifier(imageDesc(), modifierVendorA))
	require.False(t, device.SupportsModifier(imageDesc(), hbm.ModifierLinear))
}

func TestModifiersExplicitModifierRestricts(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{
			&stubBackend{name: "stub", modifiers: []hbm.Modifier{hbm.ModifierLinear, modifierVendorA}},
		},
	})
	require.NoError(t, err)
	defer device.Destroy()

	desc := imageDesc()
	desc.Modifier = modifierVendorA
	require.Equal(t, []hbm.Modifier{modifierVendorA}, device.Modifiers(desc))

	desc.Modifier = modifierVendorB
	require.Empty(t, device.Modifiers(desc))
}

func TestModifiersImplicitOnlyBackendHidesModifiers(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{
			&stubBackend{name: "stub", modifiers: []hbm.Modifier{hbm.ModifierInvalid}},
		},
	})
	require.NoError(t, err)
	defer device.Destroy()

	require.Empty(t, device.Modifiers(imageDesc()))
}

func TestMultiClassifyRejectsTwoOpaqueBackends(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{
			&stubBackend{name: "one", modifiers: []hbm.Modifier{hbm.ModifierLinear}, unknownConstraint: true},
			&stubBackend{name: "two", modifiers: []hbm.Modifier{hbm.ModifierLinear}, unknownConstraint: true},
		},
	})
	require.NoError(t, err)
	defer device.Destroy()

	_, err = hbm.NewBoWithConstraint(device, imageDesc(), hbm.ImageExtent{Width: 4, Height: 4}, nil)
	require.ErrorIs(t, err, hbm.ErrUnsupported)
}

func TestMultiClassifyIntersectsExtents(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{
			&stubBackend{
				name:      "one",
				modifiers: []hbm.Modifier{hbm.ModifierLinear},
				maxExtent: hbm.ImageExtent{Width: 4096, Height: 4096},
			},
			&stubBackend{
				name:      "two",
				modifiers: []hbm.Modifier{hbm.ModifierLinear},
				maxExtent: hbm.ImageExtent{Width: 256, Height: 8192},
			},
		},
	})
	require.NoError(t, err)
	defer device.Destroy()

	bo, err := hbm.NewBoWithConstraint(device, imageDesc(), hbm.ImageExtent{Width: 256, Height: 4096}, nil)
	require.NoError(t, err)
	bo.Destroy()

	_, err = hbm.NewBoWithConstraint(device, imageDesc(), hbm.ImageExtent{Width: 257, Height: 16}, nil)
	require.ErrorIs(t, err, hbm.ErrConstraintUnsatisfiable)
}

func TestPlaneCountFallsThroughBackends(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{
			&stubBackend{name: "one", planeCountErr: hbm.ErrUnsupported},
			&stubBackend{name: "two", planeCount: 3},
		},
	})
	require.NoError(t, err)
	defer device.Destroy()

	count, err := device.PlaneCount(hbm.FormatNV12, modifierVendorA)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	_, err = device.PlaneCount(hbm.FormatNV12, hbm.ModifierInvalid)
	require.ErrorIs(t, err, hbm.ErrConstraintUnsatisfiable)
}

func TestDestroyPanicsWithLiveBos(t *testing.T) {
	device, err := hbm.CreateDevice(hbm.DeviceCreateOptions{
		Backends: []hbm.Backend{&stubBackend{name: "stub", modifiers: []hbm.Modifier{hbm.ModifierLinear}}},
	})
	require.NoError(t, err)

	bo, err := hbm.NewBoWithConstraint(device, imageDesc(), hbm.ImageExtent{Width: 4, Height: 4}, nil)
	require.NoError(t, err)

	require.Panics(t, func() {
		device.Destroy()
	})

	bo.Destroy()
	device.Destroy()
	require.Panics(t, func() {
		device.Destroy()
	})
}
