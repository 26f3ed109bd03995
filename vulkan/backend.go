package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/hbm"
	"golang.org/x/exp/slog"
)

type boHandle struct {
	format hbm.Format
	layout hbm.Layout

	// Exactly one of buffer and image is set.
	buffer core1_0.Buffer
	image  core1_0.Image
	// imageInitialized is set once the image has left Preinitialized.
	imageInitialized bool

	memoryTypeBits uint32
	allocationSize int

	memory          core1_0.DeviceMemory
	memoryTypeIndex int
}

func (b *Backend) MemoryPlaneCount(format hbm.Format, modifier hbm.Modifier) (int, error) {
	if modifier != hbm.ModifierLinear {
		return 0, errors.Wrapf(hbm.ErrUnsupported, "modifier 0x%x requires driver layout knowledge this backend lacks", uint64(modifier))
	}
	_, err := vulkanFormat(format)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (b *Backend) Classify(desc hbm.Description) (*hbm.Class, error) {
	if desc.Flags&hbm.FlagProtected != 0 {
		return nil, errors.Wrap(hbm.ErrUnsupported, "protected memory is not negotiated by this backend")
	}
	if desc.Flags&hbm.FlagExternal != 0 {
		return nil, errors.Wrap(hbm.ErrUnsupported, "the bindings do not expose opaque-fd memory sharing")
	}

	class := hbm.NewClass(desc)
	class.Constraint = &hbm.Constraint{
		OffsetAlign: b.limits.OptimalBufferCopyOffsetAlignment,
		StrideAlign: b.limits.OptimalBufferCopyRowPitchAlignment,
		SizeAlign:   b.limits.NonCoherentAtomSize,
	}
	// Linear image strides come from the driver, not from packed layout
	// resolution.
	class.UnknownConstraint = !desc.IsBuffer()

	if !desc.IsBuffer() {
		vkFormat, err := vulkanFormat(desc.Format)
		if err != nil {
			return nil, err
		}

		formatProperties := b.physicalDevice.FormatProperties(vkFormat)
		if formatProperties.LinearTilingFeatures == 0 {
			return nil, errors.Wrapf(hbm.ErrUnsupported, "the driver does not support %s with linear tiling", desc.Format)
		}

		class.MaxExtent = hbm.ImageExtent{
			Width:  b.limits.MaxImageDimension2D,
			Height: b.limits.MaxImageDimension2D,
		}
		class.Modifiers = []hbm.Modifier{hbm.ModifierLinear}
	}

	return class, nil
}

func (b *Backend) CreateWithConstraint(class *hbm.Class, extent hbm.Extent, con *hbm.Constraint) (hbm.Handle, error) {
	layout, err := hbm.ResolveLayout(class, extent, con)
	if err != nil {
		return nil, err
	}

	bo, err := b.createResource(class, extent, &layout)
	if err != nil {
		return nil, err
	}

	// The driver had the final say on image strides; a caller hint that the
	// driver cannot honor fails the creation.
	if con != nil && !layout.Fits(con) {
		b.Free(bo)
		return nil, errors.Wrap(hbm.ErrConstraintUnsatisfiable, "the driver's image layout violates the requested alignments")
	}

	return bo, nil
}

func (b *Backend) CreateWithLayout(class *hbm.Class, extent hbm.Extent, layout hbm.Layout, importFd int) (hbm.Handle, error) {
	driverLayout := layout
	bo, err := b.createResource(class, extent, &driverLayout)
	if err != nil {
		return nil, err
	}

	// Imported layouts must agree with how the driver tiles the resource.
	if driverLayout.PlaneCount != layout.PlaneCount ||
		driverLayout.Offsets != layout.Offsets ||
		driverLayout.Strides != layout.Strides ||
		layout.Size < driverLayout.Size {
		b.Free(bo)
		return nil, errors.Wrap(hbm.ErrInvalidLayout, "the layout does not match the driver's tiling of the resource")
	}
	bo.layout = layout

	return bo, nil
}

// createResource builds the VkBuffer or VkImage for the layout. For images
// the driver's subresource layout overwrites the stride and size fields of
// layout in place.
func (b *Backend) createResource(class *hbm.Class, extent hbm.Extent, layout *hbm.Layout) (*boHandle, error) {
	bo := &boHandle{
		format: class.Format,
	}

	switch e := extent.(type) {
	case hbm.BufferExtent:
		buffer, _, err := b.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
			Size:        layout.Size,
			Usage:       core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst,
			SharingMode: core1_0.SharingModeExclusive,
		})
		if err != nil {
			return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
		}

		requirements := buffer.MemoryRequirements()
		bo.buffer = buffer
		bo.memoryTypeBits = requirements.MemoryTypeBits
		bo.allocationSize = requirements.Size
		if layout.Size < requirements.Size {
			layout.Size = requirements.Size
		}

	case hbm.ImageExtent:
		vkFormat, err := vulkanFormat(class.Format)
		if err != nil {
			return nil, err
		}

		image, _, err := b.device.CreateImage(nil, core1_0.ImageCreateInfo{
			ImageType:     core1_0.ImageType2D,
			Format:        vkFormat,
			Extent:        core1_0.Extent3D{Width: e.Width, Height: e.Height, Depth: 1},
			MipLevels:     1,
			ArrayLayers:   1,
			Samples:       core1_0.Samples1,
			Tiling:        core1_0.ImageTilingLinear,
			Usage:         core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst,
			SharingMode:   core1_0.SharingModeExclusive,
			InitialLayout: core1_0.ImageLayoutPreInitialized,
		})
		if err != nil {
			return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
		}

		subresource := image.SubresourceLayout(&core1_0.ImageSubresource{
			AspectMask: core1_0.ImageAspectColor,
		})
		requirements := image.MemoryRequirements()

		bo.image = image
		bo.memoryTypeBits = requirements.MemoryTypeBits
		bo.allocationSize = requirements.Size

		layout.Modifier = hbm.ModifierLinear
		layout.PlaneCount = 1
		layout.Offsets[0] = subresource.Offset
		layout.Strides[0] = subresource.RowPitch
		layout.Size = requirements.Size

	default:
		return nil, errors.Wrap(hbm.ErrInvalidState, "extent is neither a buffer nor an image")
	}

	bo.layout = *layout
	return bo, nil
}

func (b *Backend) Free(handle hbm.Handle) {
	bo := handle.(*boHandle)

	if bo.buffer != nil {
		bo.buffer.Destroy(nil)
	}
	if bo.image != nil {
		bo.image.Destroy(nil)
	}
	if bo.memory != nil {
		bo.memory.Free(nil)
	}
}

func (b *Backend) Layout(handle hbm.Handle) hbm.Layout {
	return handle.(*boHandle).layout
}

func (b *Backend) MemoryTypes(handle hbm.Handle) []hbm.MemoryType {
	bo := handle.(*boHandle)

	var memoryTypes []hbm.MemoryType
	for index, vkType := range b.memoryProperties.MemoryTypes {
		if bo.memoryTypeBits&(1<<uint32(index)) == 0 {
			continue
		}

		memoryType, ok := translateMemoryType(vkType.PropertyFlags)
		if !ok {
			continue
		}
		if !containsMemoryType(memoryTypes, memoryType) {
			memoryTypes = append(memoryTypes, memoryType)
		}
	}

	return memoryTypes
}

func translateMemoryType(flags core1_0.MemoryPropertyFlags) (hbm.MemoryType, bool) {
	if flags&core1_0.MemoryPropertyLazilyAllocated != 0 {
		return 0, false
	}

	var memoryType hbm.MemoryType
	if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		memoryType |= hbm.MemoryLocal
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		memoryType |= hbm.MemoryMappable
	}
	if flags&core1_0.MemoryPropertyHostCoherent != 0 {
		memoryType |= hbm.MemoryCoherent
	}
	if flags&core1_0.MemoryPropertyHostCached != 0 {
		memoryType |= hbm.MemoryCached
	}
	return memoryType, true
}

func containsMemoryType(list []hbm.MemoryType, memoryType hbm.MemoryType) bool {
	for _, existing := range list {
		if existing == memoryType {
			return true
		}
	}
	return false
}

func (b *Backend) BindMemory(handle hbm.Handle, memoryType hbm.MemoryType, importFd int) error {
	bo := handle.(*boHandle)

	memoryTypeIndex := -1
	for index, vkType := range b.memoryProperties.MemoryTypes {
		if bo.memoryTypeBits&(1<<uint32(index)) == 0 {
			continue
		}
		candidate, ok := translateMemoryType(vkType.PropertyFlags)
		if ok && candidate == memoryType {
			memoryTypeIndex = index
			break
		}
	}
	if memoryTypeIndex < 0 {
		return errors.Wrapf(hbm.ErrConstraintUnsatisfiable, "no Vulkan memory type matches %s", memoryType)
	}

	// Classify refuses FlagExternal, so an import fd cannot reach a handle
	// on this backend through the core.
	if importFd != hbm.NoFd {
		return errors.Wrap(hbm.ErrUnsupported, "the bindings do not expose opaque-fd memory sharing")
	}

	memory, _, err := b.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  bo.allocationSize,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	if bo.buffer != nil {
		_, err = bo.buffer.BindBufferMemory(memory, 0)
	} else {
		_, err = bo.image.BindImageMemory(memory, 0)
	}
	if err != nil {
		memory.Free(nil)
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	bo.memory = memory
	bo.memoryTypeIndex = memoryTypeIndex
	return nil
}

func (b *Backend) Export(handle hbm.Handle, label string) (int, error) {
	return hbm.NoFd, errors.Wrap(hbm.ErrUnsupported, "the bindings do not expose opaque-fd memory sharing")
}

func (b *Backend) Map(handle hbm.Handle) (hbm.Mapping, error) {
	bo := handle.(*boHandle)

	ptr, _, err := bo.memory.Map(0, bo.allocationSize, 0)
	if err != nil {
		return hbm.Mapping{}, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	// Imported layouts may claim more bytes than the driver allocation; the
	// view must not extend past what is actually mapped.
	size := bo.layout.Size
	if size > bo.allocationSize {
		size = bo.allocationSize
	}

	return hbm.Mapping{
		Ptr:  ptr,
		Size: size,
	}, nil
}

func (b *Backend) Unmap(handle hbm.Handle, mapping hbm.Mapping) {
	handle.(*boHandle).memory.Unmap()
}

func (b *Backend) Flush(handle hbm.Handle) {
	bo := handle.(*boHandle)

	_, err := b.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: bo.memory,
			Offset: 0,
			Size:   -1,
		},
	})
	if err != nil {
		b.logger.Error("vulkan::Flush", slog.String("error", err.Error()))
	}
}

func (b *Backend) Invalidate(handle hbm.Handle) {
	bo := handle.(*boHandle)

	_, err := b.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: bo.memory,
			Offset: 0,
			Size:   -1,
		},
	})
	if err != nil {
		b.logger.Error("vulkan::Invalidate", slog.String("error", err.Error()))
	}
}
