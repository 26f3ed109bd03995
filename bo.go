package hbm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hbm/internal/utils"
	"github.com/vkngwrapper/hbm/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// Bo is a single buffer object: one allocation-to-be with a resolved physical
// layout. A Bo is created unbound, has memory bound to it exactly once, and
// is then mapped, copied, and exported according to its usage flags.
//
// All methods are safe for concurrent use unless the owning device was
// created SingleThreaded.
type Bo struct {
	device       *Device
	backend      Backend
	backendIndex int
	handle       Handle
	logger       *slog.Logger

	flags  Flags
	format Format
	extent Extent
	layout Layout

	mutex       utils.OptionalMutex
	bound       bool
	memoryType  MemoryType
	mapping     Mapping
	mapCount    int
	destroyed   bool
}

// NewBoWithConstraint creates an unbound BO whose layout the device resolves
// under the merged caller and backend constraints. The extent variant must
// agree with the description.
func NewBoWithConstraint(device *Device, desc Description, extent Extent, con *Constraint) (*Bo, error) {
	device.logger.Debug("Bo::NewBoWithConstraint",
		slog.String("flags", desc.Flags.String()),
		slog.String("format", desc.Format.String()),
	)

	class, err := device.classify(desc)
	if err != nil {
		return nil, err
	}
	if !class.validateExtent(extent) {
		return nil, errors.Wrap(ErrConstraintUnsatisfiable, "the extent does not agree with the description or exceeds device limits")
	}

	merged := &Constraint{}
	merged.merge(con)
	merged.merge(class.Constraint)

	modifiers := class.Modifiers
	if con != nil && len(con.Modifiers) != 0 {
		modifiers = intersectModifiers(class.Modifiers, con.Modifiers)
	}
	if !class.IsBuffer() && len(modifiers) == 0 {
		return nil, errors.Wrapf(ErrConstraintUnsatisfiable, "no acceptable modifier remains for format %s", desc.Format)
	}
	merged.Modifiers = modifiers

	backend := device.backend(class.backendIndex)
	handle, err := backend.CreateWithConstraint(class, extent, merged)
	if err != nil {
		return nil, err
	}

	return wrapHandle(device, class, extent, handle), nil
}

// NewBoWithLayout creates an unbound BO around an explicit layout, usually one
// received from another process alongside an exported fd. The layout must pass
// Validate and honor the backend's constraints; a non-NoFd importFd lets the
// backend restrict the BO's memory types to those that can import it. The fd
// stays owned by the caller until it is passed to BindMemory.
func NewBoWithLayout(device *Device, desc Description, extent Extent, layout Layout, importFd int) (*Bo, error) {
	device.logger.Debug("Bo::NewBoWithLayout",
		slog.String("flags", desc.Flags.String()),
		slog.String("format", desc.Format.String()),
		slog.Int("importFd", importFd),
	)

	class, err := device.classify(desc)
	if err != nil {
		return nil, err
	}
	if !class.validateExtent(extent) {
		return nil, errors.Wrap(ErrConstraintUnsatisfiable, "the extent does not agree with the description or exceeds device limits")
	}

	err = layout.Validate()
	if err != nil {
		return nil, err
	}

	if class.IsBuffer() {
		if !layout.Modifier.isInvalid() || layout.PlaneCount != 1 {
			return nil, errors.Wrap(ErrInvalidLayout, "a buffer layout has exactly one plane and no modifier")
		}
	} else {
		if !slices.Contains(class.Modifiers, layout.Modifier) {
			return nil, errors.Wrapf(ErrInvalidLayout, "modifier 0x%x is not supported for format %s",
				uint64(layout.Modifier), desc.Format)
		}
		planeCount, err := device.PlaneCount(desc.Format, layout.Modifier)
		if err != nil {
			return nil, err
		}
		if layout.PlaneCount != planeCount {
			return nil, errors.Wrapf(ErrInvalidLayout, "modifier 0x%x requires %d planes, layout has %d",
				uint64(layout.Modifier), planeCount, layout.PlaneCount)
		}
	}

	// Backends that could not express their constraints vet the layout
	// themselves inside CreateWithLayout.
	if !class.UnknownConstraint && !layout.Fits(class.Constraint) {
		return nil, errors.Wrap(ErrInvalidLayout, "the layout violates the backend's alignment requirements")
	}

	backend := device.backend(class.backendIndex)
	handle, err := backend.CreateWithLayout(class, extent, layout, importFd)
	if err != nil {
		return nil, err
	}

	return wrapHandle(device, class, extent, handle), nil
}

func wrapHandle(device *Device, class *Class, extent Extent, handle Handle) *Bo {
	backend := device.backend(class.backendIndex)
	bo := &Bo{
		device:       device,
		backend:      backend,
		backendIndex: class.backendIndex,
		handle:       handle,
		logger:       device.logger,

		flags:  class.Flags,
		format: class.Format,
		extent: extent,

		mutex: utils.OptionalMutex{UseMutex: device.useMutex},
	}
	bo.layout = backend.Layout(handle)
	memutils.DebugValidate(bo.layout)
	device.boCreated(class.backendIndex)
	return bo
}

func intersectModifiers(supported, requested []Modifier) []Modifier {
	var out []Modifier
	for _, m := range supported {
		if slices.Contains(requested, m) {
			out = append(out, m)
		}
	}
	return out
}

// Destroy releases the BO: any live mapping is torn down regardless of its
// map count, bound memory is released, and the device's counters are updated.
// Double destroy panics.
func (b *Bo) Destroy() {
	b.logger.Debug("Bo::Destroy")

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.destroyed {
		panic("attempting to destroy a BO that has already been destroyed")
	}

	if b.mapCount != 0 {
		b.backend.Unmap(b.handle, b.mapping)
		b.mapping = Mapping{}
		b.mapCount = 0
		b.device.boUnmapped(b.backendIndex)
	}

	if b.bound {
		b.device.boUnbound(b.backendIndex, b.layout.Size)
	}
	b.backend.Free(b.handle)
	b.device.boDestroyed(b.backendIndex)
	b.destroyed = true
}

// IsBuffer reports whether the BO is a formatless buffer.
func (b *Bo) IsBuffer() bool {
	return b.format.isInvalid()
}

// Flags returns the usage flags the BO was created with.
func (b *Bo) Flags() Flags {
	return b.flags
}

// Format returns the BO's format, or FormatInvalid for buffers.
func (b *Bo) Format() Format {
	return b.format
}

// Extent returns the extent the BO was created with.
func (b *Bo) Extent() Extent {
	return b.extent
}

// Layout returns the BO's resolved physical layout. It is fixed at creation
// and safe to transmit to other processes alongside an exported fd.
func (b *Bo) Layout() Layout {
	return b.layout
}

// MemoryTypes enumerates the memory types the BO can be bound to, in the
// backend's preference order. The result is never empty for a successfully
// created BO.
func (b *Bo) MemoryTypes() []MemoryType {
	return b.backend.MemoryTypes(b.handle)
}

// BindMemory allocates memory of the first compatible type that has every
// flag in required, and binds it to the BO. A non-NoFd importFd imports the
// allocation the fd references instead of allocating fresh memory; the
// backend owns the fd from this point on. A BO is bound at most once.
func (b *Bo) BindMemory(required MemoryType, importFd int) error {
	b.logger.Debug("Bo::BindMemory",
		slog.String("required", required.String()),
		slog.Int("importFd", importFd),
	)

	if importFd != NoFd && b.flags&FlagExternal == 0 {
		return errors.Wrap(ErrInvalidState, "importing memory requires FlagExternal")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bound {
		return errors.Wrap(ErrInvalidState, "the BO is already bound")
	}

	memoryType := MemoryType(0)
	found := false
	for _, candidate := range b.backend.MemoryTypes(b.handle) {
		if candidate&required == required {
			memoryType = candidate
			found = true
			break
		}
	}
	if !found {
		return errors.Wrapf(ErrConstraintUnsatisfiable, "no memory type has every flag in %s", required)
	}

	err := b.backend.BindMemory(b.handle, memoryType, importFd)
	if err != nil {
		return err
	}

	b.bound = true
	b.memoryType = memoryType
	b.device.boBound(b.backendIndex, b.layout.Size)
	return nil
}

// MemoryType returns the memory type selected at bind time. Calling it on an
// unbound BO is a programming error and panics.
func (b *Bo) MemoryType() MemoryType {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.bound {
		panic("querying the memory type of an unbound BO")
	}
	return b.memoryType
}

// Export returns a new fd referencing the BO's bound memory. The caller owns
// the fd; the BO stays valid independently. label names the allocation for
// debugging where the platform supports it.
func (b *Bo) Export(label string) (int, error) {
	b.logger.Debug("Bo::Export", slog.String("label", label))

	if b.flags&FlagExternal == 0 {
		return NoFd, errors.Wrap(ErrInvalidState, "exporting requires FlagExternal")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.bound {
		return NoFd, errors.Wrap(ErrInvalidState, "exporting requires bound memory")
	}

	return b.backend.Export(b.handle, label)
}

// Map establishes a CPU view over the BO's full allocation and returns it.
// Mapping is counted: nested calls return the same mapping, and the view
// stays valid until every Map has been balanced by an Unmap.
func (b *Bo) Map() (Mapping, error) {
	b.logger.Debug("Bo::Map")

	if b.flags&FlagMap == 0 {
		return Mapping{}, errors.Wrap(ErrInvalidState, "mapping requires FlagMap")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.bound {
		return Mapping{}, errors.Wrap(ErrInvalidState, "mapping requires bound memory")
	}
	if b.memoryType&MemoryMappable == 0 {
		return Mapping{}, errors.Wrap(ErrInvalidState, "the bound memory type is not mappable")
	}

	if b.mapCount > 0 {
		b.mapCount++
		return b.mapping, nil
	}

	mapping, err := b.backend.Map(b.handle)
	if err != nil {
		return Mapping{}, err
	}

	b.mapping = mapping
	b.mapCount = 1
	b.device.boMapped(b.backendIndex)
	return mapping, nil
}

// Unmap balances one Map call. The mapping is released when the count reaches
// zero; unmapping an unmapped BO is a programming error and panics.
func (b *Bo) Unmap() {
	b.logger.Debug("Bo::Unmap")

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.mapCount == 0 {
		panic("unmapping a BO that is not mapped")
	}

	b.mapCount--
	if b.mapCount == 0 {
		b.backend.Unmap(b.handle, b.mapping)
		b.mapping = Mapping{}
		b.device.boUnmapped(b.backendIndex)
	}
}

// Flush publishes CPU writes made through the mapping to the device. It
// no-ops when the bound memory type is coherent or the BO is unmapped.
func (b *Bo) Flush() {
	b.logger.Debug("Bo::Flush")

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.mapCount == 0 || b.memoryType&MemoryCoherent != 0 {
		return
	}

	b.backend.Flush(b.handle)
}

// Invalidate discards stale CPU-cached data so reads through the mapping see
// the device's writes. It no-ops when the bound memory type is coherent or
// the BO is unmapped.
func (b *Bo) Invalidate() {
	b.logger.Debug("Bo::Invalidate")

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.mapCount == 0 || b.memoryType&MemoryCoherent != 0 {
		return
	}

	b.backend.Invalidate(b.handle)
}

// CopyBuffer copies a byte range from src into the receiver. Both BOs must be
// bound buffers with FlagCopy living on the same backend. The copy waits on
// waitFd first if it is not NoFd, and returns a sync fd signaling completion,
// or NoFd if the copy completed before returning. The returned fd is owned by
// the caller; Device.Wait consumes it.
func (b *Bo) CopyBuffer(src *Bo, region BufferCopy, waitFd int) (int, error) {
	b.logger.Debug("Bo::CopyBuffer",
		slog.Int("srcOffset", region.SrcOffset),
		slog.Int("dstOffset", region.DstOffset),
		slog.Int("size", region.Size),
	)

	err := b.validateCopyBuffer(src, region)
	if err != nil {
		return NoFd, err
	}

	return b.backend.CopyBuffer(b.handle, src.handle, region, waitFd)
}

func (b *Bo) validateCopyBuffer(src *Bo, region BufferCopy) error {
	if b.backend != src.backend {
		return errors.Wrap(ErrUnsupported, "copies require both BOs to live on the same backend")
	}
	if !b.IsBuffer() || !src.IsBuffer() {
		return errors.Wrap(ErrInvalidState, "buffer copies require two buffer BOs")
	}
	if b.flags&FlagCopy == 0 || src.flags&FlagCopy == 0 {
		return errors.Wrap(ErrInvalidState, "copies require FlagCopy on both BOs")
	}
	if !b.isBound() || !src.isBound() {
		return errors.Wrap(ErrInvalidState, "copies require bound memory on both BOs")
	}

	if region.Size <= 0 {
		return errors.Wrap(ErrInvalidState, "copy sizes must be positive")
	}
	if region.SrcOffset < 0 || region.SrcOffset+region.Size > src.layout.Size {
		return errors.Wrap(ErrInvalidState, "the copy source range is outside the source BO")
	}
	if region.DstOffset < 0 || region.DstOffset+region.Size > b.layout.Size {
		return errors.Wrap(ErrInvalidState, "the copy destination range is outside the destination BO")
	}

	return nil
}

// CopyBufferImage copies rows between a buffer BO and one plane of an image
// BO. Exactly one of the receiver and src must be an image; the receiver is
// always the destination. Geometry is validated in block units of the
// selected plane. Wait and fence semantics match CopyBuffer.
func (b *Bo) CopyBufferImage(src *Bo, region BufferImageCopy, waitFd int) (int, error) {
	b.logger.Debug("Bo::CopyBufferImage",
		slog.Int("plane", region.Plane),
		slog.Int("width", region.Width),
		slog.Int("height", region.Height),
	)

	image, buffer := b, src
	if b.IsBuffer() {
		image, buffer = src, b
	}

	err := validateCopyBufferImage(buffer, image, region)
	if err != nil {
		return NoFd, err
	}

	return b.backend.CopyBufferImage(b.handle, src.handle, region, waitFd)
}

func validateCopyBufferImage(buffer, image *Bo, region BufferImageCopy) error {
	if buffer.backend != image.backend {
		return errors.Wrap(ErrUnsupported, "copies require both BOs to live on the same backend")
	}
	if !buffer.IsBuffer() || image.IsBuffer() {
		return errors.Wrap(ErrInvalidState, "buffer-image copies require one buffer BO and one image BO")
	}
	if buffer.flags&FlagCopy == 0 || image.flags&FlagCopy == 0 {
		return errors.Wrap(ErrInvalidState, "copies require FlagCopy on both BOs")
	}
	if !buffer.isBound() || !image.isBound() {
		return errors.Wrap(ErrInvalidState, "copies require bound memory on both BOs")
	}

	if region.Width <= 0 || region.Height <= 0 {
		return errors.Wrap(ErrInvalidState, "copy extents must be positive")
	}
	if region.X < 0 || region.Y < 0 {
		return errors.Wrap(ErrInvalidState, "copy origins must be non-negative")
	}

	format := image.format
	planeCount, err := FormatPlaneCount(format)
	if err != nil {
		return err
	}
	if region.Plane < 0 || region.Plane >= planeCount {
		return errors.Wrapf(ErrInvalidState, "format %s has no plane %d", format, region.Plane)
	}

	blockSize, err := FormatBlockSize(format, region.Plane)
	if err != nil {
		return err
	}
	blockWidth, blockHeight, err := FormatBlockExtent(format, region.Plane)
	if err != nil {
		return err
	}

	// The image sub-rectangle is in block units of the plane.
	imageExtent := image.extent.(ImageExtent)
	planeWidth := (imageExtent.Width + blockWidth - 1) / blockWidth
	planeHeight := (imageExtent.Height + blockHeight - 1) / blockHeight
	if region.X+region.Width > planeWidth || region.Y+region.Height > planeHeight {
		return errors.Wrapf(ErrInvalidState, "the copy rectangle is outside plane %d of the image", region.Plane)
	}

	// The buffer side holds tightly rowed blocks at the given stride.
	rowSize := region.Width * blockSize
	if region.Stride < rowSize {
		return errors.Wrap(ErrInvalidState, "the buffer stride is smaller than one row of blocks")
	}
	if region.Offset < 0 {
		return errors.Wrap(ErrInvalidState, "the buffer offset must be non-negative")
	}
	bufferEnd := region.Offset + region.Stride*(region.Height-1) + rowSize
	if bufferEnd > buffer.layout.Size {
		return errors.Wrap(ErrInvalidState, "the copy range is outside the buffer BO")
	}

	return nil
}

func (b *Bo) isBound() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.bound
}

// Wait blocks until the sync fd signals and closes it. It is the CPU-side
// consumer for fds returned by the copy operations; NoFd returns immediately.
func (d *Device) Wait(fd int) error {
	if fd == NoFd {
		return nil
	}

	err := utils.PollRead(fd)
	closeErr := unix.Close(fd)
	if err != nil {
		return errors.Wrap(ErrDriverFailure, err.Error())
	}
	if closeErr != nil {
		return errors.Wrap(ErrDriverFailure, closeErr.Error())
	}
	return nil
}
