package hbm

// Handle is a backend-private BO handle. The core treats it as opaque and
// hands it back to the backend that produced it.
type Handle any

// Class is the validated result of classifying a Description against a
// backend: the immutable caller inputs plus the backend's limits for them.
// Backends produce classes; the core caches and consumes them.
type Class struct {
	Flags  Flags
	Format Format

	// MaxExtent bounds the extents the backend can allocate for this class.
	MaxExtent Extent
	// Modifiers is the backend's supported modifier set for this class, in
	// preference order. Empty for formatless buffers.
	Modifiers []Modifier
	// Constraint carries the backend's alignment requirements, if any.
	Constraint *Constraint
	// UnknownConstraint marks backends whose constraints cannot be expressed
	// as alignments; such a backend must do its own layout resolution.
	UnknownConstraint bool

	backendIndex int
}

// NewClass seeds a class from the caller-facing parts of a description.
// Backends fill in their limits before returning it.
func NewClass(desc Description) *Class {
	maxExtent := Extent(ImageExtent{Width: int(^uint32(0) >> 1), Height: int(^uint32(0) >> 1)})
	if desc.IsBuffer() {
		maxExtent = BufferExtent{Size: int(^uint(0) >> 1)}
	}

	return &Class{
		Flags:     desc.Flags,
		Format:    desc.Format,
		MaxExtent: maxExtent,
	}
}

// IsBuffer reports whether the class describes a formatless buffer.
func (c *Class) IsBuffer() bool {
	return c.Format.isInvalid()
}

// validateExtent checks the extent's variant against the class and its
// magnitude against the backend limits.
func (c *Class) validateExtent(extent Extent) bool {
	switch e := extent.(type) {
	case BufferExtent:
		max, ok := c.MaxExtent.(BufferExtent)
		if !c.IsBuffer() || !ok {
			return false
		}
		return e.Size >= 1 && e.Size <= max.Size
	case ImageExtent:
		max, ok := c.MaxExtent.(ImageExtent)
		if c.IsBuffer() || !ok {
			return false
		}
		return e.Width >= 1 && e.Width <= max.Width &&
			e.Height >= 1 && e.Height <= max.Height
	}
	return false
}

// BufferCopy describes a byte range transferred between two buffer BOs.
type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

// BufferImageCopy describes rows transferred between a buffer BO and one
// plane of an image BO. Offset and Stride address the buffer side; Stride is
// the row pitch of the linear rows in the buffer, independent of the image's
// own plane stride. X, Y, Width, and Height select the image sub-rectangle in
// block units of the plane.
type BufferImageCopy struct {
	Offset int
	Stride int

	Plane  int
	X      int
	Y      int
	Width  int
	Height int
}

// Backend is one driver-level allocation subsystem bound to a hardware node.
// A Device dispatches every BO operation to the backend that classified the
// BO's description. Backends are the source of truth for supported formats,
// modifiers, and memory types.
//
// Handles passed to a backend are always handles it returned earlier; fds
// passed in are owned by the backend from that point on.
type Backend interface {
	// Name identifies the backend in logs and stats.
	Name() string

	// MemoryPlaneCount returns the number of memory planes of a (format,
	// modifier) pair, or ErrUnsupported for pairs the backend does not know.
	// It must not allocate.
	MemoryPlaneCount(format Format, modifier Modifier) (int, error)

	// Classify validates a description and returns the backend's limits for
	// it, or ErrUnsupported.
	Classify(desc Description) (*Class, error)

	// CreateWithConstraint resolves a layout for the class and extent under
	// the merged constraint and reserves an unbound BO handle.
	CreateWithConstraint(class *Class, extent Extent, con *Constraint) (Handle, error)

	// CreateWithLayout reserves an unbound BO handle around an explicit,
	// already validated layout. A non-NoFd importFd restricts the handle's
	// compatible memory types to those that can import it.
	CreateWithLayout(class *Class, extent Extent, layout Layout, importFd int) (Handle, error)

	// Free releases the handle and everything still bound to it.
	Free(handle Handle)

	// Layout returns the handle's resolved physical layout.
	Layout(handle Handle) Layout

	// MemoryTypes enumerates the handle's compatible memory types in the
	// backend's preference order.
	MemoryTypes(handle Handle) []MemoryType

	// BindMemory allocates (importFd == NoFd) or imports memory of the given
	// type and binds it to the handle.
	BindMemory(handle Handle, memoryType MemoryType, importFd int) error

	// Export returns a new fd referencing the handle's bound allocation.
	Export(handle Handle, label string) (int, error)

	// Map establishes a CPU view over the full bound allocation.
	Map(handle Handle) (Mapping, error)

	// Unmap releases the CPU view.
	Unmap(handle Handle, mapping Mapping)

	// Flush publishes CPU writes through the mapping to the device.
	Flush(handle Handle)

	// Invalidate discards stale CPU-cached data for the mapping.
	Invalidate(handle Handle)

	// CopyBuffer transfers bytes between two bound buffer handles, waiting
	// on waitFd first if it is not NoFd. It returns a sync fd for the copy,
	// or NoFd if the copy completed before returning.
	CopyBuffer(dst, src Handle, region BufferCopy, waitFd int) (int, error)

	// CopyBufferImage transfers rows between a bound buffer handle and one
	// plane of a bound image handle, in either direction.
	CopyBufferImage(dst, src Handle, region BufferImageCopy, waitFd int) (int, error)
}
