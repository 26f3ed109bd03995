package hbm

import (
	"fmt"
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
)

// NoFd is the sentinel for "no file descriptor". Depending on context it
// means "allocate fresh" (imports) or "do not wait"/"no fence" (copies).
const NoFd int = -1

// Format is a 32-bit DRM fourcc format. FormatInvalid marks a formatless
// buffer description.
type Format uint32

// Modifier is a 64-bit DRM format modifier. ModifierInvalid marks an
// unconstrained description; ModifierLinear is plain row-major layout.
type Modifier uint64

func (f Format) isInvalid() bool {
	return f == FormatInvalid
}

// String returns the format's well-known name, or its fourcc rendering for
// formats outside the static table.
func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}

	b := [4]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%x", uint32(f))
		}
	}
	return fmt.Sprintf("'%s'", string(b[:]))
}

func (m Modifier) isInvalid() bool {
	return m == ModifierInvalid
}

func (m Modifier) isLinear() bool {
	return m == ModifierLinear
}

// Flags declare how a BO will be used. They participate in constraint
// negotiation and gate the corresponding operations.
type Flags uint32

var flagsMapping = common.NewFlagStringMapping[Flags]()

const (
	// FlagExternal allows the BO's memory to be exported to and imported
	// from other processes.
	FlagExternal Flags = 1 << iota
	// FlagMap allows CPU mapping.
	FlagMap
	// FlagCopy allows the BO to be a copy source or destination.
	FlagCopy
	// FlagProtected requests protected-content memory.
	FlagProtected
	// FlagNoCompression forbids lossless framebuffer compression modifiers.
	FlagNoCompression
)

func init() {
	flagsMapping.Register(FlagExternal, "FlagExternal")
	flagsMapping.Register(FlagMap, "FlagMap")
	flagsMapping.Register(FlagCopy, "FlagCopy")
	flagsMapping.Register(FlagProtected, "FlagProtected")
	flagsMapping.Register(FlagNoCompression, "FlagNoCompression")
}

func (f Flags) String() string {
	return flagsMapping.FlagsToString(f)
}

// MemoryType is the capability flag set of one memory type a backend exposes
// for a BO. Exactly one type is selected at bind time.
type MemoryType uint32

var memoryTypeMapping = common.NewFlagStringMapping[MemoryType]()

const (
	// MemoryLocal memory lives on the device.
	MemoryLocal MemoryType = 1 << iota
	// MemoryMappable memory may be mapped for CPU access.
	MemoryMappable
	// MemoryCoherent memory keeps CPU and device views coherent without
	// explicit flush/invalidate.
	MemoryCoherent
	// MemoryCached memory is CPU-cached; reads through a mapping are fast.
	MemoryCached
)

func init() {
	memoryTypeMapping.Register(MemoryLocal, "MemoryLocal")
	memoryTypeMapping.Register(MemoryMappable, "MemoryMappable")
	memoryTypeMapping.Register(MemoryCoherent, "MemoryCoherent")
	memoryTypeMapping.Register(MemoryCached, "MemoryCached")
}

func (t MemoryType) String() string {
	return memoryTypeMapping.FlagsToString(t)
}

// Description declares the constraints a BO is created under. It is immutable
// once passed to a creation call, and comparable so devices can cache the
// classification result per description.
type Description struct {
	Flags    Flags
	Format   Format
	Modifier Modifier
}

// IsBuffer reports whether the description is for a formatless buffer rather
// than an image.
func (d Description) IsBuffer() bool {
	return d.Format.isInvalid()
}

func (d Description) isValid() bool {
	if d.IsBuffer() {
		// A formatless buffer has no layout to modify.
		return d.Modifier.isInvalid()
	}
	return true
}

// Extent is the size of a BO: BufferExtent for formatless buffers,
// ImageExtent for images. The variant must agree with the Description's
// format.
type Extent interface {
	isEmpty() bool
	isExtent()
}

// BufferExtent is the byte size of a formatless buffer.
type BufferExtent struct {
	Size int
}

// ImageExtent is the pixel dimensions of an image.
type ImageExtent struct {
	Width  int
	Height int
}

func (e BufferExtent) isExtent() {}
func (e ImageExtent) isExtent()  {}

func (e BufferExtent) isEmpty() bool {
	return e.Size <= 0
}

func (e ImageExtent) isEmpty() bool {
	return e.Width <= 0 || e.Height <= 0
}

// Mapping is an active CPU view over a BO's full allocation.
type Mapping struct {
	Ptr  unsafe.Pointer
	Size int
}

// Bytes returns the mapping as a byte slice sharing the mapped storage.
func (m Mapping) Bytes() []byte {
	return unsafe.Slice((*byte)(m.Ptr), m.Size)
}
