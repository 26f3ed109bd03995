package hbm

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hbm/memutils"
)

// MaxPlanes is the largest number of memory planes a layout can carry.
const MaxPlanes = 4

// Layout is the physical layout of a BO: the modifier actually chosen and the
// per-plane byte geometry. It is produced by constraint resolution, or
// supplied verbatim when wrapping an imported allocation.
type Layout struct {
	Size       int
	Modifier   Modifier
	PlaneCount int
	Offsets    [MaxPlanes]int
	Strides    [MaxPlanes]int
}

// Validate checks the layout for internal consistency: a sane plane count,
// offsets inside the total size, and nonzero strides.
func (l Layout) Validate() error {
	if l.Size <= 0 {
		return errors.Wrapf(ErrInvalidLayout, "total size %d is not positive", l.Size)
	}
	if l.PlaneCount < 1 || l.PlaneCount > MaxPlanes {
		return errors.Wrapf(ErrInvalidLayout, "plane count %d is outside 1..%d", l.PlaneCount, MaxPlanes)
	}

	for plane := 0; plane < l.PlaneCount; plane++ {
		if l.Offsets[plane] < 0 || l.Offsets[plane] >= l.Size {
			return errors.Wrapf(ErrInvalidLayout, "plane %d offset %d is outside the allocation of size %d",
				plane, l.Offsets[plane], l.Size)
		}
		if l.Strides[plane] <= 0 {
			return errors.Wrapf(ErrInvalidLayout, "plane %d stride %d is not positive", plane, l.Strides[plane])
		}
	}

	return nil
}

// Fits reports whether the layout honors the constraint's alignments. Used to
// vet explicit layouts against backend requirements.
func (l Layout) Fits(con *Constraint) bool {
	if con == nil {
		return true
	}

	offsetAlign, strideAlign, sizeAlign := con.alignments()
	for plane := 0; plane < l.PlaneCount; plane++ {
		if offsetAlign > 1 && l.Offsets[plane]%offsetAlign != 0 {
			return false
		}
		if strideAlign > 1 && l.Strides[plane]%strideAlign != 0 {
			return false
		}
	}

	if sizeAlign > 1 {
		// Each plane must be at least sizeAlign large; the exact alignment of
		// interior plane boundaries is up to whoever produced the layout.
		sorted := make([]int, l.PlaneCount)
		copy(sorted, l.Offsets[:l.PlaneCount])
		sort.Ints(sorted)
		for plane := 0; plane < l.PlaneCount; plane++ {
			next := l.Size
			if plane < l.PlaneCount-1 {
				next = sorted[plane+1]
			}
			if next-sorted[plane] < sizeAlign {
				return false
			}
		}
	}

	return true
}

// Constraint carries caller allocation hints merged with backend-mandated
// alignment requirements during layout resolution. Alignment values below 2
// are treated as "no requirement".
type Constraint struct {
	OffsetAlign int
	StrideAlign int
	SizeAlign   int

	// Modifiers restricts resolution to the given modifiers. Empty means
	// every modifier the device supports is acceptable.
	Modifiers []Modifier
}

func (c *Constraint) alignments() (offsetAlign, strideAlign, sizeAlign int) {
	offsetAlign, strideAlign, sizeAlign = 1, 1, 1
	if c == nil {
		return
	}
	if c.OffsetAlign > 1 {
		offsetAlign = c.OffsetAlign
	}
	if c.StrideAlign > 1 {
		strideAlign = c.StrideAlign
	}
	if c.SizeAlign > 1 {
		sizeAlign = c.SizeAlign
	}
	return
}

// merge folds another constraint into this one. Alignments must be multiples
// of each other between the two sources; mismatches are programming errors in
// the backend that produced them.
func (c *Constraint) merge(other *Constraint) {
	if other == nil {
		return
	}

	if c.OffsetAlign < other.OffsetAlign {
		if c.OffsetAlign > 1 && other.OffsetAlign%c.OffsetAlign != 0 {
			panic("merging constraints with incompatible offset alignments")
		}
		c.OffsetAlign = other.OffsetAlign
	}
	if c.StrideAlign < other.StrideAlign {
		if c.StrideAlign > 1 && other.StrideAlign%c.StrideAlign != 0 {
			panic("merging constraints with incompatible stride alignments")
		}
		c.StrideAlign = other.StrideAlign
	}
	if c.SizeAlign < other.SizeAlign {
		if c.SizeAlign > 1 && other.SizeAlign%c.SizeAlign != 0 {
			panic("merging constraints with incompatible size alignments")
		}
		c.SizeAlign = other.SizeAlign
	}

	if len(other.Modifiers) != 0 {
		if len(c.Modifiers) != 0 {
			panic("merging two constraints that both restrict modifiers")
		}
		c.Modifiers = other.Modifiers
	}
}

// ResolveLayout computes a packed linear layout for the class at the given
// extent, honoring the constraint. Backends without their own layout logic
// use it as the layout resolver; image classes must support ModifierLinear.
func ResolveLayout(class *Class, extent Extent, con *Constraint) (Layout, error) {
	switch e := extent.(type) {
	case BufferExtent:
		// Buffers are one plane with stride == size, including any size
		// rounding the constraint mandates.
		_, _, sizeAlign := con.alignments()
		size := memutils.NextMultipleOf(e.Size, sizeAlign)
		return Layout{
			Size:       size,
			Modifier:   ModifierInvalid,
			PlaneCount: 1,
			Strides:    [MaxPlanes]int{size},
		}, nil
	case ImageExtent:
		modifiers := class.Modifiers
		if con != nil && len(con.Modifiers) != 0 {
			modifiers = con.Modifiers
		}
		linear := false
		for _, m := range modifiers {
			if m.isLinear() {
				linear = true
				break
			}
		}
		if !linear {
			return Layout{}, errors.Wrapf(ErrConstraintUnsatisfiable,
				"packed layout resolution requires linear support for format %s", class.Format)
		}
		return packedLayout(class.Format, e.Width, e.Height, con)
	}

	return Layout{}, errors.Wrap(ErrInvalidState, "extent is neither a buffer nor an image")
}
