package hbm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hbm/memutils"
)

// DRM fourcc codes from drm_fourcc.h.
const (
	FormatInvalid Format = 0

	FormatR8            Format = 'R' | '8'<<8 | ' '<<16 | ' '<<24
	FormatBGR565        Format = 'B' | 'G'<<8 | '1'<<16 | '6'<<24
	FormatRGB565        Format = 'R' | 'G'<<8 | '1'<<16 | '6'<<24
	FormatGR88          Format = 'G' | 'R'<<8 | '8'<<16 | '8'<<24
	FormatR16           Format = 'R' | '1'<<8 | '6'<<16 | ' '<<24
	FormatBGR888        Format = 'B' | 'G'<<8 | '2'<<16 | '4'<<24
	FormatRGB888        Format = 'R' | 'G'<<8 | '2'<<16 | '4'<<24
	FormatABGR8888      Format = 'A' | 'B'<<8 | '2'<<16 | '4'<<24
	FormatXBGR8888      Format = 'X' | 'B'<<8 | '2'<<16 | '4'<<24
	FormatARGB8888      Format = 'A' | 'R'<<8 | '2'<<16 | '4'<<24
	FormatXRGB8888      Format = 'X' | 'R'<<8 | '2'<<16 | '4'<<24
	FormatABGR2101010   Format = 'A' | 'B'<<8 | '3'<<16 | '0'<<24
	FormatXBGR2101010   Format = 'X' | 'B'<<8 | '3'<<16 | '0'<<24
	FormatARGB2101010   Format = 'A' | 'R'<<8 | '3'<<16 | '0'<<24
	FormatXRGB2101010   Format = 'X' | 'R'<<8 | '3'<<16 | '0'<<24
	FormatABGR16161616F Format = 'A' | 'B'<<8 | '4'<<16 | 'H'<<24
	FormatYUYV          Format = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	FormatUYVY          Format = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	FormatNV12          Format = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	FormatNV21          Format = 'N' | 'V'<<8 | '2'<<16 | '1'<<24
	FormatP010          Format = 'P' | '0'<<8 | '1'<<16 | '0'<<24
	FormatP016          Format = 'P' | '0'<<8 | '1'<<16 | '6'<<24
	FormatYUV420        Format = 'Y' | 'U'<<8 | '1'<<16 | '2'<<24
	FormatYVU420        Format = 'Y' | 'V'<<8 | '1'<<16 | '2'<<24
)

const (
	ModifierLinear Modifier = 0
	// ModifierInvalid is the DRM "reserved" modifier, used as the
	// unconstrained sentinel.
	ModifierInvalid Modifier = 1<<56 - 1
)

var formatNames = map[Format]string{
	FormatR8:            "R8",
	FormatBGR565:        "BGR565",
	FormatRGB565:        "RGB565",
	FormatGR88:          "GR88",
	FormatR16:           "R16",
	FormatBGR888:        "BGR888",
	FormatRGB888:        "RGB888",
	FormatABGR8888:      "ABGR8888",
	FormatXBGR8888:      "XBGR8888",
	FormatARGB8888:      "ARGB8888",
	FormatXRGB8888:      "XRGB8888",
	FormatABGR2101010:   "ABGR2101010",
	FormatXBGR2101010:   "XBGR2101010",
	FormatARGB2101010:   "ARGB2101010",
	FormatXRGB2101010:   "XRGB2101010",
	FormatABGR16161616F: "ABGR16161616F",
	FormatYUYV:          "YUYV",
	FormatUYVY:          "UYVY",
	FormatNV12:          "NV12",
	FormatNV21:          "NV21",
	FormatP010:          "P010",
	FormatP016:          "P016",
	FormatYUV420:        "YUV420",
	FormatYVU420:        "YVU420",
}

// formatClass describes the per-plane byte layout of a format, following the
// Vulkan format compatibility classes.
type formatClass struct {
	planeCount  int
	blockSize   [3]int
	blockExtent [3][2]int
}

var (
	formatClass1B = formatClass{
		planeCount:  1,
		blockSize:   [3]int{1, 0, 0},
		blockExtent: [3][2]int{{1, 1}, {1, 1}, {1, 1}},
	}
	formatClass2B = formatClass{
		planeCount:  1,
		blockSize:   [3]int{2, 0, 0},
		blockExtent: [3][2]int{{1, 1}, {1, 1}, {1, 1}},
	}
	formatClass3B = formatClass{
		planeCount:  1,
		blockSize:   [3]int{3, 0, 0},
		blockExtent: [3][2]int{{1, 1}, {1, 1}, {1, 1}},
	}
	formatClass4B = formatClass{
		planeCount:  1,
		blockSize:   [3]int{4, 0, 0},
		blockExtent: [3][2]int{{1, 1}, {1, 1}, {1, 1}},
	}
	formatClass8B = formatClass{
		planeCount:  1,
		blockSize:   [3]int{8, 0, 0},
		blockExtent: [3][2]int{{1, 1}, {1, 1}, {1, 1}},
	}
	formatClass1Plane4224B = formatClass{
		planeCount:  1,
		blockSize:   [3]int{4, 0, 0},
		blockExtent: [3][2]int{{2, 1}, {1, 1}, {1, 1}},
	}
	formatClass2Plane4203B = formatClass{
		planeCount:  2,
		blockSize:   [3]int{1, 2, 0},
		blockExtent: [3][2]int{{1, 1}, {2, 2}, {1, 1}},
	}
	formatClass2Plane4206B = formatClass{
		planeCount:  2,
		blockSize:   [3]int{2, 4, 0},
		blockExtent: [3][2]int{{1, 1}, {2, 2}, {1, 1}},
	}
	formatClass3Plane4203B = formatClass{
		planeCount:  3,
		blockSize:   [3]int{1, 1, 1},
		blockExtent: [3][2]int{{1, 1}, {2, 2}, {2, 2}},
	}
)

var formatClasses = map[Format]*formatClass{
	FormatR8:            &formatClass1B,
	FormatBGR565:        &formatClass2B,
	FormatRGB565:        &formatClass2B,
	FormatGR88:          &formatClass2B,
	FormatR16:           &formatClass2B,
	FormatBGR888:        &formatClass3B,
	FormatRGB888:        &formatClass3B,
	FormatABGR8888:      &formatClass4B,
	FormatXBGR8888:      &formatClass4B,
	FormatARGB8888:      &formatClass4B,
	FormatXRGB8888:      &formatClass4B,
	FormatABGR2101010:   &formatClass4B,
	FormatXBGR2101010:   &formatClass4B,
	FormatARGB2101010:   &formatClass4B,
	FormatXRGB2101010:   &formatClass4B,
	FormatABGR16161616F: &formatClass8B,
	FormatYUYV:          &formatClass1Plane4224B,
	FormatUYVY:          &formatClass1Plane4224B,
	FormatNV12:          &formatClass2Plane4203B,
	FormatNV21:          &formatClass2Plane4203B,
	FormatP010:          &formatClass2Plane4206B,
	FormatP016:          &formatClass2Plane4206B,
	FormatYUV420:        &formatClass3Plane4203B,
	FormatYVU420:        &formatClass3Plane4203B,
}

func classOfFormat(format Format) (*formatClass, error) {
	class, ok := formatClasses[format]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "format %s is not in the format table", format)
	}
	return class, nil
}

// FormatPlaneCount returns the number of format planes, which is a property
// of the format alone. The memory plane count for a (format, modifier) pair
// is answered by Device.PlaneCount.
func FormatPlaneCount(format Format) (int, error) {
	class, err := classOfFormat(format)
	if err != nil {
		return 0, err
	}
	return class.planeCount, nil
}

// FormatBlockSize returns the byte size of one block of the given plane.
func FormatBlockSize(format Format, plane int) (int, error) {
	class, err := classOfFormat(format)
	if err != nil {
		return 0, err
	}
	if plane < 0 || plane >= class.planeCount {
		return 0, errors.Wrapf(ErrInvalidLayout, "format %s has no plane %d", format, plane)
	}
	return class.blockSize[plane], nil
}

// FormatBlockExtent returns the pixel width and height covered by one block
// of the given plane.
func FormatBlockExtent(format Format, plane int) (int, int, error) {
	class, err := classOfFormat(format)
	if err != nil {
		return 0, 0, err
	}
	if plane < 0 || plane >= class.planeCount {
		return 0, 0, errors.Wrapf(ErrInvalidLayout, "format %s has no plane %d", format, plane)
	}
	return class.blockExtent[plane][0], class.blockExtent[plane][1], nil
}

// packedLayout computes a linear, sequentially laid out plane arrangement for
// the format at the given pixel extent, honoring the constraint alignments.
func packedLayout(format Format, width, height int, con *Constraint) (Layout, error) {
	class, err := classOfFormat(format)
	if err != nil {
		return Layout{}, err
	}

	offsetAlign, strideAlign, sizeAlign := con.alignments()

	layout := Layout{
		Modifier:   ModifierLinear,
		PlaneCount: class.planeCount,
	}

	offset := 0
	for plane := 0; plane < class.planeCount; plane++ {
		blockWidth := class.blockExtent[plane][0]
		blockHeight := class.blockExtent[plane][1]
		blockSize := class.blockSize[plane]

		planeWidth := (width + blockWidth - 1) / blockWidth
		planeHeight := (height + blockHeight - 1) / blockHeight

		offset = memutils.NextMultipleOf(offset, offsetAlign)
		stride := memutils.NextMultipleOf(planeWidth*blockSize, strideAlign)
		size := memutils.NextMultipleOf(stride*planeHeight, sizeAlign)

		layout.Offsets[plane] = offset
		layout.Strides[plane] = stride
		offset += size
	}

	layout.Size = offset
	return layout, nil
}
