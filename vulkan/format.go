package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/hbm"
)

// vulkanFormats maps the single-plane DRM formats to the Vulkan formats with
// the same byte layout. DRM names read from the most to the least significant
// bit of a little-endian word, Vulkan names in memory byte order, which is
// why the channel orders look reversed.
var vulkanFormats = map[hbm.Format]core1_0.Format{
	hbm.FormatR8:            core1_0.FormatR8UnsignedNormalized,
	hbm.FormatGR88:          core1_0.FormatR8G8UnsignedNormalized,
	hbm.FormatR16:           core1_0.FormatR16UnsignedNormalized,
	hbm.FormatRGB565:        core1_0.FormatR5G6B5UnsignedNormalizedPacked,
	hbm.FormatBGR565:        core1_0.FormatB5G6R5UnsignedNormalizedPacked,
	hbm.FormatRGB888:        core1_0.FormatB8G8R8UnsignedNormalized,
	hbm.FormatBGR888:        core1_0.FormatR8G8B8UnsignedNormalized,
	hbm.FormatABGR8888:      core1_0.FormatR8G8B8A8UnsignedNormalized,
	hbm.FormatXBGR8888:      core1_0.FormatR8G8B8A8UnsignedNormalized,
	hbm.FormatARGB8888:      core1_0.FormatB8G8R8A8UnsignedNormalized,
	hbm.FormatXRGB8888:      core1_0.FormatB8G8R8A8UnsignedNormalized,
	hbm.FormatABGR2101010:   core1_0.FormatA2B10G10R10UnsignedNormalizedPacked,
	hbm.FormatXBGR2101010:   core1_0.FormatA2B10G10R10UnsignedNormalizedPacked,
	hbm.FormatARGB2101010:   core1_0.FormatA2R10G10B10UnsignedNormalizedPacked,
	hbm.FormatXRGB2101010:   core1_0.FormatA2R10G10B10UnsignedNormalizedPacked,
	hbm.FormatABGR16161616F: core1_0.FormatR16G16B16A16SignedFloat,
}

func vulkanFormat(format hbm.Format) (core1_0.Format, error) {
	vkFormat, ok := vulkanFormats[format]
	if !ok {
		return 0, errors.Wrapf(hbm.ErrUnsupported, "format %s has no single-plane Vulkan equivalent", format)
	}
	return vkFormat, nil
}
