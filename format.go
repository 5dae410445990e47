package hbm

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Format is a 32-bit DRM fourcc pixel format. The zero value, FormatGeneric,
// denotes a non-pixel linear byte buffer.
type Format uint32

// Modifier is a 64-bit DRM format modifier describing a tiling or compression
// layout beyond plain row-major packing.
type Modifier uint64

func fourccCode(a, b, c, d byte) Format {
	return Format(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

const (
	// FormatGeneric marks a buffer description rather than an image description.
	FormatGeneric Format = 0

	FormatR8            = Format(0x20203852) // 'R8  '
	FormatR16           = Format(0x20363152) // 'R16 '
	FormatGR88          = Format(0x38385247) // 'GR88'
	FormatRGB565        = Format(0x36314752) // 'RG16'
	FormatBGR565        = Format(0x36314742) // 'BG16'
	FormatRGB888        = Format(0x34325247) // 'RG24'
	FormatBGR888        = Format(0x34324742) // 'BG24'
	FormatARGB8888      = Format(0x34325241) // 'AR24'
	FormatXRGB8888      = Format(0x34325258) // 'XR24'
	FormatABGR8888      = Format(0x34324241) // 'AB24'
	FormatXBGR8888      = Format(0x34324258) // 'XB24'
	FormatARGB2101010   = Format(0x30335241) // 'AR30'
	FormatXRGB2101010   = Format(0x30335258) // 'XR30'
	FormatABGR2101010   = Format(0x30334241) // 'AB30'
	FormatXBGR2101010   = Format(0x30334258) // 'XB30'
	FormatABGR16161616F = Format(0x48344241) // 'AB4H'
	FormatYUYV          = Format(0x56595559) // 'YUYV'
	FormatUYVY          = Format(0x59565955) // 'UYVY'
	FormatNV12          = Format(0x3231564e) // 'NV12'
	FormatNV21          = Format(0x3132564e) // 'NV21'
	FormatP010          = Format(0x30313050) // 'P010'
	FormatP016          = Format(0x36313050) // 'P016'
	FormatYUV420        = Format(0x32315559) // 'YU12'
	FormatYVU420        = Format(0x32315659) // 'YV12'
)

const (
	// ModifierLinear is plain row-major packing.
	ModifierLinear Modifier = 0

	// ModifierAny requests resolution to any modifier a backend supports. It uses
	// the DRM_FORMAT_MOD_INVALID encoding (vendor NONE, reserved value).
	ModifierAny Modifier = (1 << 56) - 1
)

var formatNames = map[Format]string{
	FormatR8:            "R8",
	FormatR16:           "R16",
	FormatGR88:          "GR88",
	FormatRGB565:        "RGB565",
	FormatBGR565:        "BGR565",
	FormatRGB888:        "RGB888",
	FormatBGR888:        "BGR888",
	FormatARGB8888:      "ARGB8888",
	FormatXRGB8888:      "XRGB8888",
	FormatABGR8888:      "ABGR8888",
	FormatXBGR8888:      "XBGR8888",
	FormatARGB2101010:   "ARGB2101010",
	FormatXRGB2101010:   "XRGB2101010",
	FormatABGR2101010:   "ABGR2101010",
	FormatXBGR2101010:   "XBGR2101010",
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

func (f Format) String() string {
	if f == FormatGeneric {
		return "GENERIC"
	}
	if name, ok := formatNames[f]; ok {
		return name
	}

	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return fmt.Sprintf("'%s'", b)
}

func (m Modifier) String() string {
	switch m {
	case ModifierLinear:
		return "LINEAR"
	case ModifierAny:
		return "ANY"
	}
	return fmt.Sprintf("0x%016x", uint64(m))
}

// FormatInfo describes the memory geometry of a pixel format: how many planes it
// occupies, and per plane the size and pixel extent of one block. This follows
// the Vulkan format compatibility classes.
type FormatInfo struct {
	PlaneCount  int
	BlockSize   [3]int
	BlockExtent [3][2]int
}

var (
	class1B        = FormatInfo{PlaneCount: 1, BlockSize: [3]int{1}, BlockExtent: [3][2]int{{1, 1}, {1, 1}, {1, 1}}}
	class2B        = FormatInfo{PlaneCount: 1, BlockSize: [3]int{2}, BlockExtent: class1B.BlockExtent}
	class3B        = FormatInfo{PlaneCount: 1, BlockSize: [3]int{3}, BlockExtent: class1B.BlockExtent}
	class4B        = FormatInfo{PlaneCount: 1, BlockSize: [3]int{4}, BlockExtent: class1B.BlockExtent}
	class8B        = FormatInfo{PlaneCount: 1, BlockSize: [3]int{8}, BlockExtent: class1B.BlockExtent}
	class422Pack4B = FormatInfo{PlaneCount: 1, BlockSize: [3]int{4}, BlockExtent: [3][2]int{{2, 1}, {1, 1}, {1, 1}}}
	class420Bi3B   = FormatInfo{PlaneCount: 2, BlockSize: [3]int{1, 2}, BlockExtent: [3][2]int{{1, 1}, {2, 2}, {1, 1}}}
	class420Bi6B   = FormatInfo{PlaneCount: 2, BlockSize: [3]int{2, 4}, BlockExtent: class420Bi3B.BlockExtent}
	class420Tri3B  = FormatInfo{PlaneCount: 3, BlockSize: [3]int{1, 1, 1}, BlockExtent: [3][2]int{{1, 1}, {2, 2}, {2, 2}}}
)

var formatInfos = map[Format]*FormatInfo{
	FormatR8:            &class1B,
	FormatR16:           &class2B,
	FormatGR88:          &class2B,
	FormatRGB565:        &class2B,
	FormatBGR565:        &class2B,
	FormatRGB888:        &class3B,
	FormatBGR888:        &class3B,
	FormatARGB8888:      &class4B,
	FormatXRGB8888:      &class4B,
	FormatABGR8888:      &class4B,
	FormatXBGR8888:      &class4B,
	FormatARGB2101010:   &class4B,
	FormatXRGB2101010:   &class4B,
	FormatABGR2101010:   &class4B,
	FormatXBGR2101010:   &class4B,
	FormatABGR16161616F: &class8B,
	FormatYUYV:          &class422Pack4B,
	FormatUYVY:          &class422Pack4B,
	FormatNV12:          &class420Bi3B,
	FormatNV21:          &class420Bi3B,
	FormatP010:          &class420Bi6B,
	FormatP016:          &class420Bi6B,
	FormatYUV420:        &class420Tri3B,
	FormatYVU420:        &class420Tri3B,
}

// Info returns the memory geometry of a pixel format. FormatGeneric and unknown
// fourcc values have no geometry.
func (f Format) Info() (*FormatInfo, error) {
	info, ok := formatInfos[f]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedConstraint, "format %s has no known plane geometry", f)
	}
	return info, nil
}
