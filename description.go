package hbm

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Description declares the pixel/byte layout a buffer object is requested with.
// FormatGeneric together with ModifierAny denotes a non-pixel linear byte
// buffer. A Description is immutable once a buffer object is created from it,
// except that ModifierAny is narrowed to the resolved modifier no later than
// bind time.
type Description struct {
	Flags    Flags
	Format   Format
	Modifier Modifier
}

// IsBuffer reports whether the description denotes a raw byte buffer rather
// than an image.
func (d Description) IsBuffer() bool {
	return d.Format == FormatGeneric
}

// Validate rejects descriptions that pair a generic format with a concrete
// modifier; modifiers are properties of pixel formats.
func (d Description) Validate() error {
	if d.IsBuffer() && d.Modifier != ModifierAny {
		return errors.Wrapf(ErrInvalidUsage, "generic buffer description carries modifier %s", d.Modifier)
	}
	return nil
}

func (d Description) String() string {
	return fmt.Sprintf("{flags: %s, format: %s, modifier: %s}", d.Flags, d.Format, d.Modifier)
}

type extentKind int8

const (
	extentBuffer extentKind = iota
	extentImage
)

// Extent is the size of a buffer object: a byte length for generic buffers, or
// pixel dimensions for images. It is a tagged union; construct it only with
// BufferExtent or ImageExtent, and access only the variant matching the
// description's format. Invalid variant access panics rather than misreading.
type Extent struct {
	kind   extentKind
	size   int
	width  int
	height int
}

// BufferExtent returns the extent of a generic buffer of size bytes.
func BufferExtent(size int) Extent {
	return Extent{kind: extentBuffer, size: size}
}

// ImageExtent returns the extent of a width x height image.
func ImageExtent(width, height int) Extent {
	return Extent{kind: extentImage, width: width, height: height}
}

// IsBuffer reports whether this is the byte-length variant.
func (e Extent) IsBuffer() bool {
	return e.kind == extentBuffer
}

// Size returns the byte length of a buffer extent.
func (e Extent) Size() int {
	if e.kind != extentBuffer {
		panic("hbm: Size called on an image extent")
	}
	return e.size
}

// Width returns the pixel width of an image extent.
func (e Extent) Width() int {
	if e.kind != extentImage {
		panic("hbm: Width called on a buffer extent")
	}
	return e.width
}

// Height returns the pixel height of an image extent.
func (e Extent) Height() int {
	if e.kind != extentImage {
		panic("hbm: Height called on a buffer extent")
	}
	return e.height
}

// IsEmpty reports whether the extent covers no bytes or no pixels.
func (e Extent) IsEmpty() bool {
	if e.kind == extentBuffer {
		return e.size <= 0
	}
	return e.width <= 0 || e.height <= 0
}

// maxExtent is the identity element for Intersect.
func maxExtent(isBuffer bool) Extent {
	if isBuffer {
		return BufferExtent(int(^uint(0) >> 1))
	}
	return ImageExtent(int(^uint(0)>>1), int(^uint(0)>>1))
}

// Intersect clamps the extent to another of the same variant.
func (e Extent) Intersect(other Extent) Extent {
	if e.kind != other.kind {
		panic("hbm: Intersect on mismatched extent variants")
	}

	if e.kind == extentBuffer {
		if other.size < e.size {
			e.size = other.size
		}
		return e
	}

	if other.width < e.width {
		e.width = other.width
	}
	if other.height < e.height {
		e.height = other.height
	}
	return e
}

// Matches verifies that the extent variant agrees with the description: buffer
// extents for generic descriptions, image extents otherwise.
func (e Extent) Matches(desc Description) bool {
	return e.IsBuffer() == desc.IsBuffer()
}

func (e Extent) String() string {
	if e.kind == extentBuffer {
		return fmt.Sprintf("Buffer(%d)", e.size)
	}
	return fmt.Sprintf("Image(%dx%d)", e.width, e.height)
}
