package hbm

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hbmgo/hbm/memutils"
)

// MaxPlanes is the largest memory plane count any supported format requires.
const MaxPlanes = 4

// Layout is the physical memory layout of a buffer object: total size, resolved
// modifier, and per-plane strides and byte offsets. A generic buffer always has
// one plane with stride == size and offset == 0. Layout is defined and stable
// for the lifetime of a bound buffer object.
type Layout struct {
	Size       int
	Modifier   Modifier
	PlaneCount int
	Offsets    [MaxPlanes]int
	Strides    [MaxPlanes]int
}

// Validate performs structural sanity checks: a positive size, a plane count in
// range, and offsets within the allocation.
func (l *Layout) Validate() error {
	if l.Size <= 0 {
		return errors.Wrapf(ErrInvalidUsage, "layout size %d is not positive", l.Size)
	}
	if l.PlaneCount < 1 || l.PlaneCount > MaxPlanes {
		return errors.Wrapf(ErrInvalidUsage, "layout plane count %d is out of range", l.PlaneCount)
	}
	for plane := 0; plane < l.PlaneCount; plane++ {
		if l.Offsets[plane] < 0 || l.Offsets[plane] > l.Size {
			return errors.Wrapf(ErrInvalidUsage, "plane %d offset %d exceeds layout size %d",
				plane, l.Offsets[plane], l.Size)
		}
		if l.Strides[plane] < 0 {
			return errors.Wrapf(ErrInvalidUsage, "plane %d stride %d is negative", plane, l.Strides[plane])
		}
	}
	return nil
}

// Fit reports whether this layout satisfies the alignment constraint. The size
// alignment is interpreted as a minimum plane size rather than a divisibility
// requirement on the final offset, matching what allocators that pad planes
// actually need.
func (l *Layout) Fit(con *Constraint) bool {
	if con == nil {
		return true
	}

	if con.OffsetAlign > 1 {
		for plane := 0; plane < l.PlaneCount; plane++ {
			if l.Offsets[plane]%int(con.OffsetAlign) != 0 {
				return false
			}
		}
	}

	if con.StrideAlign > 1 {
		for plane := 0; plane < l.PlaneCount; plane++ {
			if l.Strides[plane]%int(con.StrideAlign) != 0 {
				return false
			}
		}
	}

	if con.SizeAlign > 1 {
		sorted := make([]int, l.PlaneCount)
		copy(sorted, l.Offsets[:l.PlaneCount])
		sort.Ints(sorted)

		for plane := 0; plane < l.PlaneCount; plane++ {
			nextOffset := l.Size
			if plane < l.PlaneCount-1 {
				nextOffset = sorted[plane+1]
			}

			if nextOffset-sorted[plane] < int(con.SizeAlign) {
				return false
			}
		}
	}

	return true
}

// Constraint expresses alignment requirements on a resolved layout, plus an
// optional restriction of the acceptable modifier set. Backends contribute
// constraints during capability probing; callers may add their own at buffer
// object creation. Alignment values below 2 are no-ops.
type Constraint struct {
	OffsetAlign uint
	StrideAlign uint
	SizeAlign   uint

	Modifiers []Modifier
}

func (c *Constraint) offsetAlign() uint {
	if c == nil || c.OffsetAlign < 1 {
		return 1
	}
	return c.OffsetAlign
}

func (c *Constraint) strideAlign() uint {
	if c == nil || c.StrideAlign < 1 {
		return 1
	}
	return c.StrideAlign
}

func (c *Constraint) sizeAlign() uint {
	if c == nil || c.SizeAlign < 1 {
		return 1
	}
	return c.SizeAlign
}

// Merge folds another constraint into this one. Alignments must be mutually
// divisible; merging 8-byte and 12-byte stride alignment has no single answer
// and is reported as unsupported. Only one side may restrict modifiers.
func (c *Constraint) Merge(other *Constraint) error {
	if other == nil {
		return nil
	}

	merge := func(mine *uint, theirs uint) error {
		if theirs <= *mine {
			return nil
		}
		if *mine > 1 && theirs%*mine != 0 {
			return errors.Wrapf(ErrUnsupportedConstraint,
				"alignment %d is not a multiple of alignment %d", theirs, *mine)
		}
		*mine = theirs
		return nil
	}

	if err := merge(&c.OffsetAlign, other.offsetAlign()); err != nil {
		return err
	}
	if err := merge(&c.StrideAlign, other.strideAlign()); err != nil {
		return err
	}
	if err := merge(&c.SizeAlign, other.sizeAlign()); err != nil {
		return err
	}

	if len(other.Modifiers) != 0 {
		if len(c.Modifiers) != 0 {
			return errors.Wrap(ErrUnsupportedConstraint, "both constraints restrict modifiers")
		}
		c.Modifiers = other.Modifiers
	}

	return nil
}

// PackedLayout computes the tightly-packed linear layout for a description and
// extent under an optional constraint. Images require the linear modifier; the
// engine never computes layouts for tiled modifiers, those come from backends.
func PackedLayout(desc Description, extent Extent, con *Constraint) (Layout, error) {
	if desc.IsBuffer() {
		size := memutils.AlignUp(extent.Size(), con.sizeAlign())
		return Layout{
			Size:       size,
			Modifier:   ModifierLinear,
			PlaneCount: 1,
			Strides:    [MaxPlanes]int{size},
		}, nil
	}

	info, err := desc.Format.Info()
	if err != nil {
		return Layout{}, err
	}

	layout := Layout{
		Modifier:   ModifierLinear,
		PlaneCount: info.PlaneCount,
	}

	offset := 0
	for plane := 0; plane < info.PlaneCount; plane++ {
		blockWidth := info.BlockExtent[plane][0]
		blockHeight := info.BlockExtent[plane][1]

		widthBlocks := memutils.DivCeil(extent.Width(), blockWidth)
		heightBlocks := memutils.DivCeil(extent.Height(), blockHeight)

		offset = memutils.AlignUp(offset, con.offsetAlign())

		stride := memutils.AlignUp(widthBlocks*info.BlockSize[plane], con.strideAlign())
		size := memutils.AlignUp(stride*heightBlocks, con.sizeAlign())

		layout.Offsets[plane] = offset
		layout.Strides[plane] = stride
		offset += size
	}

	layout.Size = offset
	return layout, nil
}
