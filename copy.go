package hbm

import (
	cerrors "github.com/cockroachdb/errors"
)

// BufferCopy is a byte range copied between two generic buffers.
type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

// BufferImageCopy addresses one rectangular region of a single image plane and
// the buffer bytes backing it. X, Y, Width, and Height are in pixel blocks of
// the plane. Offset is the byte position of the region's first row in the
// buffer and Stride its row pitch there; both must be multiples of the plane's
// block size.
type BufferImageCopy struct {
	Offset int
	Stride int

	Plane  int
	X      int
	Y      int
	Width  int
	Height int
}

// CopyOptions are the optional parameters of the copy operations. The zero
// value requests a synchronous copy with no dependency.
type CopyOptions struct {
	// FenceIn, when non-nil, must signal before the copy executes. Borrowed;
	// the caller retains ownership.
	FenceIn *Fence
	// Async requests a fence signaled on completion instead of blocking. Copies
	// that complete on the CPU return an already-signaled fence.
	Async bool
}

// copyEnd snapshots the per-side state a copy needs from a buffer object.
type copyEnd struct {
	handle   Handle
	backend  Backend
	desc     Description
	extent   Extent
	coherent bool
	mappable bool
}

func (b *BufferObject) snapshotForCopy() (copyEnd, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if err := b.checkAlive(); err != nil {
		return copyEnd{}, err
	}
	if b.desc.Flags&FlagCopy == 0 {
		return copyEnd{}, cerrors.Wrap(ErrInvalidUsage, "copy requires FlagCopy on the description")
	}
	if !b.bound {
		return copyEnd{}, cerrors.Wrap(ErrInvalidUsage, "copy requires bound memory")
	}

	return copyEnd{
		handle:   b.handle,
		backend:  b.backend,
		desc:     b.desc,
		extent:   b.extent,
		coherent: b.memoryType.Flags&MemoryCoherent != 0,
		mappable: b.memoryType.Flags&MemoryMappable != 0,
	}, nil
}

// CopyBuffer copies a byte range from one generic buffer to another. Both
// buffer objects must be bound and created with FlagCopy. The copy runs on the
// backend when both ends share one with an accelerated path, otherwise through
// temporary CPU mappings. Returns a completion fence when opts.Async is set.
func CopyBuffer(dst, src *BufferObject, region BufferCopy, opts CopyOptions) (*Fence, error) {
	dstEnd, err := dst.snapshotForCopy()
	if err != nil {
		return nil, err
	}
	srcEnd, err := src.snapshotForCopy()
	if err != nil {
		return nil, err
	}
	if !dstEnd.desc.IsBuffer() || !srcEnd.desc.IsBuffer() {
		return nil, cerrors.Wrap(ErrInvalidUsage, "CopyBuffer requires two generic buffers")
	}

	srcSize := srcEnd.extent.Size()
	dstSize := dstEnd.extent.Size()
	if region.Size <= 0 ||
		region.SrcOffset < 0 || region.SrcOffset > srcSize || region.Size > srcSize-region.SrcOffset ||
		region.DstOffset < 0 || region.DstOffset > dstSize || region.Size > dstSize-region.DstOffset {
		return nil, cerrors.Wrapf(ErrSizeMismatch, "copy of %d bytes at src %d / dst %d exceeds extents %d / %d",
			region.Size, region.SrcOffset, region.DstOffset, srcSize, dstSize)
	}

	if blitter, ok := dstEnd.backend.(Blitter); ok && dstEnd.backend == srcEnd.backend {
		fence, err := blitter.CopyBuffer(dstEnd.handle, srcEnd.handle, region, opts.FenceIn)
		if err == nil {
			return finishFence(fence, opts)
		}
		if !cerrors.Is(err, ErrCopyUnsupported) {
			return nil, err
		}
	}

	return cpuCopy(dstEnd, srcEnd, opts, func(dstData, srcData []byte) {
		copy(dstData[region.DstOffset:region.DstOffset+region.Size],
			srcData[region.SrcOffset:region.SrcOffset+region.Size])
	})
}

// CopyBufferToImage copies rows from a generic buffer into a rectangular region
// of one image plane.
func CopyBufferToImage(dst, src *BufferObject, region BufferImageCopy, opts CopyOptions) (*Fence, error) {
	return copyBufferImage(dst, src, region, opts, true)
}

// CopyImageToBuffer copies a rectangular region of one image plane into rows of
// a generic buffer.
func CopyImageToBuffer(dst, src *BufferObject, region BufferImageCopy, opts CopyOptions) (*Fence, error) {
	return copyBufferImage(dst, src, region, opts, false)
}

func copyBufferImage(dst, src *BufferObject, region BufferImageCopy, opts CopyOptions, imageIsDst bool) (*Fence, error) {
	dstEnd, err := dst.snapshotForCopy()
	if err != nil {
		return nil, err
	}
	srcEnd, err := src.snapshotForCopy()
	if err != nil {
		return nil, err
	}

	imageEnd, bufferEnd := dstEnd, srcEnd
	if !imageIsDst {
		imageEnd, bufferEnd = srcEnd, dstEnd
	}
	if imageEnd.desc.IsBuffer() || !bufferEnd.desc.IsBuffer() {
		return nil, cerrors.Wrap(ErrInvalidUsage, "buffer/image copy requires one image and one generic buffer")
	}

	info, err := imageEnd.desc.Format.Info()
	if err != nil {
		return nil, err
	}
	if region.Plane < 0 || region.Plane >= info.PlaneCount {
		return nil, cerrors.Wrapf(ErrInvalidUsage, "plane %d out of range for format %s", region.Plane, imageEnd.desc.Format)
	}

	blockSize := info.BlockSize[region.Plane]
	widthBlocks := imageEnd.extent.Width() / info.BlockExtent[region.Plane][0]
	heightBlocks := imageEnd.extent.Height() / info.BlockExtent[region.Plane][1]
	bufferSize := bufferEnd.extent.Size()

	if region.Offset < 0 || region.Stride < 0 ||
		region.Offset%blockSize != 0 || region.Stride%blockSize != 0 ||
		region.Stride/blockSize < region.Width {
		return nil, cerrors.Wrapf(ErrInvalidUsage, "buffer addressing misaligned for plane block size %d", blockSize)
	}
	if region.Width <= 0 || region.Height <= 0 ||
		region.Offset > bufferSize || region.Stride > (bufferSize-region.Offset)/region.Height ||
		region.X < 0 || region.Y < 0 ||
		region.X > widthBlocks || region.Y > heightBlocks ||
		region.Width > widthBlocks-region.X || region.Height > heightBlocks-region.Y {
		return nil, cerrors.Wrapf(ErrSizeMismatch, "copy region %dx%d at (%d,%d) exceeds image %dx%d or buffer %d bytes",
			region.Width, region.Height, region.X, region.Y, widthBlocks, heightBlocks, bufferSize)
	}

	if blitter, ok := dstEnd.backend.(Blitter); ok && dstEnd.backend == srcEnd.backend {
		fence, err := blitter.CopyBufferImage(dstEnd.handle, srcEnd.handle, region, opts.FenceIn)
		if err == nil {
			return finishFence(fence, opts)
		}
		if !cerrors.Is(err, ErrCopyUnsupported) {
			return nil, err
		}
	}

	imageLayout := imageEnd.handle.Layout()
	imageStride := imageLayout.Strides[region.Plane]
	imageBase := imageLayout.Offsets[region.Plane] + region.Y*imageStride + region.X*blockSize
	rowBytes := region.Width * blockSize

	return cpuCopy(dstEnd, srcEnd, opts, func(dstData, srcData []byte) {
		imageData, bufferData := dstData, srcData
		if !imageIsDst {
			imageData, bufferData = srcData, dstData
		}

		for row := 0; row < region.Height; row++ {
			imageOff := imageBase + row*imageStride
			bufferOff := region.Offset + row*region.Stride

			if imageIsDst {
				copy(imageData[imageOff:imageOff+rowBytes], bufferData[bufferOff:bufferOff+rowBytes])
			} else {
				copy(bufferData[bufferOff:bufferOff+rowBytes], imageData[imageOff:imageOff+rowBytes])
			}
		}
	})
}

// cpuCopy runs a copy through temporary mappings of both ends. The mappings are
// independent of any mapping the caller holds via Map.
func cpuCopy(dst, src copyEnd, opts CopyOptions, transfer func(dstData, srcData []byte)) (*Fence, error) {
	if !dst.mappable || !src.mappable {
		return nil, cerrors.Wrap(ErrCopyUnsupported, "no backend copy path and an end is not CPU-mappable")
	}

	if opts.FenceIn != nil {
		if err := opts.FenceIn.Wait(); err != nil {
			return nil, err
		}
	}

	srcData, err := src.handle.Map()
	if err != nil {
		return nil, cerrors.Mark(err, ErrCopyUnsupported)
	}
	defer src.handle.Unmap(srcData)

	dstData, err := dst.handle.Map()
	if err != nil {
		return nil, cerrors.Mark(err, ErrCopyUnsupported)
	}
	defer dst.handle.Unmap(dstData)

	if !src.coherent {
		if err := src.handle.Invalidate(); err != nil {
			return nil, err
		}
	}

	transfer(dstData, srcData)

	if !dst.coherent {
		if err := dst.handle.Flush(); err != nil {
			return nil, err
		}
	}

	if opts.Async {
		return SignaledFence()
	}
	return nil, nil
}

// finishFence resolves a backend-produced completion fence against the
// caller's synchronization choice: waited out for synchronous copies, handed
// over for asynchronous ones.
func finishFence(fence *Fence, opts CopyOptions) (*Fence, error) {
	if opts.Async {
		if fence != nil {
			return fence, nil
		}
		return SignaledFence()
	}

	if fence != nil {
		err := fence.Wait()
		closeErr := fence.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
	}
	return nil, nil
}
