package hbm

import (
	"bytes"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func createBoundBuffer(t *testing.T, device *Device, flags Flags, size int) *BufferObject {
	t.Helper()

	bo, err := device.CreateBufferObject(
		Description{Flags: flags, Modifier: ModifierAny}, BufferExtent(size), nil)
	require.NoError(t, err)
	require.NoError(t, bo.BindMemory(0, nil))
	return bo
}

func fillBuffer(t *testing.T, bo *BufferObject, pattern func(i int) byte) {
	t.Helper()

	data, err := bo.Map()
	require.NoError(t, err)
	for i := range data {
		data[i] = pattern(i)
	}
	require.NoError(t, bo.Unmap())
}

func readBuffer(t *testing.T, bo *BufferObject) []byte {
	t.Helper()

	data, err := bo.Map()
	require.NoError(t, err)
	out := append([]byte(nil), data...)
	require.NoError(t, bo.Unmap())
	return out
}

func TestCopyBuffer_CPU(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	src := createBoundBuffer(t, device, FlagCopy|FlagMap, 64)
	dst := createBoundBuffer(t, device, FlagCopy|FlagMap, 64)
	defer func() {
		require.NoError(t, src.Destroy())
		require.NoError(t, dst.Destroy())
	}()

	fillBuffer(t, src, func(i int) byte { return byte(i) })
	fillBuffer(t, dst, func(i int) byte { return 0xff })

	fence, err := CopyBuffer(dst, src, BufferCopy{SrcOffset: 8, DstOffset: 16, Size: 32}, CopyOptions{})
	require.NoError(t, err)
	require.Nil(t, fence)

	data := readBuffer(t, dst)
	require.Equal(t, byte(0xff), data[15])
	require.Equal(t, byte(8), data[16])
	require.Equal(t, byte(39), data[47])
	require.Equal(t, byte(0xff), data[48])
}

func TestCopyBuffer_RegionValidation(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	src := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	dst := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	defer func() {
		require.NoError(t, src.Destroy())
		require.NoError(t, dst.Destroy())
	}()

	fillBuffer(t, dst, func(i int) byte { return 0xaa })

	for _, region := range []BufferCopy{
		{Size: 0},
		{Size: -1},
		{SrcOffset: 16, Size: 17},
		{DstOffset: 16, Size: 17},
		{SrcOffset: 33, Size: 1},
	} {
		_, err := CopyBuffer(dst, src, region, CopyOptions{})
		require.ErrorIs(t, err, ErrSizeMismatch)
	}

	// failed copies leave the destination untouched
	data := readBuffer(t, dst)
	require.Equal(t, bytes.Repeat([]byte{0xaa}, 32), data)
}

func TestCopyBuffer_StateValidation(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	region := BufferCopy{Size: 16}

	// missing FlagCopy
	plain := createBoundBuffer(t, device, FlagMap, 32)
	withCopy := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	_, err := CopyBuffer(withCopy, plain, region, CopyOptions{})
	require.ErrorIs(t, err, ErrInvalidUsage)
	require.NoError(t, plain.Destroy())

	// unbound participant
	unbound, err := device.CreateBufferObject(
		Description{Flags: FlagCopy | FlagMap, Modifier: ModifierAny}, BufferExtent(32), nil)
	require.NoError(t, err)
	_, err = CopyBuffer(withCopy, unbound, region, CopyOptions{})
	require.ErrorIs(t, err, ErrInvalidUsage)
	require.NoError(t, unbound.Destroy())

	// image participant in a buffer copy
	image, err := device.CreateBufferObject(
		Description{Flags: FlagCopy | FlagMap, Format: FormatR8, Modifier: ModifierAny},
		ImageExtent(8, 8), nil)
	require.NoError(t, err)
	require.NoError(t, image.BindMemory(0, nil))
	_, err = CopyBuffer(withCopy, image, region, CopyOptions{})
	require.ErrorIs(t, err, ErrInvalidUsage)
	require.NoError(t, image.Destroy())

	require.NoError(t, withCopy.Destroy())
}

func TestCopyBuffer_Async(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	src := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	dst := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	defer func() {
		require.NoError(t, src.Destroy())
		require.NoError(t, dst.Destroy())
	}()

	fence, err := CopyBuffer(dst, src, BufferCopy{Size: 32}, CopyOptions{Async: true})
	require.NoError(t, err)
	require.NotNil(t, fence)

	signaled, err := fence.Signaled()
	require.NoError(t, err)
	require.True(t, signaled)
	require.NoError(t, fence.Close())
}

func TestCopyBuffer_FenceIn(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	src := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	dst := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	defer func() {
		require.NoError(t, src.Destroy())
		require.NoError(t, dst.Destroy())
	}()

	fenceIn, err := SignaledFence()
	require.NoError(t, err)
	defer func() {
		require.NoError(t, fenceIn.Close())
	}()

	_, err = CopyBuffer(dst, src, BufferCopy{Size: 32}, CopyOptions{FenceIn: fenceIn})
	require.NoError(t, err)
}

func TestCopyBuffer_Blitter(t *testing.T) {
	backend := newFakeBlitBackend("blit")
	device := testDevice(t, backend)
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	src := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	dst := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	defer func() {
		require.NoError(t, src.Destroy())
		require.NoError(t, dst.Destroy())
	}()

	fillBuffer(t, src, func(i int) byte { return byte(i + 1) })

	_, err := CopyBuffer(dst, src, BufferCopy{Size: 32}, CopyOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, backend.bufferCopies)
	require.Equal(t, byte(1), readBuffer(t, dst)[0])

	// a declining blitter falls back to the CPU path
	backend.copyErr = cerrors.Wrap(ErrCopyUnsupported, "pair not supported")
	fillBuffer(t, src, func(i int) byte { return 0x7e })
	_, err = CopyBuffer(dst, src, BufferCopy{Size: 32}, CopyOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, backend.bufferCopies)
	require.Equal(t, byte(0x7e), readBuffer(t, dst)[0])
}

func TestCopyBufferToImage(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	image, err := device.CreateBufferObject(
		Description{Flags: FlagCopy | FlagMap, Format: FormatR8, Modifier: ModifierAny},
		ImageExtent(8, 8), nil)
	require.NoError(t, err)
	require.NoError(t, image.BindMemory(0, nil))

	buffer := createBoundBuffer(t, device, FlagCopy|FlagMap, 64)
	defer func() {
		require.NoError(t, image.Destroy())
		require.NoError(t, buffer.Destroy())
	}()

	fillBuffer(t, buffer, func(i int) byte { return byte(i) })

	// 4x4 region into the image at (2,2), reading buffer rows of 4 bytes
	region := BufferImageCopy{Offset: 0, Stride: 4, X: 2, Y: 2, Width: 4, Height: 4}
	_, err = CopyBufferToImage(image, buffer, region, CopyOptions{})
	require.NoError(t, err)

	layout, err := image.Layout()
	require.NoError(t, err)

	data, err := image.Map()
	require.NoError(t, err)
	for row := 0; row < 4; row++ {
		rowStart := layout.Offsets[0] + (2+row)*layout.Strides[0] + 2
		require.Equal(t, []byte{byte(row * 4), byte(row*4 + 1), byte(row*4 + 2), byte(row*4 + 3)},
			data[rowStart:rowStart+4])
	}
	require.NoError(t, image.Unmap())
}

func TestCopyImageToBuffer(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	image, err := device.CreateBufferObject(
		Description{Flags: FlagCopy | FlagMap, Format: FormatR8, Modifier: ModifierAny},
		ImageExtent(8, 8), nil)
	require.NoError(t, err)
	require.NoError(t, image.BindMemory(0, nil))

	buffer := createBoundBuffer(t, device, FlagCopy|FlagMap, 64)
	defer func() {
		require.NoError(t, image.Destroy())
		require.NoError(t, buffer.Destroy())
	}()

	layout, err := image.Layout()
	require.NoError(t, err)

	data, err := image.Map()
	require.NoError(t, err)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			data[layout.Offsets[0]+y*layout.Strides[0]+x] = byte(y*8 + x)
		}
	}
	require.NoError(t, image.Unmap())

	// full image, tightly packed into the buffer
	region := BufferImageCopy{Offset: 0, Stride: 8, Width: 8, Height: 8}
	_, err = CopyImageToBuffer(buffer, image, region, CopyOptions{})
	require.NoError(t, err)

	out := readBuffer(t, buffer)
	for i := 0; i < 64; i++ {
		require.Equal(t, byte(i), out[i])
	}
}

func TestCopyBufferImage_Validation(t *testing.T) {
	device := testDevice(t, newFakeBackend("fake"))
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	image, err := device.CreateBufferObject(
		Description{Flags: FlagCopy | FlagMap, Format: FormatR8, Modifier: ModifierAny},
		ImageExtent(8, 8), nil)
	require.NoError(t, err)
	require.NoError(t, image.BindMemory(0, nil))

	buffer := createBoundBuffer(t, device, FlagCopy|FlagMap, 64)
	defer func() {
		require.NoError(t, image.Destroy())
		require.NoError(t, buffer.Destroy())
	}()

	// plane out of range
	_, err = CopyBufferToImage(image, buffer, BufferImageCopy{Stride: 8, Plane: 1, Width: 8, Height: 8}, CopyOptions{})
	require.ErrorIs(t, err, ErrInvalidUsage)

	// stride too small for the region width
	_, err = CopyBufferToImage(image, buffer, BufferImageCopy{Stride: 4, Width: 8, Height: 8}, CopyOptions{})
	require.ErrorIs(t, err, ErrInvalidUsage)

	// region exceeds the image
	_, err = CopyBufferToImage(image, buffer, BufferImageCopy{Stride: 8, X: 4, Width: 8, Height: 8}, CopyOptions{})
	require.ErrorIs(t, err, ErrSizeMismatch)

	// region exceeds the buffer
	_, err = CopyBufferToImage(image, buffer, BufferImageCopy{Offset: 32, Stride: 8, Width: 8, Height: 8}, CopyOptions{})
	require.ErrorIs(t, err, ErrSizeMismatch)

	// two buffers in a buffer/image copy
	other := createBoundBuffer(t, device, FlagCopy|FlagMap, 64)
	_, err = CopyBufferToImage(other, buffer, BufferImageCopy{Stride: 8, Width: 8, Height: 8}, CopyOptions{})
	require.ErrorIs(t, err, ErrInvalidUsage)
	require.NoError(t, other.Destroy())
}

func TestCopyUnsupported_NoMappableEnd(t *testing.T) {
	local := newFakeBackend("local")
	local.memoryTypes = []MemoryType{{Flags: MemoryLocal}}

	mappable := newFakeBackend("mappable")

	device := testDevice(t, local, mappable)
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	// the resolver picks the first participating backend, so this buffer lands
	// in non-mappable memory
	src, err := device.CreateBufferObject(
		Description{Flags: FlagCopy, Modifier: ModifierAny}, BufferExtent(32), nil)
	require.NoError(t, err)
	require.NoError(t, src.BindMemory(0, nil))

	dst := createBoundBuffer(t, device, FlagCopy|FlagMap, 32)
	defer func() {
		require.NoError(t, src.Destroy())
		require.NoError(t, dst.Destroy())
	}()

	_, err = CopyBuffer(dst, src, BufferCopy{Size: 32}, CopyOptions{})
	require.ErrorIs(t, err, ErrCopyUnsupported)
}
