package hbm_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hbmgo/hbm"
	_ "github.com/hbmgo/hbm/backend/sysheap"
)

func softwareDevice(t *testing.T) *hbm.Device {
	t.Helper()

	device, err := hbm.CreateDevice("", hbm.ModeSoftware, hbm.CreateOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return device
}

func TestCreateDevice_ModeSoftware(t *testing.T) {
	device := softwareDevice(t)
	require.NoError(t, device.Destroy())
}

func TestBufferExportImportRoundTrip(t *testing.T) {
	exporter := softwareDevice(t)
	importer := softwareDevice(t)
	defer func() {
		require.NoError(t, exporter.Destroy())
		require.NoError(t, importer.Destroy())
	}()

	desc := hbm.Description{
		Flags:    hbm.FlagExternal | hbm.FlagMap | hbm.FlagCopy,
		Modifier: hbm.ModifierAny,
	}
	extent := hbm.BufferExtent(13)

	source, err := exporter.CreateBufferObject(desc, extent, nil)
	require.NoError(t, err)
	require.NoError(t, source.BindMemory(hbm.MemoryMappable, nil))

	layout, err := source.Layout()
	require.NoError(t, err)
	require.Equal(t, 13, layout.Size)

	data, err := source.Map()
	require.NoError(t, err)
	require.Len(t, data, 13)
	for i := range data {
		data[i] = byte(i * 3)
	}
	require.NoError(t, source.Unmap())

	shared, err := source.Export("roundtrip")
	require.NoError(t, err)

	imported, err := importer.CreateBufferObjectWithLayout(desc, extent, layout, shared)
	require.NoError(t, err)
	require.NoError(t, imported.BindMemory(hbm.MemoryMappable, nil))

	// the caller keeps ownership of the handle once the import is bound
	require.NoError(t, shared.Close())

	view, err := imported.Map()
	require.NoError(t, err)
	require.Len(t, view, 13)
	for i := range view {
		require.Equal(t, byte(i*3), view[i])
	}

	// both buffer objects see the same memory
	view[0] = 0x99
	require.NoError(t, imported.Unmap())

	back, err := source.Map()
	require.NoError(t, err)
	require.Equal(t, byte(0x99), back[0])
	require.NoError(t, source.Unmap())

	require.NoError(t, imported.Destroy())
	require.NoError(t, source.Destroy())
}

func TestImageScenario_R8_13x31(t *testing.T) {
	device := softwareDevice(t)
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	desc := hbm.Description{
		Flags:    hbm.FlagMap | hbm.FlagCopy,
		Format:   hbm.FormatR8,
		Modifier: hbm.ModifierAny,
	}

	count, err := device.ModifierCount(desc)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	modifiers, err := device.Modifiers(desc)
	require.NoError(t, err)
	require.Equal(t, []hbm.Modifier{hbm.ModifierLinear}, modifiers)

	image, err := device.CreateBufferObject(desc, hbm.ImageExtent(13, 31), nil)
	require.NoError(t, err)
	require.NoError(t, image.BindMemory(hbm.MemoryMappable, nil))

	layout, err := image.Layout()
	require.NoError(t, err)
	require.Equal(t, hbm.ModifierLinear, layout.Modifier)
	require.Equal(t, 1, layout.PlaneCount)
	require.GreaterOrEqual(t, layout.Strides[0], 13)
	require.GreaterOrEqual(t, layout.Size, layout.Strides[0]*31)

	data, err := image.Map()
	require.NoError(t, err)
	for y := 0; y < 31; y++ {
		for x := 0; x < 13; x++ {
			data[layout.Offsets[0]+y*layout.Strides[0]+x] = byte(y*13 + x)
		}
	}
	require.NoError(t, image.Unmap())

	packed, err := device.CreateBufferObject(hbm.Description{
		Flags:    hbm.FlagMap | hbm.FlagCopy,
		Modifier: hbm.ModifierAny,
	}, hbm.BufferExtent(13*31), nil)
	require.NoError(t, err)
	require.NoError(t, packed.BindMemory(hbm.MemoryMappable, nil))

	// repacking a 13-wide image drops the stride padding
	_, err = hbm.CopyImageToBuffer(packed, image, hbm.BufferImageCopy{
		Stride: 13,
		Width:  13,
		Height: 31,
	}, hbm.CopyOptions{})
	require.NoError(t, err)

	out, err := packed.Map()
	require.NoError(t, err)
	for i := 0; i < 13*31; i++ {
		require.Equal(t, byte(i), out[i])
	}
	require.NoError(t, packed.Unmap())

	require.NoError(t, packed.Destroy())
	require.NoError(t, image.Destroy())
}

func TestImportSizeMismatch(t *testing.T) {
	device := softwareDevice(t)
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	desc := hbm.Description{
		Flags:    hbm.FlagExternal | hbm.FlagMap,
		Modifier: hbm.ModifierAny,
	}

	small, err := device.CreateBufferObject(desc, hbm.BufferExtent(16), nil)
	require.NoError(t, err)
	require.NoError(t, small.BindMemory(hbm.MemoryMappable, nil))

	shared, err := small.Export("too-small")
	require.NoError(t, err)

	bigLayout := hbm.Layout{
		Size:       4096,
		Modifier:   hbm.ModifierLinear,
		PlaneCount: 1,
		Strides:    [hbm.MaxPlanes]int{4096},
	}

	_, err = device.CreateBufferObjectWithLayout(desc, hbm.BufferExtent(4096), bigLayout, shared)
	require.ErrorIs(t, err, hbm.ErrImportMismatch)

	// the same mismatch surfaces at bind time with an explicit handle
	big, err := device.CreateBufferObject(desc, hbm.BufferExtent(4096), nil)
	require.NoError(t, err)
	require.ErrorIs(t, big.BindMemory(hbm.MemoryMappable, shared), hbm.ErrImportMismatch)
	require.False(t, big.Bound())

	require.NoError(t, big.Destroy())
	require.NoError(t, shared.Close())
	require.NoError(t, small.Destroy())
}

func TestAsyncCopyFence(t *testing.T) {
	device := softwareDevice(t)
	defer func() {
		require.NoError(t, device.Destroy())
	}()

	desc := hbm.Description{Flags: hbm.FlagMap | hbm.FlagCopy, Modifier: hbm.ModifierAny}

	src, err := device.CreateBufferObject(desc, hbm.BufferExtent(64), nil)
	require.NoError(t, err)
	require.NoError(t, src.BindMemory(0, nil))

	dst, err := device.CreateBufferObject(desc, hbm.BufferExtent(64), nil)
	require.NoError(t, err)
	require.NoError(t, dst.BindMemory(0, nil))

	fence, err := hbm.CopyBuffer(dst, src, hbm.BufferCopy{Size: 64}, hbm.CopyOptions{Async: true})
	require.NoError(t, err)
	require.NotNil(t, fence)
	require.NoError(t, fence.Wait())
	require.NoError(t, fence.Close())

	require.NoError(t, dst.Destroy())
	require.NoError(t, src.Destroy())
}

func TestSetLogger(t *testing.T) {
	hbm.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer hbm.SetLogger(nil)

	device, err := hbm.CreateDevice("", hbm.ModeSoftware, hbm.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, device.Destroy())
}
