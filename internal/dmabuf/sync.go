package dmabuf

import (
	"unsafe"

	"github.com/NeowayLabs/drm/ioctl"
	"golang.org/x/sys/unix"
)

// dma_buf_sync from <linux/dma-buf.h>.
type syncArg struct {
	flags uint64
}

type setNameArg struct {
	namePtr uint64
}

const dmaBufBase = 'b'

var (
	// DMA_BUF_IOCTL_SYNC: _IOW('b', 0, struct dma_buf_sync)
	ioctlSync = ioctl.NewCode(ioctl.Write,
		uint16(unsafe.Sizeof(syncArg{})), dmaBufBase, 0)

	// DMA_BUF_SET_NAME_B: _IOW('b', 1, u64)
	ioctlSetName = ioctl.NewCode(ioctl.Write,
		uint16(unsafe.Sizeof(setNameArg{})), dmaBufBase, 1)
)

const (
	syncRead  = 1 << 0
	syncWrite = 1 << 1
	syncRW    = syncRead | syncWrite
	syncStart = 0 << 2
	syncEnd   = 1 << 2
)

// SyncStart brackets the beginning of a CPU access: it waits for implicit
// fences and makes device writes visible to the CPU domain.
func SyncStart(fd int) error {
	arg := syncArg{flags: syncStart | syncRW}
	return ioctl.Do(uintptr(fd), uintptr(ioctlSync), uintptr(unsafe.Pointer(&arg)))
}

// SyncEnd brackets the end of a CPU access: it makes CPU writes available to
// the device domain.
func SyncEnd(fd int) error {
	arg := syncArg{flags: syncEnd | syncRW}
	return ioctl.Do(uintptr(fd), uintptr(ioctlSync), uintptr(unsafe.Pointer(&arg)))
}

// SetName attaches a debug name to the kernel buffer object behind fd. The name
// lands on the kernel object, not the fd, so every handle to the memory shows
// it. Not every fd kind supports the ioctl; failures are reported but callers
// generally treat the name as best effort.
func SetName(fd int, name string) error {
	buf, err := unix.ByteSliceFromString(name)
	if err != nil {
		return err
	}

	arg := setNameArg{namePtr: uint64(uintptr(unsafe.Pointer(&buf[0])))}
	return ioctl.Do(uintptr(fd), uintptr(ioctlSetName), uintptr(unsafe.Pointer(&arg)))
}
