// Package drmkms is the display-controller backend. It allocates scanout
// buffers as DRM dumb buffers, exports them as prime fds immediately, and
// releases the GEM handle, so every buffer it hands out is already backed by
// shareable kernel memory. Dumb buffers are always linear and single-plane.
//
// Import it for side effects to register it with hbm.CreateDevice.
package drmkms

import (
	"log/slog"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/hbmgo/hbm"
	"github.com/hbmgo/hbm/internal/dmabuf"
)

const (
	backendName = "drmkms"

	// maxDumbDim is the dimension limit most display controllers enforce on
	// dumb buffers.
	maxDumbDim = 1 << 14

	capDumbBuffer = 0x1
	capPrime      = 0x5

	primeCapExport = 0x1

	primeCloexec = unix.O_CLOEXEC
	primeRdwr    = unix.O_RDWR
)

type (
	sysGetCap struct {
		Capability uint64
		Value      uint64
	}

	sysCreateDumb struct {
		Height uint32
		Width  uint32
		Bpp    uint32
		Flags  uint32
		Handle uint32
		Pitch  uint32
		Size   uint64
	}

	sysDestroyDumb struct {
		Handle uint32
	}

	sysPrimeHandle struct {
		Handle uint32
		Flags  uint32
		Fd     int32
	}
)

var (
	// DRM_IOWR(0x0c, struct drm_get_cap)
	ioctlGetCap = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetCap{})), drm.IOCTLBase, 0x0C)

	// DRM_IOWR(0x2d, struct drm_prime_handle)
	ioctlPrimeHandleToFd = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPrimeHandle{})), drm.IOCTLBase, 0x2D)

	// DRM_IOWR(0xb2, struct drm_mode_create_dumb)
	ioctlModeCreateDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateDumb{})), drm.IOCTLBase, 0xB2)

	// DRM_IOWR(0xb4, struct drm_mode_destroy_dumb)
	ioctlModeDestroyDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyDumb{})), drm.IOCTLBase, 0xB4)
)

func init() {
	hbm.RegisterBackend(hbm.BackendFactory{
		Name:        backendName,
		Accelerated: true,
		New: func(node string, logger *slog.Logger) (hbm.Backend, error) {
			return New(node, logger)
		},
	})
}

// Backend allocates dumb buffers from one DRM device node.
type Backend struct {
	fd     int
	logger *slog.Logger

	// scanout is the IN_FORMATS-derived format set. Empty means discovery
	// failed and checkFormat admits its static list alone.
	scanout map[hbm.Format]bool
}

// New opens the DRM node and verifies it can allocate and export dumb buffers.
func New(node string, logger *slog.Logger) (*Backend, error) {
	fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, cerrors.Mark(cerrors.Wrapf(err, "opening %s", node), hbm.ErrDeviceUnavailable)
	}

	backend := &Backend{fd: fd, logger: logger}
	if err := backend.checkCaps(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	scanout, err := backend.queryScanoutFormats()
	if err != nil {
		logger.Debug("plane format discovery failed", slog.Any("error", err))
	}
	backend.scanout = scanout
	return backend, nil
}

func (b *Backend) checkCaps() error {
	dumb, err := b.getCap(capDumbBuffer)
	if err != nil || dumb == 0 {
		return cerrors.Wrap(hbm.ErrDeviceUnavailable, "device cannot allocate dumb buffers")
	}

	prime, err := b.getCap(capPrime)
	if err != nil || prime&primeCapExport == 0 {
		return cerrors.Wrap(hbm.ErrDeviceUnavailable, "device cannot export prime fds")
	}
	return nil
}

func (b *Backend) getCap(capability uint64) (uint64, error) {
	arg := sysGetCap{Capability: capability}
	err := ioctl.Do(uintptr(b.fd), uintptr(ioctlGetCap), uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return 0, cerrors.Wrapf(err, "querying capability %#x", capability)
	}
	return arg.Value, nil
}

func (b *Backend) Name() string {
	return backendName
}

func (b *Backend) Accelerated() bool {
	return true
}

func (b *Backend) PlaneCount(format hbm.Format, modifier hbm.Modifier) (int, error) {
	if err := b.checkFormat(format, modifier); err != nil {
		return 0, err
	}
	return 1, nil
}

// checkFormat admits the single-plane linear formats dumb buffers can express.
func (b *Backend) checkFormat(format hbm.Format, modifier hbm.Modifier) error {
	if modifier != hbm.ModifierLinear && modifier != hbm.ModifierAny {
		return cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s only allocates linear buffers", backendName)
	}

	info, err := format.Info()
	if err != nil {
		return err
	}
	if info.PlaneCount != 1 {
		return cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s cannot back multi-planar format %s", backendName, format)
	}
	if len(b.scanout) != 0 && !b.scanout[format] {
		return cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "no plane scans out %s", format)
	}
	return nil
}

func (b *Backend) Probe(desc hbm.Description) (*hbm.Capability, error) {
	if desc.Flags&hbm.FlagProtected != 0 {
		return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s cannot allocate protected memory", backendName)
	}
	if desc.IsBuffer() {
		return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s only allocates images", backendName)
	}
	if err := b.checkFormat(desc.Format, desc.Modifier); err != nil {
		return nil, err
	}

	return &hbm.Capability{
		MaxExtent:       hbm.ImageExtent(maxDumbDim, maxDumbDim),
		Modifiers:       []hbm.Modifier{hbm.ModifierLinear},
		MemoryTypeFlags: memoryTypeFlags,
		Constraint:      &hbm.Constraint{StrideAlign: 4},
	}, nil
}

func (b *Backend) CreateWithConstraint(desc hbm.Description, extent hbm.Extent, con *hbm.Constraint) (hbm.Handle, error) {
	if con != nil && len(con.Modifiers) != 0 {
		linear := false
		for _, modifier := range con.Modifiers {
			if modifier == hbm.ModifierLinear {
				linear = true
				break
			}
		}
		if !linear {
			return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s only allocates linear buffers", backendName)
		}
	}

	info, err := desc.Format.Info()
	if err != nil {
		return nil, err
	}

	layout, fd, err := b.createDumb(extent, info.BlockSize[0])
	if err != nil {
		return nil, err
	}

	if !layout.Fit(con) {
		unix.Close(fd)
		return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint,
			"kernel pitch %d does not satisfy the merged constraint", layout.Strides[0])
	}

	// The prime fd is the allocation; the handle arrives pre-bound and a later
	// bind without an import is a no-op.
	return &handle{
		layout:   layout,
		resource: dmabuf.NewBoundResource(layout.Size, fd),
	}, nil
}

func (b *Backend) CreateWithLayout(desc hbm.Description, extent hbm.Extent, layout hbm.Layout) (hbm.Handle, error) {
	if err := b.checkFormat(desc.Format, layout.Modifier); err != nil {
		return nil, err
	}
	if layout.PlaneCount != 1 || layout.Offsets[0] != 0 {
		return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s requires a single plane at offset 0", backendName)
	}

	return &handle{
		backend: b,
		extent:  extent,
		desc:    desc,
		layout:  layout,
		// Unbound: a later bind either imports the caller's memory or allocates
		// a dumb buffer and checks the kernel pitch against the asserted one.
		resource: dmabuf.NewResource(layout.Size),
	}, nil
}

// createDumb allocates a dumb buffer, exports it as a prime fd, and drops the
// GEM handle so the fd is the sole reference.
func (b *Backend) createDumb(extent hbm.Extent, bytesPerBlock int) (hbm.Layout, int, error) {
	arg := sysCreateDumb{
		Height: uint32(extent.Height()),
		Width:  uint32(extent.Width()),
		Bpp:    uint32(bytesPerBlock * 8),
	}
	err := ioctl.Do(uintptr(b.fd), uintptr(ioctlModeCreateDumb), uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return hbm.Layout{}, -1, cerrors.Mark(cerrors.Wrap(err, "allocating dumb buffer"), hbm.ErrBackendFailure)
	}

	prime := sysPrimeHandle{
		Handle: arg.Handle,
		Flags:  uint32(primeCloexec | primeRdwr),
		Fd:     -1,
	}
	err = ioctl.Do(uintptr(b.fd), uintptr(ioctlPrimeHandleToFd), uintptr(unsafe.Pointer(&prime)))
	b.destroyDumb(arg.Handle)
	if err != nil {
		return hbm.Layout{}, -1, cerrors.Mark(cerrors.Wrap(err, "exporting prime fd"), hbm.ErrBackendFailure)
	}

	layout := hbm.Layout{
		Size:       int(arg.Size),
		Modifier:   hbm.ModifierLinear,
		PlaneCount: 1,
		Strides:    [hbm.MaxPlanes]int{int(arg.Pitch)},
	}
	return layout, int(prime.Fd), nil
}

func (b *Backend) destroyDumb(gemHandle uint32) {
	arg := sysDestroyDumb{Handle: gemHandle}
	err := ioctl.Do(uintptr(b.fd), uintptr(ioctlModeDestroyDumb), uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		b.logger.Warn("leaked dumb buffer handle",
			slog.Int("handle", int(gemHandle)),
			slog.Any("error", err),
		)
	}
}

func (b *Backend) Close() error {
	err := unix.Close(b.fd)
	b.fd = -1
	return cerrors.Wrap(err, "closing drm node")
}

// memoryTypeFlags is the single memory type drmkms offers: device-reachable
// scanout memory, CPU-mappable through the prime fd, not coherent, so the
// engine brackets CPU access with the dma-buf sync ioctls.
const memoryTypeFlags = hbm.MemoryLocal | hbm.MemoryMappable

type handle struct {
	backend *Backend
	desc    hbm.Description
	extent  hbm.Extent
	layout  hbm.Layout

	resource *dmabuf.Resource
}

func (h *handle) Layout() hbm.Layout {
	return h.layout
}

func (h *handle) MemoryTypes() []hbm.MemoryType {
	return []hbm.MemoryType{{Flags: memoryTypeFlags}}
}

func (h *handle) Bind(memoryType hbm.MemoryType, importHandle *hbm.SharedHandle) error {
	importFd := -1
	if importHandle != nil {
		importFd = importHandle.Fd()
	}

	err := h.resource.Bind(importFd, h.allocForLayout)
	if cerrors.Is(err, dmabuf.ErrImportTooSmall) {
		return cerrors.Mark(err, hbm.ErrImportMismatch)
	}
	if cerrors.Is(err, dmabuf.ErrAlreadyBound) {
		return cerrors.Mark(err, hbm.ErrInvalidUsage)
	}
	if err != nil && !cerrors.Is(err, hbm.ErrBindFailed) {
		return cerrors.Mark(err, hbm.ErrBackendFailure)
	}
	return err
}

// allocForLayout backs a handle created over an asserted layout with a fresh
// dumb buffer. The kernel chooses the pitch; disagreement with the asserted
// stride fails the bind rather than silently repacking.
func (h *handle) allocForLayout(size int) (int, error) {
	info, err := h.desc.Format.Info()
	if err != nil {
		return -1, err
	}

	layout, fd, err := h.backend.createDumb(h.extent, info.BlockSize[0])
	if err != nil {
		return -1, err
	}

	if layout.Strides[0] != h.layout.Strides[0] || layout.Size < size {
		unix.Close(fd)
		return -1, cerrors.Wrapf(hbm.ErrBindFailed,
			"kernel pitch %d / size %d disagrees with asserted stride %d / size %d",
			layout.Strides[0], layout.Size, h.layout.Strides[0], size)
	}
	return fd, nil
}

func (h *handle) Export(name string) (*hbm.SharedHandle, error) {
	fd, err := h.resource.Export(name)
	if err != nil {
		return nil, cerrors.Mark(err, hbm.ErrBackendFailure)
	}
	return hbm.NewSharedHandle(fd)
}

func (h *handle) Map() ([]byte, error) {
	data, err := h.resource.Map()
	if err != nil {
		return nil, cerrors.Mark(err, hbm.ErrMapFailed)
	}
	return data, nil
}

func (h *handle) Unmap(data []byte) error {
	return h.resource.Unmap(data)
}

func (h *handle) Flush() error {
	return h.resource.Flush()
}

func (h *handle) Invalidate() error {
	return h.resource.Invalidate()
}

func (h *handle) Release() error {
	return h.resource.Close()
}
