// Package sysheap is the generic system-memory backend: buffers live in
// anonymous kernel memory (memfd) and are always linear, CPU-mappable, and
// coherent. It accepts any device node, making it the universal fallback and
// the backend of choice for ModeSoftware.
//
// Import it for side effects to register it with hbm.CreateDevice.
package sysheap

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/hbmgo/hbm"
	"github.com/hbmgo/hbm/internal/dmabuf"
)

const (
	// maxImageDim bounds image extents; memfd itself has no practical limit but
	// layout arithmetic should not be handed absurd dimensions.
	maxImageDim = 1 << 16

	backendName = "sysheap"
)

func init() {
	hbm.RegisterBackend(hbm.BackendFactory{
		Name:        backendName,
		Accelerated: false,
		New: func(node string, logger *slog.Logger) (hbm.Backend, error) {
			return New(logger), nil
		},
	})
}

// Backend allocates buffers from anonymous system memory.
type Backend struct {
	logger *slog.Logger
}

// New returns a system-memory backend logging through logger.
func New(logger *slog.Logger) *Backend {
	return &Backend{logger: logger}
}

func (b *Backend) Name() string {
	return backendName
}

func (b *Backend) Accelerated() bool {
	return false
}

func (b *Backend) PlaneCount(format hbm.Format, modifier hbm.Modifier) (int, error) {
	if modifier != hbm.ModifierLinear {
		return 0, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s only supports linear buffers", backendName)
	}

	info, err := format.Info()
	if err != nil {
		return 0, err
	}
	return info.PlaneCount, nil
}

func (b *Backend) Probe(desc hbm.Description) (*hbm.Capability, error) {
	if desc.Flags&hbm.FlagProtected != 0 {
		return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s cannot allocate protected memory", backendName)
	}

	if desc.IsBuffer() {
		return &hbm.Capability{
			MaxExtent:       hbm.BufferExtent(int(^uint(0) >> 1)),
			MemoryTypeFlags: memoryTypeFlags,
		}, nil
	}

	if _, err := desc.Format.Info(); err != nil {
		return nil, err
	}
	if desc.Modifier != hbm.ModifierAny && desc.Modifier != hbm.ModifierLinear {
		return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s only supports linear buffers", backendName)
	}

	return &hbm.Capability{
		MaxExtent:       hbm.ImageExtent(maxImageDim, maxImageDim),
		Modifiers:       []hbm.Modifier{hbm.ModifierLinear},
		MemoryTypeFlags: memoryTypeFlags,
	}, nil
}

func (b *Backend) CreateWithConstraint(desc hbm.Description, extent hbm.Extent, con *hbm.Constraint) (hbm.Handle, error) {
	if !desc.IsBuffer() && con != nil && len(con.Modifiers) != 0 {
		linear := false
		for _, modifier := range con.Modifiers {
			if modifier == hbm.ModifierLinear {
				linear = true
				break
			}
		}
		if !linear {
			return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s only supports linear buffers", backendName)
		}
	}

	layout, err := hbm.PackedLayout(desc, extent, con)
	if err != nil {
		return nil, err
	}
	return newHandle(layout), nil
}

func (b *Backend) CreateWithLayout(desc hbm.Description, extent hbm.Extent, layout hbm.Layout) (hbm.Handle, error) {
	if !desc.IsBuffer() && layout.Modifier != hbm.ModifierLinear {
		return nil, cerrors.Wrapf(hbm.ErrUnsupportedConstraint, "%s only supports linear buffers", backendName)
	}
	return newHandle(layout), nil
}

func (b *Backend) Close() error {
	return nil
}

// memoryTypeFlags is the single memory type sysheap offers: plain system RAM,
// CPU-cached, and coherent because no device domain ever touches it.
const memoryTypeFlags = hbm.MemoryMappable | hbm.MemoryCoherent | hbm.MemoryCached

type handle struct {
	layout   hbm.Layout
	resource *dmabuf.Resource
}

func newHandle(layout hbm.Layout) *handle {
	return &handle{
		layout:   layout,
		resource: dmabuf.NewResource(layout.Size),
	}
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

	err := h.resource.Bind(importFd, allocMemfd)
	if cerrors.Is(err, dmabuf.ErrImportTooSmall) {
		return cerrors.Mark(err, hbm.ErrImportMismatch)
	}
	if err != nil {
		return cerrors.Mark(err, hbm.ErrBackendFailure)
	}
	return nil
}

func allocMemfd(size int) (int, error) {
	fd, err := unix.MemfdCreate("hbm-sysheap", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, cerrors.Wrap(err, "creating memfd")
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, cerrors.Wrapf(err, "growing memfd to %d bytes", size)
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

// Flush and Invalidate are never reached in practice: the only memory type is
// coherent, so the engine elides both. They still behave sensibly when called
// on the handle directly.

func (h *handle) Flush() error {
	return nil
}

func (h *handle) Invalidate() error {
	return nil
}

func (h *handle) Release() error {
	return h.resource.Close()
}
