package dmabuf

import (
	"github.com/cockroachdb/errors"
	perrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Sentinel failures callers translate into their own taxonomy.
var (
	ErrAlreadyBound   error = perrors.New("resource already has memory bound")
	ErrNotBound       error = perrors.New("resource has no memory bound")
	ErrImportTooSmall error = perrors.New("imported memory is smaller than the layout requires")
)

// AllocFunc produces a fresh kernel buffer fd of at least size bytes. The
// backend owns the allocation strategy; the resource owns the returned fd.
type AllocFunc func(size int) (int, error)

// Resource is the backing-memory half of a buffer-object handle: the required
// size computed from the resolved layout, and the kernel buffer fd once bound.
// Some backends allocate eagerly at creation (a display controller hands out
// the buffer together with its layout); those pre-bind the resource and the
// later bind call just validates.
type Resource struct {
	size int
	fd   int
}

// NewResource returns an unbound resource for a layout of the given total size.
func NewResource(size int) *Resource {
	return &Resource{size: size, fd: -1}
}

// NewBoundResource returns a resource that already owns fd.
func NewBoundResource(size int, fd int) *Resource {
	return &Resource{size: size, fd: fd}
}

func (r *Resource) Bound() bool {
	return r.fd >= 0
}

func (r *Resource) Size() int {
	return r.size
}

// Fd returns the bound kernel buffer fd, or -1.
func (r *Resource) Fd() int {
	return r.fd
}

// Bind commits backing memory. With importFd >= 0 the resource takes a dup of
// the caller's fd after checking it is large enough; otherwise alloc produces a
// fresh buffer. Binding a pre-bound resource succeeds as a no-op unless an
// import was requested.
func (r *Resource) Bind(importFd int, alloc AllocFunc) error {
	if r.Bound() {
		if importFd >= 0 {
			return errors.WithStack(ErrAlreadyBound)
		}
		return nil
	}

	if importFd >= 0 {
		importSize, err := Size(importFd)
		if err != nil {
			return err
		}
		if importSize < r.size {
			return errors.Wrapf(ErrImportTooSmall, "imported %d bytes, layout requires %d", importSize, r.size)
		}

		fd, err := DupCloexec(importFd)
		if err != nil {
			return err
		}
		r.fd = fd
		return nil
	}

	fd, err := alloc(r.size)
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Export produces a new fd aliasing the bound memory, optionally tagging the
// kernel object with a debug name first.
func (r *Resource) Export(name string) (int, error) {
	if !r.Bound() {
		return -1, errors.WithStack(ErrNotBound)
	}

	if name != "" {
		// best effort; not every buffer kind supports naming
		_ = SetName(r.fd, name)
	}

	return DupCloexec(r.fd)
}

// Map establishes a read-write CPU mapping over the full backing allocation,
// which may be larger than the layout size when the allocator padded it.
func (r *Resource) Map() ([]byte, error) {
	if !r.Bound() {
		return nil, errors.WithStack(ErrNotBound)
	}

	length, err := Size(r.fd)
	if err != nil {
		return nil, err
	}

	return Mmap(r.fd, length)
}

func (r *Resource) Unmap(data []byte) error {
	return Munmap(data)
}

// Flush makes CPU writes visible to the device domain.
func (r *Resource) Flush() error {
	if !r.Bound() {
		return errors.WithStack(ErrNotBound)
	}
	return SyncEnd(r.fd)
}

// Invalidate makes device writes visible to subsequent CPU reads.
func (r *Resource) Invalidate() error {
	if !r.Bound() {
		return errors.WithStack(ErrNotBound)
	}
	return SyncStart(r.fd)
}

// Close releases the resource's reference to the backing memory. The kernel
// keeps the memory alive while exported fds remain open elsewhere.
func (r *Resource) Close() error {
	if !r.Bound() {
		return nil
	}

	err := unix.Close(r.fd)
	r.fd = -1
	return errors.Wrap(err, "closing buffer fd")
}
