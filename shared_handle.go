package hbm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/hbmgo/hbm/internal/dmabuf"
)

// SharedHandle is an owned reference to kernel-managed buffer memory, with file
// descriptor semantics: it can cross process boundaries, and the memory stays
// alive while any handle to it remains open. Exporting a buffer object always
// produces a fresh handle, and importing never consumes the caller's handle, so
// handle lifetime is fully decoupled from buffer-object lifetime.
type SharedHandle struct {
	fd int
}

// NewSharedHandle wraps a raw buffer fd, taking ownership of it.
func NewSharedHandle(fd int) (*SharedHandle, error) {
	if fd < 0 {
		return nil, errors.Wrapf(ErrInvalidUsage, "fd %d is not a valid handle", fd)
	}
	return &SharedHandle{fd: fd}, nil
}

// Fd returns the underlying fd without transferring ownership.
func (h *SharedHandle) Fd() int {
	return h.fd
}

// Dup returns an independently-owned duplicate referencing the same memory.
func (h *SharedHandle) Dup() (*SharedHandle, error) {
	fd, err := dmabuf.DupCloexec(h.fd)
	if err != nil {
		return nil, err
	}
	return &SharedHandle{fd: fd}, nil
}

// Size returns the byte length of the referenced memory.
func (h *SharedHandle) Size() (int, error) {
	return dmabuf.Size(h.fd)
}

// Close releases this handle's reference.
func (h *SharedHandle) Close() error {
	if h.fd < 0 {
		return errors.Wrap(ErrInvalidUsage, "shared handle already closed")
	}

	err := unix.Close(h.fd)
	h.fd = -1
	return errors.Wrap(err, "closing shared handle")
}
