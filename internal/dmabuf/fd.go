// Package dmabuf holds the kernel-buffer plumbing shared by every backend: fd
// ownership, mapping, cache sync, and the allocate-or-import bind protocol.
// Backends differ in how they produce an fd; everything after that is common.
package dmabuf

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// DupCloexec duplicates an fd with CLOEXEC set, so the new reference does not
// leak across exec. Kernel buffers are reference-counted per fd; the dup keeps
// the memory alive independently of the original.
func DupCloexec(fd int) (int, error) {
	newFd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "duplicating buffer fd")
	}
	return newFd, nil
}

// Size returns the byte length of the memory behind fd.
func Size(fd int) (int, error) {
	end, err := unix.Seek(fd, 0, unix.SEEK_END)
	if err != nil {
		return 0, errors.Wrap(err, "seeking buffer fd")
	}
	return int(end), nil
}

// Mmap establishes a shared read-write mapping over length bytes of fd.
func Mmap(fd int, length int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mapping buffer fd")
	}
	return data, nil
}

// Munmap tears down a mapping created by Mmap.
func Munmap(data []byte) error {
	return errors.Wrap(unix.Munmap(data), "unmapping buffer")
}
