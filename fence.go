package hbm

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Fence is a one-shot completion signal for asynchronous backend work, with
// sync-file semantics: it is backed by an fd that becomes readable when
// signaled, so it can be handed to other processes or polled alongside other
// fds. Copy operations that return promptly hand back a fence; waiting on it is
// the only ordering primitive the engine offers.
type Fence struct {
	fd int
}

// NewFence returns an unsignaled fence.
func NewFence() (*Fence, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "creating fence eventfd")
	}
	return &Fence{fd: fd}, nil
}

// SignaledFence returns a fence that is already signaled, for operations that
// completed synchronously.
func SignaledFence() (*Fence, error) {
	fd, err := unix.Eventfd(1, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "creating fence eventfd")
	}
	return &Fence{fd: fd}, nil
}

// FenceFromFd wraps an externally produced sync fd, taking ownership. The fd
// must become readable when the producing operation completes.
func FenceFromFd(fd int) (*Fence, error) {
	if fd < 0 {
		return nil, errors.Wrapf(ErrInvalidUsage, "fd %d is not a valid fence", fd)
	}
	return &Fence{fd: fd}, nil
}

// Fd returns the fence's fd without transferring ownership.
func (f *Fence) Fd() int {
	return f.fd
}

// Signal marks the fence signaled. Signaling twice is a usage error; a fence
// fires once.
func (f *Fence) Signal() error {
	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], 1)

	_, err := unix.Write(f.fd, value[:])
	return errors.Wrap(err, "signaling fence")
}

// Wait blocks until the fence is signaled.
func (f *Fence) Wait() error {
	_, err := f.poll(-1)
	return err
}

// WaitTimeout blocks until the fence is signaled or the timeout elapses, and
// reports whether the fence fired.
func (f *Fence) WaitTimeout(timeout time.Duration) (bool, error) {
	return f.poll(int(timeout.Milliseconds()))
}

// Signaled reports the fence's state without blocking.
func (f *Fence) Signaled() (bool, error) {
	return f.poll(0)
}

func (f *Fence) poll(timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, errors.Wrap(err, "polling fence")
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Close releases the fence fd. Waiters notice the signal, not the close;
// closing an unsignaled fence abandons it.
func (f *Fence) Close() error {
	if f.fd < 0 {
		return errors.Wrap(ErrInvalidUsage, "fence already closed")
	}

	err := unix.Close(f.fd)
	f.fd = -1
	return errors.Wrap(err, "closing fence")
}
