package hbm

import "github.com/pkg/errors"

// The error taxonomy for engine operations. Backends and the engine wrap these
// with call-site context; callers match them with errors.Is.
var (
	// ErrDeviceUnavailable indicates that no backend could be initialized for the
	// requested device node.
	ErrDeviceUnavailable error = errors.New("no usable backend for device node")

	// ErrUnsupportedConstraint indicates that no backend can resolve the requested
	// combination of flags, format, and modifier.
	ErrUnsupportedConstraint error = errors.New("format/modifier/flag combination is unsupported")

	// ErrBindFailed indicates that no enumerated memory type satisfies the flags
	// requested at bind time.
	ErrBindFailed error = errors.New("no memory type satisfies the requested flags")

	// ErrImportMismatch indicates that an imported shared handle failed structural
	// sanity checks against the buffer object's layout.
	ErrImportMismatch error = errors.New("imported handle does not match the declared layout")

	// ErrMapFailed indicates that a CPU mapping could not be established.
	ErrMapFailed error = errors.New("mapping failed")

	// ErrExportUnsupported indicates that the bound memory type cannot be shared
	// across process boundaries.
	ErrExportUnsupported error = errors.New("bound memory type cannot be exported")

	// ErrCopyUnsupported indicates that neither a backend blit nor the CPU path can
	// bridge the two participants of a copy.
	ErrCopyUnsupported error = errors.New("no copy path between the participants")

	// ErrSizeMismatch indicates that a copy region exceeds a participant's extent.
	ErrSizeMismatch error = errors.New("copy region exceeds a participant's extent")

	// ErrBackendFailure indicates that an underlying backend call failed for a
	// reason opaque to the engine, such as running out of device memory.
	ErrBackendFailure error = errors.New("backend failure")

	// ErrInvalidUsage indicates a caller-contract violation: rebinding a bound
	// buffer object, destroying one twice, unmapping without a mapping, and so on.
	// These are reported rather than left undefined so they surface in tests; a
	// caller triggering one has a logic bug.
	ErrInvalidUsage error = errors.New("invalid usage")
)
