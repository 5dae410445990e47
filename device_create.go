package hbm

import (
	"log/slog"
	"sort"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

// Mode selects which registered backends a device is allowed to bring up.
type Mode int32

const (
	// ModeAuto brings up every backend that accepts the device node,
	// accelerated backends first.
	ModeAuto Mode = iota
	// ModeSoftware restricts the device to non-accelerated backends. Useful
	// for headless test environments and as a CPU-only fallback path.
	ModeSoftware
)

var modeMapping = map[Mode]string{
	ModeAuto:     "ModeAuto",
	ModeSoftware: "ModeSoftware",
}

func (m Mode) String() string {
	if s, ok := modeMapping[m]; ok {
		return s
	}
	return "unknown mode"
}

// CreateFlags alter the behavior of a created Device.
type CreateFlags int32

const (
	// DeviceCreateExternallySynchronized indicates the caller will synchronize
	// all access to the Device and its buffer objects, allowing internal locks
	// to be elided.
	DeviceCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

func init() {
	DeviceCreateExternallySynchronized.Register("DeviceCreateExternallySynchronized")
}

// CreateOptions are the optional parameters of CreateDevice and
// NewDeviceFromBackends. The zero value is valid.
type CreateOptions struct {
	Flags CreateFlags
	// Logger receives diagnostics for this device. When nil, the process-wide
	// logger installed with SetLogger is used.
	Logger *slog.Logger
}

// BackendFactory describes one registered backend implementation. New is
// called once per CreateDevice; returning an error excludes the backend from
// the device without failing creation, as long as at least one backend comes up.
type BackendFactory struct {
	Name        string
	Accelerated bool
	New         func(node string, logger *slog.Logger) (Backend, error)
}

var (
	registryMutex   sync.RWMutex
	backendRegistry []BackendFactory
)

// RegisterBackend makes a backend implementation available to CreateDevice.
// Backend packages call it from init; importing a backend package for side
// effects is enough to register it.
func RegisterBackend(factory BackendFactory) {
	if factory.New == nil {
		panic("hbm: RegisterBackend with nil constructor")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	for _, existing := range backendRegistry {
		if existing.Name == factory.Name {
			panic("hbm: RegisterBackend called twice for backend " + factory.Name)
		}
	}
	backendRegistry = append(backendRegistry, factory)
}

func registeredFactories() []BackendFactory {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	factories := make([]BackendFactory, len(backendRegistry))
	copy(factories, backendRegistry)
	return factories
}

// CreateDevice opens the device node with every registered backend permitted
// by mode and returns a Device dispatching across the ones that came up.
// Accelerated backends take precedence when resolving capabilities. Fails with
// ErrDeviceUnavailable when no backend accepts the node.
func CreateDevice(node string, mode Mode, options CreateOptions) (*Device, error) {
	logger := options.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	factories := registeredFactories()
	sort.SliceStable(factories, func(i, j int) bool {
		return factories[i].Accelerated && !factories[j].Accelerated
	})

	var backends []Backend
	var firstErr error
	for _, factory := range factories {
		if mode == ModeSoftware && factory.Accelerated {
			continue
		}

		backend, err := factory.New(node, logger)
		if err != nil {
			logger.Debug("backend unavailable",
				slog.String("backend", factory.Name),
				slog.String("node", node),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		if firstErr != nil {
			return nil, cerrors.Mark(cerrors.Wrapf(firstErr, "no backend accepted node %s", node), ErrDeviceUnavailable)
		}
		return nil, cerrors.Wrapf(ErrDeviceUnavailable, "no backends registered for mode %s", mode)
	}

	device := newDevice(backends, mode, options, logger)
	names := make([]string, len(backends))
	for i, backend := range backends {
		names[i] = backend.Name()
	}
	logger.Debug("device created",
		slog.String("node", node),
		slog.String("mode", mode.String()),
		slog.Any("backends", names),
	)
	return device, nil
}

// NewDeviceFromBackends builds a Device over an explicit backend set, bypassing
// the registry. The device takes ownership of the backends and closes them on
// Destroy. Intended for tests and embedders that construct backends directly.
func NewDeviceFromBackends(backends []Backend, options CreateOptions) (*Device, error) {
	if len(backends) == 0 {
		return nil, cerrors.Wrap(ErrDeviceUnavailable, "no backends provided")
	}

	logger := options.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	owned := make([]Backend, len(backends))
	copy(owned, backends)
	return newDevice(owned, ModeAuto, options, logger), nil
}
