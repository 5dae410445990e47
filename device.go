package hbm

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/hbmgo/hbm/internal/utils"
	"github.com/hbmgo/hbm/memutils"
)

// Device dispatches buffer object creation and capability queries across an
// ordered set of backends. Capability resolutions are cached per description.
// All methods are safe for concurrent use unless the device was created with
// DeviceCreateExternallySynchronized.
type Device struct {
	logger      *slog.Logger
	mode        Mode
	createFlags CreateFlags
	useMutex    bool

	backends []Backend

	capMutex utils.OptionalRWMutex
	capCache *swiss.Map[Description, *resolvedCapability]

	statsMutex utils.OptionalRWMutex
	stats      memutils.DetailedStatistics

	destroyed bool
}

// resolvedCapability is the merged answer of all backends that support one
// description: the modifiers every participant accepts, the tightest extent
// bound, and the folded alignment constraint. The first participating backend
// is the one that allocates.
type resolvedCapability struct {
	backends   []Backend
	modifiers  []Modifier
	maxExtent  Extent
	constraint Constraint
	canCopy    bool
	memFlags   MemoryTypeFlags
}

func newDevice(backends []Backend, mode Mode, options CreateOptions, logger *slog.Logger) *Device {
	useMutex := options.Flags&DeviceCreateExternallySynchronized == 0
	device := &Device{
		logger:      logger,
		mode:        mode,
		createFlags: options.Flags,
		useMutex:    useMutex,
		backends:    backends,
		capCache:    swiss.NewMap[Description, *resolvedCapability](8),
	}
	device.capMutex.UseMutex = useMutex
	device.statsMutex.UseMutex = useMutex
	device.stats.Clear()
	return device
}

func (d *Device) checkAlive() error {
	if d.destroyed {
		return cerrors.Wrap(ErrInvalidUsage, "device has been destroyed")
	}
	return nil
}

// Destroy tears down the device and closes its backends. Fails with
// ErrInvalidUsage while buffer objects created from it are still alive.
func (d *Device) Destroy() error {
	if err := d.checkAlive(); err != nil {
		return err
	}

	d.statsMutex.RLock()
	live := d.stats.BufferObjectCount
	d.statsMutex.RUnlock()
	if live > 0 {
		return cerrors.Wrapf(ErrInvalidUsage, "device destroyed with %d live buffer objects", live)
	}

	var firstErr error
	for _, backend := range d.backends {
		if err := backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.destroyed = true
	d.logger.Debug("device destroyed")
	return firstErr
}

// resolve computes (or returns the cached) merged capability for a description.
// Fails with ErrUnsupportedConstraint when no backend combination can satisfy
// the description's flags, format, and modifier.
func (d *Device) resolve(desc Description) (*resolvedCapability, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	d.capMutex.RLock()
	cached, ok := d.capCache.Get(desc)
	d.capMutex.RUnlock()
	if ok {
		return cached, nil
	}

	resolved, err := d.resolveUncached(desc)
	if err != nil {
		return nil, err
	}

	d.capMutex.Lock()
	d.capCache.Put(desc, resolved)
	d.capMutex.Unlock()

	d.logger.Debug("capability resolved",
		slog.String("description", desc.String()),
		slog.Int("backends", len(resolved.backends)),
		slog.Int("modifiers", len(resolved.modifiers)),
	)
	return resolved, nil
}

func (d *Device) resolveUncached(desc Description) (*resolvedCapability, error) {
	resolved := &resolvedCapability{
		maxExtent: maxExtent(desc.IsBuffer()),
	}

	for _, backend := range d.backends {
		capability, err := backend.Probe(desc)
		if err != nil {
			if cerrors.Is(err, ErrUnsupportedConstraint) {
				continue
			}
			return nil, cerrors.Mark(err, ErrBackendFailure)
		}

		if len(resolved.backends) == 0 {
			resolved.modifiers = append([]Modifier(nil), capability.Modifiers...)
		} else {
			resolved.modifiers = intersectModifiers(resolved.modifiers, capability.Modifiers)
		}

		resolved.maxExtent = resolved.maxExtent.Intersect(capability.MaxExtent)
		resolved.memFlags |= capability.MemoryTypeFlags
		resolved.canCopy = resolved.canCopy || capability.CanCopy
		if err := resolved.constraint.Merge(capability.Constraint); err != nil {
			return nil, err
		}

		resolved.backends = append(resolved.backends, backend)
	}

	if len(resolved.backends) == 0 {
		return nil, cerrors.Wrapf(ErrUnsupportedConstraint, "no backend supports %s", desc)
	}
	if !desc.IsBuffer() && len(resolved.modifiers) == 0 {
		return nil, cerrors.Wrapf(ErrUnsupportedConstraint, "backends share no modifier for %s", desc)
	}
	if !desc.IsBuffer() && desc.Modifier != ModifierAny {
		if !containsModifier(resolved.modifiers, desc.Modifier) {
			return nil, cerrors.Wrapf(ErrUnsupportedConstraint, "modifier %s unsupported for %s", desc.Modifier, desc)
		}
		resolved.modifiers = []Modifier{desc.Modifier}
	}

	if desc.Flags&FlagMap != 0 && resolved.memFlags&MemoryMappable == 0 {
		return nil, cerrors.Wrapf(ErrUnsupportedConstraint, "no mappable memory type for %s", desc)
	}
	if desc.Flags&FlagCopy != 0 && !resolved.canCopy && resolved.memFlags&MemoryMappable == 0 {
		return nil, cerrors.Wrapf(ErrUnsupportedConstraint, "no copy path for %s", desc)
	}

	return resolved, nil
}

// intersectModifiers keeps the elements of first that also appear in second,
// preserving first's order. The primary backend's preference order survives
// merging this way.
func intersectModifiers(first, second []Modifier) []Modifier {
	var out []Modifier
	for _, modifier := range first {
		if containsModifier(second, modifier) {
			out = append(out, modifier)
		}
	}
	return out
}

func containsModifier(modifiers []Modifier, modifier Modifier) bool {
	for _, m := range modifiers {
		if m == modifier {
			return true
		}
	}
	return false
}

// ModifierCount returns the number of modifiers usable for the description, for
// count-then-fill enumeration with Modifiers.
func (d *Device) ModifierCount(desc Description) (int, error) {
	modifiers, err := d.modifierSet(desc)
	if err != nil {
		return 0, err
	}
	return len(modifiers), nil
}

// Modifiers returns the modifiers every relevant backend supports for the
// description, in the primary backend's preference order. A description with a
// concrete modifier yields either that single modifier or an empty set. An
// unsupported description yields an empty set rather than an error.
func (d *Device) Modifiers(desc Description) ([]Modifier, error) {
	modifiers, err := d.modifierSet(desc)
	if err != nil {
		return nil, err
	}
	return append([]Modifier(nil), modifiers...), nil
}

func (d *Device) modifierSet(desc Description) ([]Modifier, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}

	resolved, err := d.resolve(desc)
	if err != nil {
		if cerrors.Is(err, ErrUnsupportedConstraint) {
			return nil, nil
		}
		return nil, err
	}
	return resolved.modifiers, nil
}

// SupportsModifier reports whether the description is usable with the given
// concrete modifier.
func (d *Device) SupportsModifier(desc Description, modifier Modifier) (bool, error) {
	desc.Modifier = modifier
	modifiers, err := d.modifierSet(desc)
	if err != nil {
		return false, err
	}
	return len(modifiers) > 0, nil
}

// PlaneCount returns the number of memory planes a format occupies under a
// modifier. Generic buffers always have a single plane.
func (d *Device) PlaneCount(format Format, modifier Modifier) (int, error) {
	if err := d.checkAlive(); err != nil {
		return 0, err
	}
	if format == FormatGeneric {
		return 1, nil
	}

	for _, backend := range d.backends {
		count, err := backend.PlaneCount(format, modifier)
		if err != nil {
			continue
		}
		return count, nil
	}
	return 0, cerrors.Wrapf(ErrUnsupportedConstraint, "no backend knows format %s with modifier %s", format, modifier)
}

// CreateBufferObject creates an unbound buffer object, resolving its layout
// from the merged backend constraints plus the caller's optional constraint.
// The resulting modifier is narrowed from the candidate set by the allocating
// backend; read it back from Layout after binding.
func (d *Device) CreateBufferObject(desc Description, extent Extent, con *Constraint) (*BufferObject, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if err := d.checkShape(desc, extent); err != nil {
		return nil, err
	}

	resolved, err := d.resolve(desc)
	if err != nil {
		return nil, err
	}
	if err := d.checkExtentBound(extent, resolved); err != nil {
		return nil, err
	}

	merged := resolved.constraint
	merged.Modifiers = resolved.modifiers
	if con != nil {
		plain := *con
		candidates := merged.Modifiers
		if len(plain.Modifiers) != 0 {
			candidates = intersectModifiers(merged.Modifiers, plain.Modifiers)
			if !desc.IsBuffer() && len(candidates) == 0 {
				return nil, cerrors.Wrapf(ErrUnsupportedConstraint, "constraint modifiers exclude all candidates for %s", desc)
			}
			plain.Modifiers = nil
		}
		if err := merged.Merge(&plain); err != nil {
			return nil, err
		}
		merged.Modifiers = candidates
	}

	primary := resolved.backends[0]
	handle, err := primary.CreateWithConstraint(desc, extent, &merged)
	if err != nil {
		return nil, err
	}

	bo := d.newBufferObject(primary, handle, desc, extent, nil)
	d.logger.Debug("buffer object created",
		slog.String("description", bo.desc.String()),
		slog.String("extent", extent.String()),
		slog.String("backend", primary.Name()),
	)
	return bo, nil
}

// CreateBufferObjectWithLayout creates a buffer object over a caller-asserted
// layout, typically one received alongside an imported shared handle. Only
// structural sanity is validated; the asserted strides and offsets are trusted.
// The shared handle, when non-nil, is remembered and imported by a subsequent
// BindMemory; the caller retains ownership of it.
func (d *Device) CreateBufferObjectWithLayout(desc Description, extent Extent, layout Layout, handle *SharedHandle) (*BufferObject, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if err := d.checkShape(desc, extent); err != nil {
		return nil, err
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	if !desc.IsBuffer() {
		if desc.Modifier != ModifierAny && desc.Modifier != layout.Modifier {
			return nil, cerrors.Wrapf(ErrInvalidUsage, "description modifier %s disagrees with layout modifier %s",
				desc.Modifier, layout.Modifier)
		}
		desc.Modifier = layout.Modifier
	}

	planes, err := d.PlaneCount(desc.Format, layout.Modifier)
	if err != nil {
		return nil, err
	}
	if planes != layout.PlaneCount {
		return nil, cerrors.Wrapf(ErrInvalidUsage, "layout has %d planes, format %s with modifier %s has %d",
			layout.PlaneCount, desc.Format, layout.Modifier, planes)
	}

	if handle != nil {
		size, err := handle.Size()
		if err != nil {
			return nil, err
		}
		if size < layout.Size {
			return nil, cerrors.Wrapf(ErrImportMismatch, "shared handle holds %d bytes, layout requires %d", size, layout.Size)
		}
	}

	resolved, err := d.resolve(desc)
	if err != nil {
		return nil, err
	}
	if err := d.checkExtentBound(extent, resolved); err != nil {
		return nil, err
	}

	primary := resolved.backends[0]
	backendHandle, err := primary.CreateWithLayout(desc, extent, layout)
	if err != nil {
		return nil, err
	}

	bo := d.newBufferObject(primary, backendHandle, desc, extent, handle)
	d.logger.Debug("buffer object created with asserted layout",
		slog.String("description", desc.String()),
		slog.Int("layoutSize", layout.Size),
		slog.String("backend", primary.Name()),
	)
	return bo, nil
}

func (d *Device) checkShape(desc Description, extent Extent) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if !extent.Matches(desc) {
		return cerrors.Wrapf(ErrInvalidUsage, "extent %s does not match description %s", extent, desc)
	}
	if extent.IsEmpty() {
		return cerrors.Wrapf(ErrInvalidUsage, "extent %s is empty", extent)
	}
	return nil
}

func (d *Device) checkExtentBound(extent Extent, resolved *resolvedCapability) error {
	bounded := extent.Intersect(resolved.maxExtent)
	if bounded != extent {
		return cerrors.Wrapf(ErrUnsupportedConstraint, "extent %s exceeds backend limit %s", extent, resolved.maxExtent)
	}
	return nil
}

// Statistics returns a snapshot of the live buffer object population.
func (d *Device) Statistics() memutils.Statistics {
	d.statsMutex.RLock()
	defer d.statsMutex.RUnlock()
	return d.stats.Statistics
}

// DetailedStatistics extends Statistics with the size range of backing
// allocations observed over the device's lifetime.
func (d *Device) DetailedStatistics() memutils.DetailedStatistics {
	d.statsMutex.RLock()
	defer d.statsMutex.RUnlock()
	return d.stats
}
