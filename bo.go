package hbm

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"

	"github.com/hbmgo/hbm/internal/utils"
	"github.com/hbmgo/hbm/memutils"
)

// BufferObject is one allocated (or imported) buffer moving through the
// lifecycle: created unbound, bound to a memory type, optionally mapped,
// exported, copied, and finally destroyed. Methods are safe for concurrent use
// unless the owning device was created externally synchronized.
type BufferObject struct {
	device  *Device
	backend Backend
	handle  Handle

	desc   Description
	extent Extent

	// pendingImport is the shared handle passed at creation, imported by the
	// next BindMemory. Borrowed, never closed here.
	pendingImport *SharedHandle

	mutex       utils.OptionalRWMutex
	memoryTypes []MemoryType
	bound       bool
	memoryType  MemoryType
	mapping     []byte
	destroyed   bool
}

func (d *Device) newBufferObject(backend Backend, handle Handle, desc Description, extent Extent, pendingImport *SharedHandle) *BufferObject {
	bo := &BufferObject{
		device:        d,
		backend:       backend,
		handle:        handle,
		desc:          desc,
		extent:        extent,
		pendingImport: pendingImport,
	}
	bo.mutex.UseMutex = d.useMutex

	d.statsMutex.Lock()
	d.stats.BufferObjectCount++
	d.statsMutex.Unlock()
	return bo
}

// Description returns the buffer object's description. Once bound, a modifier
// requested as ModifierAny reads back as the resolved concrete modifier.
func (b *BufferObject) Description() Description {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.desc
}

// Extent returns the extent the buffer object was created with.
func (b *BufferObject) Extent() Extent {
	return b.extent
}

func (b *BufferObject) checkAlive() error {
	if b.destroyed {
		return cerrors.Wrap(ErrInvalidUsage, "buffer object has been destroyed")
	}
	return nil
}

// MemoryTypeCount returns the number of memory types the buffer object can be
// bound with, for count-then-fill enumeration with MemoryTypes.
func (b *BufferObject) MemoryTypeCount() (int, error) {
	types, err := b.MemoryTypes()
	if err != nil {
		return 0, err
	}
	return len(types), nil
}

// MemoryTypes returns the candidate memory types in the backend's preference
// order. The set is stable for the buffer object's lifetime.
func (b *BufferObject) MemoryTypes() ([]MemoryType, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkAlive(); err != nil {
		return nil, err
	}

	if b.memoryTypes == nil {
		b.memoryTypes = b.handle.MemoryTypes()
	}
	return append([]MemoryType(nil), b.memoryTypes...), nil
}

// BindMemory commits backing memory using the first memory type whose flags
// satisfy required. When importHandle is non-nil (or a shared handle was given
// at creation), the binding imports that memory instead of allocating; the
// handle is duplicated, the caller keeps ownership. A failed bind leaves the
// buffer object unbound and reusable. Rebinding is an error.
func (b *BufferObject) BindMemory(required MemoryTypeFlags, importHandle *SharedHandle) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkAlive(); err != nil {
		return err
	}
	if b.bound {
		return cerrors.Wrap(ErrInvalidUsage, "buffer object is already bound")
	}

	if importHandle == nil {
		importHandle = b.pendingImport
	}
	if importHandle != nil && b.desc.Flags&FlagExternal == 0 {
		return cerrors.Wrap(ErrInvalidUsage, "import requires FlagExternal on the description")
	}

	if b.memoryTypes == nil {
		b.memoryTypes = b.handle.MemoryTypes()
	}

	chosen := -1
	for i, memoryType := range b.memoryTypes {
		if memoryType.Satisfies(required) {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		return cerrors.Wrapf(ErrBindFailed, "no memory type satisfies %s", required)
	}

	if err := b.handle.Bind(b.memoryTypes[chosen], importHandle); err != nil {
		return err
	}

	b.bound = true
	b.memoryType = b.memoryTypes[chosen]
	b.pendingImport = nil
	layout := b.handle.Layout()
	memutils.DebugValidate(&layout)
	if !b.desc.IsBuffer() {
		b.desc.Modifier = layout.Modifier
	}

	b.device.statsMutex.Lock()
	b.device.stats.AddAllocation(layout.Size)
	b.device.statsMutex.Unlock()

	b.device.logger.Debug("buffer object bound",
		slog.String("memoryType", b.memoryType.Flags.String()),
		slog.Int("size", layout.Size),
		slog.Bool("imported", importHandle != nil),
	)
	return nil
}

// Bound reports whether backing memory has been committed.
func (b *BufferObject) Bound() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.bound
}

// MemoryType returns the memory type of the current binding. Valid only while
// bound.
func (b *BufferObject) MemoryType() (MemoryType, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if err := b.checkAlive(); err != nil {
		return MemoryType{}, err
	}
	if !b.bound {
		return MemoryType{}, cerrors.Wrap(ErrInvalidUsage, "buffer object is not bound")
	}
	return b.memoryType, nil
}

// Layout returns the resolved physical layout. Valid only while bound and
// stable from then on.
func (b *BufferObject) Layout() (Layout, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if err := b.checkAlive(); err != nil {
		return Layout{}, err
	}
	if !b.bound {
		return Layout{}, cerrors.Wrap(ErrInvalidUsage, "layout is undefined before binding")
	}
	return b.handle.Layout(), nil
}

// Export duplicates the backing memory into a new shared handle suitable for
// another process or subsystem. Requires FlagExternal and a live binding. The
// returned handle refers to the same memory and is owned by the caller; name is
// attached to the handle for debugging where the platform supports it.
func (b *BufferObject) Export(name string) (*SharedHandle, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	if b.desc.Flags&FlagExternal == 0 {
		return nil, cerrors.Wrap(ErrInvalidUsage, "export requires FlagExternal on the description")
	}
	if !b.bound {
		return nil, cerrors.Wrap(ErrInvalidUsage, "export requires bound memory")
	}

	handle, err := b.handle.Export(name)
	if err != nil {
		return nil, err
	}

	b.device.logger.Debug("buffer object exported", slog.String("name", name))
	return handle, nil
}

// Map exposes the backing memory to the CPU as a byte slice covering the full
// allocation; plane offsets from Layout index into it. Requires FlagMap, a
// binding with a CPU-mappable memory type, and no active mapping. For
// non-coherent memory types, bracket CPU access with Invalidate and Flush.
func (b *BufferObject) Map() ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	if b.desc.Flags&FlagMap == 0 {
		return nil, cerrors.Wrap(ErrMapFailed, "mapping requires FlagMap on the description")
	}
	if !b.bound {
		return nil, cerrors.Wrap(ErrMapFailed, "mapping requires bound memory")
	}
	if b.memoryType.Flags&MemoryMappable == 0 {
		return nil, cerrors.Wrapf(ErrMapFailed, "memory type %s is not mappable", b.memoryType.Flags)
	}
	if b.mapping != nil {
		return nil, cerrors.Wrap(ErrMapFailed, "a mapping is already active")
	}

	data, err := b.handle.Map()
	if err != nil {
		return nil, err
	}

	b.mapping = data
	b.device.statsMutex.Lock()
	b.device.stats.MappedCount++
	b.device.statsMutex.Unlock()
	return data, nil
}

// Unmap releases the active mapping. The slice returned by Map must not be
// used afterwards.
func (b *BufferObject) Unmap() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkAlive(); err != nil {
		return err
	}
	if b.mapping == nil {
		return cerrors.Wrap(ErrInvalidUsage, "no active mapping")
	}
	return b.unmapLocked()
}

func (b *BufferObject) unmapLocked() error {
	err := b.handle.Unmap(b.mapping)
	b.mapping = nil

	b.device.statsMutex.Lock()
	b.device.stats.MappedCount--
	b.device.statsMutex.Unlock()
	return err
}

// Flush makes CPU writes through the active mapping visible to the device.
// Elided for coherent memory types. Valid only while mapped.
func (b *BufferObject) Flush() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkCoherency(); err != nil {
		return err
	}
	if b.memoryType.Flags&MemoryCoherent != 0 {
		return nil
	}
	return b.handle.Flush()
}

// Invalidate makes device writes visible to CPU reads through the active
// mapping. Elided for coherent memory types. Valid only while mapped.
func (b *BufferObject) Invalidate() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkCoherency(); err != nil {
		return err
	}
	if b.memoryType.Flags&MemoryCoherent != 0 {
		return nil
	}
	return b.handle.Invalidate()
}

func (b *BufferObject) checkCoherency() error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	if b.mapping == nil {
		return cerrors.Wrap(ErrInvalidUsage, "coherency control requires an active mapping")
	}
	return nil
}

// Destroy releases the buffer object and its backing memory reference. Any
// active mapping is torn down first. Shared handles previously exported remain
// valid; the underlying memory lives until the last reference is closed.
func (b *BufferObject) Destroy() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.checkAlive(); err != nil {
		return err
	}

	var firstErr error
	if b.mapping != nil {
		firstErr = b.unmapLocked()
	}

	var size int
	if b.bound {
		size = b.handle.Layout().Size
	}

	if err := b.handle.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	b.destroyed = true

	b.device.statsMutex.Lock()
	b.device.stats.BufferObjectCount--
	if b.bound {
		b.device.stats.BoundCount--
		b.device.stats.BoundBytes -= size
	}
	b.device.statsMutex.Unlock()
	b.bound = false

	b.device.logger.Debug("buffer object destroyed")
	return firstErr
}
