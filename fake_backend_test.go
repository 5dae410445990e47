package hbm

import (
	cerrors "github.com/cockroachdb/errors"
)

// fakeBackend is an in-memory backend for engine tests: allocations are byte
// slices, so no kernel interface is involved. Fields configure what it claims
// to support; counters record what the engine asked of it.
type fakeBackend struct {
	name        string
	accelerated bool
	modifiers   []Modifier
	memoryTypes []MemoryType
	maxExtent   *Extent
	constraint  *Constraint

	probeErr error
	bindErr  error

	flushCount      int
	invalidateCount int
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{
		name:        name,
		modifiers:   []Modifier{ModifierLinear},
		memoryTypes: []MemoryType{{Flags: MemoryMappable | MemoryCoherent | MemoryCached}},
	}
}

func (f *fakeBackend) Name() string {
	return f.name
}

func (f *fakeBackend) Accelerated() bool {
	return f.accelerated
}

func (f *fakeBackend) PlaneCount(format Format, modifier Modifier) (int, error) {
	info, err := format.Info()
	if err != nil {
		return 0, err
	}
	return info.PlaneCount, nil
}

func (f *fakeBackend) Probe(desc Description) (*Capability, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if desc.Flags&FlagProtected != 0 {
		return nil, cerrors.Wrap(ErrUnsupportedConstraint, "no protected memory")
	}

	var memFlags MemoryTypeFlags
	for _, memoryType := range f.memoryTypes {
		memFlags |= memoryType.Flags
	}

	capability := &Capability{
		MaxExtent:       maxExtent(desc.IsBuffer()),
		MemoryTypeFlags: memFlags,
		Constraint:      f.constraint,
	}
	if f.maxExtent != nil && f.maxExtent.IsBuffer() == desc.IsBuffer() {
		capability.MaxExtent = *f.maxExtent
	}

	if !desc.IsBuffer() {
		if _, err := desc.Format.Info(); err != nil {
			return nil, err
		}
		capability.Modifiers = append([]Modifier(nil), f.modifiers...)
	}
	return capability, nil
}

func (f *fakeBackend) CreateWithConstraint(desc Description, extent Extent, con *Constraint) (Handle, error) {
	layout, err := PackedLayout(desc, extent, con)
	if err != nil {
		return nil, err
	}
	return &fakeHandle{backend: f, layout: layout}, nil
}

func (f *fakeBackend) CreateWithLayout(desc Description, extent Extent, layout Layout) (Handle, error) {
	return &fakeHandle{backend: f, layout: layout}, nil
}

func (f *fakeBackend) Close() error {
	return nil
}

type fakeHandle struct {
	backend *fakeBackend
	layout  Layout
	data    []byte
}

func (h *fakeHandle) Layout() Layout {
	return h.layout
}

func (h *fakeHandle) MemoryTypes() []MemoryType {
	return append([]MemoryType(nil), h.backend.memoryTypes...)
}

func (h *fakeHandle) Bind(memoryType MemoryType, importHandle *SharedHandle) error {
	if h.backend.bindErr != nil {
		return h.backend.bindErr
	}
	h.data = make([]byte, h.layout.Size)
	return nil
}

func (h *fakeHandle) Export(name string) (*SharedHandle, error) {
	return nil, cerrors.Wrap(ErrExportUnsupported, "fake memory has no fd")
}

func (h *fakeHandle) Map() ([]byte, error) {
	if h.data == nil {
		return nil, cerrors.Wrap(ErrMapFailed, "no memory bound")
	}
	return h.data, nil
}

func (h *fakeHandle) Unmap(data []byte) error {
	return nil
}

func (h *fakeHandle) Flush() error {
	h.backend.flushCount++
	return nil
}

func (h *fakeHandle) Invalidate() error {
	h.backend.invalidateCount++
	return nil
}

func (h *fakeHandle) Release() error {
	h.data = nil
	return nil
}

// fakeBlitBackend adds a recording accelerated copy path.
type fakeBlitBackend struct {
	fakeBackend

	copyErr         error
	bufferCopies    int
	bufferImgCopies int
}

func newFakeBlitBackend(name string) *fakeBlitBackend {
	blit := &fakeBlitBackend{fakeBackend: *newFakeBackend(name)}
	return blit
}

func (f *fakeBlitBackend) CopyBuffer(dst, src Handle, region BufferCopy, fenceIn *Fence) (*Fence, error) {
	if f.copyErr != nil {
		return nil, f.copyErr
	}
	f.bufferCopies++

	dstData, err := dst.Map()
	if err != nil {
		return nil, err
	}
	srcData, err := src.Map()
	if err != nil {
		return nil, err
	}
	copy(dstData[region.DstOffset:region.DstOffset+region.Size],
		srcData[region.SrcOffset:region.SrcOffset+region.Size])
	return nil, nil
}

func (f *fakeBlitBackend) CopyBufferImage(dst, src Handle, region BufferImageCopy, fenceIn *Fence) (*Fence, error) {
	if f.copyErr != nil {
		return nil, f.copyErr
	}
	f.bufferImgCopies++
	return nil, nil
}
