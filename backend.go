package hbm

// Capability is a backend's answer to a probe: the limits and layout freedom it
// offers for one description. The resolver merges capabilities when several
// backends must cooperate on a buffer object.
type Capability struct {
	// MaxExtent bounds the extents the backend can allocate for the description.
	MaxExtent Extent
	// Modifiers lists supported modifiers in the backend's preference order.
	// Empty for generic buffer descriptions.
	Modifiers []Modifier
	// MemoryTypeFlags is the union of flags across the memory types the backend
	// can offer for the description.
	MemoryTypeFlags MemoryTypeFlags
	// CanCopy reports whether the backend can execute copies for the description.
	CanCopy bool
	// Constraint carries alignment requirements the final layout must satisfy.
	Constraint *Constraint
}

// Backend is one hardware-specific allocator/mapper: a display controller, a
// GPU driver, or a generic heap. The Device owns an ordered set of backends and
// never inspects their internals; all dispatch is through this interface.
//
// PlaneCount and Probe answer capability queries and must not allocate device
// resources. CreateWithConstraint resolves a layout and returns an unbound
// handle (backends that allocate eagerly may return a pre-bound one);
// CreateWithLayout trusts the caller-asserted layout instead.
type Backend interface {
	Name() string
	// Accelerated distinguishes hardware-queue backends from plain heap
	// allocators, for ModeSoftware restriction.
	Accelerated() bool

	PlaneCount(format Format, modifier Modifier) (int, error)
	Probe(desc Description) (*Capability, error)

	CreateWithConstraint(desc Description, extent Extent, con *Constraint) (Handle, error)
	CreateWithLayout(desc Description, extent Extent, layout Layout) (Handle, error)

	Close() error
}

// Handle is a backend's per-buffer-object state: the resolved layout, the
// candidate memory types, and the backing memory once bound. Buffer objects
// drive it through their state machine and never interpret it.
type Handle interface {
	Layout() Layout
	MemoryTypes() []MemoryType

	// Bind commits backing memory of the given type, either allocating fresh
	// memory or importing the shared handle when one is provided.
	Bind(memoryType MemoryType, importHandle *SharedHandle) error

	Export(name string) (*SharedHandle, error)
	Map() ([]byte, error)
	Unmap(data []byte) error
	Flush() error
	Invalidate() error

	// Release frees the handle's backing memory reference and invalidates it.
	Release() error
}

// Blitter is implemented by backends that offer an accelerated copy path. The
// copy engine tries it before falling back to CPU-mediated copies; a backend
// may still decline a particular pair with ErrCopyUnsupported.
type Blitter interface {
	CopyBuffer(dst, src Handle, region BufferCopy, fenceIn *Fence) (*Fence, error)
	CopyBufferImage(dst, src Handle, region BufferImageCopy, fenceIn *Fence) (*Fence, error)
}
