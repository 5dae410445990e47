package hbm

import "github.com/vkngwrapper/core/v2/common"

// Flags declare how a buffer object will be used. They are part of the
// Description and participate in constraint resolution: each flag must be
// satisfiable by at least one backend for resolution to succeed.
type Flags int32

var flagsMapping = common.NewFlagStringMapping[Flags]()

func (f Flags) Register(str string) {
	flagsMapping.Register(f, str)
}
func (f Flags) String() string {
	return flagsMapping.FlagsToString(f)
}

const (
	// FlagExternal indicates the buffer object will be exported to, or imported
	// from, another process or subsystem via a shared handle.
	FlagExternal Flags = 1 << iota
	// FlagMap indicates the buffer object will be mapped for CPU access. At least
	// one backend must offer a CPU-mappable memory type for the description.
	FlagMap
	// FlagCopy indicates the buffer object will participate in copy operations.
	FlagCopy
	// FlagProtected requests memory inaccessible to the CPU, for protected-content
	// pipelines. No bundled backend supports it.
	FlagProtected
	// FlagNoCompression excludes modifiers that apply lossless compression.
	FlagNoCompression
)

func init() {
	FlagExternal.Register("External")
	FlagMap.Register("Map")
	FlagCopy.Register("Copy")
	FlagProtected.Register("Protected")
	FlagNoCompression.Register("NoCompression")
}

// MemoryTypeFlags describe the capabilities of one backend memory type.
type MemoryTypeFlags int32

var memoryTypeFlagsMapping = common.NewFlagStringMapping[MemoryTypeFlags]()

func (f MemoryTypeFlags) Register(str string) {
	memoryTypeFlagsMapping.Register(f, str)
}
func (f MemoryTypeFlags) String() string {
	return memoryTypeFlagsMapping.FlagsToString(f)
}

const (
	// MemoryLocal memory lives on the device rather than in system RAM.
	MemoryLocal MemoryTypeFlags = 1 << iota
	// MemoryMappable memory can be mapped for CPU access.
	MemoryMappable
	// MemoryCoherent memory needs no explicit flush/invalidate around CPU access;
	// the engine elides both for coherent bindings.
	MemoryCoherent
	// MemoryCached memory is CPU-cached; reads are fast but device visibility
	// requires a flush unless the type is also coherent.
	MemoryCached
)

func init() {
	MemoryLocal.Register("Local")
	MemoryMappable.Register("Mappable")
	MemoryCoherent.Register("Coherent")
	MemoryCached.Register("Cached")
}

// MemoryType is one backend-specific binding strategy for backing memory. Beyond
// its flag set it is opaque to callers; BackendToken routes the choice back to
// the backend that advertised it.
type MemoryType struct {
	Flags        MemoryTypeFlags
	BackendToken int
}

// Satisfies reports whether this memory type's flags are a superset of required.
func (m MemoryType) Satisfies(required MemoryTypeFlags) bool {
	return m.Flags&required == required
}
