// Package hbm allocates hardware buffers whose memory layout is negotiated
// between the subsystems that will touch them. A Device fronts one or more
// backends (display controllers, GPU drivers, plain heaps); callers describe a
// buffer by format, modifier, and usage flags, the device intersects what every
// relevant backend supports, and the resulting BufferObject carries a concrete
// layout that all of them accept.
//
// Buffer objects follow a strict lifecycle: created unbound, bound to one of
// their candidate memory types (allocating fresh memory or importing a shared
// handle), then mapped, copied, or exported, and finally destroyed. Shared
// handles exported from one device can be imported into another, carrying the
// asserted layout alongside.
//
// Backends are pluggable: importing a backend package for side effects
// registers it with CreateDevice.
package hbm
