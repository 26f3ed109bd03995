// Package hbm manages hardware buffer objects: allocations whose layout is
// negotiated between the CPU, device engines, and other processes.
//
// Allocation happens in three steps. A Description (usage flags, format,
// modifier) is classified against the device's backends to learn the
// supported modifiers and alignment constraints. A BO is then created, either
// by letting the device resolve a layout under the merged constraints or by
// supplying an explicit layout received from elsewhere. Finally, memory of a
// negotiated memory type is bound to the BO, allocated fresh or imported from
// a file descriptor.
//
// Once bound, a BO can be mapped for CPU access with explicit flush and
// invalidate for non-coherent memory, used as a copy-engine source or
// destination, and exported as a file descriptor for other processes.
package hbm
