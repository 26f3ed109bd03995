package hbm

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hbm/internal/utils"
	"github.com/vkngwrapper/hbm/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// DeviceCreateOptions configures a new Device.
type DeviceCreateOptions struct {
	// Backends are the driver subsystems the device negotiates with, in
	// priority order. At least one is required; each backend is already
	// bound to its hardware node.
	Backends []Backend
	// Logger receives leveled diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// RequiresExplicitSync marks devices whose consumers must pass fences
	// explicitly rather than relying on implicit ordering.
	RequiresExplicitSync bool
	// SingleThreaded elides internal locking for callers that drive the
	// device from a single goroutine.
	SingleThreaded bool
}

// Device is the root handle bound to one or more hardware nodes. It owns the
// capability queries and is the factory for buffer objects.
//
// A Device is not safe for concurrent BO creation and destruction without
// external synchronization.
type Device struct {
	logger               *slog.Logger
	backends             []Backend
	requiresExplicitSync bool
	useMutex             bool
	destroyed            bool

	liveBoCount int32

	classMutex utils.OptionalRWMutex
	classes    map[Description]*Class

	stats []backendStatistics
}

// backendStatistics guards one backend's usage counters. The allocation size
// extremes track every bind the backend has seen, so a mutex rather than
// per-counter atomics.
type backendStatistics struct {
	mutex    utils.OptionalMutex
	detailed memutils.DetailedStatistics
}

// CreateDevice builds a device over the given backends.
func CreateDevice(options DeviceCreateOptions) (*Device, error) {
	if len(options.Backends) == 0 {
		return nil, errors.Wrap(ErrInvalidState, "a device requires at least one backend")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	device := &Device{
		logger:               logger,
		backends:             options.Backends,
		requiresExplicitSync: options.RequiresExplicitSync,
		useMutex:             !options.SingleThreaded,
		classMutex:           utils.OptionalRWMutex{UseMutex: !options.SingleThreaded},
		classes:              make(map[Description]*Class),
		stats:                make([]backendStatistics, len(options.Backends)),
	}
	for index := range device.stats {
		device.stats[index].mutex = utils.OptionalMutex{UseMutex: device.useMutex}
		device.stats[index].detailed.Clear()
	}

	names := make([]string, 0, len(options.Backends))
	for _, backend := range options.Backends {
		names = append(names, backend.Name())
	}
	logger.Debug("Device::CreateDevice", slog.Any("backends", names))

	return device, nil
}

// RequiresExplicitSync reports whether consumers must synchronize device
// work with explicit fences.
func (d *Device) RequiresExplicitSync() bool {
	return d.requiresExplicitSync
}

// Destroy releases the device. Destroying a device while BOs created from it
// are still alive is a programming error and panics.
func (d *Device) Destroy() {
	d.logger.Debug("Device::Destroy")

	if d.destroyed {
		panic("attempting to destroy a device that has already been destroyed")
	}

	liveBos := atomic.LoadInt32(&d.liveBoCount)
	if liveBos != 0 {
		panic("attempting to destroy a device with live buffer objects")
	}

	d.destroyed = true
}

// PlaneCount returns the memory plane count of a (format, modifier) pair.
//
// The format plane count is a property of the format alone. The memory plane
// count depends on the modifier as well: it equals the format plane count for
// ModifierLinear and may exceed it for modifiers carrying auxiliary planes.
func (d *Device) PlaneCount(format Format, modifier Modifier) (int, error) {
	if format.isInvalid() || modifier.isInvalid() {
		return 0, errors.Wrap(ErrConstraintUnsatisfiable, "plane counts require an explicit format and modifier")
	}

	for _, backend := range d.backends {
		count, err := backend.MemoryPlaneCount(format, modifier)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		return count, err
	}

	return 0, errors.Wrapf(ErrUnsupported, "no backend recognizes format %s with modifier 0x%x", format, uint64(modifier))
}

// Modifiers returns the ordered modifier set the device supports for the
// description. An explicit modifier in the description restricts the result
// to at most that value; an empty result means the description cannot be
// allocated. The result is idempotent while the device's capability state is
// unchanged.
func (d *Device) Modifiers(desc Description) []Modifier {
	class, err := d.classify(desc)
	if err != nil {
		d.logger.Debug("Device::Modifiers", slog.String("error", err.Error()))
		return nil
	}

	// An invalid modifier in the set marks an implicit-modifier-only
	// backend; that means no modifier support as far as callers are
	// concerned.
	for _, m := range class.Modifiers {
		if m.isInvalid() {
			return nil
		}
	}

	modifiers := make([]Modifier, len(class.Modifiers))
	copy(modifiers, class.Modifiers)
	return modifiers
}

// SupportsModifier reports whether the modifier is in the device's supported
// set for the description.
func (d *Device) SupportsModifier(desc Description, modifier Modifier) bool {
	return slices.Contains(d.Modifiers(desc), modifier)
}

// classify validates a description and returns its cached class. Classes
// express the backends' limits for a description and never change while the
// device is alive.
func (d *Device) classify(desc Description) (*Class, error) {
	if !desc.isValid() {
		return nil, errors.Wrap(ErrConstraintUnsatisfiable, "a formatless buffer cannot request a modifier")
	}

	d.classMutex.RLock()
	class, ok := d.classes[desc]
	d.classMutex.RUnlock()
	if ok {
		return class, nil
	}

	d.classMutex.Lock()
	defer d.classMutex.Unlock()

	if class, ok := d.classes[desc]; ok {
		return class, nil
	}

	class, err := d.classifyBackends(desc)
	if err != nil {
		return nil, err
	}

	// An explicit modifier restricts the class to that one value.
	if !desc.IsBuffer() && !desc.Modifier.isInvalid() {
		if slices.Contains(class.Modifiers, desc.Modifier) {
			class.Modifiers = []Modifier{desc.Modifier}
		} else {
			class.Modifiers = nil
		}
	}

	d.classes[desc] = class
	return class, nil
}

func (d *Device) classifyBackends(desc Description) (*Class, error) {
	if len(d.backends) == 1 {
		class, err := d.backends[0].Classify(desc)
		if err != nil {
			return nil, err
		}
		class.backendIndex = 0
		return class, nil
	}

	return d.multiClassify(desc)
}

// multiClassify merges the limits of every backend: extents intersect,
// modifier sets intersect (keeping the first backend's order), and alignment
// constraints merge. At most one backend may report constraints it cannot
// express; that backend then owns the allocation.
func (d *Device) multiClassify(desc Description) (*Class, error) {
	merged := NewClass(desc)
	mergedCon := &Constraint{}
	haveModifiers := false
	requiredIndex := -1

	for index, backend := range d.backends {
		class, err := backend.Classify(desc)
		if err != nil {
			return nil, err
		}

		merged.MaxExtent = intersectExtent(merged.MaxExtent, class.MaxExtent)

		if !desc.IsBuffer() {
			if haveModifiers {
				kept := merged.Modifiers[:0]
				for _, m := range merged.Modifiers {
					if slices.Contains(class.Modifiers, m) {
						kept = append(kept, m)
					}
				}
				merged.Modifiers = kept
			} else {
				merged.Modifiers = slices.Clone(class.Modifiers)
				haveModifiers = true
			}
		}

		mergedCon.merge(class.Constraint)

		if class.UnknownConstraint {
			if requiredIndex >= 0 {
				return nil, errors.Wrap(ErrUnsupported, "more than one backend has inexpressible constraints")
			}
			requiredIndex = index
			merged.UnknownConstraint = true
		}
	}

	if merged.MaxExtent.isEmpty() {
		return nil, errors.Wrap(ErrUnsupported, "the backends' supported extents do not overlap")
	}
	if !desc.IsBuffer() && len(merged.Modifiers) == 0 {
		return nil, errors.Wrapf(ErrUnsupported, "the backends' modifier sets for format %s do not overlap", desc.Format)
	}

	merged.Constraint = mergedCon
	if requiredIndex < 0 {
		requiredIndex = 0
	}
	merged.backendIndex = requiredIndex

	return merged, nil
}

func intersectExtent(a, b Extent) Extent {
	switch ea := a.(type) {
	case BufferExtent:
		eb := b.(BufferExtent)
		if eb.Size < ea.Size {
			ea.Size = eb.Size
		}
		return ea
	case ImageExtent:
		eb := b.(ImageExtent)
		if eb.Width < ea.Width {
			ea.Width = eb.Width
		}
		if eb.Height < ea.Height {
			ea.Height = eb.Height
		}
		return ea
	}
	panic("extent is neither a buffer nor an image")
}

func (d *Device) backend(index int) Backend {
	return d.backends[index]
}

func (d *Device) boCreated(backendIndex int) {
	atomic.AddInt32(&d.liveBoCount, 1)

	stats := &d.stats[backendIndex]
	stats.mutex.Lock()
	stats.detailed.BoCount++
	stats.mutex.Unlock()
}

func (d *Device) boDestroyed(backendIndex int) {
	newCount := atomic.AddInt32(&d.liveBoCount, -1)
	if newCount < 0 {
		panic("live BO count went negative")
	}

	stats := &d.stats[backendIndex]
	stats.mutex.Lock()
	stats.detailed.BoCount--
	stats.mutex.Unlock()
}

func (d *Device) boBound(backendIndex int, size int) {
	stats := &d.stats[backendIndex]
	stats.mutex.Lock()
	stats.detailed.AddAllocation(size)
	stats.mutex.Unlock()
}

func (d *Device) boUnbound(backendIndex int, size int) {
	// The size extremes deliberately survive the unbind; they summarize
	// every allocation the backend has carried.
	stats := &d.stats[backendIndex]
	stats.mutex.Lock()
	stats.detailed.BindCount--
	stats.detailed.BoundBytes -= size
	stats.mutex.Unlock()
}

func (d *Device) boMapped(backendIndex int) {
	stats := &d.stats[backendIndex]
	stats.mutex.Lock()
	stats.detailed.MappedCount++
	stats.mutex.Unlock()
}

func (d *Device) boUnmapped(backendIndex int) {
	stats := &d.stats[backendIndex]
	stats.mutex.Lock()
	stats.detailed.MappedCount--
	stats.mutex.Unlock()
}
