package hbm

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/hbmgo/hbm/memutils"
)

// BuildStatsString builds a JSON string describing the device: its backends,
// the live buffer object population, and, when detailedMap is set, every
// capability resolution currently cached.
func (d *Device) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("Mode").String(d.mode.String())
	general.Name("Flags").String(d.createFlags.String())
	backends := general.Name("Backends").Array()
	for _, backend := range d.backends {
		backends.String(backend.Name())
	}
	backends.End()
	general.End()

	d.statsMutex.RLock()
	stats := d.stats
	d.statsMutex.RUnlock()

	total := obj.Name("Total").Object()
	writeDetailedStatistics(&total, stats)
	total.End()

	if detailedMap {
		capabilities := obj.Name("Capabilities").Array()
		d.capMutex.RLock()
		d.capCache.Iter(func(desc Description, resolved *resolvedCapability) bool {
			capability := capabilities.Object()
			capability.Name("Description").String(desc.String())
			capability.Name("MaxExtent").String(resolved.maxExtent.String())
			capability.Name("BackendCount").Int(len(resolved.backends))
			capability.Name("CanCopy").Bool(resolved.canCopy)
			capability.Name("MemoryTypeFlags").String(resolved.memFlags.String())

			modifiers := capability.Name("Modifiers").Array()
			for _, modifier := range resolved.modifiers {
				modifiers.String(modifier.String())
			}
			modifiers.End()
			capability.End()
			return false
		})
		d.capMutex.RUnlock()
		capabilities.End()
	}

	obj.End()
	return string(writer.Bytes())
}

func writeDetailedStatistics(obj *jwriter.ObjectState, stats memutils.DetailedStatistics) {
	obj.Name("BufferObjectCount").Int(stats.BufferObjectCount)
	obj.Name("BoundCount").Int(stats.BoundCount)
	obj.Name("BoundBytes").Int(stats.BoundBytes)
	obj.Name("MappedCount").Int(stats.MappedCount)

	if stats.AllocationSizeMin != math.MaxInt {
		obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
	}
	obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
}
