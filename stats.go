package hbm

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hbm/memutils"
)

// CalculateStatistics aggregates usage counters across every backend.
func (d *Device) CalculateStatistics() memutils.Statistics {
	return d.CalculateDetailedStatistics().Statistics
}

// CalculateDetailedStatistics aggregates usage counters and allocation size
// extremes across every backend.
func (d *Device) CalculateDetailedStatistics() memutils.DetailedStatistics {
	var total memutils.DetailedStatistics
	total.Clear()

	for index := range d.stats {
		detailed := d.backendStatistics(index)
		total.AddDetailedStatistics(&detailed)
	}
	return total
}

func (d *Device) backendStatistics(index int) memutils.DetailedStatistics {
	stats := &d.stats[index]
	stats.mutex.Lock()
	defer stats.mutex.Unlock()
	return stats.detailed
}

// BuildStatsString dumps the device's usage counters as a JSON string, for
// logging and bug reports. When detailed is set, per-backend counters are
// included alongside the totals.
func (d *Device) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	writeStatistics(&totalObj, d.CalculateDetailedStatistics())
	totalObj.End()

	if detailed {
		backendsObj := rootObj.Name("Backends").Object()
		for index, backend := range d.backends {
			backendObj := backendsObj.Name(backend.Name()).Object()
			writeStatistics(&backendObj, d.backendStatistics(index))
			backendObj.End()
		}
		backendsObj.End()
	}

	rootObj.End()

	return string(writer.Bytes())
}

func writeStatistics(json *jwriter.ObjectState, stats memutils.DetailedStatistics) {
	json.Name("BoCount").Int(stats.BoCount)
	json.Name("BindCount").Int(stats.BindCount)
	json.Name("BoundBytes").Int(stats.BoundBytes)
	json.Name("MappedCount").Int(stats.MappedCount)

	sizeMin := stats.AllocationSizeMin
	if stats.AllocationSizeMax == 0 {
		// Nothing was ever bound; the cleared minimum would print as MaxInt.
		sizeMin = 0
	}
	json.Name("AllocationSizeMin").Int(sizeMin)
	json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
}
