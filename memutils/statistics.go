package memutils

import "math"

// Statistics aggregates coarse usage counters for one allocation source.
type Statistics struct {
	BoCount     int
	BindCount   int
	BoundBytes  int
	MappedCount int
}

func (s *Statistics) Clear() {
	s.BoCount = 0
	s.BindCount = 0
	s.BoundBytes = 0
	s.MappedCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BoCount += other.BoCount
	s.BindCount += other.BindCount
	s.BoundBytes += other.BoundBytes
	s.MappedCount += other.MappedCount
}

// DetailedStatistics extends Statistics with per-allocation size extremes.
type DetailedStatistics struct {
	Statistics
	AllocationSizeMin int
	AllocationSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.BindCount++
	s.BoundBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
