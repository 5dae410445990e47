package memutils

import "math"

// Statistics describes the buffer objects currently alive on a device.
type Statistics struct {
	// BufferObjectCount is the number of live buffer objects, bound or not
	BufferObjectCount int
	// BoundCount is the number of buffer objects with backing memory committed
	BoundCount int
	// BoundBytes is the total size of committed backing memory
	BoundBytes int
	// MappedCount is the number of buffer objects with an active CPU mapping
	MappedCount int
}

func (s *Statistics) Clear() {
	s.BufferObjectCount = 0
	s.BoundCount = 0
	s.BoundBytes = 0
	s.MappedCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferObjectCount += other.BufferObjectCount
	s.BoundCount += other.BoundCount
	s.BoundBytes += other.BoundBytes
	s.MappedCount += other.MappedCount
}

// DetailedStatistics extends Statistics with the size distribution of committed
// backing allocations.
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
	s.BoundCount++
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
