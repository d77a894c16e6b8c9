package postproc

import (
	"fmt"
	"slices"
)

// SpikeTrain holds the per-spike streams produced by template matching.
// Times must be sorted ascending; Templates and Amplitudes may be nil for
// operations that don't need them.
type SpikeTrain struct {
	Times      []int64   `json:"times"`
	Clusters   []int32   `json:"clusters"`
	Templates  []int32   `json:"templates,omitempty"`
	Amplitudes []float32 `json:"amplitudes,omitempty"`
}

// Len returns the number of spikes in the train
func (s *SpikeTrain) Len() int {
	return len(s.Times)
}

// Validate checks that every populated stream has the same length
func (s *SpikeTrain) Validate() error {
	n := len(s.Times)
	if len(s.Clusters) != n {
		return fmt.Errorf("%w: %d times, %d clusters", ErrLengthMismatch, n, len(s.Clusters))
	}
	if s.Templates != nil && len(s.Templates) != n {
		return fmt.Errorf("%w: %d times, %d templates", ErrLengthMismatch, n, len(s.Templates))
	}
	if s.Amplitudes != nil && len(s.Amplitudes) != n {
		return fmt.Errorf("%w: %d times, %d amplitudes", ErrLengthMismatch, n, len(s.Amplitudes))
	}
	return nil
}

// Filter returns a new train holding only the spikes where keep is true.
func (s *SpikeTrain) Filter(keep []bool) SpikeTrain {
	m := countKept(keep)
	out := SpikeTrain{
		Times:    make([]int64, 0, m),
		Clusters: make([]int32, 0, m),
	}
	if s.Templates != nil {
		out.Templates = make([]int32, 0, m)
	}
	if s.Amplitudes != nil {
		out.Amplitudes = make([]float32, 0, m)
	}
	for i, k := range keep {
		if !k {
			continue
		}
		out.Times = append(out.Times, s.Times[i])
		out.Clusters = append(out.Clusters, s.Clusters[i])
		if s.Templates != nil {
			out.Templates = append(out.Templates, s.Templates[i])
		}
		if s.Amplitudes != nil {
			out.Amplitudes = append(out.Amplitudes, s.Amplitudes[i])
		}
	}
	return out
}

// UniqueClusters returns the distinct cluster ids in ascending order
func (s *SpikeTrain) UniqueClusters() []int32 {
	return uniqueSorted(s.Clusters)
}

// DedupMode selects which duplicate-removal algorithm the pipeline uses
type DedupMode string

const (
	// DedupTimeWindow keeps the first spike and drops later ones closer than dt
	DedupTimeWindow DedupMode = "time"
	// DedupAmplitude keeps the spike of each run closest to the cluster mean amplitude
	DedupAmplitude DedupMode = "amplitude"
)

// DefaultDedupWindow is the default duplicate window in samples
const DefaultDedupWindow = 15

// DedupResult is the output of a duplicate-removal pass.
// Keep is aligned with the input; Times and Clusters hold the survivors.
type DedupResult struct {
	Times    []int64
	Clusters []int32
	Keep     []bool
}

// Kept returns the number of surviving spikes
func (r DedupResult) Kept() int {
	return len(r.Times)
}

// Positions holds one estimated (x, y) location per spike.
// Fallback[i] is true when spike i had no usable channel weights and was
// placed at the centroid of its candidate channels instead.
type Positions struct {
	X        []float32 `json:"x"`
	Y        []float32 `json:"y"`
	Fallback []bool    `json:"fallback"`
}

// FallbackCount returns how many spikes used the centroid fallback
func (p *Positions) FallbackCount() int {
	return countKept(p.Fallback)
}

// SentinelChannel marks a FeatureIndex slot that has no real channel behind it
const SentinelChannel = ^uint32(0)

// FeatureIndex records the channels chosen for every cluster, one row of K
// channel indices per distinct cluster in ascending cluster id order.
type FeatureIndex struct {
	Clusters []int32  `json:"clusters"`
	K        int      `json:"k"`
	Channels []uint32 `json:"channels"`
}

// NewFeatureIndex allocates a table for the given clusters, filled with SentinelChannel
func NewFeatureIndex(clusters []int32, k int) *FeatureIndex {
	fi := &FeatureIndex{
		Clusters: clusters,
		K:        k,
		Channels: make([]uint32, len(clusters)*k),
	}
	for i := range fi.Channels {
		fi.Channels[i] = SentinelChannel
	}
	return fi
}

// Rows returns the number of clusters in the table
func (fi *FeatureIndex) Rows() int {
	return len(fi.Clusters)
}

// RowAt returns row r of the table. The slice aliases the table.
func (fi *FeatureIndex) RowAt(r int) []uint32 {
	return fi.Channels[r*fi.K : (r+1)*fi.K]
}

// Row returns the channel row for a cluster id
func (fi *FeatureIndex) Row(cluster int32) ([]uint32, bool) {
	r, ok := fi.rowOf(cluster)
	if !ok {
		return nil, false
	}
	return fi.RowAt(r), true
}

func (fi *FeatureIndex) rowOf(cluster int32) (int, bool) {
	return slices.BinarySearch(fi.Clusters, cluster)
}

func countKept(mask []bool) int {
	n := 0
	for _, k := range mask {
		if k {
			n++
		}
	}
	return n
}
