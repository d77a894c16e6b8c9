package postproc

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// RemoveDuplicates removes same-cluster spikes that occur within dt samples
// of the last kept spike of that cluster. The first spike of every cluster is
// always kept. times must be sorted ascending.
func RemoveDuplicates(times []int64, clusters []int32, dt int64) (DedupResult, error) {
	if err := checkDedupInput(times, clusters, nil, dt); err != nil {
		return DedupResult{}, err
	}

	keep := make([]bool, len(times))
	lastKept := make(map[int32]int64)
	for i, t := range times {
		c := clusters[i]
		t0, ok := lastKept[c]
		if !ok {
			t0 = t - dt
		}
		if t >= t0+dt {
			lastKept[c] = t
			keep[i] = true
		}
	}

	return applyKeep(times, clusters, keep), nil
}

// RemoveDuplicatesWithGlobalMeanAmplitude groups each maximal contiguous run of
// same-cluster spikes lying within dt of the run's first spike, and keeps only
// the member whose amplitude is closest to the cluster's mean amplitude over
// the whole train. Ties go to the earliest member.
//
// A spike of another cluster ends the run even if later same-cluster spikes
// are still within dt.
func RemoveDuplicatesWithGlobalMeanAmplitude(times []int64, clusters []int32, amplitudes []float32, dt int64) (DedupResult, error) {
	if len(amplitudes) != len(times) {
		return DedupResult{}, fmt.Errorf("%w: %d times, %d amplitudes", ErrLengthMismatch, len(times), len(amplitudes))
	}
	if err := checkDedupInput(times, clusters, amplitudes, dt); err != nil {
		return DedupResult{}, err
	}

	means := meanAmplitudes(clusters, amplitudes)
	n := len(times)
	keep := make([]bool, n)
	visited := make([]bool, n)

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		c := clusters[i]
		end := i + 1
		for end < n && clusters[end] == c && times[end]-times[i] <= dt {
			end++
		}

		mean := means[c]
		best := i
		bestDist := math.Abs(float64(amplitudes[i]) - mean)
		for j := i; j < end; j++ {
			visited[j] = true
			if d := math.Abs(float64(amplitudes[j]) - mean); d < bestDist {
				best, bestDist = j, d
			}
		}
		keep[best] = true
	}

	return applyKeep(times, clusters, keep), nil
}

// Dedup runs the algorithm selected by mode on a spike train
func Dedup(train *SpikeTrain, mode DedupMode, dt int64) (DedupResult, error) {
	switch mode {
	case DedupTimeWindow, "":
		return RemoveDuplicates(train.Times, train.Clusters, dt)
	case DedupAmplitude:
		return RemoveDuplicatesWithGlobalMeanAmplitude(train.Times, train.Clusters, train.Amplitudes, dt)
	default:
		return DedupResult{}, fmt.Errorf("unknown dedup mode %q", mode)
	}
}

// meanAmplitudes returns the mean amplitude of every cluster, accumulated in
// float64 in input order.
func meanAmplitudes(clusters []int32, amplitudes []float32) map[int32]float64 {
	sums := make(map[int32]float64)
	counts := make(map[int32]int)
	for i, c := range clusters {
		sums[c] += float64(amplitudes[i])
		counts[c]++
	}
	for c, s := range sums {
		sums[c] = s / float64(counts[c])
	}
	return sums
}

func checkDedupInput(times []int64, clusters []int32, amplitudes []float32, dt int64) error {
	if dt <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidWindow, dt)
	}
	if len(clusters) != len(times) {
		return fmt.Errorf("%w: %d times, %d clusters", ErrLengthMismatch, len(times), len(clusters))
	}
	if amplitudes != nil && len(amplitudes) != len(times) {
		return fmt.Errorf("%w: %d times, %d amplitudes", ErrLengthMismatch, len(times), len(amplitudes))
	}
	return checkSorted(times)
}

func applyKeep(times []int64, clusters []int32, keep []bool) DedupResult {
	m := countKept(keep)
	res := DedupResult{
		Times:    make([]int64, 0, m),
		Clusters: make([]int32, 0, m),
		Keep:     keep,
	}
	for i, k := range keep {
		if k {
			res.Times = append(res.Times, times[i])
			res.Clusters = append(res.Clusters, clusters[i])
		}
	}
	return res
}

func uniqueSorted[T cmp.Ordered](vals []T) []T {
	out := slices.Clone(vals)
	slices.Sort(out)
	return slices.Compact(out)
}
