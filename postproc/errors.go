package postproc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnsortedTimes is wrapped by PreconditionError when spike times are not ascending
	ErrUnsortedTimes = errors.New("spike times are not sorted ascending")
	// ErrLengthMismatch is returned when parallel spike streams differ in length
	ErrLengthMismatch = errors.New("spike stream length mismatch")
	// ErrInvalidWindow is returned for a non-positive dedup window
	ErrInvalidWindow = errors.New("dedup window must be positive")
	// ErrShapeMismatch is returned when a feature buffer does not match the spike train
	ErrShapeMismatch = errors.New("feature buffer shape mismatch")
	// ErrOverlappingRows is returned when two clusters claim the same feature rows
	ErrOverlappingRows = errors.New("feature rows claimed by more than one cluster")
)

// PreconditionError is a fatal input contract violation. No partial output
// is produced when one is returned.
type PreconditionError struct {
	Index int // first offending spike index
	Err   error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition violated at spike %d: %v", e.Index, e.Err)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// checkSorted returns a PreconditionError if times is not ascending
func checkSorted(times []int64) error {
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			return &PreconditionError{Index: i, Err: ErrUnsortedTimes}
		}
	}
	return nil
}

// AnomalyKind classifies non-fatal per-spike or per-cluster problems
type AnomalyKind string

const (
	// DegenerateWeights means a spike's channel weights summed to zero
	DegenerateWeights AnomalyKind = "degenerate_weights"
	// ChannelMappingAnomaly means a cluster had no usable or too few candidate channels
	ChannelMappingAnomaly AnomalyKind = "channel_mapping"
)

// Anomaly is one non-fatal problem found during a run.
//
// Spike indexes the train the reporting stage was given. Pipeline results
// report indices of the input train, before duplicate removal. It is -1 for
// cluster-level anomalies.
type Anomaly struct {
	Kind    AnomalyKind `json:"kind"`
	Cluster int32       `json:"cluster"`
	Spike   int         `json:"spike"`
	Reason  string      `json:"reason"`
}

func (a Anomaly) Error() string {
	if a.Spike >= 0 {
		return fmt.Sprintf("%s: spike %d (cluster %d): %s", a.Kind, a.Spike, a.Cluster, a.Reason)
	}
	return fmt.Sprintf("%s: cluster %d: %s", a.Kind, a.Cluster, a.Reason)
}

// Diagnostics collects anomalies from every stage of a run.
// It is not safe for concurrent use; parallel stages gather locally and merge.
type Diagnostics struct {
	Anomalies []Anomaly `json:"anomalies"`
}

// Add records an anomaly
func (d *Diagnostics) Add(a Anomaly) {
	d.Anomalies = append(d.Anomalies, a)
}

// Merge appends every anomaly of other
func (d *Diagnostics) Merge(other Diagnostics) {
	d.Anomalies = append(d.Anomalies, other.Anomalies...)
}

// Len returns the number of recorded anomalies
func (d *Diagnostics) Len() int {
	return len(d.Anomalies)
}

// CountByKind returns how many anomalies of each kind were recorded
func (d *Diagnostics) CountByKind() map[AnomalyKind]int {
	counts := make(map[AnomalyKind]int)
	for _, a := range d.Anomalies {
		counts[a.Kind]++
	}
	return counts
}

// Clusters returns the distinct cluster ids with an anomaly of the given kind
func (d *Diagnostics) Clusters(kind AnomalyKind) []int32 {
	var ids []int32
	for _, a := range d.Anomalies {
		if a.Kind == kind {
			ids = append(ids, a.Cluster)
		}
	}
	return uniqueSorted(ids)
}

// Sort orders anomalies by kind, cluster and spike so output is stable
// regardless of worker scheduling.
func (d *Diagnostics) Sort() {
	sort.SliceStable(d.Anomalies, func(i, j int) bool {
		a, b := d.Anomalies[i], d.Anomalies[j]
		if a.Kind != b.Kind {
			return strings.Compare(string(a.Kind), string(b.Kind)) < 0
		}
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		return a.Spike < b.Spike
	})
}

// Err joins all anomalies into one error, or nil when there are none
func (d *Diagnostics) Err() error {
	if len(d.Anomalies) == 0 {
		return nil
	}
	errs := make([]error, len(d.Anomalies))
	for i, a := range d.Anomalies {
		errs[i] = a
	}
	return errors.Join(errs...)
}
