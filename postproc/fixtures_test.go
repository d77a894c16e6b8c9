package postproc

import (
	"fmt"
	"testing"
)

// linearGeometry returns channels on a vertical line, 20 units apart
func linearGeometry(t *testing.T, n int) *ChannelGeometry {
	t.Helper()
	xc := make([]float32, n)
	yc := make([]float32, n)
	for i := range yc {
		yc[i] = float32(20 * i)
	}
	geom, err := NewChannelGeometry(xc, yc)
	if err != nil {
		t.Fatalf("NewChannelGeometry() error = %v", err)
	}
	return geom
}

func newTestProbe(t *testing.T, geom *ChannelGeometry, centers []int, opts ProbeOptions) *Probe {
	t.Helper()
	p, err := NewProbe(geom, centers, opts)
	if err != nil {
		t.Fatalf("NewProbe() error = %v", err)
	}
	return p
}

// stubQuery wraps a Probe and lets tests break the candidate channel lookup
// for chosen templates.
type stubQuery struct {
	*Probe
	fail     map[int32]bool
	override map[int32][]int
}

func (q *stubQuery) ClusterChannels(templates []int32) ([]int, error) {
	for _, t := range templates {
		if q.fail[t] {
			return nil, fmt.Errorf("template %d has no channel map", t)
		}
		if chans, ok := q.override[t]; ok {
			return chans, nil
		}
	}
	return q.Probe.ClusterChannels(templates)
}

// consolidationFixture is a three spike, two cluster run on a four channel
// probe. Templates 0 and 2 are centered on channel 0, template 1 on channel 3;
// every template carries its 3 nearest channels with 2 PCs each.
//
// Cluster 7 (templates 0 and 1) ranks channels 1 then 2. Cluster 9 (template
// 2) ranks channels 0 then 1.
func consolidationFixture(t *testing.T) (*SpikeTrain, *FeatureBuffer, *Probe) {
	t.Helper()
	geom := linearGeometry(t, 4)
	probe := newTestProbe(t, geom, []int{0, 3, 0}, ProbeOptions{NearestChans: 3})

	train := &SpikeTrain{
		Times:     []int64{0, 100, 200},
		Clusters:  []int32{7, 7, 9},
		Templates: []int32{0, 1, 2},
	}
	features, err := WrapFeatureBuffer([]float32{
		1, 0, 3, 0, 0, 0, // template 0: channels 0, 1, 2
		0, 0, 0, 2, 1, 0, // template 1: channels 3, 2, 1
		5, 0, 0, 1, 0, 0, // template 2: channels 0, 1, 2
	}, 3, 3, 2)
	if err != nil {
		t.Fatalf("WrapFeatureBuffer() error = %v", err)
	}
	return train, features, probe
}
