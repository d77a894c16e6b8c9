package postproc

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// ConsolidateOptions configures MakePCFeatures
type ConsolidateOptions struct {
	// NearestChans is K, the number of channels kept per cluster
	NearestChans int
	Workers      int
}

// clusterPlan is everything the write phase needs for one cluster. It is
// built from read-only access to the feature buffer.
type clusterPlan struct {
	cluster  int32
	row      int
	spikes   []int
	selected []int
	// cols maps each template to the buffer column holding the features of
	// every selected channel, -1 where the template has no such channel.
	cols   map[int32][]int
	failed bool
}

// MakePCFeatures rewrites the feature buffer from template-relative to
// cluster-relative channel layout and returns the channels chosen per cluster.
//
// For every cluster the candidate channels of all its templates are pooled,
// the mean feature vector over every spike detected with those templates is
// taken per channel, and the K channels with the largest mean norm are kept in
// descending order. Each spike of the cluster then has its row overwritten with
// its features on those K channels. Finally the buffer is narrowed to K
// channels and permuted to (spikes, pcs, K), in place.
//
// Clusters with no usable channel mapping or fewer than K candidates are
// reported in the Diagnostics and padded with SentinelChannel; they never stop
// the other clusters from being processed.
func MakePCFeatures(ctx context.Context, train *SpikeTrain, features *FeatureBuffer, query NearestChannelQuery, opts ConsolidateOptions) (*FeatureIndex, Diagnostics, error) {
	var diag Diagnostics
	n := train.Len()
	k := opts.NearestChans
	if train.Templates == nil || len(train.Templates) != n || len(train.Clusters) != n {
		return nil, diag, fmt.Errorf("%w: consolidation needs one template and cluster id per spike", ErrLengthMismatch)
	}
	if features.Layout != LayoutChannelMajor {
		return nil, diag, fmt.Errorf("%w: features already consolidated (%s)", ErrShapeMismatch, features.Layout)
	}
	if features.Spikes != n {
		return nil, diag, fmt.Errorf("%w: %d feature rows for %d spikes", ErrShapeMismatch, features.Spikes, n)
	}
	if k <= 0 || k > features.Channels {
		return nil, diag, fmt.Errorf("%w: %d channels per cluster requested, features carry %d",
			ErrShapeMismatch, k, features.Channels)
	}

	clusters := train.UniqueClusters()
	index := NewFeatureIndex(clusters, k)

	byCluster := make(map[int32][]int, len(clusters))
	byTemplate := make(map[int32][]int)
	for i, c := range train.Clusters {
		byCluster[c] = append(byCluster[c], i)
		byTemplate[train.Templates[i]] = append(byTemplate[train.Templates[i]], i)
	}

	plans := make([]*clusterPlan, len(clusters))
	ownership := NewRowOwnership(n)
	for r, c := range clusters {
		plans[r] = &clusterPlan{cluster: c, row: r, spikes: byCluster[c]}
		if err := ownership.Claim(r, plans[r].spikes); err != nil {
			return nil, diag, err
		}
	}
	if err := ownership.Complete(); err != nil {
		return nil, diag, fmt.Errorf("feature row partition: %w", err)
	}

	workers := max(opts.Workers, 1)
	anomalies := make([]*Anomaly, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for r, plan := range plans {
		r, plan := r, plan
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			anomalies[r] = planCluster(plan, train, features, query, byTemplate, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, diag, fmt.Errorf("planning cluster features: %w", err)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			writeCluster(plan, train, features, k)
			row := index.RowAt(plan.row)
			for i, ch := range plan.selected {
				row[i] = uint32(ch)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, diag, fmt.Errorf("writing cluster features: %w", err)
	}

	for _, a := range anomalies {
		if a != nil {
			diag.Add(*a)
		}
	}

	features.narrowAndPermute(k)
	return index, diag, nil
}

// planCluster ranks the candidate channels of one cluster. It only reads the
// feature buffer. The returned anomaly is nil when the cluster got K channels.
func planCluster(plan *clusterPlan, train *SpikeTrain, features *FeatureBuffer, query NearestChannelQuery, byTemplate map[int32][]int, k int) *Anomaly {
	fail := func(format string, args ...any) *Anomaly {
		plan.failed = true
		plan.selected = nil
		return &Anomaly{
			Kind:    ChannelMappingAnomaly,
			Cluster: plan.cluster,
			Spike:   -1,
			Reason:  fmt.Sprintf(format, args...),
		}
	}

	tmpls := make([]int32, len(plan.spikes))
	for i, s := range plan.spikes {
		tmpls[i] = train.Templates[s]
	}
	templates := uniqueSorted(tmpls)

	candidates, err := query.ClusterChannels(templates)
	if err != nil {
		return fail("candidate channels: %v", err)
	}
	if len(candidates) == 0 {
		return fail("no candidate channels for templates %v", templates)
	}
	slot := make(map[int]int, len(candidates))
	for i, ch := range candidates {
		if ch < 0 || uint64(ch) >= uint64(SentinelChannel) {
			return fail("malformed channel index %d", ch)
		}
		if _, dup := slot[ch]; dup {
			return fail("channel %d listed twice", ch)
		}
		slot[ch] = i
	}

	// Column of the buffer that holds each candidate, per template.
	candCols := make(map[int32][]int, len(templates))
	for _, t := range templates {
		nb, err := query.Neighborhood(t)
		if err != nil {
			return fail("neighborhood of template %d: %v", t, err)
		}
		if len(nb.Channels) != features.Channels {
			return fail("template %d has %d channels, features have %d", t, len(nb.Channels), features.Channels)
		}
		cols := make([]int, len(candidates))
		for i := range cols {
			cols[i] = -1
		}
		for j, ch := range nb.Channels {
			if s, ok := slot[ch]; ok {
				cols[s] = j
			}
		}
		candCols[t] = cols
	}

	pcs := features.PCs
	mean := make([]float64, len(candidates)*pcs)
	count := 0
	for _, t := range templates {
		cols := candCols[t]
		for _, s := range byTemplate[t] {
			for ci, j := range cols {
				if j < 0 {
					continue
				}
				for pc := range pcs {
					mean[ci*pcs+pc] += float64(features.At(s, j, pc))
				}
			}
			count++
		}
	}
	floats.Scale(1/float64(count), mean)

	norms := make([]float64, len(candidates))
	for ci := range candidates {
		norms[ci] = floats.Norm(mean[ci*pcs:(ci+1)*pcs], 2)
	}
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return norms[order[a]] > norms[order[b]]
	})
	top := order[:min(k, len(order))]

	plan.selected = make([]int, len(top))
	for i, ci := range top {
		plan.selected[i] = candidates[ci]
	}
	plan.cols = make(map[int32][]int, len(templates))
	for _, t := range templates {
		cols := make([]int, k)
		for i := range cols {
			cols[i] = -1
		}
		for i, ci := range top {
			cols[i] = candCols[t][ci]
		}
		plan.cols[t] = cols
	}

	if len(candidates) < k {
		return &Anomaly{
			Kind:    ChannelMappingAnomaly,
			Cluster: plan.cluster,
			Spike:   -1,
			Reason:  fmt.Sprintf("%d candidate channels, %d required; padded with sentinel", len(candidates), k),
		}
	}
	return nil
}

// writeCluster overwrites the leading K channels of every row owned by the
// cluster with the features of its selected channels. Each row is only read
// by its own writer, so clusters can be written concurrently.
func writeCluster(plan *clusterPlan, train *SpikeTrain, features *FeatureBuffer, k int) {
	pcs := features.PCs
	tmp := make([]float32, k*pcs)
	for _, s := range plan.spikes {
		row := features.Row(s)
		clear(tmp)
		if !plan.failed {
			cols := plan.cols[train.Templates[s]]
			for i, j := range cols {
				if j >= 0 {
					copy(tmp[i*pcs:(i+1)*pcs], row[j*pcs:(j+1)*pcs])
				}
			}
		}
		copy(row[:k*pcs], tmp)
	}
}
