package postproc

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb/planar"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// DefaultPositionLimit is the default maximum distance (probe units, usually
// micrometers) between a channel and the template center for the channel to
// contribute to a spike position.
const DefaultPositionLimit = 100.0

// PositionOptions configures ComputeSpikePositions
type PositionOptions struct {
	PositionLimit float64
	Workers       int
}

// templateWeights is the per-template part of the position computation that
// every spike of the template shares.
type templateWeights struct {
	mask     []float64
	xc, yc   []float64
	fallback [2]float64
}

// ComputeSpikePositions estimates every spike's location as the average of
// its template's nearby channel coordinates, weighted by the spike's feature
// power on each channel. Channels further than PositionLimit from the template
// center get zero weight.
//
// features must be channel-major and aligned with train. Spikes whose weights
// sum to zero are placed at the centroid of the template's unmasked channels,
// flagged in Positions.Fallback and reported in the returned Diagnostics.
func ComputeSpikePositions(ctx context.Context, train *SpikeTrain, features *FeatureBuffer, query NearestChannelQuery, geom *ChannelGeometry, opts PositionOptions) (*Positions, Diagnostics, error) {
	var diag Diagnostics
	n := train.Len()
	if train.Templates == nil || len(train.Templates) != n {
		return nil, diag, fmt.Errorf("%w: positions need one template id per spike", ErrLengthMismatch)
	}
	if features.Layout != LayoutChannelMajor {
		return nil, diag, fmt.Errorf("%w: positions need channel-major features, got %s", ErrShapeMismatch, features.Layout)
	}
	if features.Spikes != n {
		return nil, diag, fmt.Errorf("%w: %d feature rows for %d spikes", ErrShapeMismatch, features.Spikes, n)
	}

	perTemplate := make(map[int32]*templateWeights)
	for _, t := range uniqueSorted(train.Templates) {
		tw, err := buildTemplateWeights(t, query, geom, features.Channels, opts.PositionLimit)
		if err != nil {
			return nil, diag, err
		}
		perTemplate[t] = tw
	}

	pos := &Positions{
		X:        make([]float32, n),
		Y:        make([]float32, n),
		Fallback: make([]bool, n),
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			power := make([]float32, 0, features.Channels)
			w := make([]float64, features.Channels)
			for i := lo; i < hi; i++ {
				tw := perTemplate[train.Templates[i]]
				power = features.Power(i, power)
				x, y, ok := weightedCentroid(power, tw, w)
				if !ok {
					x, y = tw.fallback[0], tw.fallback[1]
					pos.Fallback[i] = true
				}
				pos.X[i] = float32(x)
				pos.Y[i] = float32(y)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, diag, fmt.Errorf("computing spike positions: %w", err)
	}

	for i, fb := range pos.Fallback {
		if fb {
			diag.Add(Anomaly{
				Kind:    DegenerateWeights,
				Cluster: train.Clusters[i],
				Spike:   i,
				Reason:  "channel weights sum to zero, using centroid of unmasked channels",
			})
		}
	}
	return pos, diag, nil
}

// weightedCentroid masks and normalizes the channel power into w, then sums
// the weighted coordinates. It reports false when the weights can't be
// normalized.
func weightedCentroid(power []float32, tw *templateWeights, w []float64) (float64, float64, bool) {
	for ch, p := range power {
		w[ch] = float64(p) * tw.mask[ch]
	}
	total := floats.Sum(w)
	if total == 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, 0, false
	}
	floats.Scale(1/total, w)
	return floats.Dot(w, tw.xc), floats.Dot(w, tw.yc), true
}

func buildTemplateWeights(t int32, query NearestChannelQuery, geom *ChannelGeometry, nChan int, limit float64) (*templateWeights, error) {
	nb, err := query.Neighborhood(t)
	if err != nil {
		return nil, fmt.Errorf("neighborhood of template %d: %w", t, err)
	}
	if len(nb.Channels) != nChan {
		return nil, fmt.Errorf("%w: template %d has %d channels, features have %d",
			ErrShapeMismatch, t, len(nb.Channels), nChan)
	}
	if !geom.Valid(nb.Center) {
		return nil, fmt.Errorf("template %d centered on unknown channel %d", t, nb.Center)
	}

	center := geom.Point(nb.Center)
	tw := &templateWeights{
		mask: make([]float64, nChan),
		xc:   make([]float64, nChan),
		yc:   make([]float64, nChan),
	}
	var unmasked []int
	for i, ch := range nb.Channels {
		if !geom.Valid(ch) {
			return nil, fmt.Errorf("template %d references unknown channel %d", t, ch)
		}
		pt := geom.Point(ch)
		tw.xc[i], tw.yc[i] = pt.X(), pt.Y()
		if planar.Distance(center, pt) <= limit {
			tw.mask[i] = 1
			unmasked = append(unmasked, ch)
		}
	}
	if len(unmasked) == 0 {
		unmasked = nb.Channels
	}
	c := geom.Centroid(unmasked)
	tw.fallback = [2]float64{c.X(), c.Y()}
	return tw, nil
}
