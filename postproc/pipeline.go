package postproc

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is the output of one post-processing run
type Result struct {
	InputSpikes  int
	Keep         []bool
	Train        SpikeTrain
	Positions    *Positions
	Features     *FeatureBuffer
	FeatureIndex *FeatureIndex
	Diagnostics  Diagnostics
	Duration     time.Duration
}

// Pipeline wires the deduplicators, the position estimator and the feature
// consolidator together over one spike train.
type Pipeline struct {
	config   *Config
	query    NearestChannelQuery
	geometry *ChannelGeometry
	logger   logrus.FieldLogger
}

// NewPipeline creates a pipeline. A nil logger discards output.
func NewPipeline(config *Config, query NearestChannelQuery, geom *ChannelGeometry, logger logrus.FieldLogger) *Pipeline {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Pipeline{
		config:   config,
		query:    query,
		geometry: geom,
		logger:   logger,
	}
}

// Run deduplicates the train, drops the feature rows of removed spikes,
// estimates spike positions and consolidates the features per cluster.
//
// The feature buffer is mutated in place and returned in Result.Features in
// (spikes, pcs, K) layout. Unsorted spike times abort the run before anything
// is modified; per-spike and per-cluster anomalies are collected in
// Result.Diagnostics and do not.
func (p *Pipeline) Run(ctx context.Context, train *SpikeTrain, features *FeatureBuffer) (*Result, error) {
	start := time.Now()
	cfg := p.config

	if err := train.Validate(); err != nil {
		return nil, err
	}
	if err := checkSorted(train.Times); err != nil {
		p.logger.WithField("action", "postproc_validate").WithError(err).Error("spike times not sorted")
		return nil, err
	}
	if err := p.preflight(train, features); err != nil {
		p.logger.WithField("action", "postproc_validate").WithError(err).Error("inputs rejected")
		return nil, err
	}

	dedup, err := DedupParallel(ctx, train, cfg.Dedup.Mode, cfg.Dedup.Window, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("removing duplicates: %w", err)
	}
	p.logger.WithFields(logrus.Fields{
		"action":  "postproc_dedup",
		"mode":    cfg.Dedup.Mode,
		"window":  cfg.Dedup.Window,
		"spikes":  train.Len(),
		"kept":    dedup.Kept(),
		"removed": train.Len() - dedup.Kept(),
	}).Info("removed duplicate spikes")

	kept := train.Filter(dedup.Keep)
	if err := features.Compact(dedup.Keep); err != nil {
		return nil, fmt.Errorf("compacting features: %w", err)
	}

	res := &Result{
		InputSpikes: train.Len(),
		Keep:        dedup.Keep,
		Train:       kept,
		Features:    features,
	}

	positions, diag, err := ComputeSpikePositions(ctx, &kept, features, p.query, p.geometry, PositionOptions{
		PositionLimit: cfg.Positions.Limit,
		Workers:       cfg.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("computing positions: %w", err)
	}
	res.Positions = positions
	res.Diagnostics.Merge(remapSpikes(diag, dedup.Keep))
	p.logger.WithFields(logrus.Fields{
		"action":   "postproc_positions",
		"spikes":   kept.Len(),
		"fallback": positions.FallbackCount(),
	}).Info("estimated spike positions")

	index, diag, err := MakePCFeatures(ctx, &kept, features, p.query, ConsolidateOptions{
		NearestChans: cfg.Features.NearestChans,
		Workers:      cfg.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("consolidating features: %w", err)
	}
	res.FeatureIndex = index
	res.Diagnostics.Merge(diag)
	p.logger.WithFields(logrus.Fields{
		"action":   "postproc_features",
		"clusters": index.Rows(),
		"k":        index.K,
		"shape":    features.Shape(),
	}).Info("consolidated cluster features")

	res.Diagnostics.Sort()
	for _, a := range res.Diagnostics.Anomalies {
		if a.Kind != ChannelMappingAnomaly {
			continue
		}
		p.logger.WithFields(logrus.Fields{
			"action":  "postproc_anomaly",
			"kind":    a.Kind,
			"cluster": a.Cluster,
		}).Warn(a.Reason)
	}
	if n := positions.FallbackCount(); n > 0 {
		p.logger.WithFields(logrus.Fields{
			"action": "postproc_anomaly",
			"kind":   DegenerateWeights,
			"spikes": n,
		}).Warn("spikes placed at channel centroid")
	}

	res.Duration = time.Since(start)
	return res, nil
}

// preflight rejects every input the later stages would fail on, so a failed
// run never leaves the caller's feature buffer compacted.
func (p *Pipeline) preflight(train *SpikeTrain, features *FeatureBuffer) error {
	if features.Spikes != train.Len() {
		return fmt.Errorf("%w: %d feature rows for %d spikes", ErrShapeMismatch, features.Spikes, train.Len())
	}
	if features.Layout != LayoutChannelMajor {
		return fmt.Errorf("%w: features already consolidated (%s)", ErrShapeMismatch, features.Layout)
	}
	if train.Templates == nil {
		return fmt.Errorf("%w: one template id per spike is required", ErrLengthMismatch)
	}
	if k := p.config.Features.NearestChans; k <= 0 || k > features.Channels {
		return fmt.Errorf("%w: %d channels per cluster requested, features carry %d",
			ErrShapeMismatch, k, features.Channels)
	}
	for _, t := range uniqueSorted(train.Templates) {
		if _, err := buildTemplateWeights(t, p.query, p.geometry, features.Channels, p.config.Positions.Limit); err != nil {
			return err
		}
	}
	return nil
}

// remapSpikes rewrites spike indices of the deduplicated train to indices of
// the input train.
func remapSpikes(diag Diagnostics, keep []bool) Diagnostics {
	input := make([]int, 0, countKept(keep))
	for i, k := range keep {
		if k {
			input = append(input, i)
		}
	}
	for i, a := range diag.Anomalies {
		if a.Spike >= 0 {
			diag.Anomalies[i].Spike = input[a.Spike]
		}
	}
	return diag
}
