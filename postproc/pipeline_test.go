package postproc

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineConfig(mode DedupMode, workers int) *Config {
	cfg := DefaultConfig()
	cfg.Dedup.Mode = mode
	cfg.Features.NearestChans = 2
	cfg.Workers = workers
	return cfg
}

func TestPipeline_Run(t *testing.T) {
	tests := []struct {
		name    string
		mode    DedupMode
		workers int
	}{
		{"time window sequential", DedupTimeWindow, 1},
		{"time window parallel", DedupTimeWindow, 4},
		{"amplitude", DedupAmplitude, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := testBundle().Inputs(DefaultConfig())
			require.NoError(t, err)
			logger, hook := test.NewNullLogger()

			p := NewPipeline(pipelineConfig(tt.mode, tt.workers), in.Probe, in.Geometry, logger)
			res, err := p.Run(context.Background(), in.Train, in.Features)
			require.NoError(t, err)

			assert.Equal(t, 4, res.InputSpikes)
			assert.Equal(t, []bool{true, true, true, false}, res.Keep)
			assert.Equal(t, []int64{0, 100, 200}, res.Train.Times)
			assert.Equal(t, []int32{0, 1, 2}, res.Train.Templates)

			// Power-weighted centroids on the compacted rows.
			require.Len(t, res.Positions.Y, 3)
			assert.InDelta(t, 18, res.Positions.Y[0], 1e-4)
			assert.InDelta(t, 36, res.Positions.Y[1], 1e-4)
			assert.InDelta(t, 20.0/26.0, res.Positions.Y[2], 1e-4)

			assert.Equal(t, []uint32{1, 2, 0, 1}, res.FeatureIndex.Channels)
			assert.Equal(t, [3]int{3, 2, 2}, res.Features.Shape())
			assert.Equal(t, []float32{
				3, 0, 0, 0,
				1, 0, 0, 2,
				5, 0, 0, 1,
			}, res.Features.Data)
			assert.Equal(t, 0, res.Diagnostics.Len())
			assert.NoError(t, res.Diagnostics.Err())

			actions := make([]string, 0, len(hook.AllEntries()))
			for _, e := range hook.AllEntries() {
				actions = append(actions, e.Data["action"].(string))
			}
			assert.True(t, slices.Contains(actions, "postproc_dedup"))
			assert.True(t, slices.Contains(actions, "postproc_features"))
		})
	}
}

func TestPipeline_UnsortedTimesAbortWithoutChanges(t *testing.T) {
	in, err := testBundle().Inputs(DefaultConfig())
	require.NoError(t, err)
	in.Train.Times[2], in.Train.Times[3] = 300, 250
	before := slices.Clone(in.Features.Data)

	logger, hook := test.NewNullLogger()
	p := NewPipeline(pipelineConfig(DedupTimeWindow, 1), in.Probe, in.Geometry, logger)
	res, err := p.Run(context.Background(), in.Train, in.Features)

	require.Error(t, err)
	assert.Nil(t, res)
	var pe *PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Index)
	assert.Equal(t, before, in.Features.Data)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestPipeline_FatalConfigAbortsWithoutChanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config, in *Inputs) NearestChannelQuery
	}{
		{"K wider than the channel axis", func(cfg *Config, in *Inputs) NearestChannelQuery {
			cfg.Features.NearestChans = 10
			return in.Probe
		}},
		{"zero K", func(cfg *Config, in *Inputs) NearestChannelQuery {
			cfg.Features.NearestChans = 0
			return in.Probe
		}},
		{"template without a neighborhood", func(cfg *Config, in *Inputs) NearestChannelQuery {
			in.Train.Templates[3] = 8
			return in.Probe
		}},
		{"neighborhood narrower than the features", func(cfg *Config, in *Inputs) NearestChannelQuery {
			narrow, err := NewProbe(in.Geometry, []int{0, 3, 0}, ProbeOptions{NearestChans: 2})
			require.NoError(t, err)
			return narrow
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := testBundle().Inputs(DefaultConfig())
			require.NoError(t, err)
			cfg := pipelineConfig(DedupTimeWindow, 2)
			query := tt.mutate(cfg, in)
			before := slices.Clone(in.Features.Data)

			res, err := NewPipeline(cfg, query, in.Geometry, nil).Run(context.Background(), in.Train, in.Features)

			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, 4, in.Features.Spikes)
			assert.Equal(t, LayoutChannelMajor, in.Features.Layout)
			assert.Equal(t, before, in.Features.Data)
		})
	}
}

func TestPipeline_AnomaliesUseInputSpikeIndices(t *testing.T) {
	in, err := testBundle().Inputs(DefaultConfig())
	require.NoError(t, err)
	// Spike 1 duplicates spike 0, so spike 2 is row 1 of the deduplicated train.
	in.Train.Times[1] = 5
	copy(in.Features.Row(2), []float32{0, 0, 0, 0, 0, 0})

	res, err := NewPipeline(pipelineConfig(DedupTimeWindow, 1), in.Probe, in.Geometry, nil).Run(context.Background(), in.Train, in.Features)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false, true, false}, res.Keep)
	assert.Equal(t, []bool{false, true}, res.Positions.Fallback)
	require.Equal(t, 1, res.Diagnostics.Len())
	a := res.Diagnostics.Anomalies[0]
	assert.Equal(t, DegenerateWeights, a.Kind)
	assert.Equal(t, 2, a.Spike)
	assert.Equal(t, int32(9), a.Cluster)
}

func TestPipeline_ReportsAnomalies(t *testing.T) {
	in, err := testBundle().Inputs(DefaultConfig())
	require.NoError(t, err)
	// Spike 2 has no feature power at all.
	copy(in.Features.Row(2), []float32{0, 0, 0, 0, 0, 0})
	query := &stubQuery{Probe: in.Probe, fail: map[int32]bool{1: true}}

	logger, hook := test.NewNullLogger()
	p := NewPipeline(pipelineConfig(DedupTimeWindow, 2), query, in.Geometry, logger)
	res, err := p.Run(context.Background(), in.Train, in.Features)
	require.NoError(t, err)

	counts := res.Diagnostics.CountByKind()
	assert.Equal(t, 1, counts[ChannelMappingAnomaly])
	assert.Equal(t, 1, counts[DegenerateWeights])
	assert.True(t, res.Positions.Fallback[2])
	assert.Error(t, res.Diagnostics.Err())

	// Sorted by kind: channel mapping before degenerate weights.
	assert.Equal(t, ChannelMappingAnomaly, res.Diagnostics.Anomalies[0].Kind)
	assert.Equal(t, int32(7), res.Diagnostics.Anomalies[0].Cluster)

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestPipeline_Errors(t *testing.T) {
	in, err := testBundle().Inputs(DefaultConfig())
	require.NoError(t, err)

	// Default K of 10 exceeds the three channels the bundle carries.
	p := NewPipeline(DefaultConfig(), in.Probe, in.Geometry, nil)
	_, err = p.Run(context.Background(), in.Train, in.Features)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	in, err = testBundle().Inputs(DefaultConfig())
	require.NoError(t, err)
	p = NewPipeline(pipelineConfig(DedupTimeWindow, 1), in.Probe, in.Geometry, nil)
	_, err = p.Run(context.Background(), in.Train, NewFeatureBuffer(2, 3, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	bad := &SpikeTrain{Times: []int64{0, 1}, Clusters: []int32{0}}
	_, err = p.Run(context.Background(), bad, NewFeatureBuffer(2, 3, 2))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}
