package postproc

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RemoveDuplicatesSharded is RemoveDuplicates with the spike stream split by
// cluster id and each shard scanned concurrently. The per-cluster cursor is the
// only state of the time-window filter, so the result matches the sequential
// scan exactly.
//
// workers <= 1 falls back to the sequential scan.
func RemoveDuplicatesSharded(ctx context.Context, times []int64, clusters []int32, dt int64, workers int) (DedupResult, error) {
	if err := checkDedupInput(times, clusters, nil, dt); err != nil {
		return DedupResult{}, err
	}
	if workers <= 1 {
		return RemoveDuplicates(times, clusters, dt)
	}

	shards := shardByCluster(clusters)
	keep := make([]bool, len(times))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, idx := range shards {
		idx := idx
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Indices within a shard are ascending, so shard times stay sorted.
			t0 := times[idx[0]] - dt
			for _, i := range idx {
				if times[i] >= t0+dt {
					t0 = times[i]
					keep[i] = true
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DedupResult{}, fmt.Errorf("sharded dedup: %w", err)
	}

	return applyKeep(times, clusters, keep), nil
}

// DedupParallel dispatches to the sharded scan for the time-window filter.
// The amplitude filter's runs end at spikes of other clusters, which a
// per-cluster shard cannot see, so it always scans sequentially.
func DedupParallel(ctx context.Context, train *SpikeTrain, mode DedupMode, dt int64, workers int) (DedupResult, error) {
	if mode == DedupAmplitude {
		return Dedup(train, mode, dt)
	}
	if mode != DedupTimeWindow && mode != "" {
		return DedupResult{}, fmt.Errorf("unknown dedup mode %q", mode)
	}
	return RemoveDuplicatesSharded(ctx, train.Times, train.Clusters, dt, workers)
}

// shardByCluster groups spike indices by cluster, preserving input order
func shardByCluster(clusters []int32) [][]int {
	pos := make(map[int32]int)
	var shards [][]int
	for i, c := range clusters {
		s, ok := pos[c]
		if !ok {
			s = len(shards)
			pos[c] = s
			shards = append(shards, nil)
		}
		shards[s] = append(shards[s], i)
	}
	return shards
}
