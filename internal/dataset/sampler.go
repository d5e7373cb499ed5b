package dataset

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
	Logger     *slog.Logger
}

// StartSampler launches the multi-root sampler pipeline. Shards are read
// concurrently but samples are emitted in job order, so a fixed seed always
// yields the same stream.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	if CountShards(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	rng := rand.New(rand.NewSource(opts.Seed))

	go produceJobs(ctx, jobs, opts.Roots, rng)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.PendingCap, opts.Logger)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			logger.Debug("open shard", "job", job.id, "root", job.root, "path", job.path)
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			cursor := shardCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

// runAggregator forwards shards strictly in job id order, parking cursors
// that arrive early.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample, errCh chan<- error) {
	parked := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := parked[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case c, open := <-cursors:
				if !open {
					return
				}
				parked[c.id] = c
			}
			continue
		}

		if !drainShard(ctx, cursor, out) {
			return
		}
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(parked, nextID)
		nextID++
	}
}

// drainShard copies every sample of cursor to out and reports false when the
// context ended first.
func drainShard(ctx context.Context, cursor shardCursor, out chan<- Sample) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sample, ok := <-cursor.samples:
			if !ok {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case out <- sample:
			}
		}
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, rng *rand.Rand) {
	var jobID int64
	for {
		order := buildRoundRobinOrder(roots, rng)
		if len(order) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, entry := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{id: jobID, root: entry.root, path: entry.path}:
				jobID++
			}
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder shuffles each root's shards and interleaves roots so
// no single root dominates a pass.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	for root, shards := range roots {
		if len(shards) > 0 {
			rootNames = append(rootNames, root)
		}
	}
	// Shuffle in sorted root order so the rng draws do not depend on map
	// iteration.
	sort.Strings(rootNames)
	queues := make(map[string][]string, len(rootNames))
	for _, root := range rootNames {
		queue := append([]string(nil), roots[root]...)
		if rng != nil {
			rng.Shuffle(len(queue), func(i, j int) {
				queue[i], queue[j] = queue[j], queue[i]
			})
		}
		queues[root] = queue
	}
	order := make([]orderEntry, 0, CountShards(queues))
	for len(order) < cap(order) {
		for _, root := range rootNames {
			queue := queues[root]
			if len(queue) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: queue[0]})
			queues[root] = queue[1:]
		}
	}
	return order
}
