package builder

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"gitlab.elettra.eu/cs/inau/pkg/metrics"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// Pool owns every builder worker, keyed by platform.
type Pool struct {
	deps Deps

	reconcileMu sync.Mutex
	mu          sync.RWMutex
	workers     map[int64][]*Worker
}

// NewPool returns an empty pool; Reconcile populates it.
func NewPool(deps Deps) *Pool {
	return &Pool{
		deps:    deps,
		workers: map[int64][]*Worker{},
	}
}

// Enqueue routes the job to the shortest queue among the builders of
// its platform, ties broken by lowest builder id.
func (p *Pool) Enqueue(job types.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workers := p.workers[job.PlatformID]
	if len(workers) == 0 {
		return fmt.Errorf("no builder for platform %d", job.PlatformID)
	}
	best := workers[0]
	for _, w := range workers[1:] {
		if w.queue.len() < best.queue.len() {
			best = w
		}
	}
	if !best.queue.push(job) {
		return fmt.Errorf("builder %s is retiring", best.builder.Name)
	}
	p.deps.Logger.Debug().
		Int64("build_id", job.BuildID).
		Str("builder", best.builder.Name).
		Int("queue_depth", best.queue.len()).
		Msg("job enqueued")
	return nil
}

// Reconcile reloads the builder set from the catalog and swaps it in.
// Jobs enqueued from now on go to the new workers; retired workers
// drain the jobs they already accepted, then exit. Reconcile returns
// after the old workers are gone.
func (p *Pool) Reconcile(ctx context.Context) error {
	p.reconcileMu.Lock()
	defer p.reconcileMu.Unlock()

	builders, err := p.deps.Catalog.Builders(ctx)
	if err != nil {
		metrics.SetComponent("pool", false, err.Error())
		return fmt.Errorf("listing builders: %w", err)
	}

	fresh := make(map[int64][]*Worker, len(builders))
	for _, b := range builders {
		fresh[b.PlatformID] = append(fresh[b.PlatformID], newWorker(b, p.deps))
	}
	for _, ws := range fresh {
		sort.Slice(ws, func(i, j int) bool { return ws[i].builder.ID < ws[j].builder.ID })
	}

	p.mu.Lock()
	old := p.workers
	p.workers = fresh
	p.mu.Unlock()

	for _, ws := range fresh {
		for _, w := range ws {
			w.start()
		}
	}

	retired := 0
	for _, ws := range old {
		for _, w := range ws {
			w.retire()
			retired++
		}
	}
	for _, ws := range old {
		for _, w := range ws {
			<-w.done
		}
	}

	p.deps.Logger.Info().
		Int("builders", len(builders)).
		Int("retired", retired).
		Msg("builder pool reconciled")
	metrics.SetComponent("pool", true, strconv.Itoa(len(builders))+" builders")
	return nil
}

// Shutdown retires every worker and waits for in-flight jobs until ctx
// expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	old := p.workers
	p.workers = map[int64][]*Worker{}
	p.mu.Unlock()

	for _, ws := range old {
		for _, w := range ws {
			w.retire()
		}
	}
	for _, ws := range old {
		for _, w := range ws {
			select {
			case <-w.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// QueueStats snapshots per-builder queue depths for the metrics
// collector.
func (p *Pool) QueueStats() []metrics.QueueStat {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var stats []metrics.QueueStat
	for platform, ws := range p.workers {
		for _, w := range ws {
			stats = append(stats, metrics.QueueStat{
				Platform: strconv.FormatInt(platform, 10),
				Builder:  w.builder.Name,
				Depth:    w.queue.len(),
			})
		}
	}
	return stats
}
