// Package pool pre-warms upstream client handles so that a new connection
// can open a live session without paying the credential and dial cost.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/metrics"
)

// batchInterval is the pause between warmup batches, spreading credential
// traffic instead of bursting it.
const batchInterval = 500 * time.Millisecond

// Options tunes the pool.
type Options struct {
	// Capacity is the target number of ready handles.
	Capacity int

	// WorkerParallelism is the number of background workers creating handles.
	WorkerParallelism int

	// CreationConcurrency caps concurrent handle creations across all
	// workers.
	CreationConcurrency int

	// BatchSize is the number of handles created per warmup batch.
	BatchSize int

	// KeepAliveInterval is the period between liveness sweeps.
	KeepAliveInterval time.Duration
}

// Factory creates one upstream client handle.
type Factory func(ctx context.Context) (genai.Client, error)

// Pool keeps up to Capacity pre-warmed upstream handles ready for use.
//
// Acquire pops a ready handle or falls back to direct creation, then
// triggers an asynchronous replenish. Only one replenish runs at a time;
// concurrent triggers are dropped.
type Pool struct {
	opts    Options
	factory Factory
	logger  *logger.Logger

	mu    sync.Mutex
	ready []genai.Client

	// replenishMu serializes replenishment. TryLock keeps Acquire cheap.
	replenishMu sync.Mutex

	sem   *semaphore.Weighted
	tasks chan func()

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool and starts its worker and keep-alive goroutines. The
// pool is empty until Warmup or the first replenish runs.
func New(opts Options, factory Factory, log *logger.Logger) *Pool {
	p := &Pool{
		opts:    opts,
		factory: factory,
		logger:  log.WithComponent("pool"),
		sem:     semaphore.NewWeighted(int64(opts.CreationConcurrency)),
		tasks:   make(chan func()),
		stop:    make(chan struct{}),
	}

	for i := 0; i < opts.WorkerParallelism; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.keepAliveLoop()

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case task := <-p.tasks:
			task()
		}
	}
}

// Size returns the number of ready handles.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// Warmup fills the pool to capacity in batches. It blocks until the fill
// completes or ctx is canceled, and is normally run in the background at
// startup.
func (p *Pool) Warmup(ctx context.Context) {
	p.replenishMu.Lock()
	defer p.replenishMu.Unlock()
	p.fill(ctx)
}

// Acquire returns a ready handle, creating one directly when the pool is
// empty. It always triggers a background replenish check.
func (p *Pool) Acquire(ctx context.Context) (genai.Client, error) {
	p.mu.Lock()
	var client genai.Client
	if n := len(p.ready); n > 0 {
		client = p.ready[n-1]
		p.ready = p.ready[:n-1]
		metrics.PoolReady.Set(float64(len(p.ready)))
	}
	p.mu.Unlock()

	go p.EnsureCapacity(context.WithoutCancel(ctx))

	if client != nil {
		p.logger.Debug("handle acquired from pool", slog.Int("remaining", p.Size()))
		return client, nil
	}

	// Direct creation still counts against the creation cap so a burst of
	// cold acquires cannot stampede the upstream.
	p.logger.Info("pool empty, creating handle directly")
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return p.factory(ctx)
}

// Release returns an unused handle to the pool, closing it when the pool is
// already full or shutting down.
func (p *Pool) Release(client genai.Client) {
	p.mu.Lock()
	select {
	case <-p.stop:
		p.mu.Unlock()
		client.Close()
		return
	default:
	}
	if len(p.ready) < p.opts.Capacity {
		p.ready = append(p.ready, client)
		metrics.PoolReady.Set(float64(len(p.ready)))
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	client.Close()
}

// EnsureCapacity refills the pool when it has dropped below half capacity.
// Only one refill runs at a time; concurrent calls return immediately.
func (p *Pool) EnsureCapacity(ctx context.Context) {
	if !p.replenishMu.TryLock() {
		return
	}
	defer p.replenishMu.Unlock()

	threshold := p.opts.Capacity / 2
	if threshold < 1 {
		threshold = 1
	}
	if p.Size() >= threshold {
		return
	}
	p.fill(ctx)
}

// fill creates handles in batches until the pool reaches capacity. Callers
// hold replenishMu.
func (p *Pool) fill(ctx context.Context) {
	for {
		missing := p.opts.Capacity - p.Size()
		if missing <= 0 {
			return
		}
		batch := p.opts.BatchSize
		if batch > missing {
			batch = missing
		}

		sizeBefore := p.Size()

		var wg sync.WaitGroup
		for i := 0; i < batch; i++ {
			wg.Add(1)
			task := func() {
				defer wg.Done()
				p.createOne(ctx)
			}
			select {
			case p.tasks <- task:
			case <-p.stop:
				wg.Done()
				return
			case <-ctx.Done():
				wg.Done()
				return
			}
		}
		wg.Wait()

		if p.Size() >= p.opts.Capacity {
			return
		}
		if p.Size() <= sizeBefore {
			// A whole batch failed; the upstream is unhealthy. Give up and
			// let the next acquire or sweep try again.
			p.logger.Warn("warmup batch produced no handles, aborting fill",
				slog.Int("ready", p.Size()))
			return
		}

		select {
		case <-time.After(batchInterval):
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) createOne(ctx context.Context) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	client, err := p.factory(ctx)
	if err != nil {
		p.logger.LogError(ctx, err, "creating pooled handle")
		return
	}

	p.mu.Lock()
	if len(p.ready) < p.opts.Capacity {
		p.ready = append(p.ready, client)
		metrics.PoolReady.Set(float64(len(p.ready)))
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	client.Close()
}

// keepAliveLoop periodically pings every ready handle and evicts the ones
// that fail, then tops the pool back up.
func (p *Pool) keepAliveLoop() {
	defer p.wg.Done()

	if p.opts.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.mu.Lock()
	snapshot := make([]genai.Client, len(p.ready))
	copy(snapshot, p.ready)
	p.mu.Unlock()

	var dead []genai.Client
	for _, client := range snapshot {
		if err := client.Ping(ctx); err != nil {
			p.logger.LogError(ctx, err, "pooled handle failed keep-alive")
			dead = append(dead, client)
		}
	}

	if len(dead) > 0 {
		p.mu.Lock()
		kept := p.ready[:0]
		for _, client := range p.ready {
			if !contains(dead, client) {
				kept = append(kept, client)
			}
		}
		p.ready = kept
		metrics.PoolReady.Set(float64(len(p.ready)))
		p.mu.Unlock()

		for _, client := range dead {
			client.Close()
		}
	}

	p.logger.Debug("keep-alive sweep complete",
		slog.Int("ready", p.Size()),
		slog.Int("evicted", len(dead)))

	p.EnsureCapacity(ctx)
}

func contains(clients []genai.Client, target genai.Client) bool {
	for _, c := range clients {
		if c == target {
			return true
		}
	}
	return false
}

// Shutdown stops the workers and closes every ready handle.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()

	p.mu.Lock()
	ready := p.ready
	p.ready = nil
	metrics.PoolReady.Set(0)
	p.mu.Unlock()

	for _, client := range ready {
		client.Close()
	}
	p.logger.Info("pool shut down", slog.Int("closed", len(ready)))
}
