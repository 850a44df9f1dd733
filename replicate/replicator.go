package replicate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

// Config configures the Replicator.
type Config struct {
	Workers    int           // Concurrent pin requests (default: 4)
	QueueSize  int           // Pending requests before new ones are dropped (default: 1024)
	PinTimeout time.Duration // Per-attempt deadline (default: 2m)
}

// DefaultConfig returns the default replicator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  1024,
		PinTimeout: 2 * time.Minute,
	}
}

// Stats counts replication requests by outcome.
type Stats struct {
	Requested uint64 `json:"requested"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Replicator runs pin requests on background workers. Callers never wait
// for a pin and never see its outcome.
type Replicator struct {
	pinner Pinner
	config Config
	logger *slog.Logger

	queue  chan cid.Cid
	stopCh chan struct{}
	doneCh chan struct{}
	// mu orders Request's enqueue against Stop, so nothing is queued after
	// the workers have drained.
	mu      sync.RWMutex
	running bool
	stopped bool

	requested atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a replicator. Zero config fields take their defaults.
func New(pinner Pinner, config Config, logger *slog.Logger) *Replicator {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.PinTimeout <= 0 {
		config.PinTimeout = def.PinTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		pinner: pinner,
		config: config,
		logger: logger.With("component", "replicator"),
		queue:  make(chan cid.Cid, config.QueueSize),
	}
}

// Start launches the workers. Pins run on a context detached from ctx's
// cancellation; cancelling ctx stops the workers like Stop does.
func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("replicator starting", "workers", r.config.Workers, "queue_size", r.config.QueueSize)

	pinCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx, pinCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(r.doneCh)
	}()
}

// Stop stops accepting requests, lets the workers drain the queue and
// waits for them until ctx is done.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)

	select {
	case <-r.doneCh:
		r.logger.Info("replicator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request enqueues c for pinning and reports whether it was accepted.
// It never blocks: when the queue is full or the replicator is stopped the
// request is dropped, logged and counted.
func (r *Replicator) Request(c cid.Cid) bool {
	r.requested.Add(1)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		r.drop(c, "stopped")
		return false
	}

	select {
	case r.queue <- c:
		return true
	default:
		r.drop(c, "queue full")
		return false
	}
}

// Stats returns a snapshot of the outcome counters.
func (r *Replicator) Stats() Stats {
	return Stats{
		Requested: r.requested.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func (r *Replicator) drop(c cid.Cid, reason string) {
	r.dropped.Add(1)
	telemetry.RecordReplication(context.Background(), "dropped")
	r.logger.Warn("replication request dropped", "cid", c.String(), "reason", reason)
}

func (r *Replicator) work(ctx, pinCtx context.Context) {
	for {
		select {
		case c := <-r.queue:
			r.pin(pinCtx, c)
		case <-r.stopCh:
			r.drain(pinCtx)
			return
		case <-ctx.Done():
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()
			r.drain(pinCtx)
			return
		}
	}
}

// drain pins whatever is still queued once Stop is called.
func (r *Replicator) drain(pinCtx context.Context) {
	for {
		select {
		case c := <-r.queue:
			r.pin(pinCtx, c)
		default:
			return
		}
	}
}

func (r *Replicator) pin(parent context.Context, c cid.Cid) {
	ctx, cancel := context.WithTimeout(telemetry.WithRouteContext(parent, "replicate"), r.config.PinTimeout)
	defer cancel()

	start := time.Now()
	if err := r.pinner.Pin(ctx, c); err != nil {
		r.failed.Add(1)
		telemetry.RecordReplication(ctx, "error")
		r.logger.Warn("pin failed", "cid", c.String(), "duration", time.Since(start), "error", err)
		return
	}

	r.succeeded.Add(1)
	telemetry.RecordReplication(ctx, "success")
	r.logger.Debug("pinned", "cid", c.String(), "duration", time.Since(start))
}
