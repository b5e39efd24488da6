package rdsmq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler receives one drained delivery. Returning an error only gets it
// logged and counted; the id has already left the ready list.
type Handler func(ctx context.Context, list string, d Delivery) error

// WorkerPool is the consumer loop. It drains every routed ready list on a
// fixed interval, and early when a promotion event arrives, handing each
// delivery to a handler on a bounded set of worker goroutines.
// At most one drain per list runs at a time.
type WorkerPool struct {
	mq                *MQ
	handler           Handler
	minWorkers        int
	maxWorkers        int
	workerIdle        time.Duration
	pollInterval      time.Duration
	deliverUnresolved bool
	log               *slog.Logger
	runCtx            context.Context

	mu       sync.RWMutex
	lists    map[string]*listState
	workCh   chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	unsub    func() error

	workersMu    sync.Mutex
	workersLive  int
	nextWorkerID int
}

type listState struct {
	name       string
	lastActive time.Time
	msgCount   int64
	failCount  int64
	active     bool
	pending    bool
}

type PoolOption func(*WorkerPool)

// WithWorkerCount sets the maximum number of worker goroutines.
func WithWorkerCount(n int) PoolOption {
	return func(p *WorkerPool) { p.maxWorkers = n }
}

func WithMinWorkers(n int) PoolOption {
	return func(p *WorkerPool) { p.minWorkers = n }
}

// WithWorkerIdleTimeout controls how long a worker goroutine waits for new work
// before exiting (down to MinWorkers).
func WithWorkerIdleTimeout(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.workerIdle = d }
}

// WithPollInterval sets how often every ready list is drained.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.pollInterval = d }
}

// WithDeliverUnresolved also hands over deliveries whose body had expired.
func WithDeliverUnresolved(v bool) PoolOption {
	return func(p *WorkerPool) { p.deliverUnresolved = v }
}

func NewWorkerPool(mq *MQ, handler Handler, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		mq:           mq,
		handler:      handler,
		minWorkers:   0,
		maxWorkers:   4,
		workerIdle:   30 * time.Second,
		pollInterval: DefaultMonitorInterval,
		log:          mq.log.With("subsystem", "worker_pool"),
		lists:        make(map[string]*listState),
		stopCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	for _, l := range mq.routes.Lists() {
		p.lists[l] = &listState{name: l}
	}
	// Each list holds at most one slot, so this never drops work.
	p.workCh = make(chan string, len(p.lists)+1)
	return p
}

func (p *WorkerPool) Start(ctx context.Context) error {
	p.runCtx = ctx

	if p.mq.opt.TriggerClient != nil {
		unsub, err := p.mq.Subscribe(ctx, func(ev Event) {
			if ev.Type == EventPromoted && ev.List != "" {
				p.addList(ev.List)
			}
		})
		if err != nil {
			return err
		}
		p.unsub = unsub
	}

	if p.minWorkers < 0 {
		p.minWorkers = 0
	}
	if p.maxWorkers < 1 {
		p.maxWorkers = 1
	}
	if p.minWorkers > p.maxWorkers {
		p.minWorkers = p.maxWorkers
	}
	for i := 0; i < p.minWorkers; i++ {
		p.spawnWorker()
	}

	p.wg.Add(1)
	go p.poller(ctx)

	return nil
}

// Stop waits for in-flight drains to finish.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.unsub != nil {
			_ = p.unsub()
		}
	})
	p.wg.Wait()
}

func (p *WorkerPool) poller(ctx context.Context) {
	defer p.wg.Done()

	if p.pollInterval <= 0 {
		p.pollInterval = DefaultMonitorInterval
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.scheduleAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.scheduleAll()
		}
	}
}

func (p *WorkerPool) scheduleAll() {
	p.mu.RLock()
	names := make([]string, 0, len(p.lists))
	for name := range p.lists {
		names = append(names, name)
	}
	p.mu.RUnlock()

	for _, name := range names {
		p.addList(name)
	}
}

// addList requests a drain. A request made while the list is being
// drained is remembered and served once the drain finishes.
func (p *WorkerPool) addList(name string) {
	now := time.Now()
	shouldEnqueue := false

	p.mu.Lock()
	ls, exists := p.lists[name]
	if !exists {
		p.mu.Unlock()
		return
	}
	ls.lastActive = now
	if !ls.active {
		ls.active = true
		shouldEnqueue = true
	} else {
		ls.pending = true
	}
	p.mu.Unlock()

	if shouldEnqueue {
		select {
		case p.workCh <- name:
		default:
		}
		p.maybeSpawnWorker()
	}
}

func (p *WorkerPool) maybeSpawnWorker() {
	if len(p.workCh) == 0 {
		return
	}
	p.workersMu.Lock()
	canSpawn := p.workersLive < p.maxWorkers
	p.workersMu.Unlock()
	if canSpawn {
		p.spawnWorker()
	}
}

func (p *WorkerPool) spawnWorker() {
	p.workersMu.Lock()
	if p.workersLive >= p.maxWorkers {
		p.workersMu.Unlock()
		return
	}
	id := p.nextWorkerID
	p.nextWorkerID++
	p.workersLive++
	p.workersMu.Unlock()

	p.wg.Add(1)
	ctx := p.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go p.worker(ctx, id)
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		p.workersMu.Lock()
		p.workersLive--
		p.workersMu.Unlock()
	}()

	if p.workerIdle <= 0 {
		p.workerIdle = 30 * time.Second
	}
	idle := time.NewTimer(p.workerIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case list := <-p.workCh:
			p.processList(ctx, list)
			p.finishList(list)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.workerIdle)
		case <-idle.C:
			p.workersMu.Lock()
			tooMany := p.workersLive > p.minWorkers
			p.workersMu.Unlock()
			if tooMany {
				p.log.Debug("worker idle, exiting", "worker", id)
				return
			}
			idle.Reset(p.workerIdle)
		}
	}
}

func (p *WorkerPool) finishList(list string) {
	shouldRequeue := false
	p.mu.Lock()
	if ls, ok := p.lists[list]; ok {
		if ls.pending {
			ls.pending = false
			ls.lastActive = time.Now()
			shouldRequeue = true
		} else {
			ls.active = false
		}
	}
	p.mu.Unlock()

	if shouldRequeue {
		select {
		case p.workCh <- list:
		default:
		}
		p.maybeSpawnWorker()
	}
}

// processList runs one full drain. Drained ids are already off the
// list, so the drain is not interrupted by Stop.
func (p *WorkerPool) processList(ctx context.Context, list string) {
	for _, d := range p.mq.ConsumeMessages(ctx, list) {
		if !d.Found && !p.deliverUnresolved {
			p.log.Debug("skipping unresolvable delivery", "list", list, "id", d.ID)
			continue
		}
		err := p.handler(ctx, list, d)
		p.recordDelivery(list, err)
		if err != nil {
			p.log.Warn("handler failed", "list", list, "id", d.ID, "err", err)
		}
	}
}

func (p *WorkerPool) recordDelivery(name string, err error) {
	p.mu.Lock()
	if ls, ok := p.lists[name]; ok {
		ls.lastActive = time.Now()
		if err != nil {
			ls.failCount++
		} else {
			ls.msgCount++
		}
	}
	p.mu.Unlock()
}

// Stats returns, per list, how many deliveries the handler accepted.
func (p *WorkerPool) Stats() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]int64)
	for name, ls := range p.lists {
		stats[name] = ls.msgCount
	}
	return stats
}
