package rdsmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// MQ is the engine: a message pool, one pending queue per route, and the
// reaper and consumer operations that move ids between them.
// Its configuration is fixed by New.
type MQ struct {
	store  Store
	pool   *MessagePool
	routes *RoutingTable
	opt    Options
	log    *slog.Logger
	m      *metrics

	ticking atomic.Bool

	mu        sync.Mutex
	reaperCh  chan struct{}
	reaperWg  sync.WaitGroup
	reaperRun bool
}

// New builds an engine on a go-redis client. If cmd is also a
// redis.UniversalClient it is used to publish events unless
// WithTriggerClient or WithoutTriggers says otherwise.
func New(cmd redis.Cmdable, opts ...Option) (*MQ, error) {
	if cmd == nil {
		return nil, ErrNilStore
	}
	opt := buildOptions(opts)
	if opt.TriggerClient == nil && !opt.DisableAutoDetect {
		if uc, ok := cmd.(redis.UniversalClient); ok {
			opt.TriggerClient = uc
		}
	}
	return newMQ(NewRedisStore(cmd, opt.Timeout), opt)
}

// NewWithStore builds an engine on any Store implementation.
// The per-call timeout is the store's responsibility here.
func NewWithStore(store Store, opts ...Option) (*MQ, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	return newMQ(store, buildOptions(opts))
}

func buildOptions(opts []Option) Options {
	opt := Options{
		Prefix:          DefaultPrefix,
		PoolPrefix:      DefaultPoolPrefix,
		MonitorCount:    DefaultMonitorCount,
		MonitorInterval: DefaultMonitorInterval,
		Timeout:         DefaultTimeout,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&opt)
		}
	}
	if opt.Prefix == "" {
		opt.Prefix = DefaultPrefix
	}
	if opt.PoolPrefix == "" {
		opt.PoolPrefix = DefaultPoolPrefix
	}
	if opt.MonitorCount <= 0 {
		opt.MonitorCount = DefaultMonitorCount
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return opt
}

func newMQ(store Store, opt Options) (*MQ, error) {
	routes, err := NewRoutingTable(opt.Routes...)
	if err != nil {
		return nil, err
	}
	opt.Routes = routes.Routes()

	m, err := newMetrics(opt.Registerer)
	if err != nil {
		return nil, err
	}
	log := opt.Logger.With("component", "rdsmq")

	q := &MQ{
		store:  store,
		pool:   newMessagePool(store, opt.PoolPrefix, log, m),
		routes: routes,
		opt:    opt,
		log:    log,
		m:      m,
	}
	if routes.Len() == 0 {
		log.Info("no routes configured, monitor is idle")
	}
	if opt.AutoStart && opt.MonitorInterval > 0 {
		q.StartReaper()
	}
	return q, nil
}

func (q *MQ) Routes() []Route             { return q.routes.Routes() }
func (q *MQ) RoutingTable() *RoutingTable { return q.routes }
func (q *MQ) MonitorCount() int           { return q.opt.MonitorCount }
func (q *MQ) Pool() *MessagePool          { return q.pool }

func (q *MQ) eventChannel() string        { return q.opt.Prefix + ":events" }
func (q *MQ) nowMs() int64                { return q.opt.Now().UnixMilli() }
func (q *MQ) fail(err error, args ...any) { q.pool.fail(err, args...) }

func (q *MQ) listFor(queue string) string {
	l, _ := q.routes.ListFor(queue)
	return l
}

func (q *MQ) publish(ctx context.Context, ev Event) {
	if q.opt.TriggerClient == nil {
		return
	}
	ev.AtUnixMs = time.Now().UnixMilli()
	b, _ := json.Marshal(ev)
	_ = q.opt.TriggerClient.Publish(ctx, q.eventChannel(), b).Err()
}

// AddToPool stores m.Body under m.ID for m.TTL.
func (q *MQ) AddToPool(ctx context.Context, m *Message) bool {
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return false
	}
	if !q.pool.Put(ctx, m.ID, m.Body, m.TTL) {
		return false
	}
	q.publish(ctx, Event{Type: EventPooled, MessageID: m.ID, Extra: map[string]string{"topic": m.Topic}})
	return true
}

// RemoveFromPool deletes a body. It is idempotent.
func (q *MQ) RemoveFromPool(ctx context.Context, id string) bool {
	if !q.pool.Remove(ctx, id) {
		return false
	}
	q.publish(ctx, Event{Type: EventUnpooled, MessageID: id})
	return true
}

// Enqueue admits id to the pending queue with score, overwriting the
// score of an id already there. It returns id, or "" on failure.
func (q *MQ) Enqueue(ctx context.Context, queue string, score int64, id string) string {
	if err := q.store.ZAdd(ctx, queue, score, id); err != nil {
		q.fail(err, "queue", queue, "id", id)
		return ""
	}
	q.m.enqueued.WithLabelValues(queue).Inc()
	q.publish(ctx, Event{Type: EventEnqueued, Queue: queue, List: q.listFor(queue), MessageID: id,
		Extra: map[string]string{"score": strconv.FormatInt(score, 10)}})
	return id
}

// Dequeue removes id from the pending queue. It reports whether anything was removed.
func (q *MQ) Dequeue(ctx context.Context, queue, id string) bool {
	n, err := q.store.ZRem(ctx, queue, id)
	if err != nil {
		q.fail(err, "queue", queue, "id", id)
		return false
	}
	if n == 0 {
		return false
	}
	q.publish(ctx, Event{Type: EventDequeued, Queue: queue, MessageID: id})
	return true
}

// Send pools m and enqueues it with m.Score(). The pooled body is
// removed again if the enqueue fails.
func (q *MQ) Send(ctx context.Context, queue string, m *Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if _, ok := q.routes.ListFor(queue); !ok {
		q.log.Warn("sending to a queue with no route, it will never be promoted", "queue", queue, "id", m.ID)
	}
	if !q.AddToPool(ctx, m) {
		return "", ErrPoolWriteFailed
	}
	if q.Enqueue(ctx, queue, m.Score(), m.ID) == "" {
		q.RemoveFromPool(ctx, m.ID)
		return "", ErrEnqueueFailed
	}
	m.Status = StatusPending
	return m.ID, nil
}

// Monitor runs one reaper tick: for every route in order it inspects the
// MonitorCount highest-scored ids of the pending queue and moves each one
// whose score is not after now onto the route's ready list.
// It returns how many ids were promoted. A call that overlaps a running
// tick returns 0 without touching the store.
func (q *MQ) Monitor(ctx context.Context) int {
	if !q.ticking.CompareAndSwap(false, true) {
		q.log.Debug("monitor tick already running, skipped")
		return 0
	}
	defer q.ticking.Store(false)

	start := time.Now()
	defer func() { q.m.monitorDuration.Observe(time.Since(start).Seconds()) }()

	now := q.nowMs()
	promoted := 0
	for _, r := range q.routes.routes {
		promoted += q.promoteRoute(ctx, r, now)
	}
	return promoted
}

func (q *MQ) promoteRoute(ctx context.Context, r Route, now int64) int {
	ids, err := q.store.ZRangeByRank(ctx, r.Queue, 0, int64(q.opt.MonitorCount-1), true)
	if err != nil {
		q.fail(err, "queue", r.Queue)
		return 0
	}

	promoted := 0
	for _, id := range ids {
		if !q.promote(ctx, r, id, now) {
			continue
		}
		promoted++
		q.m.promoted.WithLabelValues(r.Queue, r.List).Inc()
		q.log.Debug("promoted", "queue", r.Queue, "list", r.List, "id", id)
		q.publish(ctx, Event{Type: EventPromoted, Queue: r.Queue, List: r.List, MessageID: id})
	}
	return promoted
}

func (q *MQ) promote(ctx context.Context, r Route, id string, now int64) bool {
	if q.opt.AtomicPromotion {
		if p, ok := q.store.(Promoter); ok {
			moved, err := p.Promote(ctx, r.Queue, r.List, id, now)
			if err != nil {
				q.fail(err, "queue", r.Queue, "id", id)
				return false
			}
			return moved
		}
	}

	score, ok, err := q.store.ZScore(ctx, r.Queue, id)
	if err != nil {
		q.fail(err, "queue", r.Queue, "id", id)
		return false
	}
	if !ok || score > now {
		return false
	}
	if err := q.store.RPush(ctx, r.List, id); err != nil {
		q.fail(err, "list", r.List, "id", id)
		return false
	}
	if _, err := q.store.ZRem(ctx, r.Queue, id); err != nil {
		// The id now sits in both structures and will be pushed again next tick.
		q.fail(err, "queue", r.Queue, "id", id, "partial_promotion", true)
	}
	return true
}

// Consume drains the ready list as it was when the call started and
// returns the bodies in list order. An unresolvable body is returned as
// "". It returns nil when the list is empty or unreadable.
func (q *MQ) Consume(ctx context.Context, list string) []string {
	ds := q.ConsumeMessages(ctx, list)
	if ds == nil {
		return nil
	}
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Body
	}
	return out
}

// ConsumeMessages is Consume with the id and resolution flag kept.
// Each distinct id is resolved and removed once per call; removal takes
// the first occurrence, so duplicates need further calls to drain.
func (q *MQ) ConsumeMessages(ctx context.Context, list string) []Delivery {
	n, err := q.store.LLen(ctx, list)
	if err != nil {
		q.fail(err, "list", list)
		return nil
	}
	if n <= 0 {
		return nil
	}
	ids, err := q.store.LRange(ctx, list, 0, n-1)
	if err != nil {
		q.fail(err, "list", list)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		body, found := q.pool.lookup(ctx, id)
		if _, err := q.store.LRemFirst(ctx, list, id); err != nil {
			q.fail(err, "list", list, "id", id)
		}
		q.m.consumed.WithLabelValues(list).Inc()
		if !found {
			q.m.unresolved.WithLabelValues(list).Inc()
		}
		out = append(out, Delivery{ID: id, List: list, Body: body, Found: found})
		q.publish(ctx, Event{Type: EventConsumed, List: list, MessageID: id,
			Extra: map[string]string{"found": strconv.FormatBool(found)}})
	}
	return out
}

// StartReaper runs Monitor every MonitorInterval until StopReaper.
func (q *MQ) StartReaper() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reaperRun {
		return
	}
	if q.opt.MonitorInterval <= 0 {
		return
	}
	q.reaperRun = true
	q.reaperCh = make(chan struct{})
	q.reaperWg.Add(1)
	go func(stop <-chan struct{}) {
		defer q.reaperWg.Done()
		t := time.NewTicker(q.opt.MonitorInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = q.Monitor(context.Background())
			case <-stop:
				return
			}
		}
	}(q.reaperCh)
}

// StopReaper stops the ticker and waits for an in-flight tick to finish.
func (q *MQ) StopReaper() {
	q.mu.Lock()
	ch := q.reaperCh
	running := q.reaperRun
	q.reaperCh = nil
	q.reaperRun = false
	q.mu.Unlock()

	if running && ch != nil {
		close(ch)
		q.reaperWg.Wait()
	}
}

// Close stops the reaper. The redis client stays open; it belongs to the caller.
func (q *MQ) Close() error {
	q.StopReaper()
	return nil
}

// Subscribe registers a handler receiving lifecycle events.
// Requires a trigger client.
func (q *MQ) Subscribe(ctx context.Context, handler func(Event)) (func() error, error) {
	if q.opt.TriggerClient == nil {
		return nil, ErrTriggersNotConfigured
	}
	pubsub := q.opt.TriggerClient.Subscribe(ctx, q.eventChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := pubsub.Channel()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					handler(ev)
				}
			}
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			close(stop)
			err = pubsub.Close()
		})
		return err
	}, nil
}
