package rdsmq

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultMonitorCount    = 10
	DefaultMonitorInterval = 5 * time.Second
	DefaultTimeout         = 3 * time.Second
	DefaultPoolPrefix      = "Message:Pool:"
	DefaultPrefix          = "rdsmq"
)

type Options struct {
	Prefix            string
	PoolPrefix        string
	MonitorCount      int
	MonitorInterval   time.Duration
	AutoStart         bool
	Timeout           time.Duration
	Routes            []Route
	AtomicPromotion   bool
	TriggerClient     redis.UniversalClient
	DisableAutoDetect bool
	Logger            *slog.Logger
	Registerer        prometheus.Registerer
	Now               func() time.Time
}

type Option func(*Options)

// WithPrefix sets the namespace used for the event channel.
func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithPoolPrefix sets the key prefix for message bodies.
func WithPoolPrefix(prefix string) Option {
	return func(o *Options) { o.PoolPrefix = prefix }
}

// WithMonitorCount bounds how many ids per pending queue a reaper tick inspects.
func WithMonitorCount(n int) Option {
	return func(o *Options) { o.MonitorCount = n }
}

// WithMonitorInterval sets the reaper tick interval used by StartReaper.
func WithMonitorInterval(d time.Duration) Option {
	return func(o *Options) { o.MonitorInterval = d }
}

// WithAutoStart makes New start the reaper immediately.
func WithAutoStart(v bool) Option {
	return func(o *Options) { o.AutoStart = v }
}

// WithTimeout bounds every backing-store call. 0 disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func WithRoutes(routes ...Route) Option {
	return func(o *Options) { o.Routes = append(o.Routes, routes...) }
}

// WithAtomicPromotion promotes with a single server-side script when the
// store supports it, closing the gap between push and remove.
func WithAtomicPromotion(v bool) Option {
	return func(o *Options) { o.AtomicPromotion = v }
}

// WithTriggerClient enables PubSub events.
// It must support Subscribe (e.g. *redis.Client or *redis.ClusterClient).
func WithTriggerClient(c redis.UniversalClient) Option {
	return func(o *Options) { o.TriggerClient = c }
}

// WithoutTriggers disables event publishing even if the command client could publish.
func WithoutTriggers() Option {
	return func(o *Options) {
		o.TriggerClient = nil
		o.DisableAutoDetect = true
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics registers the engine's collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}

// WithClock replaces time.Now for readiness checks.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}
