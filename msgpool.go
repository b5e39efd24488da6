package rdsmq

import (
	"context"
	"log/slog"
	"time"
)

// MessagePool stores message bodies under prefix+id with an expiry.
// Failures never cross the boundary: they are logged and reported as
// false or as the caller's default.
type MessagePool struct {
	store  Store
	prefix string
	log    *slog.Logger
	m      *metrics
}

func newMessagePool(store Store, prefix string, log *slog.Logger, m *metrics) *MessagePool {
	return &MessagePool{store: store, prefix: prefix, log: log, m: m}
}

func (p *MessagePool) Key(id string) string { return p.prefix + id }

// Put stores body for ttl. ttl below one second is rejected since the
// store only expires at second granularity.
func (p *MessagePool) Put(ctx context.Context, id, body string, ttl time.Duration) bool {
	if ttl < time.Second {
		p.log.Warn("message pool put rejected", "id", id, "ttl", ttl, "err", ErrInvalidTTL)
		return false
	}
	if err := p.store.SetEx(ctx, p.Key(id), body, ttl); err != nil {
		p.fail(err, "id", id)
		return false
	}
	return true
}

// Remove deletes the body. Removing a missing id succeeds.
func (p *MessagePool) Remove(ctx context.Context, id string) bool {
	if err := p.store.Del(ctx, p.Key(id)); err != nil {
		p.fail(err, "id", id)
		return false
	}
	return true
}

// Get returns the body, or def when it is absent, expired or unreadable.
func (p *MessagePool) Get(ctx context.Context, id, def string) string {
	v, ok := p.lookup(ctx, id)
	if !ok {
		return def
	}
	return v
}

func (p *MessagePool) lookup(ctx context.Context, id string) (string, bool) {
	v, ok, err := p.store.Get(ctx, p.Key(id))
	if err != nil {
		p.fail(err, "id", id)
		return "", false
	}
	return v, ok
}

func (p *MessagePool) fail(err error, args ...any) {
	op := opOf(err)
	p.m.storeErrors.WithLabelValues(op).Inc()
	p.log.Warn("store call failed", append([]any{"op", op, "err", err}, args...)...)
}
