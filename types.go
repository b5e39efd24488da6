package rdsmq

import (
	"fmt"
	"strings"
	"time"
)

// Status is informational metadata carried on a Message.
// Queue membership in Redis is what actually decides a message's state.
type Status int

const (
	StatusDelayed Status = iota
	StatusPending
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelayed:
		return "delayed"
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DefaultTTL is how long a body stays in the message pool when the
// producer does not choose.
const DefaultTTL = 20 * time.Minute

// Message is one unit of work.
// CreateTime is epoch milliseconds; set it to 0 to rank by priority alone.
type Message struct {
	ID         string
	Topic      string
	Body       string
	Delay      time.Duration
	Priority   int64
	TTL        time.Duration
	CreateTime int64
	Status     Status
}

// Score is the ready time used as the pending queue rank.
// Lower (or negative) priority makes a message ready sooner.
func (m *Message) Score() int64 {
	return m.CreateTime + m.Delay.Milliseconds() + m.Priority
}

func (m *Message) Validate() error {
	if m == nil {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	if m.Delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidMessage)
	}
	if m.TTL < time.Second {
		return ErrInvalidTTL
	}
	return nil
}

type MessageOption func(*Message)

func WithDelay(d time.Duration) MessageOption {
	return func(m *Message) { m.Delay = d }
}

func WithPriority(p int64) MessageOption {
	return func(m *Message) { m.Priority = p }
}

func WithTTL(d time.Duration) MessageOption {
	return func(m *Message) { m.TTL = d }
}

// WithCreateTime overrides the creation timestamp (epoch ms).
func WithCreateTime(ms int64) MessageOption {
	return func(m *Message) { m.CreateTime = ms }
}

func WithID(id string) MessageOption {
	return func(m *Message) { m.ID = id }
}

// WithIDGenerator picks how the message id is produced when WithID is not given.
func WithIDGenerator(gen IDGenerator) MessageOption {
	return func(m *Message) {
		if m.ID == "" && gen != nil {
			m.ID = gen()
		}
	}
}

// NewMessage builds a delayed message stamped with the current time.
func NewMessage(topic, body string, opts ...MessageOption) *Message {
	m := &Message{
		Topic:      topic,
		Body:       body,
		TTL:        DefaultTTL,
		CreateTime: time.Now().UnixMilli(),
		Status:     StatusDelayed,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(m)
		}
	}
	if m.ID == "" {
		m.ID = UUIDGenerator()
	}
	return m
}

// Route pairs a pending queue with the ready list its messages are promoted to.
type Route struct {
	Queue string `json:"queue" yaml:"queue"`
	List  string `json:"list" yaml:"list"`
}

func (r Route) Validate() error {
	q, l := strings.TrimSpace(r.Queue), strings.TrimSpace(r.List)
	if q == "" || l == "" {
		return fmt.Errorf("%w: queue and list are required", ErrInvalidRoute)
	}
	if q == l {
		return fmt.Errorf("%w: queue and list must differ (%q)", ErrInvalidRoute, q)
	}
	return nil
}

func (r Route) String() string { return r.Queue + "->" + r.List }

// Delivery is one drained ready-list entry.
// Found is false when the body had expired or was removed from the pool.
type Delivery struct {
	ID    string
	List  string
	Body  string
	Found bool
}

type EventType string

const (
	EventPooled   EventType = "pooled"
	EventUnpooled EventType = "unpooled"
	EventEnqueued EventType = "enqueued"
	EventDequeued EventType = "dequeued"
	EventPromoted EventType = "promoted"
	EventConsumed EventType = "consumed"
)

type Event struct {
	Type      EventType         `json:"type"`
	Queue     string            `json:"queue,omitempty"`
	List      string            `json:"list,omitempty"`
	MessageID string            `json:"message_id"`
	AtUnixMs  int64             `json:"at_unix_ms"`
	Extra     map[string]string `json:"extra,omitempty"`
}
