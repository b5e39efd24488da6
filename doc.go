// Package rdsmq provides a delayed, priority-ordered message queue built on Redis.
//
// It uses:
// - Redis String (with expiry) as the message pool holding bodies
// - Redis ZSet per pending queue, scored by ready time
// - Redis List per route as the FIFO ready list consumers drain
// - Redis PubSub (optional) for lifecycle events
//
// Delivery is best-effort and at-most-once-ish: promotion is two store
// calls, so a failure between them can duplicate or drop an id.
package rdsmq
