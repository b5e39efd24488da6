package rdsmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	_, client := newTestRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	second := Route{Queue: "mq:queue:second", List: "mq:consumer:second"}
	q := newTestMQ(t, client, WithRoutes(second), WithMonitorInterval(20*time.Millisecond))

	var (
		mu  sync.Mutex
		got = map[string][]string{}
	)
	pool := NewWorkerPool(q,
		func(ctx context.Context, list string, d Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			got[list] = append(got[list], d.Body)
			return nil
		},
		WithMinWorkers(0),
		WithWorkerCount(3),
		WithWorkerIdleTimeout(200*time.Millisecond),
		WithPollInterval(30*time.Millisecond),
	)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()
	q.StartReaper()

	const msgsPerQueue = 5
	for _, r := range q.Routes() {
		for j := 0; j < msgsPerQueue; j++ {
			_, err := q.Send(ctx, r.Queue, NewMessage("t", fmt.Sprintf("%s_%d", r.Queue, j)))
			require.NoError(t, err)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got[testList]) == msgsPerQueue && len(got[second.List]) == msgsPerQueue
	}, 5*time.Second, 20*time.Millisecond, "should deliver every message from every route")

	stats := pool.Stats()
	require.EqualValues(t, msgsPerQueue, stats[testList])
	require.EqualValues(t, msgsPerQueue, stats[second.List])
}

func TestWorkerPool_DrainsWithoutTriggers(t *testing.T) {
	_, client := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := newTestMQ(t, client, WithoutTriggers())

	var processed int64
	pool := NewWorkerPool(q, func(context.Context, string, Delivery) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, WithPollInterval(20*time.Millisecond))
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		_, err := q.Send(ctx, testQueue, NewMessage("t", "b"))
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.Monitor(ctx))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorkerPool_PromotionEventTriggersDrain(t *testing.T) {
	_, client := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := newTestMQ(t, client)

	var processed int64
	pool := NewWorkerPool(q, func(context.Context, string, Delivery) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, WithPollInterval(time.Hour))
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	_, err := q.Send(ctx, testQueue, NewMessage("t", "b"))
	require.NoError(t, err)
	require.Equal(t, 1, q.Monitor(ctx))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == 1
	}, 3*time.Second, 10*time.Millisecond, "the poll interval is an hour, only the event can wake the pool")
}

func TestWorkerPool_SkipsUnresolvedByDefault(t *testing.T) {
	_, client := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := newTestMQ(t, client, WithoutTriggers())
	require.True(t, q.Pool().Put(ctx, "ok", "body", time.Minute))
	require.NoError(t, client.RPush(ctx, testList, "gone", "ok").Err())

	var (
		mu  sync.Mutex
		ids []string
	)
	pool := NewWorkerPool(q, func(_ context.Context, _ string, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, d.ID)
		return nil
	}, WithPollInterval(20*time.Millisecond))
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return client.LLen(ctx, testList).Val() == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 1 && ids[0] == "ok"
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_DeliverUnresolved(t *testing.T) {
	_, client := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := newTestMQ(t, client, WithoutTriggers())
	require.NoError(t, client.RPush(ctx, testList, "gone").Err())

	got := make(chan Delivery, 1)
	pool := NewWorkerPool(q, func(_ context.Context, _ string, d Delivery) error {
		got <- d
		return nil
	}, WithPollInterval(20*time.Millisecond), WithDeliverUnresolved(true))
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	select {
	case d := <-got:
		require.Equal(t, "gone", d.ID)
		require.False(t, d.Found)
	case <-ctx.Done():
		t.Fatal("unresolved delivery not handed over")
	}
}

func TestWorkerPool_HandlerErrorsAreNotCountedAsDelivered(t *testing.T) {
	_, client := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := newTestMQ(t, client, WithoutTriggers())
	for _, id := range []string{"a", "b"} {
		require.True(t, q.Pool().Put(ctx, id, id, time.Minute))
	}
	require.NoError(t, client.RPush(ctx, testList, "a", "b").Err())

	var calls int64
	pool := NewWorkerPool(q, func(_ context.Context, _ string, d Delivery) error {
		atomic.AddInt64(&calls, 1)
		if d.ID == "a" {
			return errors.New("handler failed")
		}
		return nil
	}, WithPollInterval(20*time.Millisecond))
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, pool.Stats()[testList])
	require.Zero(t, client.LLen(ctx, testList).Val(), "failed deliveries are not redelivered")
}

func TestWorkerPool_OneDrainPerListAtATime(t *testing.T) {
	_, client := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := newTestMQ(t, client, WithoutTriggers())

	var (
		inflight    int64
		maxInflight int64
		processed   int64
	)
	pool := NewWorkerPool(q, func(context.Context, string, Delivery) error {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			old := atomic.LoadInt64(&maxInflight)
			if cur <= old || atomic.CompareAndSwapInt64(&maxInflight, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		atomic.AddInt64(&processed, 1)
		return nil
	},
		WithMinWorkers(4),
		WithWorkerCount(4),
		WithPollInterval(2*time.Millisecond),
	)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	const total = 30
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("m%02d", i)
		require.True(t, q.Pool().Put(ctx, id, id, time.Minute))
		require.NoError(t, client.RPush(ctx, testList, id).Err())
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == total
	}, 8*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&maxInflight))
}

func TestWorkerPool_IgnoresUnknownLists(t *testing.T) {
	_, client := newTestRedis(t)
	q := newTestMQ(t, client, WithoutTriggers())
	pool := NewWorkerPool(q, func(context.Context, string, Delivery) error { return nil })

	pool.addList("not-routed")
	require.Zero(t, len(pool.workCh))
	require.NotContains(t, pool.Stats(), "not-routed")
}
