package rdsmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessagePool_RoundTrip(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	q := newTestMQ(t, c)

	m := NewMessage("SMS", `{"msg":"hi"}`)
	require.True(t, q.AddToPool(ctx, m))
	require.Equal(t, m.Body, q.Pool().Get(ctx, m.ID, ""))
}

func TestMessagePool_StoresUnderPoolKeyWithTTL(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()
	q := newTestMQ(t, c)

	require.True(t, q.Pool().Put(ctx, "id1", "body", 90*time.Second))
	got, err := s.Get("Message:Pool:id1")
	require.NoError(t, err)
	require.Equal(t, "body", got)
	require.Equal(t, 90*time.Second, s.TTL("Message:Pool:id1"))

	s.FastForward(91 * time.Second)
	require.Equal(t, "fallback", q.Pool().Get(ctx, "id1", "fallback"))
}

func TestMessagePool_PutOverwrites(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	p := newTestMQ(t, c).Pool()

	require.True(t, p.Put(ctx, "id1", "v1", time.Minute))
	require.True(t, p.Put(ctx, "id1", "v2", time.Minute))
	require.Equal(t, "v2", p.Get(ctx, "id1", ""))
}

func TestMessagePool_EmptyBodyIsNotDefault(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	p := newTestMQ(t, c).Pool()

	require.True(t, p.Put(ctx, "id1", "", time.Minute))
	require.Equal(t, "", p.Get(ctx, "id1", "def"))
}

func TestMessagePool_RejectsSubSecondTTL(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()
	p := newTestMQ(t, c).Pool()

	require.False(t, p.Put(ctx, "id1", "b", 0))
	require.False(t, p.Put(ctx, "id1", "b", 500*time.Millisecond))
	require.False(t, s.Exists("Message:Pool:id1"))
}

func TestMessagePool_RemoveIsIdempotent(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()
	q := newTestMQ(t, c)

	require.True(t, q.Pool().Put(ctx, "id1", "b", time.Minute))
	require.True(t, q.RemoveFromPool(ctx, "id1"))
	require.True(t, q.RemoveFromPool(ctx, "id1"))
	require.False(t, s.Exists("Message:Pool:id1"))
	require.Equal(t, "", q.Pool().Get(ctx, "id1", ""))
}

func TestMessagePool_CustomPrefix(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()
	q := newTestMQ(t, c, WithPoolPrefix("app:body:"))

	require.True(t, q.Pool().Put(ctx, "id1", "b", time.Minute))
	require.True(t, s.Exists("app:body:id1"))
}

func TestMQ_AddToPool_RejectsMissingID(t *testing.T) {
	_, c := newTestRedis(t)
	q := newTestMQ(t, c)

	require.False(t, q.AddToPool(context.Background(), nil))
	require.False(t, q.AddToPool(context.Background(), &Message{Body: "b", TTL: time.Minute}))
}
