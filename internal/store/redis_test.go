package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	mr, client := newTestRedis(t)
	st := NewRedisStoreWithClient(client, "test:")
	runSessionStoreContract(t, st, mr.FastForward)
	require.NoError(t, st.Close())
	// the caller still owns the client
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisStoreKeyLayout(t *testing.T) {
	mr, client := newTestRedis(t)
	st := NewRedisStoreWithClient(client, "")
	require.NoError(t, st.Put(context.Background(), testSession("abc"), time.Hour))

	assert.True(t, mr.Exists("chatflow:session:abc"))
	assert.Equal(t, time.Hour, mr.TTL("chatflow:session:abc"))
}

func TestRedisStoreDedup(t *testing.T) {
	mr, client := newTestRedis(t)
	st := NewRedisStoreWithClient(client, "test:")
	runDedupContract(t, st)

	mr.FastForward(DefaultDedupRetention + time.Minute)
	isNew, err := st.RecordInbound(context.Background(), "msg-1", "+5511999990000")
	require.NoError(t, err)
	assert.True(t, isNew, "dedup marker should expire after the retention window")
}

func TestNewRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := NewRedisStore(context.Background(), WithRedisURL("redis://"+mr.Addr()+"/0"), WithKeyPrefix("x:"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Put(context.Background(), testSession("s"), time.Minute))
	assert.True(t, mr.Exists("x:session:s"))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), WithRedisURL("redis://%zz"))
	require.Error(t, err)
}

func TestRedisLocker(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisLocker(client, "test:", time.Minute, 5*time.Millisecond)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "s-1")
	require.NoError(t, err)

	// a second holder times out while the first holds the lease
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "s-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	// other ids are independent
	unlockOther, err := locker.Lock(ctx, "s-2")
	require.NoError(t, err)
	unlockOther()

	acquired := make(chan struct{})
	go func() {
		u, err := locker.Lock(ctx, "s-1")
		if err == nil {
			u()
		}
		close(acquired)
	}()
	unlock()
	unlock() // idempotent

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not acquire the lock after release")
	}
}

func TestRedisLockerLeaseExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, "test:", time.Second, 5*time.Millisecond)
	ctx := context.Background()

	stale, err := locker.Lock(ctx, "s-1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlock, err := locker.Lock(ctx, "s-1")
	require.NoError(t, err)

	// the stale holder must not release the new holder's lease
	stale()
	assert.True(t, mr.Exists("test:lock:s-1"))
	unlock()
	assert.False(t, mr.Exists("test:lock:s-1"))
}

func TestLeaseForTurn(t *testing.T) {
	tests := []struct {
		name string
		turn time.Duration
		want time.Duration
	}{
		{"short turn uses floor", 10 * time.Second, DefaultLockLease},
		{"long turn doubles", 2 * time.Minute, 4 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LeaseForTurn(tt.turn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := LeaseForTurn(0)
	assert.ErrorIs(t, err, ErrUnboundedTurn)
}

func TestRedisLockerHoldsThroughLongTurn(t *testing.T) {
	mr, client := newTestRedis(t)
	lease, err := LeaseForTurn(2 * time.Minute)
	require.NoError(t, err)
	locker := NewRedisLocker(client, "test:", lease, 5*time.Millisecond)

	unlock, err := locker.Lock(context.Background(), "s-1")
	require.NoError(t, err)
	defer unlock()

	// a turn still inside its deadline keeps the lease
	mr.FastForward(2 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "s-1")
	assert.ErrorIs(t, err, ErrLockTimeout)
}
