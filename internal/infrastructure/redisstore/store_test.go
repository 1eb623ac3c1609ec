package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), rdb
}

func createSession(t *testing.T, store *Store, host string) *contest.Session {
	t.Helper()
	s := contest.NewSession(host, host, contest.PlantSnapshot{PlantID: "plant-" + host}, time.Now().UTC(), 0)
	require.NoError(t, store.Create(context.Background(), s))
	return s
}

func TestStoreCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	s := createSession(t, store, "h")

	got, err := store.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, contest.StatusWaiting, got.Status())
	assert.Equal(t, "h", got.HostID)

	assert.ErrorIs(t, store.Create(ctx, s), contest.ErrConflict)

	missing, err := store.Get(ctx, uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreUpdateMovesStatusIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	s := createSession(t, store, "h")
	now := time.Now().UTC()

	_, err := store.Update(ctx, s.SessionID, func(cur *contest.Session) (bool, error) {
		_, err := cur.Join("j", "j", contest.PlantSnapshot{PlantID: "plant-j"}, now, 4)
		return err == nil, err
	})
	require.NoError(t, err)

	updated, err := store.Update(ctx, s.SessionID, func(cur *contest.Session) (bool, error) {
		_, err := cur.Start("h", now, contest.DefaultPolicy())
		return err == nil, err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)

	waiting, err := store.ListByStatus(ctx, []contest.Status{contest.StatusWaiting}, 0)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	voting, err := store.ListByStatus(ctx, []contest.Status{contest.StatusVoting}, 0)
	require.NoError(t, err)
	require.Len(t, voting, 1)
	assert.Len(t, voting[0].Contestants, 2)
}

func TestStoreUpdateReturnsDomainErrors(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	s := createSession(t, store, "h")

	_, err := store.Update(ctx, s.SessionID, func(cur *contest.Session) (bool, error) {
		_, err := cur.Start("someone-else", time.Now().UTC(), contest.DefaultPolicy())
		return false, err
	})
	assert.ErrorIs(t, err, contest.ErrNotHost)

	_, err = store.Update(ctx, uuid.New(), func(*contest.Session) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, contest.ErrSessionNotFound)
}

func TestStoreConcurrentUpdatesConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	s := createSession(t, store, "h")

	// Force interleaving: every mutator waits until all have read.
	const writers = 4
	var ready sync.WaitGroup
	ready.Add(writers)
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			once := sync.Once{}
			_, err := store.Update(ctx, s.SessionID, func(cur *contest.Session) (bool, error) {
				once.Do(func() {
					ready.Done()
					ready.Wait()
				})
				return true, cur.Heartbeat("h", time.Now().UTC())
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, contest.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)

	got, err := store.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestStoreDeleteAndStaleIndex(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()
	a := createSession(t, store, "a")
	b := createSession(t, store, "b")

	require.NoError(t, store.Delete(ctx, a.SessionID))
	require.NoError(t, rdb.Del(ctx, sessionKey(b.SessionID)).Err())

	waiting, err := store.ListByStatus(ctx, []contest.Status{contest.StatusWaiting}, 0)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	members, err := rdb.SMembers(ctx, statusKey(contest.StatusWaiting)).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

type chanFeed chan *contest.Session

func (f chanFeed) Publish(s *contest.Session) { f <- s }

func TestListenerRelaysChanges(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := make(chanFeed, 4)
	listener := NewListener(rdb, feed, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(done)
	}()

	// Wait until the subscription is registered before publishing.
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	s := createSession(t, store, "h")
	select {
	case got := <-feed:
		assert.Equal(t, s.SessionID, got.SessionID)
		assert.Equal(t, int64(1), got.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not relay the change")
	}

	cancel()
	<-done
}

func TestListenerRetriesUntilRedisIsUp(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb)
	mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := make(chanFeed, 4)
	listener := NewListener(rdb, feed, zerolog.Nop())
	listener.backoff = 10 * time.Millisecond
	done := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(done)
	}()

	// the first subscribe attempts fail while the server is down
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] == 1
	}, 5*time.Second, 20*time.Millisecond)

	s := createSession(t, store, "h")
	select {
	case got := <-feed:
		assert.Equal(t, s.SessionID, got.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not relay the change after reconnecting")
	}

	cancel()
	<-done
}
