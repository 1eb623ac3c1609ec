package contest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
	"github.com/plenty-of-plants/contest/internal/domain/contest/mocks"
)

func TestRepository_Transact(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	noop := func(*contest.Session) (bool, error) { return false, nil }

	t.Run("retries conflicts then succeeds", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		repo := NewRepository(store, nil, 3, zerolog.Nop())
		want := contest.NewSession("h", "H", contest.PlantSnapshot{}, time.Now(), 0)

		gomock.InOrder(
			store.EXPECT().Update(ctx, id, gomock.Any()).Return(nil, contest.ErrConflict),
			store.EXPECT().Update(ctx, id, gomock.Any()).Return(nil, contest.ErrConflict),
			store.EXPECT().Update(ctx, id, gomock.Any()).Return(want, nil),
		)

		got, err := repo.Transact(ctx, id, noop)
		require.NoError(t, err)
		assert.Same(t, want, got)
	})

	t.Run("exhausted retries surface as storage error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		repo := NewRepository(store, nil, 2, zerolog.Nop())

		store.EXPECT().Update(ctx, id, gomock.Any()).Return(nil, contest.ErrConflict).Times(2)

		_, err := repo.Transact(ctx, id, noop)
		require.Error(t, err)
		assert.Equal(t, contest.KindStorage, contest.KindOf(err))
		assert.ErrorIs(t, err, contest.ErrConflict)
	})

	t.Run("domain errors pass through", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		repo := NewRepository(store, nil, 5, zerolog.Nop())

		store.EXPECT().Update(ctx, id, gomock.Any()).Return(nil, contest.ErrSelfVote)

		_, err := repo.Transact(ctx, id, noop)
		assert.ErrorIs(t, err, contest.ErrSelfVote)
		assert.Equal(t, contest.KindForbidden, contest.KindOf(err))
	})

	t.Run("backend failures are classified", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		repo := NewRepository(store, nil, 5, zerolog.Nop())

		store.EXPECT().Update(ctx, id, gomock.Any()).Return(nil, errors.New("connection reset"))

		_, err := repo.Transact(ctx, id, noop)
		assert.Equal(t, contest.KindStorage, contest.KindOf(err))
	})
}

func TestRepository_GetSession(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	repo := NewRepository(store, nil, 0, zerolog.Nop())
	id := uuid.New()

	store.EXPECT().Get(ctx, id).Return(nil, nil)

	_, err := repo.GetSession(ctx, id)
	assert.ErrorIs(t, err, contest.ErrSessionNotFound)
}

func TestRepository_ListActiveSessions(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	repo := NewRepository(store, nil, 0, zerolog.Nop())

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	open := contest.NewSession("a", "A", contest.PlantSnapshot{}, now.Add(-time.Minute), 0)
	stale := contest.NewSession("b", "B", contest.PlantSnapshot{}, now.Add(-time.Hour), 0)

	store.EXPECT().
		ListByStatus(ctx, []contest.Status{contest.StatusWaiting}, 0).
		Return([]*contest.Session{open, stale}, nil)

	got, err := repo.ListActiveSessions(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.SessionID, got[0].SessionID)
}

func TestRepository_ListsAreUnbounded(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	repo := NewRepository(store, nil, 0, zerolog.Nop())

	store.EXPECT().
		ListByStatus(ctx, []contest.Status{contest.StatusWaiting, contest.StatusVoting}, 0).
		Return(nil, nil)
	store.EXPECT().
		ListByStatus(ctx, []contest.Status{contest.StatusFinished}, 0).
		Return(nil, nil)

	_, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)
	_, err = repo.ListFinished(ctx)
	require.NoError(t, err)
}

func TestRepository_SubscribeSendsCurrentStateFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	watcher := mocks.NewMockWatcher(ctrl)
	repo := NewRepository(store, watcher, 0, zerolog.Nop())

	current := contest.NewSession("a", "A", contest.PlantSnapshot{}, time.Now(), 0)
	current.Version = 3
	stale := current.Clone()
	stale.Version = 2
	newer := current.Clone()
	newer.Version = 4

	feed := make(chan *contest.Session, 2)
	feed <- stale
	feed <- newer
	cancelled := make(chan struct{})

	watcher.EXPECT().Watch(current.SessionID).Return((<-chan *contest.Session)(feed), func() { close(cancelled) })
	store.EXPECT().Get(gomock.Any(), current.SessionID).Return(current, nil)

	updates, err := repo.Subscribe(ctx, current.SessionID)
	require.NoError(t, err)

	assert.Equal(t, int64(3), (<-updates).Version)
	assert.Equal(t, int64(4), (<-updates).Version)

	cancel()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("watch was not cancelled")
	}
}
