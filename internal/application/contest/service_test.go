package contest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
	"github.com/plenty-of-plants/contest/internal/domain/contest/mocks"
	"github.com/plenty-of-plants/contest/internal/infrastructure/memory"
	"github.com/plenty-of-plants/contest/internal/infrastructure/sse"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *Service
	store *memory.Store
	hub   *sse.Hub
	clock *clock
}

func newFixture(t *testing.T, publisher contest.ResultPublisher) *fixture {
	t.Helper()
	hub := sse.NewHub()
	store := memory.NewStore(hub)
	clk := newClock()
	repo := NewRepository(store, hub, 20, zerolog.Nop())
	svc := NewService(repo, contest.DefaultPolicy(), publisher, zerolog.Nop()).WithClock(clk.Now)
	return &fixture{svc: svc, store: store, hub: hub, clock: clk}
}

func (f *fixture) join(t *testing.T, user string) *JoinResult {
	t.Helper()
	res, err := f.svc.JoinOrCreate(context.Background(), JoinInput{
		UserID:   user,
		UserName: "User " + user,
		Plant:    contest.PlantSnapshot{PlantID: "plant-" + user, Name: "Plant " + user},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) session(t *testing.T, id uuid.UUID) *contest.Session {
	t.Helper()
	s, err := f.svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

// heartbeatAll keeps every listed user alive at the current time.
func (f *fixture) heartbeatAll(t *testing.T, id uuid.UUID, users ...string) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, f.svc.SendHeartbeat(context.Background(), id, u))
	}
}

func TestJoinOrCreate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	host := f.join(t, "h")
	assert.True(t, host.Created)

	active, err := f.svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, host.SessionID, active[0].SessionID)
	assert.Equal(t, 1, active[0].ConnectedCount())

	joined := f.join(t, "j")
	assert.False(t, joined.Created)
	assert.Equal(t, host.SessionID, joined.SessionID)

	s := f.session(t, host.SessionID)
	assert.Equal(t, contest.StatusWaiting, s.Status())
	assert.Equal(t, 2, s.ConnectedCount())
	assert.NotNil(t, s.ContestantByOwner("h"))
	assert.NotNil(t, s.ContestantByOwner("j"))
}

func TestJoinOrCreateRejoinIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	first := f.join(t, "h")
	again := f.join(t, "h")

	assert.Equal(t, first.SessionID, again.SessionID)
	assert.True(t, again.Rejoined)
	assert.Len(t, f.session(t, first.SessionID).Contestants, 1)
}

func TestJoinOrCreateDifferentPlantRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "h")

	_, err := f.svc.JoinOrCreate(context.Background(), JoinInput{
		UserID: "h",
		Plant:  contest.PlantSnapshot{PlantID: "another"},
	})
	assert.ErrorIs(t, err, contest.ErrAlreadyEntered)
}

func TestMissingCallerIsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.JoinOrCreate(ctx, JoinInput{Plant: contest.PlantSnapshot{PlantID: "p"}})
	assert.ErrorIs(t, err, contest.ErrInvalidInput)
	assert.Equal(t, contest.KindInvalidInput, contest.KindOf(err))

	host := f.join(t, "h")
	_, err = f.svc.CastVote(ctx, host.SessionID, "", uuid.New())
	assert.ErrorIs(t, err, contest.ErrInvalidInput)
}

func TestJoinOrCreateSeesPastManyStaleLobbies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := f.clock.Now().Add(-time.Hour)
	for i := 0; i < 600; i++ {
		stale := contest.NewSession(fmt.Sprintf("idle-%d", i), "Idle", contest.PlantSnapshot{PlantID: "p"}, old, time.Minute)
		require.NoError(t, f.store.Create(ctx, stale))
	}

	host := f.join(t, "h")
	require.True(t, host.Created)

	joined := f.join(t, "j")
	assert.Equal(t, host.SessionID, joined.SessionID)

	again := f.join(t, "h")
	assert.True(t, again.Rejoined)
	assert.Equal(t, host.SessionID, again.SessionID)

	report, err := f.svc.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 601, report.Scanned)
}

func TestJoinOrCreateFillsThenCreates(t *testing.T) {
	f := newFixture(t, nil)
	users := []string{"a", "b", "c", "d"}
	var first uuid.UUID
	for i, u := range users {
		res := f.join(t, u)
		if i == 0 {
			first = res.SessionID
		}
		assert.Equal(t, first, res.SessionID)
		assert.Equal(t, i == len(users)-1, res.Full)
	}

	s := f.session(t, first)
	assert.Equal(t, contest.StatusVoting, s.Status(), "full lobby starts automatically")

	fifth := f.join(t, "e")
	assert.True(t, fifth.Created)
	assert.NotEqual(t, first, fifth.SessionID)
}

func TestJoinOrCreateSkipsExpiredLobby(t *testing.T) {
	f := newFixture(t, nil)
	old := f.join(t, "h")
	f.clock.Advance(contest.DefaultLobbyTTL + time.Second)

	res := f.join(t, "j")
	assert.True(t, res.Created)
	assert.NotEqual(t, old.SessionID, res.SessionID)
}

func TestStartManually(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.join(t, "h").SessionID
	f.join(t, "j")

	_, err := f.svc.StartManually(ctx, id, "j")
	assert.ErrorIs(t, err, contest.ErrNotHost)

	s, err := f.svc.StartManually(ctx, id, "h")
	require.NoError(t, err)
	assert.Equal(t, contest.StatusVoting, s.Status())
	assert.Equal(t, 1, s.Round)
	for _, c := range s.Contestants {
		assert.Zero(t, c.Votes)
	}
}

func TestCastVoteOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.join(t, "h").SessionID
	f.join(t, "j")
	_, err := f.svc.StartManually(ctx, id, "h")
	require.NoError(t, err)

	target := f.session(t, id).ContestantByOwner("h").ContestantID
	_, err = f.svc.CastVote(ctx, id, "v", target)
	require.NoError(t, err)

	_, err = f.svc.CastVote(ctx, id, "v", f.session(t, id).ContestantByOwner("j").ContestantID)
	assert.ErrorIs(t, err, contest.ErrAlreadyVoted)
	assert.Equal(t, contest.KindAlreadyDone, contest.KindOf(err))

	assert.Equal(t, 1, f.session(t, id).ContestantByOwner("h").Votes)
}

func TestTieStartsNewRound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.join(t, "a").SessionID
	f.join(t, "b")
	f.join(t, "c")
	_, err := f.svc.StartManually(ctx, id, "a")
	require.NoError(t, err)

	s := f.session(t, id)
	_, err = f.svc.CastVote(ctx, id, "c", s.ContestantByOwner("a").ContestantID)
	require.NoError(t, err)
	_, err = f.svc.CastVote(ctx, id, "spectator", s.ContestantByOwner("b").ContestantID)
	require.NoError(t, err)

	f.clock.Advance(contest.DefaultVotingRoundTTL)
	f.heartbeatAll(t, id, "a", "b", "c")
	s, err = f.svc.Resolve(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, contest.StatusVoting, s.Status())
	assert.Equal(t, 2, s.Round)
	assert.False(t, s.ContestantByOwner("c").IsConnected)
	assert.Zero(t, s.ContestantByOwner("a").Votes)
	assert.Zero(t, s.ContestantByOwner("b").Votes)
}

func TestHeartbeatTimeoutLeavesWinner(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockResultPublisher(ctrl)
	f := newFixture(t, publisher)
	ctx := context.Background()

	id := f.join(t, "a").SessionID
	f.join(t, "b")
	f.join(t, "c")
	_, err := f.svc.StartManually(ctx, id, "a")
	require.NoError(t, err)
	_, err = f.svc.CastVote(ctx, id, "a", f.session(t, id).ContestantByOwner("b").ContestantID)
	require.NoError(t, err)

	f.clock.Advance(contest.DefaultInactivityWindow + time.Second)
	f.heartbeatAll(t, id, "a")

	publisher.EXPECT().
		PublishResult(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, r contest.Result) error {
			assert.Equal(t, id, r.SessionID)
			require.NotNil(t, r.Winner)
			assert.Equal(t, "a", r.Winner.OwnerID)
			assert.Equal(t, contest.ReasonLastStanding, r.Reason)
			return nil
		})

	s, err := f.svc.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contest.StatusFinished, s.Status())
	require.NotNil(t, s.Winner())
	assert.Equal(t, "a", s.Winner().OwnerID)

	// Already finished: no second publish.
	_, err = f.svc.Resolve(ctx, id)
	require.NoError(t, err)
}

func TestLeaveSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.join(t, "h").SessionID
	f.join(t, "j")

	require.NoError(t, f.svc.LeaveSession(ctx, id, "j"))
	s := f.session(t, id)
	assert.Len(t, s.Contestants, 2)
	assert.False(t, s.ContestantByOwner("j").IsConnected)

	err := f.svc.LeaveSession(ctx, uuid.New(), "j")
	assert.ErrorIs(t, err, contest.ErrSessionNotFound)
	assert.Equal(t, contest.KindNotFound, contest.KindOf(err))
}

func TestCleanupExpiredSessionsIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	lonely := f.join(t, "solo").SessionID
	f.clock.Advance(contest.DefaultLobbyTTL)
	f.heartbeatAll(t, lonely, "solo")

	pair := f.join(t, "p1").SessionID
	f.join(t, "p2")
	require.NotEqual(t, lonely, pair)
	f.clock.Advance(contest.DefaultLobbyTTL)
	f.heartbeatAll(t, pair, "p1", "p2")

	report, err := f.svc.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 2, report.Advanced)
	assert.Equal(t, 1, report.Finished)

	lonelyState := f.session(t, lonely)
	pairState := f.session(t, pair)
	assert.Equal(t, contest.StatusFinished, lonelyState.Status())
	assert.Nil(t, lonelyState.Winner())
	assert.Equal(t, contest.StatusVoting, pairState.Status())
	assert.Equal(t, 1, pairState.Round)

	again, err := f.svc.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Advanced)
	assert.Equal(t, lonelyState.Version, f.session(t, lonely).Version)
	assert.Equal(t, pairState.Version, f.session(t, pair).Version)
}

func TestPurgeFinished(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.join(t, "solo").SessionID
	f.clock.Advance(contest.DefaultLobbyTTL)
	f.heartbeatAll(t, id, "solo")
	_, err := f.svc.Resolve(ctx, id)
	require.NoError(t, err)

	n, err := f.svc.PurgeFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour + time.Second)
	n, err = f.svc.PurgeFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.store.Len())
}

func TestSubscribeToSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := f.join(t, "h").SessionID
	updates, err := f.svc.SubscribeToSession(ctx, id)
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, 1, first.ConnectedCount())

	f.join(t, "j")
	select {
	case next := <-updates:
		assert.Equal(t, 2, next.ConnectedCount())
		assert.Greater(t, next.Version, first.Version)
	case <-time.After(time.Second):
		t.Fatal("expected update after join")
	}

	cancel()
	for range updates {
	}
}

func TestConcurrentJoinsNeverOverfill(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.policy.AutoStartWhenFull = false

	const users = 24
	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.JoinOrCreate(context.Background(), JoinInput{
				UserID: fmt.Sprintf("user-%d", i),
				Plant:  contest.PlantSnapshot{PlantID: fmt.Sprintf("plant-%d", i)},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sessions, err := f.store.ListByStatus(context.Background(), []contest.Status{contest.StatusWaiting}, 0)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, s := range sessions {
		assert.LessOrEqual(t, len(s.Contestants), contest.DefaultCapacity)
		for _, c := range s.Contestants {
			seen[c.OwnerID]++
		}
	}
	assert.Len(t, seen, users)
	for owner, n := range seen {
		assert.Equal(t, 1, n, "owner %s entered more than once", owner)
	}
}

func TestConcurrentVotesCountOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.join(t, "a").SessionID
	f.join(t, "b")
	_, err := f.svc.StartManually(ctx, id, "a")
	require.NoError(t, err)
	target := f.session(t, id).ContestantByOwner("a").ContestantID

	const voters = 10
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(voter string) {
				defer wg.Done()
				_, _ = f.svc.CastVote(ctx, id, voter, target)
			}(fmt.Sprintf("voter-%d", i))
		}
	}
	wg.Wait()

	a := f.session(t, id).ContestantByOwner("a")
	assert.Equal(t, voters, a.Votes)
	assert.Len(t, a.VoterIDs, voters)
}

func TestConcurrentResolveCommitsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockResultPublisher(ctrl)
	f := newFixture(t, publisher)
	ctx := context.Background()

	id := f.join(t, "a").SessionID
	f.join(t, "b")
	_, err := f.svc.StartManually(ctx, id, "a")
	require.NoError(t, err)
	_, err = f.svc.CastVote(ctx, id, "b", f.session(t, id).ContestantByOwner("a").ContestantID)
	require.NoError(t, err)
	f.clock.Advance(contest.DefaultVotingRoundTTL)
	f.heartbeatAll(t, id, "a", "b")

	publisher.EXPECT().PublishResult(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Resolve(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s := f.session(t, id)
	assert.Equal(t, contest.StatusFinished, s.Status())
	assert.Equal(t, "a", s.Winner().OwnerID)
}
