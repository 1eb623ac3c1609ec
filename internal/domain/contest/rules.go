package contest

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLobbyTTL         = 3 * time.Minute
	DefaultVotingRoundTTL   = 45 * time.Second
	DefaultInactivityWindow = 60 * time.Second
	DefaultCapacity         = 4
	MinContestants          = 2
)

// Policy holds the tunables of the contest state machine.
type Policy struct {
	LobbyTTL          time.Duration
	VotingRoundTTL    time.Duration
	InactivityWindow  time.Duration
	Capacity          int
	MaxRounds         int // 0 means tie rounds repeat until broken
	AutoStartWhenFull bool
}

// DefaultPolicy returns the default tunables.
func DefaultPolicy() Policy {
	return Policy{
		LobbyTTL:          DefaultLobbyTTL,
		VotingRoundTTL:    DefaultVotingRoundTTL,
		InactivityWindow:  DefaultInactivityWindow,
		Capacity:          DefaultCapacity,
		AutoStartWhenFull: true,
	}
}

// Normalized fills zero values with defaults.
func (p Policy) Normalized() Policy {
	d := DefaultPolicy()
	if p.LobbyTTL <= 0 {
		p.LobbyTTL = d.LobbyTTL
	}
	if p.VotingRoundTTL <= 0 {
		p.VotingRoundTTL = d.VotingRoundTTL
	}
	if p.InactivityWindow < 0 {
		p.InactivityWindow = 0
	}
	if p.Capacity < MinContestants {
		p.Capacity = d.Capacity
	}
	if p.MaxRounds < 0 {
		p.MaxRounds = 0
	}
	return p
}

// Reason explains why a resolution changed a session.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonManualStart  Reason = "manual_start"
	ReasonLobbyFull    Reason = "lobby_full"
	ReasonLobbyExpired Reason = "lobby_expired"
	ReasonUnderfilled  Reason = "lobby_underfilled"
	ReasonInactivity   Reason = "inactivity"
	ReasonAbandoned    Reason = "abandoned"
	ReasonLastStanding Reason = "last_standing"
	ReasonNoVotes      Reason = "no_votes"
	ReasonClearWinner  Reason = "clear_winner"
	ReasonTie          Reason = "tie"
	ReasonRoundCap     Reason = "round_cap"
)

// Outcome records what one resolution pass did.
type Outcome struct {
	From       Status
	To         Status
	Round      int
	Changed    bool
	Reason     Reason
	Eliminated []uuid.UUID
}

// Finished reports whether this pass moved the session into finished.
func (o Outcome) Finished() bool {
	return o.From != StatusFinished && o.To == StatusFinished
}

// Join admits ownerID, or returns the existing entry on an idempotent rejoin.
func (s *Session) Join(ownerID, ownerName string, plant PlantSnapshot, now time.Time, capacity int) (*Contestant, error) {
	if existing := s.ContestantByOwner(ownerID); existing != nil {
		if plant.PlantID != "" && existing.Plant.PlantID != "" && plant.PlantID != existing.Plant.PlantID {
			return nil, ErrAlreadyEntered
		}
		if s.status == StatusFinished {
			return nil, ErrSessionFinished
		}
		if s.status == StatusWaiting && !existing.IsConnected && capacity > 0 && s.ConnectedCount() >= capacity {
			return nil, ErrSessionFull
		}
		existing.LastActive = now
		if existing.EliminatedRound == 0 {
			existing.IsConnected = true
		}
		s.UpdatedAt = now
		return existing, nil
	}
	if s.status != StatusWaiting {
		return nil, ErrNotWaiting
	}
	if capacity > 0 && s.ConnectedCount() >= capacity {
		return nil, ErrSessionFull
	}
	c := newContestant(ownerID, ownerName, plant, now)
	s.Contestants = append(s.Contestants, c)
	s.UpdatedAt = now
	return c, nil
}

// Leave disconnects ownerID. During voting, leaving takes the contestant out of play.
func (s *Session) Leave(ownerID string, now time.Time) error {
	if s.status == StatusFinished {
		return ErrSessionFinished
	}
	c := s.ContestantByOwner(ownerID)
	if c == nil {
		return ErrContestantNotFound
	}
	c.IsConnected = false
	if s.status == StatusVoting {
		c.eliminate(s.Round)
	}
	s.UpdatedAt = now
	return nil
}

// Heartbeat refreshes ownerID's liveness.
func (s *Session) Heartbeat(ownerID string, now time.Time) error {
	if s.status == StatusFinished {
		return ErrSessionFinished
	}
	c := s.ContestantByOwner(ownerID)
	if c == nil {
		return ErrContestantNotFound
	}
	c.LastActive = now
	if c.EliminatedRound == 0 {
		c.IsConnected = true
	}
	return nil
}

// CastVote records voterID's vote for targetID in the current round.
func (s *Session) CastVote(voterID string, targetID uuid.UUID, now time.Time) (*Contestant, error) {
	if s.status != StatusVoting {
		return nil, ErrNotVotingPhase
	}
	target := s.ContestantByID(targetID)
	if target == nil {
		return nil, ErrUnknownContestant
	}
	if target.OwnerID == voterID {
		return nil, ErrSelfVote
	}
	if s.HasVoted(voterID) {
		return nil, ErrAlreadyVoted
	}
	if !target.Active() {
		return nil, ErrContestantOut
	}
	target.Votes++
	target.VoterIDs = append(target.VoterIDs, voterID)
	s.UpdatedAt = now
	return target, nil
}

// Start is the host's manual waiting -> voting trigger.
func (s *Session) Start(callerID string, now time.Time, p Policy) (Outcome, error) {
	out := Outcome{From: s.status, To: s.status, Round: s.Round}
	if s.status != StatusWaiting {
		return out, ErrNotWaiting
	}
	if callerID != s.HostID {
		return out, ErrNotHost
	}
	out.Eliminated = s.markStale(now, p.InactivityWindow, false)
	if s.ConnectedCount() < MinContestants {
		return out, ErrNotEnoughContestants
	}
	s.startVoting(now, p.VotingRoundTTL)
	s.UpdatedAt = now
	out.To, out.Round, out.Changed, out.Reason = s.status, s.Round, true, ReasonManualStart
	return out, nil
}

// Resolve advances the state machine from stored state and the current time.
// Running it again on an already advanced session is a no-op.
func (s *Session) Resolve(now time.Time, p Policy) Outcome {
	out := Outcome{From: s.status, To: s.status, Round: s.Round}
	switch s.status {
	case StatusWaiting:
		s.resolveWaiting(now, p, &out)
	case StatusVoting:
		s.resolveVoting(now, p, &out)
	}
	out.To = s.status
	out.Round = s.Round
	if out.Changed {
		s.UpdatedAt = now
	}
	return out
}

func (s *Session) resolveWaiting(now time.Time, p Policy, out *Outcome) {
	if !s.Expired(now) {
		if p.AutoStartWhenFull && p.Capacity > 0 && s.ConnectedCount() >= p.Capacity {
			s.startVoting(now, p.VotingRoundTTL)
			out.Changed, out.Reason = true, ReasonLobbyFull
		}
		return
	}
	out.Eliminated = s.markStale(now, p.InactivityWindow, false)
	if s.ConnectedCount() >= MinContestants {
		s.startVoting(now, p.VotingRoundTTL)
		out.Changed, out.Reason = true, ReasonLobbyExpired
		return
	}
	s.finish(now, nil)
	out.Changed, out.Reason = true, ReasonUnderfilled
}

func (s *Session) resolveVoting(now time.Time, p Policy, out *Outcome) {
	out.Eliminated = s.markStale(now, p.InactivityWindow, true)
	if len(out.Eliminated) > 0 {
		out.Changed, out.Reason = true, ReasonInactivity
	}

	active := s.activeContestants()
	switch len(active) {
	case 0:
		s.finish(now, nil)
		out.Changed, out.Reason = true, ReasonAbandoned
		return
	case 1:
		s.finish(now, active[0])
		out.Changed, out.Reason = true, ReasonLastStanding
		return
	}

	if !s.Expired(now) && !s.allVoted(active) {
		return
	}

	maxVotes := 0
	for _, c := range active {
		if c.Votes > maxVotes {
			maxVotes = c.Votes
		}
	}
	out.Changed = true
	if maxVotes == 0 {
		s.finish(now, nil)
		out.Reason = ReasonNoVotes
		return
	}

	leaders := make([]*Contestant, 0, len(active))
	for _, c := range active {
		if c.Votes == maxVotes {
			leaders = append(leaders, c)
			continue
		}
		c.eliminate(s.Round)
		out.Eliminated = append(out.Eliminated, c.ContestantID)
	}

	if len(leaders) == 1 {
		s.finish(now, leaders[0])
		out.Reason = ReasonClearWinner
		return
	}

	if p.MaxRounds > 0 && s.Round >= p.MaxRounds {
		winner := earliestEntrant(leaders)
		for _, c := range leaders {
			if c != winner {
				c.eliminate(s.Round)
				out.Eliminated = append(out.Eliminated, c.ContestantID)
			}
		}
		s.finish(now, winner)
		out.Reason = ReasonRoundCap
		return
	}

	// votes only count toward the round they were cast in
	for _, c := range s.Contestants {
		c.resetVotes()
	}
	s.Round++
	s.ExpiresAt = now.Add(p.VotingRoundTTL)
	out.Reason = ReasonTie
}

// allVoted reports whether every active contestant's owner has voted this round.
func (s *Session) allVoted(active []*Contestant) bool {
	for _, c := range active {
		if !s.HasVoted(c.OwnerID) {
			return false
		}
	}
	return true
}

// markStale disconnects contestants whose heartbeat lapsed. With eliminate set
// they are also taken out of play for the rest of the contest.
func (s *Session) markStale(now time.Time, window time.Duration, eliminate bool) []uuid.UUID {
	if window <= 0 {
		return nil
	}
	var out []uuid.UUID
	for _, c := range s.Contestants {
		if !c.Active() || now.Sub(c.LastActive) <= window {
			continue
		}
		if eliminate {
			c.eliminate(s.Round)
		} else {
			c.IsConnected = false
		}
		out = append(out, c.ContestantID)
	}
	return out
}

func earliestEntrant(cs []*Contestant) *Contestant {
	var best *Contestant
	for _, c := range cs {
		if best == nil || c.JoinedAt.Before(best.JoinedAt) {
			best = c
		}
	}
	return best
}
