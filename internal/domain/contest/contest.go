package contest

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status describes contest session state.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusVoting   Status = "voting"
	StatusFinished Status = "finished"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusVoting, StatusFinished:
		return true
	}
	return false
}

// PlantSnapshot is a point-in-time copy of the plant a user submitted.
type PlantSnapshot struct {
	PlantID     string   `json:"plantId"`
	Name        string   `json:"name"`
	Image       string   `json:"image,omitempty"`
	Description string   `json:"description,omitempty"`
	Cosmetics   []string `json:"cosmetics,omitempty"`
}

// Contestant is one user's entry in a session.
type Contestant struct {
	ContestantID uuid.UUID     `json:"contestantId"`
	OwnerID      string        `json:"ownerId"`
	OwnerName    string        `json:"ownerName"`
	Plant        PlantSnapshot `json:"plant"`
	Votes        int           `json:"votes"`
	VoterIDs     []string      `json:"voterIds"`
	IsConnected  bool          `json:"isConnected"`
	LastActive   time.Time     `json:"lastActive"`
	JoinedAt     time.Time     `json:"joinedAt"`
	// EliminatedRound is the round in which the contestant dropped out; 0 while still in play.
	EliminatedRound int `json:"eliminatedRound,omitempty"`
}

// Active reports whether the contestant still counts for quorum and tallies.
func (c *Contestant) Active() bool {
	return c.IsConnected && c.EliminatedRound == 0
}

// HasVoter reports whether voterID voted for this contestant in the current round.
func (c *Contestant) HasVoter(voterID string) bool {
	return slices.Contains(c.VoterIDs, voterID)
}

func (c *Contestant) clone() *Contestant {
	cp := *c
	cp.VoterIDs = append([]string{}, c.VoterIDs...)
	cp.Plant.Cosmetics = append([]string(nil), c.Plant.Cosmetics...)
	return &cp
}

func (c *Contestant) resetVotes() {
	c.Votes = 0
	c.VoterIDs = []string{}
}

func (c *Contestant) eliminate(round int) {
	c.IsConnected = false
	if c.EliminatedRound == 0 {
		c.EliminatedRound = round
	}
}

// Session is one contest lobby/match. Status and winner are only changed through
// the transition methods so a winner can exist only on a finished session.
type Session struct {
	SessionID   uuid.UUID
	Round       int
	HostID      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	Contestants []*Contestant
	// Version is the optimistic concurrency token owned by the store.
	Version int64

	status     Status
	winner     *Contestant
	finishedAt *time.Time
}

// NewSession creates a waiting session with the host as its only contestant.
func NewSession(hostID, hostName string, plant PlantSnapshot, now time.Time, lobbyTTL time.Duration) *Session {
	if lobbyTTL <= 0 {
		lobbyTTL = DefaultLobbyTTL
	}
	s := &Session{
		SessionID: uuid.New(),
		Round:     1,
		HostID:    hostID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(lobbyTTL),
		status:    StatusWaiting,
	}
	s.Contestants = append(s.Contestants, newContestant(hostID, hostName, plant, now))
	return s
}

func newContestant(ownerID, ownerName string, plant PlantSnapshot, now time.Time) *Contestant {
	plant.Cosmetics = append([]string(nil), plant.Cosmetics...)
	return &Contestant{
		ContestantID: uuid.New(),
		OwnerID:      ownerID,
		OwnerName:    ownerName,
		Plant:        plant,
		VoterIDs:     []string{},
		IsConnected:  true,
		LastActive:   now,
		JoinedAt:     now,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status { return s.status }

// Winner returns a copy of the winning contestant snapshot, or nil.
func (s *Session) Winner() *Contestant {
	if s.winner == nil {
		return nil
	}
	return s.winner.clone()
}

// FinishedAt returns when the session reached finished, or nil.
func (s *Session) FinishedAt() *time.Time {
	if s.finishedAt == nil {
		return nil
	}
	t := *s.finishedAt
	return &t
}

func (s *Session) IsFinished() bool {
	return s.status == StatusFinished
}

// Expired reports whether the current deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) ContestantByID(contestantID uuid.UUID) *Contestant {
	for _, c := range s.Contestants {
		if c.ContestantID == contestantID {
			return c
		}
	}
	return nil
}

func (s *Session) ContestantByOwner(ownerID string) *Contestant {
	for _, c := range s.Contestants {
		if c.OwnerID == ownerID {
			return c
		}
	}
	return nil
}

// ConnectedCount is the contestant count used for capacity and quorum.
func (s *Session) ConnectedCount() int {
	n := 0
	for _, c := range s.Contestants {
		if c.Active() {
			n++
		}
	}
	return n
}

func (s *Session) activeContestants() []*Contestant {
	out := make([]*Contestant, 0, len(s.Contestants))
	for _, c := range s.Contestants {
		if c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// inCurrentRound reports whether c can hold votes cast in the current round.
func (s *Session) inCurrentRound(c *Contestant) bool {
	return c.EliminatedRound == 0 || c.EliminatedRound == s.Round
}

// HasVoted reports whether voterID already voted in the current round.
func (s *Session) HasVoted(voterID string) bool {
	for _, c := range s.Contestants {
		if s.inCurrentRound(c) && c.HasVoter(voterID) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Contestants = make([]*Contestant, 0, len(s.Contestants))
	for _, c := range s.Contestants {
		cp.Contestants = append(cp.Contestants, c.clone())
	}
	if s.winner != nil {
		cp.winner = s.winner.clone()
	}
	cp.finishedAt = s.FinishedAt()
	return &cp
}

func (s *Session) startVoting(now time.Time, roundTTL time.Duration) {
	s.status = StatusVoting
	s.Round = 1
	s.ExpiresAt = now.Add(roundTTL)
	for _, c := range s.Contestants {
		c.resetVotes()
		// anyone not connected when voting opens never enters the contest
		if !c.Active() {
			c.eliminate(s.Round)
		}
	}
}

func (s *Session) finish(now time.Time, winner *Contestant) {
	s.status = StatusFinished
	if winner != nil {
		s.winner = winner.clone()
	}
	s.finishedAt = &now
}

// Document is the stored form of a session.
type Document struct {
	SessionID       uuid.UUID    `json:"sessionId"`
	Status          Status       `json:"status"`
	Round           int          `json:"round"`
	HostID          string       `json:"hostId"`
	ContestantCount int          `json:"contestantCount"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	FinishedAt      *time.Time   `json:"finishedAt,omitempty"`
	Winner          *Contestant  `json:"winner"`
	Contestants     []Contestant `json:"contestants"`
	Version         int64        `json:"version"`
}

// Document maps the session into its stored form.
func (s *Session) Document() Document {
	d := Document{
		SessionID:       s.SessionID,
		Status:          s.status,
		Round:           s.Round,
		HostID:          s.HostID,
		ContestantCount: s.ConnectedCount(),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		ExpiresAt:       s.ExpiresAt,
		FinishedAt:      s.FinishedAt(),
		Winner:          s.Winner(),
		Contestants:     make([]Contestant, 0, len(s.Contestants)),
		Version:         s.Version,
	}
	for _, c := range s.Contestants {
		d.Contestants = append(d.Contestants, *c.clone())
	}
	return d
}

// FromDocument rebuilds a session from its stored form, rejecting illegal states.
func FromDocument(d Document) (*Session, error) {
	if !d.Status.Valid() {
		return nil, fmt.Errorf("invalid session status %q", d.Status)
	}
	if d.Round < 1 {
		return nil, fmt.Errorf("invalid session round %d", d.Round)
	}
	if d.Winner != nil && d.Status != StatusFinished {
		return nil, fmt.Errorf("winner set on %s session", d.Status)
	}
	if !d.ExpiresAt.After(d.CreatedAt) {
		return nil, fmt.Errorf("session expiry must be after creation")
	}
	s := &Session{
		SessionID:   d.SessionID,
		Round:       d.Round,
		HostID:      d.HostID,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		ExpiresAt:   d.ExpiresAt,
		Contestants: make([]*Contestant, 0, len(d.Contestants)),
		Version:     d.Version,
		status:      d.Status,
	}
	for i := range d.Contestants {
		c := d.Contestants[i].clone()
		if c.VoterIDs == nil {
			c.VoterIDs = []string{}
		}
		s.Contestants = append(s.Contestants, c)
	}
	if d.Winner != nil {
		s.winner = d.Winner.clone()
	}
	if d.FinishedAt != nil {
		t := *d.FinishedAt
		s.finishedAt = &t
	} else if d.Status == StatusFinished {
		t := d.UpdatedAt
		s.finishedAt = &t
	}
	return s, nil
}

func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	out, err := FromDocument(d)
	if err != nil {
		return err
	}
	*s = *out
	return nil
}
