package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fazenda/lol-matchmaking/internal/draft"
)

// Player is the persistent identity. SummonerName is the canonical
// gameName#tagLine, lowercased for lookup.
type Player struct {
	ID            int64
	SummonerName  string
	GameName      string
	TagLine       string
	PUUID         string
	Region        string
	CustomLP      int
	CustomMMR     int
	Wins          int
	Losses        int
	ProfileIconID int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AcceptanceStatus is a queue player's state during the accept window.
type AcceptanceStatus string

const (
	AcceptancePending  AcceptanceStatus = "pending"
	AcceptanceAccepted AcceptanceStatus = "accepted"
	AcceptanceDeclined AcceptanceStatus = "declined"
)

// QueuePlayer is a transient queue row; at most one per summoner name.
type QueuePlayer struct {
	ID               int64
	PlayerID         int64
	SummonerName     string
	Region           string
	CustomLP         int
	PrimaryLane      draft.Lane
	SecondaryLane    draft.Lane
	JoinTime         time.Time
	Active           bool
	AcceptanceStatus AcceptanceStatus
}

// MatchStatus is a point on the lifecycle DAG
// found → accepted → draft → in_progress → (completed|cancelled).
type MatchStatus string

const (
	StatusPending    MatchStatus = "pending"
	StatusFound      MatchStatus = "found"
	StatusAccepted   MatchStatus = "accepted"
	StatusDraft      MatchStatus = "draft"
	StatusInProgress MatchStatus = "in_progress"
	StatusCompleted  MatchStatus = "completed"
	StatusCancelled  MatchStatus = "cancelled"
)

// Terminal reports whether the status ends the lifecycle.
func (s MatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// statusRank orders the lifecycle DAG for the monotone-transition check.
var statusRank = map[MatchStatus]int{
	StatusPending:    0,
	StatusFound:      1,
	StatusAccepted:   2,
	StatusDraft:      3,
	StatusInProgress: 4,
	StatusCompleted:  5,
	StatusCancelled:  5,
}

// CanTransition reports whether from → to moves forward on the DAG.
func CanTransition(from, to MatchStatus) bool {
	if from.Terminal() {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// Match is the central aggregate. Team rosters are ordered by lane slot
// (index 0..4 = top/jungle/mid/bot/support).
type Match struct {
	ID              string
	Team1Players    [5]string
	Team2Players    [5]string
	AverageMMRTeam1 float64
	AverageMMRTeam2 float64
	Status          MatchStatus
	PickBan         *draft.Document
	LCUMatchData    json.RawMessage
	RiotGameID      int64
	WinnerTeam      *int
	OwnerBackendID  *string
	OwnerHeartbeat  *time.Time
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Participants returns all 10 summoner names, team 1 first.
func (m *Match) Participants() []string {
	names := make([]string, 0, 10)
	names = append(names, m.Team1Players[:]...)
	names = append(names, m.Team2Players[:]...)
	return names
}

// HasParticipant reports whether a summoner is on either team.
func (m *Match) HasParticipant(name string) bool {
	return m.Team(name) != 0
}

// Team returns 1 or 2 for a participant, 0 otherwise.
func (m *Match) Team(name string) int {
	for _, n := range m.Team1Players {
		if n == name {
			return 1
		}
	}
	for _, n := range m.Team2Players {
		if n == name {
			return 2
		}
	}
	return 0
}

// MatchVote is one player's link vote; unique per (matchID, playerID).
type MatchVote struct {
	MatchID   string
	PlayerID  int64
	LCUGameID int64
	VotedAt   time.Time
}

// Store defines the interface for data persistence.
type Store interface {
	// Player operations
	GetPlayer(ctx context.Context, summonerName string) (*Player, error)
	UpsertPlayer(ctx context.Context, p *Player) error
	ApplyMatchResult(ctx context.Context, summonerName string, lpDelta, mmrDelta int, won bool) error

	// Queue operations
	InsertQueuePlayer(ctx context.Context, qp *QueuePlayer) error
	DeleteQueuePlayer(ctx context.Context, summonerName string) (bool, error)
	GetQueuePlayer(ctx context.Context, summonerName string) (*QueuePlayer, error)
	ListActiveQueue(ctx context.Context) ([]QueuePlayer, error)

	// Frozen acceptance snapshot: match creation deactivates the selected
	// rows instead of deleting them so survivors keep their join time.
	ListQueueRows(ctx context.Context, names []string) ([]QueuePlayer, error)
	SetQueueAcceptance(ctx context.Context, summonerName string, status AcceptanceStatus) error
	ReactivateQueuePlayers(ctx context.Context, names []string) error
	DeleteQueuePlayers(ctx context.Context, names []string) error

	// Match operations
	CreateMatchFromQueue(ctx context.Context, m *Match, queueNames []string) error
	GetMatch(ctx context.Context, matchID string) (*Match, error)
	GetActiveMatchForPlayer(ctx context.Context, summonerName string) (*Match, error)
	ListActiveMatches(ctx context.Context) ([]Match, error)
	UpdateMatchOwned(ctx context.Context, m *Match, owner string) error
	TryClaimOwnership(ctx context.Context, matchID, newOwner string, now time.Time, staleCutoff time.Duration) (bool, error)
	ReleaseOwnership(ctx context.Context, matchID, owner string) error
	HeartbeatOwnership(ctx context.Context, matchID, owner string, now time.Time) (bool, error)

	// Link votes
	UpsertVote(ctx context.Context, v *MatchVote) error
	ListVotes(ctx context.Context, matchID string) ([]MatchVote, error)

	// Event inbox (idempotent consumption)
	InsertEventInbox(ctx context.Context, eventID, eventType string, now time.Time) (bool, error)
	PurgeEventInbox(ctx context.Context, olderThan time.Time) (int64, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	// Close the store
	Close() error
}
