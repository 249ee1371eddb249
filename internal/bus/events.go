// Package bus is the cross-instance event fabric: typed topics fanned
// out over Redis pub/sub, with at-most-once consumption enforced by the
// event inbox.
package bus

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Topic is an event kind; one Redis channel per topic.
type Topic string

const (
	TopicQueueUpdate  Topic = "queue.update"
	TopicPlayerJoined Topic = "queue.player_joined"
	TopicPlayerLeft   Topic = "queue.player_left"

	TopicMatchFound      Topic = "match.found"
	TopicMatchAcceptance Topic = "match.acceptance"
	TopicMatchCancelled  Topic = "match.cancelled"

	TopicDraftStarted   Topic = "draft.started"
	TopicDraftPick      Topic = "draft.pick"
	TopicDraftBan       Topic = "draft.ban"
	TopicDraftEdit      Topic = "draft.edit"
	TopicDraftCompleted Topic = "draft.completed"

	TopicGameStarted Topic = "game.started"
	TopicGameEnded   Topic = "game.ended"
	TopicGameVote    Topic = "game.vote"
	TopicGameLinked  Topic = "game.linked"

	TopicGatewayRequest    Topic = "gateway.request"
	TopicSessionInvalidate Topic = "session.invalidate"
	TopicSpectatorMute     Topic = "spectator.mute"
)

// AllTopics enumerates every topic an instance consumes.
var AllTopics = []Topic{
	TopicQueueUpdate, TopicPlayerJoined, TopicPlayerLeft,
	TopicMatchFound, TopicMatchAcceptance, TopicMatchCancelled,
	TopicDraftStarted, TopicDraftPick, TopicDraftBan, TopicDraftEdit, TopicDraftCompleted,
	TopicGameStarted, TopicGameEnded, TopicGameVote, TopicGameLinked,
	TopicGatewayRequest, TopicSessionInvalidate, TopicSpectatorMute,
}

// Envelope is the wire shape of every event.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType Topic           `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"` // publishing instance id
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// NewEventID mints a ULID. Monotonic entropy keeps ids from one
// publisher ordered within a millisecond; the entropy source is not
// goroutine-safe, hence the lock.
func NewEventID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// QueueEntry is the lightweight queue listing carried by queue.update.
type QueueEntry struct {
	SummonerName string `json:"summonerName"`
	PrimaryLane  string `json:"primaryLane"`
	JoinedAt     int64  `json:"joinedAt"`
}

type QueueUpdatePayload struct {
	PlayersInQueue int          `json:"playersInQueue"`
	Players        []QueueEntry `json:"players"`
}

type PlayerJoinedPayload struct {
	SummonerName  string `json:"summonerName"`
	PrimaryLane   string `json:"primaryLane"`
	SecondaryLane string `json:"secondaryLane"`
}

type PlayerLeftPayload struct {
	SummonerName string `json:"summonerName"`
}

type MatchFoundPayload struct {
	MatchID        string    `json:"matchId"`
	Team1Players   [5]string `json:"team1Players"`
	Team2Players   [5]string `json:"team2Players"`
	AverageMMR1    float64   `json:"averageMmrTeam1"`
	AverageMMR2    float64   `json:"averageMmrTeam2"`
	AcceptDeadline time.Time `json:"acceptDeadline"`
}

type MatchAcceptancePayload struct {
	MatchID      string `json:"matchId"`
	SummonerName string `json:"summonerName"`
	Accepted     int    `json:"accepted"`
	Total        int    `json:"total"`
}

type MatchCancelledPayload struct {
	MatchID string   `json:"matchId"`
	Reason  string   `json:"reason"`
	AtFault []string `json:"atFault,omitempty"`
}

type DraftStartedPayload struct {
	MatchID string `json:"matchId"`
}

// DraftActionPayload serves draft.pick, draft.ban and draft.edit.
type DraftActionPayload struct {
	MatchID      string `json:"matchId"`
	Index        int    `json:"index"`
	ByPlayer     string `json:"byPlayer"`
	ChampionID   int    `json:"championId"`
	ChampionName string `json:"championName,omitempty"`
	CurrentIndex int    `json:"currentIndex"`
	AutoFilled   bool   `json:"autoFilled,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
}

type DraftCompletedPayload struct {
	MatchID string `json:"matchId"`
}

type GameStartedPayload struct {
	MatchID string `json:"matchId"`
}

// GameEndedPayload opens the link-vote phase. History is the raw LCU
// match-history blob of the first participant that reported game end;
// clients pick their vote from it.
type GameEndedPayload struct {
	MatchID string          `json:"matchId"`
	History json.RawMessage `json:"history,omitempty"`
}

type GameVotePayload struct {
	MatchID      string         `json:"matchId"`
	SummonerName string         `json:"summonerName"`
	LCUGameID    int64          `json:"lcuGameId"`
	Tally        map[string]int `json:"tally"` // lcuGameId (decimal string) → weighted count
}

type GameLinkedPayload struct {
	MatchID    string `json:"matchId"`
	LCUGameID  int64  `json:"lcuGameId"`
	WinnerTeam int    `json:"winnerTeam"`
}

// GatewayRequestPayload forwards a player-action frame that arrived at a
// non-owning instance to wherever the match lease lives.
type GatewayRequestPayload struct {
	SummonerName string          `json:"summonerName"`
	MatchID      string          `json:"matchId"`
	Frame        json.RawMessage `json:"frame"`
}

type SessionInvalidatePayload struct {
	SummonerName string `json:"summonerName"`
	InstanceID   string `json:"instanceId"` // instance whose connection is now stale
}

type SpectatorMutePayload struct {
	MatchID      string `json:"matchId"`
	SummonerName string `json:"summonerName"`
	Target       string `json:"target"`
	Muted        bool   `json:"muted"`
}
