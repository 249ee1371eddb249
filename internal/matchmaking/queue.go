// Package matchmaking owns the queue and the formation of balanced
// matches from it.
package matchmaking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/draft"
	"github.com/fazenda/lol-matchmaking/internal/errs"
	"github.com/fazenda/lol-matchmaking/internal/store"
)

// Status is the public queue snapshot.
type Status struct {
	PlayersInQueue int              `json:"playersInQueue"`
	Players        []bus.QueueEntry `json:"players"`
	EstimatedWait  int              `json:"estimatedWaitSeconds"`
	IsActive       bool             `json:"isActive"`
}

// Queue admits players, re-evaluates on every mutation and on a 1 Hz
// tick, and creates matches through the builder.
type Queue struct {
	store   store.Store
	events  bus.Publisher
	builder *Builder
	log     *logrus.Logger

	matchSize     int
	acceptTimeout time.Duration
	wake          chan struct{}
	now           func() time.Time
}

func NewQueue(st store.Store, events bus.Publisher, builder *Builder, log *logrus.Logger, matchSize int, acceptTimeout time.Duration) *Queue {
	return &Queue{
		store:         st,
		events:        events,
		builder:       builder,
		log:           log,
		matchSize:     matchSize,
		acceptTimeout: acceptTimeout,
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
}

// Wake nudges the queue loop; safe from any goroutine.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Join admits a player to the queue.
func (q *Queue) Join(ctx context.Context, summonerName, primaryLane, secondaryLane string) (*store.QueuePlayer, error) {
	name := strings.ToLower(strings.TrimSpace(summonerName))
	if name == "" {
		return nil, errs.ErrInvalidInput
	}

	primary, err := draft.ParseLane(primaryLane)
	if err != nil {
		return nil, err
	}
	secondary, err := draft.ParseLane(secondaryLane)
	if err != nil {
		return nil, err
	}
	if primary == secondary && primary != draft.LaneFill {
		return nil, fmt.Errorf("%w: primary and secondary lanes must differ", errs.ErrInvalidLane)
	}

	player, err := q.store.GetPlayer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if player == nil {
		// First appearance creates the identity with default rating.
		now := q.now().UTC()
		gameName, tagLine := splitRiotID(name)
		player = &store.Player{
			SummonerName: name,
			GameName:     gameName,
			TagLine:      tagLine,
			CustomLP:     1000,
			CustomMMR:    1000,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := q.store.UpsertPlayer(ctx, player); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
		}
		player, err = q.store.GetPlayer(ctx, name)
		if err != nil || player == nil {
			return nil, fmt.Errorf("%w: player row missing after upsert", errs.ErrStoreUnavailable)
		}
	}

	if active, err := q.store.GetActiveMatchForPlayer(ctx, name); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	} else if active != nil {
		return nil, errs.ErrAlreadyInMatch
	}

	if existing, err := q.store.GetQueuePlayer(ctx, name); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	} else if existing != nil {
		return nil, errs.ErrAlreadyQueued
	}

	qp := &store.QueuePlayer{
		PlayerID:         player.ID,
		SummonerName:     name,
		Region:           player.Region,
		CustomLP:         player.CustomLP,
		PrimaryLane:      primary,
		SecondaryLane:    secondary,
		JoinTime:         q.now().UTC(),
		Active:           true,
		AcceptanceStatus: store.AcceptancePending,
	}
	if err := q.store.InsertQueuePlayer(ctx, qp); err != nil {
		// The unique index is the authority on double joins.
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, errs.ErrAlreadyQueued
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}

	q.log.WithFields(logrus.Fields{"player": name, "primary": primary, "secondary": secondary}).Info("player joined queue")

	if err := q.events.Publish(ctx, bus.TopicPlayerJoined, bus.PlayerJoinedPayload{
		SummonerName:  name,
		PrimaryLane:   string(primary),
		SecondaryLane: string(secondary),
	}); err != nil {
		q.log.WithError(err).Warn("player_joined broadcast failed")
	}
	q.publishQueueUpdate(ctx)
	q.Wake()

	return qp, nil
}

// Leave removes a player from the queue. Idempotent.
func (q *Queue) Leave(ctx context.Context, summonerName string) error {
	name := strings.ToLower(strings.TrimSpace(summonerName))
	removed, err := q.store.DeleteQueuePlayer(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if !removed {
		return nil
	}

	q.log.WithField("player", name).Info("player left queue")

	if err := q.events.Publish(ctx, bus.TopicPlayerLeft, bus.PlayerLeftPayload{SummonerName: name}); err != nil {
		q.log.WithError(err).Warn("player_left broadcast failed")
	}
	q.publishQueueUpdate(ctx)
	q.Wake()
	return nil
}

// Status returns the current queue snapshot.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	rows, err := q.store.ListActiveQueue(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	st := Status{
		PlayersInQueue: len(rows),
		Players:        queueEntries(rows),
		IsActive:       true,
	}
	if missing := q.matchSize - len(rows); missing > 0 {
		st.EstimatedWait = missing * 30
	} else {
		st.EstimatedWait = 10
	}
	return st, nil
}

// Run drives match formation until the context ends. Wakes arrive from
// Join, Leave, and the match.cancelled consumer; the tick covers drift.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	q.log.Info("queue manager started")
	for {
		select {
		case <-ctx.Done():
			q.log.Info("queue manager stopped")
			return
		case <-q.wake:
			q.evaluate(ctx)
		case <-ticker.C:
			q.evaluate(ctx)
		}
	}
}

// evaluate keeps forming matches while enough players are queued.
func (q *Queue) evaluate(ctx context.Context) {
	for {
		rows, err := q.store.ListActiveQueue(ctx)
		if err != nil {
			q.log.WithError(err).Error("failed to list queue")
			return
		}
		cand := q.builder.Build(rows)
		if cand == nil {
			return
		}
		if err := q.createMatch(ctx, cand); err != nil {
			q.log.WithError(err).Error("failed to create match")
			return
		}
	}
}

func (q *Queue) createMatch(ctx context.Context, cand *Candidate) error {
	team1, team2 := cand.Names()
	now := q.now().UTC()

	m := &store.Match{
		ID:              uuid.New().String(),
		Team1Players:    team1,
		Team2Players:    team2,
		AverageMMRTeam1: cand.AvgMMR1,
		AverageMMRTeam2: cand.AvgMMR2,
		Status:          store.StatusFound,
		PickBan:         draft.NewDocument(team1, team2, now),
		CreatedAt:       now,
	}

	names := append(append([]string{}, team1[:]...), team2[:]...)
	if err := q.store.CreateMatchFromQueue(ctx, m, names); err != nil {
		return err
	}

	q.log.WithFields(logrus.Fields{
		"match":     m.ID,
		"cost":      cand.Cost,
		"autofills": cand.Autofills,
	}).Info("match formed")

	if err := q.events.Publish(ctx, bus.TopicMatchFound, bus.MatchFoundPayload{
		MatchID:        m.ID,
		Team1Players:   team1,
		Team2Players:   team2,
		AverageMMR1:    cand.AvgMMR1,
		AverageMMR2:    cand.AvgMMR2,
		AcceptDeadline: now.Add(q.acceptTimeout),
	}); err != nil {
		// The row exists and the lease scan will pick it up; the missing
		// broadcast only delays peers.
		q.log.WithError(err).Error("match.found broadcast failed")
	}
	q.publishQueueUpdate(ctx)
	return nil
}

func (q *Queue) publishQueueUpdate(ctx context.Context) {
	rows, err := q.store.ListActiveQueue(ctx)
	if err != nil {
		q.log.WithError(err).Warn("queue update listing failed")
		return
	}
	if err := q.events.Publish(ctx, bus.TopicQueueUpdate, bus.QueueUpdatePayload{
		PlayersInQueue: len(rows),
		Players:        queueEntries(rows),
	}); err != nil {
		q.log.WithError(err).Warn("queue.update broadcast failed")
	}
}

func queueEntries(rows []store.QueuePlayer) []bus.QueueEntry {
	entries := make([]bus.QueueEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, bus.QueueEntry{
			SummonerName: r.SummonerName,
			PrimaryLane:  string(r.PrimaryLane),
			JoinedAt:     r.JoinTime.Unix(),
		})
	}
	return entries
}

func splitRiotID(name string) (gameName, tagLine string) {
	if i := strings.LastIndex(name, "#"); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}
