// Package match drives owned matches through acceptance, draft, game
// monitoring and link voting. Each owned match runs as one goroutine;
// frames reach it through the service's routing.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/config"
	"github.com/fazenda/lol-matchmaking/internal/errs"
	"github.com/fazenda/lol-matchmaking/internal/gateway"
	"github.com/fazenda/lol-matchmaking/internal/linkvote"
	"github.com/fazenda/lol-matchmaking/internal/matchmaking"
	"github.com/fazenda/lol-matchmaking/internal/ownership"
	"github.com/fazenda/lol-matchmaking/internal/session"
	"github.com/fazenda/lol-matchmaking/internal/store"
)

const privilegedVotersKey = "privileged_voters"

// Service owns this instance's match runners and implements the gateway
// sink. It adopts matches by winning the ownership lease and routes
// player frames to whichever instance drives them.
type Service struct {
	cfg      config.Config
	store    store.Store
	events   bus.PubSub
	registry *session.Registry
	owners   *ownership.Service
	queue    *matchmaking.Queue
	log      *logrus.Logger

	hub *gateway.Hub
	gw  LCUGateway

	weights      linkvote.Weights
	championPool []int

	mu      sync.Mutex
	runners map[string]*Runner

	runCtx context.Context
	now    func() time.Time
}

func NewService(
	cfg config.Config,
	st store.Store,
	events bus.PubSub,
	registry *session.Registry,
	owners *ownership.Service,
	queue *matchmaking.Queue,
	log *logrus.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		events:   events,
		registry: registry,
		owners:   owners,
		queue:    queue,
		log:      log,
		weights:  linkvote.Weights{},
		runners:  make(map[string]*Runner),
		now:      time.Now,
	}
}

// SetHub wires the gateway hub after construction; the hub needs the
// service as its sink, so the two are linked in main.
func (s *Service) SetHub(h *gateway.Hub) {
	s.hub = h
	s.gw = h
}

// SetLCUGateway overrides the LCU transport; the game monitor is driven
// through it.
func (s *Service) SetLCUGateway(gw LCUGateway) {
	s.gw = gw
}

// Start loads settings, registers the bus consumers, adopts any
// already-active matches, and begins the orphan sweep.
func (s *Service) Start(ctx context.Context) error {
	s.runCtx = ctx

	if err := s.loadPrivilegedVoters(ctx); err != nil {
		return err
	}

	s.events.Subscribe(bus.TopicMatchFound, func(ctx context.Context, ev bus.Envelope) {
		var p bus.MatchFoundPayload
		if err := ev.Decode(&p); err != nil {
			s.log.WithError(err).Warn("bad match.found payload")
			return
		}
		s.adopt(ctx, p.MatchID)
	})

	s.events.Subscribe(bus.TopicMatchCancelled, func(ctx context.Context, ev bus.Envelope) {
		s.queue.Wake() // reabsorb survivors
	})

	s.events.Subscribe(bus.TopicGatewayRequest, func(ctx context.Context, ev bus.Envelope) {
		var p bus.GatewayRequestPayload
		if err := ev.Decode(&p); err != nil {
			s.log.WithError(err).Warn("bad gateway.request payload")
			return
		}
		s.handleForwarded(ctx, p)
	})

	s.events.Subscribe(bus.TopicSessionInvalidate, func(ctx context.Context, ev bus.Envelope) {
		var p bus.SessionInvalidatePayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		if p.InstanceID == s.owners.InstanceID() && s.hub != nil {
			s.hub.HandleInvalidate(p.SummonerName)
		}
	})

	// Adopt whatever was active before this instance started.
	matches, err := s.store.ListActiveMatches(ctx)
	if err != nil {
		return fmt.Errorf("scan active matches: %w", err)
	}
	for i := range matches {
		s.adopt(ctx, matches[i].ID)
	}

	go s.sweep(ctx)
	go s.maintain(ctx)
	return nil
}

// loadPrivilegedVoters merges config into the settings row, then loads
// the row as the live weight table.
func (s *Service) loadPrivilegedVoters(ctx context.Context) error {
	if len(s.cfg.PrivilegedVoters) > 0 {
		b, err := json.Marshal(s.cfg.PrivilegedVoters)
		if err != nil {
			return err
		}
		if err := s.store.SetSetting(ctx, privilegedVotersKey, string(b)); err != nil {
			return fmt.Errorf("seed privileged voters: %w", err)
		}
	}
	raw, ok, err := s.store.GetSetting(ctx, privilegedVotersKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	w, err := linkvote.ParseWeights(raw)
	if err != nil {
		return fmt.Errorf("parse privileged voters: %w", err)
	}
	s.weights = w
	return nil
}

// sweep periodically re-scans for active matches nobody drives; a dead
// owner's lease goes stale and any instance picks the match up here.
func (s *Service) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.OwnershipStaleCutoff())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			matches, err := s.store.ListActiveMatches(ctx)
			if err != nil {
				s.log.WithError(err).Warn("orphan sweep failed")
				continue
			}
			for i := range matches {
				s.adopt(ctx, matches[i].ID)
			}
		}
	}
}

// maintain purges the event inbox horizon.
func (s *Service) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.PurgeEventInbox(ctx, s.now().UTC().Add(-24*time.Hour)); err != nil {
				s.log.WithError(err).Warn("inbox purge failed")
			} else if n > 0 {
				s.log.WithField("purged", n).Debug("event inbox purged")
			}
		}
	}
}

// adopt claims the lease and spins up a runner. A no-op when this
// instance already drives the match or loses the claim.
func (s *Service) adopt(ctx context.Context, matchID string) {
	s.mu.Lock()
	_, running := s.runners[matchID]
	s.mu.Unlock()
	if running {
		return
	}

	won, err := s.owners.TryClaim(ctx, matchID)
	if err != nil {
		s.log.WithError(err).WithField("match", matchID).Warn("lease claim failed")
		return
	}
	if !won {
		return
	}

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil || m == nil {
		s.log.WithError(err).WithField("match", matchID).Error("claimed a match that cannot be loaded")
		return
	}
	if m.Status.Terminal() {
		s.owners.Release(ctx, matchID)
		return
	}

	s.mu.Lock()
	if _, racing := s.runners[matchID]; racing {
		s.mu.Unlock()
		return
	}
	lost := s.owners.Keep(s.runCtx, matchID)
	r := newRunner(s, m, lost)
	s.runners[matchID] = r
	s.mu.Unlock()

	go r.run(s.runCtx)
}

func (s *Service) removeRunner(matchID string) {
	s.mu.Lock()
	delete(s.runners, matchID)
	s.mu.Unlock()
}

func (s *Service) runner(matchID string) *Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[matchID]
}

func (s *Service) playerNames(ctx context.Context, names []string) (map[int64]string, error) {
	out := make(map[int64]string, len(names))
	for _, name := range names {
		p, err := s.store.GetPlayer(ctx, name)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out[p.ID] = p.SummonerName
		}
	}
	return out, nil
}

// ---- gateway sink ----

// OnIdentify upserts the player identity and, when they already sit in
// an active match, replays the current match state to the new
// connection.
func (s *Service) OnIdentify(ctx context.Context, summonerName string, f gateway.Frame) error {
	now := s.now().UTC()
	existing, err := s.store.GetPlayer(ctx, summonerName)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	p := existing
	if p == nil {
		p = &store.Player{
			SummonerName: summonerName,
			CustomLP:     1000,
			CustomMMR:    1000,
			CreatedAt:    now,
		}
	}
	if f.GameName != "" {
		p.GameName = f.GameName
	}
	if f.TagLine != "" {
		p.TagLine = f.TagLine
	}
	if f.PUUID != "" {
		p.PUUID = f.PUUID
	}
	if f.Region != "" {
		p.Region = f.Region
	}
	p.UpdatedAt = now
	if err := s.store.UpsertPlayer(ctx, p); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}

	if m, err := s.store.GetActiveMatchForPlayer(ctx, summonerName); err == nil && m != nil && s.hub != nil {
		if push, err := stateSyncFrame(m); err == nil {
			s.hub.Push(summonerName, push)
		}
	}
	return nil
}

// OnRegisterLCU refreshes the identity fields the desktop learns from
// the local client.
func (s *Service) OnRegisterLCU(ctx context.Context, summonerName string, f gateway.Frame) {
	p, err := s.store.GetPlayer(ctx, summonerName)
	if err != nil || p == nil {
		return
	}
	changed := false
	if f.PUUID != "" && f.PUUID != p.PUUID {
		p.PUUID = f.PUUID
		changed = true
	}
	if f.ProfileIconID != 0 && f.ProfileIconID != p.ProfileIconID {
		p.ProfileIconID = f.ProfileIconID
		changed = true
	}
	if !changed {
		return
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertPlayer(ctx, p); err != nil {
		s.log.WithError(err).WithField("player", summonerName).Warn("failed to refresh player from lcu registration")
	}
}

// OnDisconnect is deliberately quiet: acceptance treats a vanished
// player as a non-response, and the session registry already expired or
// was reclaimed.
func (s *Service) OnDisconnect(ctx context.Context, summonerName string) {}

// HandleAction routes a player frame to the owning runner. If nobody
// owns the match yet this instance tries to claim it (takeover on
// activity); frames for a match owned elsewhere are forwarded on the
// bus.
func (s *Service) HandleAction(ctx context.Context, summonerName string, f gateway.Frame) error {
	if summonerName == "" {
		return errs.ErrInvalidInput
	}

	matchID := f.MatchID
	if matchID == "" {
		m, err := s.store.GetActiveMatchForPlayer(ctx, summonerName)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
		}
		if m == nil {
			return errs.ErrMatchNotFound
		}
		matchID = m.ID
	}

	if r := s.runner(matchID); r != nil {
		return r.submit(ctx, summonerName, f)
	}

	// Nobody local drives it; activity is a takeover trigger.
	s.adopt(ctx, matchID)
	if r := s.runner(matchID); r != nil {
		return r.submit(ctx, summonerName, f)
	}

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if m == nil {
		return errs.ErrMatchNotFound
	}
	if m.Status.Terminal() {
		return errs.ErrMatchNotFound
	}

	// Another instance holds the lease: forward the frame there.
	raw, err := json.Marshal(f)
	if err != nil {
		return errs.ErrInvalidInput
	}
	if err := s.events.Publish(ctx, bus.TopicGatewayRequest, bus.GatewayRequestPayload{
		SummonerName: summonerName,
		MatchID:      matchID,
		Frame:        raw,
	}); err != nil {
		return err
	}
	return nil
}

// handleForwarded applies a frame relayed from another instance. Errors
// cannot reach the original sender synchronously, so they are pushed as
// error frames when the player is local, and logged otherwise.
func (s *Service) handleForwarded(ctx context.Context, p bus.GatewayRequestPayload) {
	r := s.runner(p.MatchID)
	if r == nil {
		return // not ours; the owning instance also consumes this event
	}
	var f gateway.Frame
	if err := json.Unmarshal(p.Frame, &f); err != nil {
		s.log.WithError(err).Warn("bad forwarded frame")
		return
	}
	if err := r.submit(ctx, strings.ToLower(p.SummonerName), f); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"match": p.MatchID, "player": p.SummonerName,
		}).Debug("forwarded frame rejected")
		if s.hub != nil {
			s.hub.Push(p.SummonerName, gateway.Frame{
				Type: gateway.FrameError, Code: errs.Code(err), Message: err.Error(),
			})
		}
	}
}

// ---- REST entry points ----

// CancelMatch is the leader-initiated cancellation. Allowed for any
// participant before the game starts.
func (s *Service) CancelMatch(ctx context.Context, matchID, summonerName string) error {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if m == nil {
		return errs.ErrMatchNotFound
	}
	if !m.HasParticipant(strings.ToLower(summonerName)) {
		return errs.ErrNotParticipant
	}
	if m.Status.Terminal() || m.Status == store.StatusInProgress {
		return errs.ErrInvalidInput
	}
	return s.HandleAction(ctx, strings.ToLower(summonerName), gateway.Frame{
		Type:    frameLeaderCancel,
		MatchID: matchID,
	})
}

// Vote records a link vote arriving over REST instead of the duplex
// connection.
func (s *Service) Vote(ctx context.Context, matchID, summonerName string, lcuGameID int64) error {
	return s.HandleAction(ctx, strings.ToLower(summonerName), gateway.Frame{
		Type:      gateway.FrameVoteForMatch,
		MatchID:   matchID,
		LCUGameID: lcuGameID,
	})
}

// Votes returns the weighted tally for a match.
func (s *Service) Votes(ctx context.Context, matchID string) (map[string]int, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if m == nil {
		return nil, errs.ErrMatchNotFound
	}
	rows, err := s.store.ListVotes(ctx, matchID)
	if err != nil {
		return nil, err
	}
	names, err := s.playerNames(ctx, m.Participants())
	if err != nil {
		return nil, err
	}
	votes := make([]linkvote.Vote, 0, len(rows))
	for _, row := range rows {
		if name, ok := names[row.PlayerID]; ok {
			votes = append(votes, linkvote.Vote{SummonerName: name, LCUGameID: row.LCUGameID})
		}
	}
	return linkvote.Tally(votes, s.weights), nil
}

// ActiveMatch returns the caller's current non-terminal match.
func (s *Service) ActiveMatch(ctx context.Context, summonerName string) (*store.Match, error) {
	return s.store.GetActiveMatchForPlayer(ctx, strings.ToLower(summonerName))
}

// stateSyncFrame snapshots a match for a freshly identified connection.
func stateSyncFrame(m *store.Match) (gateway.Frame, error) {
	return gateway.Push(gateway.FrameMatchFound, map[string]any{
		"matchId":      m.ID,
		"status":       m.Status,
		"team1Players": m.Team1Players,
		"team2Players": m.Team2Players,
		"pickBanData":  m.PickBan,
	})
}
