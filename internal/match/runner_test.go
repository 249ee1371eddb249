package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/config"
	"github.com/fazenda/lol-matchmaking/internal/draft"
	"github.com/fazenda/lol-matchmaking/internal/errs"
	"github.com/fazenda/lol-matchmaking/internal/gateway"
	"github.com/fazenda/lol-matchmaking/internal/matchmaking"
	"github.com/fazenda/lol-matchmaking/internal/ownership"
	"github.com/fazenda/lol-matchmaking/internal/session"
	"github.com/fazenda/lol-matchmaking/internal/store"
)

const waitFor = 5 * time.Second

// memoryBus dispatches published events synchronously to local handlers,
// standing in for the Redis fabric in single-instance tests.
type memoryBus struct {
	mu       sync.Mutex
	handlers map[bus.Topic][]bus.Handler
	seq      int
}

func newMemoryBus() *memoryBus {
	return &memoryBus{handlers: make(map[bus.Topic][]bus.Handler)}
}

func (b *memoryBus) Subscribe(topic bus.Topic, h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *memoryBus) Publish(ctx context.Context, topic bus.Topic, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.seq++
	ev := bus.Envelope{
		EventID:   fmt.Sprintf("test-%d", b.seq),
		EventType: topic,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	handlers := append([]bus.Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

// fakeLCU plays the desktop side of the gateway RPCs.
type fakeLCU struct {
	mu      sync.Mutex
	phases  map[string]string // player → gameflow phase
	games   map[int64]json.RawMessage
	history json.RawMessage
}

func newFakeLCU() *fakeLCU {
	return &fakeLCU{
		phases:  make(map[string]string),
		games:   make(map[int64]json.RawMessage),
		history: json.RawMessage(`[]`),
	}
}

func (f *fakeLCU) setPhase(player, phase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[player] = phase
}

func (f *fakeLCU) addGame(id int64, winnerTeamID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games[id] = json.RawMessage(fmt.Sprintf(
		`{"gameId":%d,"teams":[{"teamId":100,"win":%q},{"teamId":200,"win":%q}]}`,
		id, winString(winnerTeamID == 100), winString(winnerTeamID == 200)))
}

func winString(won bool) string {
	if won {
		return "Win"
	}
	return "Fail"
}

func (f *fakeLCU) LCURequest(ctx context.Context, summonerName, method, path string, body json.RawMessage) (int, json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case path == gameflowPhasePath:
		phase, ok := f.phases[summonerName]
		if !ok {
			return 0, nil, errs.ErrGatewayDisconnected
		}
		b, _ := json.Marshal(phase)
		return 200, b, nil
	case path == recentMatchesPath:
		return 200, f.history, nil
	default:
		var id int64
		if _, err := fmt.Sscanf(path, "/lol-match-history/v1/games/%d", &id); err == nil {
			if blob, ok := f.games[id]; ok {
				return 200, blob, nil
			}
			return 404, nil, nil
		}
		return 404, nil, nil
	}
}

type fixture struct {
	cfg     config.Config
	ctx     context.Context
	store   *store.SQLiteStore
	events  *memoryBus
	queue   *matchmaking.Queue
	svc     *Service
	lcu     *fakeLCU
	players []string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	// The Redis hint writes are best-effort; an unreachable client only
	// logs, which is exactly what these single-instance tests want.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })

	events := newMemoryBus()
	registry := session.NewRegistry(rdb, log, "test-instance")
	owners := ownership.New(st, rdb, log, "test-instance", time.Minute, cfg.OwnershipStaleCutoff())

	builder := matchmaking.NewBuilder(10, cfg.Queue.MaxMMRDelta, matchmaking.Weights{
		MMR: cfg.Queue.WeightMMR, Autofill: cfg.Queue.WeightAutofill, Primary: cfg.Queue.WeightPrimary,
	})
	queue := matchmaking.NewQueue(st, events, builder, log, 10, cfg.AcceptanceTimeout())

	svc := NewService(cfg, st, events, registry, owners, queue, log)
	lcu := newFakeLCU()
	svc.SetLCUGateway(lcu)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx))

	return &fixture{cfg: cfg, ctx: ctx, store: st, events: events, queue: queue, svc: svc, lcu: lcu}
}

// formMatch queues ten players and lets the builder create the match;
// the match.found event makes the service adopt it.
func (fx *fixture) formMatch(t *testing.T) *store.Match {
	t.Helper()
	ctx := fx.ctx

	lanes := [][2]string{
		{"top", "fill"}, {"jungle", "top"}, {"mid", "fill"}, {"bot", "support"}, {"support", "bot"},
		{"top", "mid"}, {"jungle", "mid"}, {"mid", "top"}, {"bot", "fill"}, {"support", "fill"},
	}
	fx.players = fx.players[:0]
	for i := range lanes {
		name := fmt.Sprintf("%c#t1", 'a'+i)
		_, err := fx.queue.Join(ctx, name, lanes[i][0], lanes[i][1])
		require.NoError(t, err)
		fx.players = append(fx.players, name)
	}
	fx.queue.Wake()

	// The fixture does not start Queue.Run; start it here so the wake is evaluated.
	go fx.queue.Run(ctx)

	var m *store.Match
	require.Eventually(t, func() bool {
		matches, err := fx.store.ListActiveMatches(ctx)
		if err != nil || len(matches) == 0 {
			return false
		}
		m = &matches[0]
		return fx.svc.runner(m.ID) != nil
	}, waitFor, 10*time.Millisecond, "match must form and be adopted")
	return m
}

func (fx *fixture) action(t *testing.T, player string, f gateway.Frame) error {
	t.Helper()
	return fx.svc.HandleAction(context.Background(), player, f)
}

func (fx *fixture) waitStatus(t *testing.T, matchID string, want store.MatchStatus) *store.Match {
	t.Helper()
	var m *store.Match
	require.Eventually(t, func() bool {
		got, err := fx.store.GetMatch(context.Background(), matchID)
		if err != nil || got == nil {
			return false
		}
		m = got
		return m.Status == want
	}, waitFor, 10*time.Millisecond, "match must reach %s", want)
	return m
}

func (fx *fixture) acceptAll(t *testing.T, matchID string) {
	t.Helper()
	for _, p := range fx.players {
		require.NoError(t, fx.action(t, p, gateway.Frame{Type: gateway.FrameAcceptMatch, MatchID: matchID}))
	}
}

// runDraft plays the full 20-action schedule: each owner picks the
// champion equal to 1 + their roster index.
func (fx *fixture) runDraft(t *testing.T, matchID string) {
	t.Helper()
	champByPlayer := map[string]int{}
	for i, p := range fx.players {
		champByPlayer[p] = i + 1
	}

	for idx := 0; idx < 20; idx++ {
		var m *store.Match
		require.Eventually(t, func() bool {
			got, err := fx.store.GetMatch(context.Background(), matchID)
			if err != nil || got == nil || got.PickBan == nil {
				return false
			}
			m = got
			return m.PickBan.CurrentIndex == idx
		}, waitFor, 10*time.Millisecond)

		owner := m.PickBan.Owner(idx)
		champ := champByPlayer[owner]
		if m.PickBan.Actions[idx].Type == "ban" {
			champ += 100 // bans use a separate champion range
		}
		i := idx
		require.NoError(t, fx.action(t, owner, gateway.Frame{
			Type: gateway.FrameDraftAction, MatchID: matchID, Index: &i, ChampionID: champ,
		}))
	}
}

func (fx *fixture) confirmAll(t *testing.T, matchID string) {
	t.Helper()
	for _, p := range fx.players {
		require.NoError(t, fx.action(t, p, gateway.Frame{Type: gateway.FrameDraftConfirm, MatchID: matchID}))
	}
}

func TestHappyPathQueueToLink(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.formMatch(t)

	assert.Equal(t, 1000.0, m.AverageMMRTeam1)
	assert.Equal(t, 1000.0, m.AverageMMRTeam2)

	fx.acceptAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusDraft)

	fx.runDraft(t, m.ID)
	fx.confirmAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusInProgress)

	// Player A's client reports the game over; the vendor knows game
	// 9000 with a blue-side win.
	fx.lcu.addGame(9000, 100)
	fx.lcu.setPhase(fx.players[0], "EndOfGame")

	for _, p := range fx.players {
		require.NoError(t, fx.action(t, p, gateway.Frame{
			Type: gateway.FrameVoteForMatch, MatchID: m.ID, LCUGameID: 9000,
		}))
	}

	final := fx.waitStatus(t, m.ID, store.StatusCompleted)
	require.NotNil(t, final.WinnerTeam)
	assert.Equal(t, 1, *final.WinnerTeam)
	assert.Equal(t, int64(9000), final.RiotGameID)
	assert.NotEmpty(t, final.LCUMatchData)

	votes, err := fx.store.ListVotes(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 10)

	// Winners gained rating, losers lost it.
	winner, err := fx.store.GetPlayer(context.Background(), final.Team1Players[0])
	require.NoError(t, err)
	assert.Equal(t, 1000+fx.cfg.Rating.WinDelta, winner.CustomLP)
	assert.Equal(t, 1, winner.Wins)

	loser, err := fx.store.GetPlayer(context.Background(), final.Team2Players[0])
	require.NoError(t, err)
	assert.Equal(t, 1000-fx.cfg.Rating.LossDelta, loser.CustomLP)
	assert.Equal(t, 1, loser.Losses)
}

func TestDeclineCancelsAndRequeuesSurvivors(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.formMatch(t)

	originalRows, err := fx.store.ListQueueRows(context.Background(), m.Participants())
	require.NoError(t, err)
	joinTimes := map[string]time.Time{}
	for _, row := range originalRows {
		joinTimes[row.SummonerName] = row.JoinTime
	}

	// Nine accept, one declines.
	decliner := fx.players[5]
	for _, p := range fx.players {
		if p == decliner {
			continue
		}
		require.NoError(t, fx.action(t, p, gateway.Frame{Type: gateway.FrameAcceptMatch, MatchID: m.ID}))
	}
	require.NoError(t, fx.action(t, decliner, gateway.Frame{Type: gateway.FrameDeclineMatch, MatchID: m.ID}))

	fx.waitStatus(t, m.ID, store.StatusCancelled)

	var rows []store.QueuePlayer
	require.Eventually(t, func() bool {
		rows, err = fx.store.ListActiveQueue(context.Background())
		return err == nil && len(rows) == 9
	}, waitFor, 10*time.Millisecond, "the nine acceptors return to the queue")

	for _, row := range rows {
		assert.NotEqual(t, decliner, row.SummonerName)
		assert.True(t, row.JoinTime.Equal(joinTimes[row.SummonerName]), "join time must be preserved")
	}

	// The decliner must rejoin manually; their row is gone.
	qp, err := fx.store.GetQueuePlayer(context.Background(), decliner)
	require.NoError(t, err)
	assert.Nil(t, qp)
}

func TestAcceptanceTimeoutBlamesNonResponders(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) {
		c.Acceptance.TimeoutSeconds = 1
	})
	m := fx.formMatch(t)

	// Everyone but player F responds in time.
	silent := fx.players[5]
	for _, p := range fx.players {
		if p == silent {
			continue
		}
		require.NoError(t, fx.action(t, p, gateway.Frame{Type: gateway.FrameAcceptMatch, MatchID: m.ID}))
	}

	fx.waitStatus(t, m.ID, store.StatusCancelled)

	require.Eventually(t, func() bool {
		rows, err := fx.store.ListActiveQueue(context.Background())
		return err == nil && len(rows) == 9
	}, waitFor, 10*time.Millisecond)

	qp, err := fx.store.GetQueuePlayer(context.Background(), silent)
	require.NoError(t, err)
	assert.Nil(t, qp, "the non-responder is removed from the queue")
}

func TestChampionCollisionKeepsTurn(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.formMatch(t)
	fx.acceptAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusDraft)

	// Resolve the six bans.
	for idx := 0; idx < 6; idx++ {
		var doc *store.Match
		require.Eventually(t, func() bool {
			got, err := fx.store.GetMatch(context.Background(), m.ID)
			if err != nil || got == nil {
				return false
			}
			doc = got
			return doc.PickBan.CurrentIndex == idx
		}, waitFor, 10*time.Millisecond)
		i := idx
		require.NoError(t, fx.action(t, doc.PickBan.Owner(idx), gateway.Frame{
			Type: gateway.FrameDraftAction, MatchID: m.ID, Index: &i, ChampionID: 100 + idx,
		}))
	}

	current, err := fx.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	playerA := current.PickBan.Owner(6)
	playerB := current.PickBan.Owner(7)

	six := 6
	require.NoError(t, fx.action(t, playerA, gateway.Frame{
		Type: gateway.FrameDraftAction, MatchID: m.ID, Index: &six, ChampionID: 17,
	}))

	// Player B tries to pick the same champion: rejected, index stays.
	seven := 7
	err = fx.action(t, playerB, gateway.Frame{
		Type: gateway.FrameDraftAction, MatchID: m.ID, Index: &seven, ChampionID: 17,
	})
	assert.ErrorIs(t, err, errs.ErrChampionAlreadyUsed)

	current, err = fx.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, current.PickBan.CurrentIndex)

	// B's next valid pick advances the draft.
	require.NoError(t, fx.action(t, playerB, gateway.Frame{
		Type: gateway.FrameDraftAction, MatchID: m.ID, Index: &seven, ChampionID: 18,
	}))
	current, err = fx.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, current.PickBan.CurrentIndex)
}

func TestPrivilegedVoterLinksAlone(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) {
		c.PrivilegedVoters = []config.PrivilegedVoter{{SummonerName: "a#t1", Weight: 6}}
	})
	m := fx.formMatch(t)
	fx.acceptAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusDraft)
	fx.runDraft(t, m.ID)
	fx.confirmAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusInProgress)

	fx.lcu.addGame(9001, 200)

	// A single weight-6 vote reaches the quorum immediately.
	require.NoError(t, fx.action(t, "a#t1", gateway.Frame{
		Type: gateway.FrameVoteForMatch, MatchID: m.ID, LCUGameID: 9001,
	}))

	final := fx.waitStatus(t, m.ID, store.StatusCompleted)
	require.NotNil(t, final.WinnerTeam)
	assert.Equal(t, 2, *final.WinnerTeam)
}

func TestFiveVotesStayPending(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.formMatch(t)
	fx.acceptAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusDraft)
	fx.runDraft(t, m.ID)
	fx.confirmAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusInProgress)

	fx.lcu.addGame(9000, 100)
	for _, p := range fx.players[:5] {
		require.NoError(t, fx.action(t, p, gateway.Frame{
			Type: gateway.FrameVoteForMatch, MatchID: m.ID, LCUGameID: 9000,
		}))
	}

	// Five weighted votes are below the quorum of six.
	time.Sleep(200 * time.Millisecond)
	got, err := fx.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)

	// The sixth vote closes it.
	require.NoError(t, fx.action(t, fx.players[5], gateway.Frame{
		Type: gateway.FrameVoteForMatch, MatchID: m.ID, LCUGameID: 9000,
	}))
	fx.waitStatus(t, m.ID, store.StatusCompleted)
}

func TestLeaderCancelDuringAcceptance(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.formMatch(t)

	require.NoError(t, fx.svc.CancelMatch(context.Background(), m.ID, fx.players[0]))
	fx.waitStatus(t, m.ID, store.StatusCancelled)

	require.Eventually(t, func() bool {
		rows, err := fx.store.ListActiveQueue(context.Background())
		return err == nil && len(rows) == 9
	}, waitFor, 10*time.Millisecond, "everyone but the canceller returns to the queue")

	qp, err := fx.store.GetQueuePlayer(context.Background(), fx.players[0])
	require.NoError(t, err)
	assert.Nil(t, qp)
}

func TestCancelRejectsOutsiders(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.formMatch(t)

	err := fx.svc.CancelMatch(context.Background(), m.ID, "stranger#na1")
	assert.ErrorIs(t, err, errs.ErrNotParticipant)

	err = fx.svc.CancelMatch(context.Background(), "no-such-match", fx.players[0])
	assert.ErrorIs(t, err, errs.ErrMatchNotFound)
}

func TestVoteRejectedFromOutsider(t *testing.T) {
	fx := newFixture(t, nil)
	m := fx.formMatch(t)
	fx.acceptAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusDraft)
	fx.runDraft(t, m.ID)
	fx.confirmAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusInProgress)

	err := fx.svc.Vote(context.Background(), m.ID, "stranger#na1", 9000)
	assert.ErrorIs(t, err, errs.ErrNotParticipant)
}

func TestDraftTimeoutsResolveWholeDraft(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) {
		c.Draft.ActionTimeoutSeconds = 0 // every action times out instantly
	})
	m := fx.formMatch(t)
	fx.acceptAll(t, m.ID)

	// With a zero action timeout the engine walks the whole schedule on
	// its own: bans skipped, picks auto-filled.
	require.Eventually(t, func() bool {
		got, err := fx.store.GetMatch(context.Background(), m.ID)
		if err != nil || got == nil || got.PickBan == nil {
			return false
		}
		return got.PickBan.CurrentIndex == 20
	}, waitFor, 10*time.Millisecond)

	got, err := fx.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	for _, a := range got.PickBan.Actions {
		if a.Type == "ban" {
			assert.Equal(t, "skipped", string(a.Status))
		} else {
			assert.Equal(t, "completed", string(a.Status))
			assert.Greater(t, a.ChampionID, 0)
		}
	}

	// Confirmation still gates the transition.
	assert.Equal(t, store.StatusDraft, got.Status)
	fx.confirmAll(t, m.ID)
	fx.waitStatus(t, m.ID, store.StatusInProgress)
}

func TestTakeoverResumesDraft(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	// A draft-phase match owned by an instance that died: its lease
	// heartbeat is an hour stale.
	lanes := [][2]string{
		{"top", "fill"}, {"jungle", "top"}, {"mid", "fill"}, {"bot", "support"}, {"support", "bot"},
		{"top", "mid"}, {"jungle", "mid"}, {"mid", "top"}, {"bot", "fill"}, {"support", "fill"},
	}
	names := make([]string, 0, 10)
	for i := range lanes {
		name := fmt.Sprintf("%c#t1", 'a'+i)
		_, err := fx.queue.Join(ctx, name, lanes[i][0], lanes[i][1])
		require.NoError(t, err)
		names = append(names, name)
	}
	var team1, team2 [5]string
	copy(team1[:], names[:5])
	copy(team2[:], names[5:])
	now := time.Now().UTC()
	m := &store.Match{
		ID:           "m-takeover",
		Team1Players: team1,
		Team2Players: team2,
		Status:       store.StatusDraft,
		PickBan:      draft.NewDocument(team1, team2, now),
		CreatedAt:    now,
	}
	require.NoError(t, fx.store.CreateMatchFromQueue(ctx, m, names))

	stale := now.Add(-time.Hour)
	won, err := fx.store.TryClaimOwnership(ctx, m.ID, "dead-instance", stale, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// The next inbound frame triggers adoption: the handling instance
	// claims the stale lease, loads pickBanData, and applies the frame
	// as if it had been driving all along.
	owner := m.PickBan.Owner(0)
	zero := 0
	require.NoError(t, fx.action(t, owner, gateway.Frame{
		Type: gateway.FrameDraftAction, MatchID: m.ID, Index: &zero, ChampionID: 42,
	}))

	got, err := fx.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PickBan.CurrentIndex)
	assert.Equal(t, 42, got.PickBan.Actions[0].ChampionID)
	assert.NotNil(t, fx.svc.runner(m.ID), "the handling instance now drives the match")
}
