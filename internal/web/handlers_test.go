package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/config"
	"github.com/fazenda/lol-matchmaking/internal/gateway"
	"github.com/fazenda/lol-matchmaking/internal/match"
	"github.com/fazenda/lol-matchmaking/internal/matchmaking"
	"github.com/fazenda/lol-matchmaking/internal/ownership"
	"github.com/fazenda/lol-matchmaking/internal/session"
	"github.com/fazenda/lol-matchmaking/internal/store"
)

// nullBus accepts publishes and dispatches nothing; handler tests only
// exercise the HTTP surface.
type nullBus struct {
	mu       sync.Mutex
	handlers map[bus.Topic][]bus.Handler
}

func (b *nullBus) Publish(ctx context.Context, topic bus.Topic, payload any) error {
	_, err := json.Marshal(payload)
	return err
}

func (b *nullBus) Subscribe(topic bus.Topic, h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[bus.Topic][]bus.Handler)
	}
	b.handlers[topic] = append(b.handlers[topic], h)
}

func testServer(t *testing.T, bearer string) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })

	events := &nullBus{}
	registry := session.NewRegistry(rdb, log, "web-test")
	owners := ownership.New(st, rdb, log, "web-test", time.Minute, cfg.OwnershipStaleCutoff())
	builder := matchmaking.NewBuilder(10, cfg.Queue.MaxMMRDelta, matchmaking.Weights{MMR: 1, Autofill: 10, Primary: 2})
	queue := matchmaking.NewQueue(st, events, builder, log, 10, cfg.AcceptanceTimeout())

	matches := match.NewService(cfg, st, events, registry, owners, queue, log)
	hub := gateway.NewHub(registry, events, matches, log, "web-test")
	matches.SetHub(hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, matches.Start(ctx))

	server := NewServer(hub, queue, matches, registry, log, Config{BearerToken: bearer})
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts, st
}

func doRequest(t *testing.T, ts *httptest.Server, method, path, summoner, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if summoner != "" {
		req.Header.Set("X-Summoner-Name", summoner)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMissingSummonerHeaderIs401(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodPost, "/api/queue/join", "", `{"primaryLane":"top","secondaryLane":"mid"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodGet, "/api/queue/my-active-match", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerTokenEnforced(t *testing.T) {
	ts, _ := testServer(t, "sekrit")

	resp := doRequest(t, ts, http.MethodGet, "/api/queue/status", "alice#euw", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodGet, "/api/queue/status", "alice#euw", "",
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJoinAndStatus(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodPost, "/api/queue/join", "Alice#EUW", `{"primaryLane":"adc","secondaryLane":"support"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var joined struct {
		SummonerName string `json:"summonerName"`
		PrimaryLane  string `json:"primaryLane"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&joined))
	assert.Equal(t, "alice#euw", joined.SummonerName)
	assert.Equal(t, "bot", joined.PrimaryLane, "adc normalizes to bot at the boundary")

	resp = doRequest(t, ts, http.MethodGet, "/api/queue/status", "alice#euw", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		PlayersInQueue int  `json:"playersInQueue"`
		IsActive       bool `json:"isActive"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 1, status.PlayersInQueue)
	assert.True(t, status.IsActive)
}

func TestDoubleJoinConflicts(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodPost, "/api/queue/join", "bob#euw", `{"primaryLane":"top","secondaryLane":"mid"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodPost, "/api/queue/join", "bob#euw", `{"primaryLane":"top","secondaryLane":"mid"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "already_queued", body.Error)
}

func TestInvalidLaneIs400(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodPost, "/api/queue/join", "carol#euw", `{"primaryLane":"feeder","secondaryLane":"mid"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaveIsIdempotentOverHTTP(t *testing.T) {
	ts, _ := testServer(t, "")

	doRequest(t, ts, http.MethodPost, "/api/queue/join", "dave#euw", `{"primaryLane":"top","secondaryLane":"mid"}`, nil)

	resp := doRequest(t, ts, http.MethodPost, "/api/queue/leave", "dave#euw", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodPost, "/api/queue/leave", "dave#euw", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMyActiveMatch404WithoutMatch(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodGet, "/api/queue/my-active-match", "erin#euw", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The query parameter variant resolves other players too.
	resp = doRequest(t, ts, http.MethodGet, "/api/queue/my-active-match?summonerName=nobody%23na1", "erin#euw", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVoteOnUnknownMatch404(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodPost, "/api/match/nope/vote", "erin#euw", `{"lcuGameId":9000}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodGet, "/api/match/nope/votes", "erin#euw", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownMatch404(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodDelete, "/api/match/nope/cancel", "erin#euw", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthNeedsNoSummoner(t *testing.T) {
	ts, _ := testServer(t, "")

	resp := doRequest(t, ts, http.MethodGet, "/api/health", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
