// Package web is the HTTP surface: the REST facade used by the desktop
// companion and the /api/ws duplex upgrade.
package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/gateway"
	"github.com/fazenda/lol-matchmaking/internal/match"
	"github.com/fazenda/lol-matchmaking/internal/matchmaking"
	"github.com/fazenda/lol-matchmaking/internal/session"
)

type Server struct {
	router   *chi.Mux
	hub      *gateway.Hub
	queue    *matchmaking.Queue
	matches  *match.Service
	registry *session.Registry
	log      *logrus.Logger

	bearerToken string
}

type Config struct {
	// BearerToken, when set, is required as Authorization: Bearer on
	// every /api route.
	BearerToken string
}

func NewServer(
	hub *gateway.Hub,
	queue *matchmaking.Queue,
	matches *match.Service,
	registry *session.Registry,
	log *logrus.Logger,
	cfg Config,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		hub:         hub,
		queue:       queue,
		matches:     matches,
		registry:    registry,
		log:         log,
		bearerToken: cfg.BearerToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Get("/ws", s.hub.ServeWS)

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(requireSummonerHeader)

			r.Post("/lcu/configure", s.handleConfigureLCU)

			r.Post("/queue/join", s.handleJoinQueue)
			r.Post("/queue/leave", s.handleLeaveQueue)
			r.Get("/queue/status", s.handleQueueStatus)
			r.Get("/queue/my-active-match", s.handleMyActiveMatch)

			r.Delete("/match/{matchID}/cancel", s.handleCancelMatch)
			r.Post("/match/{matchID}/vote", s.handleVote)
			r.Get("/match/{matchID}/votes", s.handleVotes)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requireBearer enforces the optional static bearer token.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.bearerToken {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const summonerKey ctxKey = 0

// requireSummonerHeader enforces the X-Summoner-Name contract on every
// request-bearing endpoint.
func requireSummonerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Summoner-Name")))
		if name == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "X-Summoner-Name header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSummoner(r.Context(), name)))
	})
}
