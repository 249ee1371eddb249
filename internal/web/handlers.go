package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fazenda/lol-matchmaking/internal/errs"
)

func withSummoner(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, summonerKey, name)
}

func summonerFrom(ctx context.Context) string {
	name, _ := ctx.Value(summonerKey).(string)
	return name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrInvalidLane):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrAlreadyQueued), errors.Is(err, errs.ErrAlreadyInMatch), errors.Is(err, errs.ErrWrongInstance):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrMatchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrStoreUnavailable), errors.Is(err, errs.ErrRegistryUnavailable), errors.Is(err, errs.ErrBroadcastFailed):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, errs.Code(err), err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lcuConfigureRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Password string `json:"password"`
}

func (s *Server) handleConfigureLCU(w http.ResponseWriter, r *http.Request) {
	var req lcuConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed body")
		return
	}
	if req.Port <= 0 || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "port and password are required")
		return
	}
	name := summonerFrom(r.Context())
	if err := s.registry.StoreLCU(r.Context(), name, req); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

type joinQueueRequest struct {
	PrimaryLane   string `json:"primaryLane"`
	SecondaryLane string `json:"secondaryLane"`
}

func (s *Server) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var req joinQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed body")
		return
	}
	qp, err := s.queue.Join(r.Context(), summonerFrom(r.Context()), req.PrimaryLane, req.SecondaryLane)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"summonerName":  qp.SummonerName,
		"primaryLane":   qp.PrimaryLane,
		"secondaryLane": qp.SecondaryLane,
		"joinTime":      qp.JoinTime,
	})
}

func (s *Server) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Leave(r.Context(), summonerFrom(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMyActiveMatch(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("summonerName")
	if name == "" {
		name = summonerFrom(r.Context())
	}
	m, err := s.matches.ActiveMatch(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "match_not_found", "no active match")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matchId":         m.ID,
		"status":          m.Status,
		"team1Players":    m.Team1Players,
		"team2Players":    m.Team2Players,
		"averageMmrTeam1": m.AverageMMRTeam1,
		"averageMmrTeam2": m.AverageMMRTeam2,
		"pickBanData":     m.PickBan,
		"createdAt":       m.CreatedAt,
	})
}

func (s *Server) handleCancelMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if err := s.matches.CancelMatch(r.Context(), matchID, summonerFrom(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type voteRequest struct {
	LCUGameID int64 `json:"lcuGameId"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed body")
		return
	}
	matchID := chi.URLParam(r, "matchID")
	if err := s.matches.Vote(r.Context(), matchID, summonerFrom(r.Context()), req.LCUGameID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	tally, err := s.matches.Votes(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}
