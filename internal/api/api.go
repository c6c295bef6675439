// Package api exposes the engine's thin operational surface: the websocket
// endpoint clients subscribe on, the audit-log fetch used for reconnect
// catch-up, and the control-plane signals that start and steer games. Room
// CRUD, accounts, and lobby flow live in an external service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/auth"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/realtime"
	"github.com/qingchang/werewolf-auto-host/internal/scheduler"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

type Server struct {
	Router      *chi.Mux
	jwt         *auth.JWTManager
	manager     *scheduler.Manager
	log         *audit.Log
	logger      *zap.Logger
	queueHealth HealthChecker
}

// HealthChecker is implemented by dependencies the health endpoint probes,
// such as the task queue's broker connection.
type HealthChecker interface {
	HealthCheck() error
}

type ServerOption func(*Server)

// WithQueueHealth surfaces the task queue's broker health on /health.
func WithQueueHealth(hc HealthChecker) ServerOption {
	return func(s *Server) { s.queueHealth = hc }
}

func NewServer(jwt *auth.JWTManager, mgr *scheduler.Manager, log *audit.Log, wsServer *realtime.WSServer, logger *zap.Logger, opts ...ServerOption) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	s := &Server{
		Router:  r,
		jwt:     jwt,
		manager: mgr,
		log:     log,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/games", func(r chi.Router) {
		r.Post("/{room_code}/start", s.startGame)
		r.Post("/{room_code}/pause", s.pause)
		r.Post("/{room_code}/resume", s.resume)
		r.Post("/{room_code}/stop", s.stop)
		r.Post("/{room_code}/token", s.issueToken)
		r.Get("/{room_code}/logs", s.fetchLogs)
		r.Get("/{room_code}/state", s.fetchState)
	})

	r.Handle("/ws", wsServer)
	return s
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	if s.queueHealth != nil {
		if err := s.queueHealth.HealthCheck(); err != nil {
			resp["status"] = "degraded"
			resp["queue"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["queue"] = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

type startGameRequest struct {
	Seats []struct {
		SeatNumber  int    `json:"seat_number"`
		Kind        string `json:"kind"`
		DisplayName string `json:"display_name"`
		Role        string `json:"role,omitempty"`
	} `json:"seats"`
	PreferredHumanRole string `json:"preferred_role_for_human,omitempty"`
}

func (s *Server) startGame(w http.ResponseWriter, r *http.Request) {
	roomCode := chi.URLParam(r, "room_code")

	var req startGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrBadRequest, "invalid request body"))
		return
	}

	seats := make([]scheduler.SeatSpec, len(req.Seats))
	for i, sp := range req.Seats {
		seats[i] = scheduler.SeatSpec{
			SeatNumber:  sp.SeatNumber,
			Kind:        game.ParticipantKind(sp.Kind),
			DisplayName: sp.DisplayName,
			Role:        game.Role(sp.Role),
		}
	}

	gameID, err := s.manager.StartGame(r.Context(), roomCode, seats, game.Role(req.PreferredHumanRole))
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("game started", zap.String("room_code", roomCode), zap.String("game_id", gameID))
	writeJSON(w, http.StatusCreated, map[string]string{"game_id": gameID})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.manager.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.manager.Resume)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.manager.Stop)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	roomCode := chi.URLParam(r, "room_code")
	if err := fn(roomCode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	Seat int `json:"seat"`
}

// issueToken mints a seat-scoped websocket token. In production the lobby
// service calls this after seating a player.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	roomCode := chi.URLParam(r, "room_code")

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrBadRequest, "invalid request body"))
		return
	}
	if req.Seat < 0 || req.Seat > game.NumSeats {
		writeError(w, types.NewError(types.ErrBadRequest, "seat out of range"))
		return
	}

	token, err := s.jwt.Generate(roomCode, req.Seat)
	if err != nil {
		writeError(w, types.WrapError(types.ErrInternal, "cannot sign token", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// fetchLogs serves reconnect catch-up: PUBLIC by default, ALL behind a seat
// token so private entries only reach their owner.
func (s *Server) fetchLogs(w http.ResponseWriter, r *http.Request) {
	roomCode := chi.URLParam(r, "room_code")
	sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)

	viewer := audit.Viewer{}
	if r.URL.Query().Get("level") == "ALL" {
		claims, err := s.claimsFrom(r)
		if err != nil || claims.RoomCode != roomCode {
			writeError(w, types.NewError(types.ErrForbidden, "seat token required for level ALL"))
			return
		}
		viewer.Seat = claims.Seat
		if team, err := s.manager.SeatTeam(roomCode, claims.Seat); err == nil && team == game.TeamWerewolf {
			viewer.Team = team
		}
	}

	entries := s.log.Fetch(roomCode, viewer, sinceID)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) fetchState(w http.ResponseWriter, r *http.Request) {
	roomCode := chi.URLParam(r, "room_code")

	seat := 0
	if claims, err := s.claimsFrom(r); err == nil && claims.RoomCode == roomCode {
		seat = claims.Seat
	}

	snap, err := s.manager.SnapshotFor(roomCode, seat)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) claimsFrom(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) {
		return nil, types.NewError(types.ErrUnauthorized, "missing bearer token")
	}
	return s.jwt.Parse(header[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var app *types.AppError
	if !errors.As(err, &app) {
		app = types.WrapError(types.ErrInternal, "internal error", err)
	}
	status := http.StatusInternalServerError
	switch app.Code {
	case types.ErrBadRequest, types.ErrInvalidSubmission:
		status = http.StatusBadRequest
	case types.ErrUnauthorized:
		status = http.StatusUnauthorized
	case types.ErrForbidden:
		status = http.StatusForbidden
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrConflict:
		status = http.StatusConflict
	case types.ErrRateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"code": string(app.Code), "message": app.Message})
}
