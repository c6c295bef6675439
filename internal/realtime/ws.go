package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/auth"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/scheduler"
	"github.com/qingchang/werewolf-auto-host/internal/types"

	gamebus "github.com/qingchang/werewolf-auto-host/internal/bus"
)

type WSMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type SubscribePayload struct {
	LastID int64 `json:"last_id"`
}

type ActionPayload struct {
	Action types.ActionKind `json:"action"`
	Data   json.RawMessage  `json:"data"`
}

type WSServer struct {
	upgrader websocket.Upgrader
	jwt      *auth.JWTManager
	bus      *gamebus.Bus
	log      *audit.Log
	manager  *scheduler.Manager
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewWSServer(jwt *auth.JWTManager, b *gamebus.Bus, log *audit.Log, mgr *scheduler.Manager, logger *zap.Logger, metrics *observability.Metrics) *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		jwt:     jwt,
		bus:     b,
		log:     log,
		manager: mgr,
		logger:  logger,
		metrics: metrics,
	}
}

func (ws *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := ws.jwt.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	sessionID := uuid.NewString()
	session := &Session{
		id:       sessionID,
		roomCode: claims.RoomCode,
		seat:     claims.Seat,
		conn:     conn,
		bus:      ws.bus,
		log:      ws.log,
		manager:  ws.manager,
		logger:   ws.logger.With(zap.String("session_id", sessionID), zap.String("room_code", claims.RoomCode), zap.Int("seat", claims.Seat)),
		metrics:  ws.metrics,
		send:     make(chan []byte, 64),
		limiter:  NewTokenBucket(10, 2),
	}
	go session.writePump()
	session.readPump()
}

type Session struct {
	id       string
	roomCode string
	seat     int
	conn     *websocket.Conn
	bus      *gamebus.Bus
	log      *audit.Log
	manager  *scheduler.Manager
	logger   *zap.Logger
	metrics  *observability.Metrics
	send     chan []byte
	limiter  *TokenBucket

	mu        sync.Mutex
	busCancel func()
}

func (s *Session) readPump() {
	defer func() {
		s.mu.Lock()
		if s.busCancel != nil {
			s.busCancel()
			s.busCancel = nil
		}
		s.mu.Unlock()
		s.conn.Close()
	}()
	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if !s.limiter.Allow() {
			s.sendError("", types.ErrRateLimited, "too many requests")
			continue
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("", types.ErrBadRequest, "invalid json")
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleMessage(msg WSMessage) {
	switch msg.Type {
	case "ping":
		pongPayload := msg.Payload
		if len(pongPayload) == 0 {
			pongPayload = json.RawMessage("{}")
		}
		s.sendRaw(WSMessage{Type: "pong", RequestID: msg.RequestID, Payload: pongPayload})
	case "subscribe":
		var payload SubscribePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				s.sendError(msg.RequestID, types.ErrBadRequest, "invalid subscribe payload")
				return
			}
		}
		s.handleSubscribe(msg.RequestID, payload)
	case "action":
		var payload ActionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.sendError(msg.RequestID, types.ErrBadRequest, "invalid action payload")
			return
		}
		s.handleAction(msg.RequestID, payload)
	default:
		s.sendError(msg.RequestID, types.ErrBadRequest, "unknown message type")
	}
}

// handleSubscribe replays the audit backlog the viewer is entitled to, then
// attaches the session to the live bus. The bus channel is attached first so
// events landing during the replay are buffered, not lost.
func (s *Session) handleSubscribe(reqID string, payload SubscribePayload) {
	s.mu.Lock()
	if s.busCancel != nil {
		s.busCancel()
		s.busCancel = nil
	}
	ch, cancel := s.bus.Subscribe(s.roomCode, s.id, s.seat)
	s.busCancel = cancel
	s.mu.Unlock()

	viewer := audit.Viewer{Seat: s.seat}
	if s.seat != 0 {
		if team, err := s.manager.SeatTeam(s.roomCode, s.seat); err == nil && team == game.TeamWerewolf {
			viewer.Team = team
		}
	}
	for _, e := range s.log.Fetch(s.roomCode, viewer, payload.LastID) {
		s.sendRaw(WSMessage{Type: "log_entry", Payload: types.MustMarshal(e)})
		s.metrics.ResyncEntries.Inc()
	}

	if snap, err := s.manager.SnapshotFor(s.roomCode, s.seat); err == nil {
		s.sendRaw(WSMessage{Type: "state", Payload: types.MustMarshal(snap)})
	}

	go s.forwardEvents(ch)
	s.sendRaw(WSMessage{Type: "subscribed", RequestID: reqID, Payload: json.RawMessage(`{"status":"ok"}`)})
}

func (s *Session) forwardEvents(ch <-chan types.BusEvent) {
	for ev := range ch {
		b, _ := json.Marshal(WSMessage{Type: "event", Payload: types.MustMarshal(ev)})
		select {
		case s.send <- b:
		default:
		}
	}
}

func (s *Session) handleAction(reqID string, payload ActionPayload) {
	if s.seat == 0 {
		s.sendError(reqID, types.ErrForbidden, "spectators cannot act")
		return
	}
	err := s.manager.Submit(types.Submission{
		RoomCode: s.roomCode,
		Seat:     s.seat,
		Action:   payload.Action,
		Payload:  payload.Data,
	})
	if err != nil {
		var app *types.AppError
		if errors.As(err, &app) {
			s.sendError(reqID, app.Code, app.Message)
		} else {
			s.sendError(reqID, types.ErrInternal, "submission failed")
		}
		s.metrics.SubmitRejects.WithLabelValues(string(payload.Action)).Inc()
		return
	}
	s.sendRaw(WSMessage{Type: "action_accepted", RequestID: reqID, Payload: json.RawMessage(`{"status":"ok"}`)})
}

func (s *Session) sendError(reqID string, code types.ErrorCode, message string) {
	payload := map[string]string{"code": string(code), "message": message}
	b, _ := json.Marshal(WSMessage{Type: "error", RequestID: reqID, Payload: types.MustMarshal(payload)})
	select {
	case s.send <- b:
	default:
	}
}

func (s *Session) sendRaw(msg WSMessage) {
	b, _ := json.Marshal(msg)
	select {
	case s.send <- b:
	default:
	}
}

type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: rate, lastTime: time.Now()}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}
