// Package broker gates the engine's human-actionable moments. A request
// announces itself on the bus, waits for the seat's submission until the
// deadline, and reports a timeout so the caller can substitute the AI
// runner. The scheduler calls the same path for every seat; AI seats simply
// time out immediately.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/bus"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

// Request describes one gated moment for one seat.
type Request struct {
	RoomCode string
	Seat     int
	Action   types.ActionKind
	// Human controls whether the broker waits at all. For AI seats the
	// takeover branch is taken without announcing or waiting.
	Human bool
	// Context is echoed to the client inside waiting_for_human (candidates,
	// potion availability, and similar).
	Context  json.RawMessage
	Deadline time.Duration
	// Validate vets a submission before it is accepted. A rejected payload
	// leaves the prompt pending and the error goes back to the submitter.
	Validate func(json.RawMessage) error
}

// Result is the outcome of one request. Exactly one of the fields applies:
// Payload on an accepted submission, TimedOut for the AI-takeover branch,
// Canceled when the seat died or the game ended first.
type Result struct {
	Payload  json.RawMessage
	TimedOut bool
	Canceled bool
}

type pending struct {
	roomCode  string
	seat      int
	action    types.ActionKind
	ch        chan json.RawMessage
	cancel    chan struct{}
	validate  func(json.RawMessage) error
	fulfilled bool
}

type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *observability.Metrics
}

func New(b *bus.Bus, logger *zap.Logger, metrics *observability.Metrics) *Broker {
	return &Broker{
		pending: make(map[string]*pending),
		bus:     b,
		logger:  logger,
		metrics: metrics,
	}
}

func key(roomCode string, seat int, action types.ActionKind) string {
	return fmt.Sprintf("%s|%d|%s", roomCode, seat, action)
}

// Await runs one request to completion. For human seats it emits
// waiting_for_human, then blocks on the first accepted submission, the
// deadline, an explicit cancel, or context cancellation. Deadline expiry
// emits ai_takeover before returning.
func (b *Broker) Await(ctx context.Context, req Request) Result {
	if !req.Human {
		return Result{TimedOut: true}
	}

	k := key(req.RoomCode, req.Seat, req.Action)
	p := &pending{
		roomCode: req.RoomCode,
		seat:     req.Seat,
		action:   req.Action,
		ch:       make(chan json.RawMessage, 1),
		cancel:   make(chan struct{}),
		validate: req.Validate,
	}

	b.mu.Lock()
	if _, exists := b.pending[k]; exists {
		b.mu.Unlock()
		b.logger.Error("duplicate prompt for seat",
			zap.String("room_code", req.RoomCode),
			zap.Int("seat", req.Seat),
			zap.String("action", string(req.Action)))
		return Result{Canceled: true}
	}
	b.pending[k] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, k)
		b.mu.Unlock()
	}()

	deadline := time.Now().Add(req.Deadline).UnixMilli()
	b.bus.Publish(req.RoomCode, types.BusEvent{
		Type: types.EventWaitingForHuman,
		Seat: req.Seat,
		Payload: types.MustMarshal(map[string]any{
			"action_kind": req.Action,
			"deadline_ms": deadline,
			"context":     req.Context,
		}),
	})

	timer := time.NewTimer(req.Deadline)
	defer timer.Stop()

	select {
	case payload := <-p.ch:
		return Result{Payload: payload}
	case <-timer.C:
		b.metrics.PromptTimeouts.WithLabelValues(string(req.Action)).Inc()
		b.metrics.AITakeovers.WithLabelValues(string(req.Action)).Inc()
		b.bus.Publish(req.RoomCode, types.BusEvent{
			Type:    types.EventAITakeover,
			Seat:    req.Seat,
			Payload: types.MustMarshal(map[string]any{"action_kind": req.Action}),
		})
		return Result{TimedOut: true}
	case <-p.cancel:
		return Result{Canceled: true}
	case <-ctx.Done():
		return Result{Canceled: true}
	}
}

// Submit delivers a client payload to the matching pending request. The
// first accepted submission wins; duplicates and submissions with no open
// prompt are rejected without touching engine state.
func (b *Broker) Submit(roomCode string, seat int, action types.ActionKind, payload json.RawMessage) error {
	k := key(roomCode, seat, action)

	b.mu.Lock()
	p, ok := b.pending[k]
	if !ok {
		b.mu.Unlock()
		return types.NewError(types.ErrInvalidSubmission, "no pending prompt for this seat and action")
	}
	if p.fulfilled {
		b.mu.Unlock()
		return types.NewError(types.ErrConflict, "submission already accepted for this round")
	}
	if p.validate != nil {
		if err := p.validate(payload); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	p.fulfilled = true
	b.mu.Unlock()

	p.ch <- payload
	return nil
}

// CancelSeat aborts any pending requests for one seat, used when the seat
// dies mid-prompt.
func (b *Broker) CancelSeat(roomCode string, seat int) {
	b.cancelMatching(func(p *pending) bool {
		return p.roomCode == roomCode && p.seat == seat
	})
}

// CancelRoom aborts every pending request of a room, used on game end and
// external stop.
func (b *Broker) CancelRoom(roomCode string) {
	b.cancelMatching(func(p *pending) bool {
		return p.roomCode == roomCode
	})
}

func (b *Broker) cancelMatching(match func(*pending) bool) {
	b.mu.Lock()
	var victims []*pending
	for _, p := range b.pending {
		if match(p) && !p.fulfilled {
			p.fulfilled = true
			victims = append(victims, p)
		}
	}
	b.mu.Unlock()
	for _, p := range victims {
		close(p.cancel)
	}
}
