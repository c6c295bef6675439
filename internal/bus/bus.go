// Package bus fans room-scoped events out to client connections. Delivery is
// FIFO per subscriber; seat-private events are routed only to matching
// seats; a subscriber that cannot keep up is dropped rather than ever
// blocking the engine.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

const defaultBuffer = 64

type subscriber struct {
	id   string
	seat int
	ch   chan types.BusEvent
}

type Bus struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*subscriber
	logger  *zap.Logger
	metrics *observability.Metrics
}

func New(logger *zap.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{
		rooms:   make(map[string]map[string]*subscriber),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe attaches a connection to a room. Seat is zero for spectators
// with no seat; private events are only delivered to the matching seat.
// The returned cancel func detaches and closes the channel.
func (b *Bus) Subscribe(roomCode, id string, seat int) (<-chan types.BusEvent, func()) {
	sub := &subscriber{id: id, seat: seat, ch: make(chan types.BusEvent, defaultBuffer)}

	b.mu.Lock()
	room, ok := b.rooms[roomCode]
	if !ok {
		room = make(map[string]*subscriber)
		b.rooms[roomCode] = room
	}
	room[id] = sub
	b.mu.Unlock()

	b.metrics.ActiveSubscribers.Inc()

	cancel := func() { b.remove(roomCode, id, false) }
	return sub.ch, cancel
}

func (b *Bus) remove(roomCode, id string, overflow bool) {
	b.mu.Lock()
	room, ok := b.rooms[roomCode]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, ok := room[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(room, id)
	if len(room) == 0 {
		delete(b.rooms, roomCode)
	}
	b.mu.Unlock()

	close(sub.ch)
	b.metrics.ActiveSubscribers.Dec()
	if overflow {
		b.metrics.BusDroppedSubs.Inc()
		b.logger.Warn("dropped slow subscriber",
			zap.String("room_code", roomCode),
			zap.String("subscriber", id))
	}
}

// Publish delivers one event to every eligible subscriber of the room.
// Sends never block: a full buffer means the consumer lost its FIFO window
// and is dropped.
func (b *Bus) Publish(roomCode string, ev types.BusEvent) {
	if ev.ServerTS == 0 {
		ev.ServerTS = time.Now().UnixMilli()
	}
	ev.RoomCode = roomCode

	b.mu.RLock()
	room := b.rooms[roomCode]
	var overflowed []string
	for id, sub := range room {
		if ev.Private && sub.seat != ev.Seat {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		b.remove(roomCode, id, true)
	}
}

// SubscriberCount reports the current fan-out width of a room.
func (b *Bus) SubscriberCount(roomCode string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomCode])
}
