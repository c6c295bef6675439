// Package audit keeps the append-only ordered log of typed game events.
// The log is the source of truth for reconnect catch-up: entries carry a
// visibility level and a strictly increasing per-room id reflecting real
// append order.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/game"
)

type Visibility string

const (
	VisPublic      Visibility = "PUBLIC"
	VisSeatPrivate Visibility = "SEAT_PRIVATE"
	VisTeamPrivate Visibility = "TEAM_PRIVATE"
	VisDebug       Visibility = "DEBUG"
)

type Entry struct {
	ID         int64             `json:"id"`
	RoomCode   string            `json:"room_code"`
	Type       string            `json:"type"`
	Content    string            `json:"content"`
	Seat       int               `json:"seat,omitempty"`
	Team       game.Team         `json:"team,omitempty"`
	Day        int               `json:"day"`
	Phase      game.Phase        `json:"phase"`
	Timestamp  time.Time         `json:"timestamp"`
	Visibility Visibility        `json:"visibility"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Viewer describes who is fetching: their seat and team for private entries,
// Debug for operator access to everything.
type Viewer struct {
	Seat  int
	Team  game.Team
	Debug bool
}

// VisibleTo reports whether the viewer may see this entry.
func (e Entry) VisibleTo(v Viewer) bool {
	switch e.Visibility {
	case VisPublic:
		return true
	case VisSeatPrivate:
		return v.Debug || (v.Seat != 0 && v.Seat == e.Seat)
	case VisTeamPrivate:
		return v.Debug || (v.Team != "" && v.Team == e.Team)
	case VisDebug:
		return v.Debug
	default:
		return false
	}
}

// Persister is the storage boundary the log writes through. Appends have
// already been ordered and numbered by the log.
type Persister interface {
	AppendAuditEntry(ctx context.Context, e Entry) error
	LoadAuditEntries(ctx context.Context, roomCode string, sinceID int64) ([]Entry, error)
}

type roomLog struct {
	nextID  int64
	entries []Entry
}

// Log orders and numbers entries per room, keeping them in memory for fast
// replay and writing through to the persister. Append calls for one room are
// serialized under the log's lock, which is what gives the total order.
type Log struct {
	mu     sync.Mutex
	rooms  map[string]*roomLog
	store  Persister
	logger *zap.Logger
}

func NewLog(store Persister, logger *zap.Logger) *Log {
	return &Log{
		rooms:  make(map[string]*roomLog),
		store:  store,
		logger: logger,
	}
}

func (l *Log) room(code string) *roomLog {
	rl, ok := l.rooms[code]
	if !ok {
		rl = &roomLog{nextID: 1}
		l.rooms[code] = rl
	}
	return rl
}

// Append assigns the next id for the entry's room and records it. The write
// to the persister is best-effort: a storage failure is logged but does not
// break the in-memory order the live game depends on.
func (l *Log) Append(ctx context.Context, e Entry) Entry {
	l.mu.Lock()
	rl := l.room(e.RoomCode)
	e.ID = rl.nextID
	rl.nextID++
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	rl.entries = append(rl.entries, e)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendAuditEntry(ctx, e); err != nil {
			l.logger.Warn("audit persist failed",
				zap.String("room_code", e.RoomCode),
				zap.Int64("id", e.ID),
				zap.Error(err))
		}
	}
	return e
}

// Fetch returns the entries visible to the viewer with id > sinceID, in id
// order. It serves from memory; rooms resumed after a restart are hydrated
// first via Hydrate.
func (l *Log) Fetch(roomCode string, v Viewer, sinceID int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.rooms[roomCode]
	if !ok {
		return nil
	}
	var out []Entry
	for _, e := range rl.entries {
		if e.ID > sinceID && e.VisibleTo(v) {
			out = append(out, e)
		}
	}
	return out
}

// Hydrate loads a room's persisted entries into memory, typically during
// restart recovery. Entries already in memory are kept; the id counter is
// advanced past everything loaded.
func (l *Log) Hydrate(ctx context.Context, roomCode string) error {
	if l.store == nil {
		return nil
	}
	entries, err := l.store.LoadAuditEntries(ctx, roomCode, 0)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rl := l.room(roomCode)
	if len(rl.entries) > 0 {
		return nil
	}
	rl.entries = entries
	for _, e := range entries {
		if e.ID >= rl.nextID {
			rl.nextID = e.ID + 1
		}
	}
	return nil
}

// Drop forgets a finished room's in-memory entries.
func (l *Log) Drop(roomCode string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, roomCode)
}

// LastID returns the highest assigned id for a room, zero if none.
func (l *Log) LastID(roomCode string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.rooms[roomCode]
	if !ok {
		return 0
	}
	return rl.nextID - 1
}
