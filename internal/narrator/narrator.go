// Package narrator turns state transitions into streamed host announcements.
// Narration is purely descriptive and never mutates game state. It is also
// uninterruptible: announcements for a room are serialized on a per-room
// lock, and a call does not return until the end event has been emitted and
// logged. Rooms narrate independently; one room's in-flight stream never
// blocks another's.
package narrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/bus"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/llm"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

type Trigger string

const (
	TriggerGameStart  Trigger = "game_start"
	TriggerNightFalls Trigger = "night_falls"
	TriggerDayBreaks  Trigger = "day_breaks"
	TriggerVoteResult Trigger = "vote_result"
	TriggerHunterShot Trigger = "hunter_shot"
	TriggerGameOver   Trigger = "game_over"
)

const hostSystem = "You are the Host of a Werewolf game: an omniscient, theatrical narrator. Announce events to the table in two or three vivid sentences. Never reveal any living player's secret role, and never address a specific player's strategy."

type Narrator struct {
	mu        sync.Mutex
	roomLocks map[string]*sync.Mutex
	streamer  llm.Streamer
	bus       *bus.Bus
	log       *audit.Log
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func New(streamer llm.Streamer, b *bus.Bus, log *audit.Log, logger *zap.Logger, metrics *observability.Metrics) *Narrator {
	return &Narrator{
		roomLocks: make(map[string]*sync.Mutex),
		streamer:  streamer,
		bus:       b,
		log:       log,
		logger:    logger,
		metrics:   metrics,
	}
}

func (n *Narrator) roomLock(roomCode string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.roomLocks[roomCode]
	if !ok {
		l = &sync.Mutex{}
		n.roomLocks[roomCode] = l
	}
	return l
}

// Release forgets a finished room's lock.
func (n *Narrator) Release(roomCode string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.roomLocks, roomCode)
}

// Announce streams one announcement and returns its full text once the end
// event is out. On upstream failure it retries once, then falls back to a
// short deterministic host line so the game never stalls on narration.
func (n *Narrator) Announce(ctx context.Context, kind Trigger, snap game.Snapshot, facts string) string {
	roomCode := snap.RoomCode
	l := n.roomLock(roomCode)
	l.Lock()
	defer l.Unlock()
	n.bus.Publish(roomCode, types.BusEvent{
		Type:    types.EventHostAnnouncementStart,
		Day:     snap.DayNumber,
		Phase:   string(snap.Phase),
		Payload: types.MustMarshal(map[string]string{"kind": string(kind)}),
	})

	full, ok := n.streamOnce(ctx, roomCode, snap, kind, facts)
	if !ok {
		full, ok = n.streamOnce(ctx, roomCode, snap, kind, facts)
	}
	if !ok {
		full = fallbackLine(kind, facts)
		n.bus.Publish(roomCode, types.BusEvent{
			Type:    types.EventHostAnnouncementChunk,
			Payload: types.MustMarshal(map[string]string{"delta": full, "accumulated": full}),
		})
	}

	n.bus.Publish(roomCode, types.BusEvent{
		Type:    types.EventHostAnnouncementEnd,
		Day:     snap.DayNumber,
		Phase:   string(snap.Phase),
		Payload: types.MustMarshal(map[string]string{"kind": string(kind), "full_text": full}),
	})
	n.log.Append(ctx, audit.Entry{
		RoomCode:   roomCode,
		Type:       "host_announcement",
		Content:    full,
		Day:        snap.DayNumber,
		Phase:      snap.Phase,
		Visibility: audit.VisPublic,
		Metadata:   map[string]string{"kind": string(kind)},
	})
	n.metrics.AuditAppends.Inc()
	return full
}

func (n *Narrator) streamOnce(ctx context.Context, roomCode string, snap game.Snapshot, kind Trigger, facts string) (string, bool) {
	start := time.Now()
	stream := n.streamer.Generate(ctx, buildPrompt(kind, snap, facts), llm.Options{
		Temperature: 0.8,
		MaxTokens:   250,
		System:      hostSystem,
		Format:      llm.FormatFree,
	})

	var accumulated strings.Builder
	for ev := range stream {
		if ev.Err != nil {
			n.metrics.LLMStreamErrors.WithLabelValues(string(llm.KindOf(ev.Err))).Inc()
			n.logger.Warn("host narration stream failed",
				zap.String("room_code", roomCode),
				zap.String("kind", string(kind)),
				zap.Error(ev.Err))
			return "", false
		}
		if ev.Delta != "" {
			accumulated.WriteString(ev.Delta)
			n.bus.Publish(roomCode, types.BusEvent{
				Type: types.EventHostAnnouncementChunk,
				Payload: types.MustMarshal(map[string]string{
					"delta":       ev.Delta,
					"accumulated": accumulated.String(),
				}),
			})
		}
		if ev.Done {
			break
		}
	}
	n.metrics.LLMStreamLatency.WithLabelValues("host").Observe(float64(time.Since(start).Milliseconds()))
	if accumulated.Len() == 0 {
		return "", false
	}
	return accumulated.String(), true
}

func buildPrompt(kind Trigger, snap game.Snapshot, facts string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Day %d of the game. Alive seats: %d of %d.\n", snap.DayNumber, len(snap.AliveSeatViews()), len(snap.Seats))
	fmt.Fprintf(&b, "Event to announce: %s.\n", kind)
	if facts != "" {
		fmt.Fprintf(&b, "Facts that must all be stated: %s\n", facts)
	}
	b.WriteString("Write the announcement now.")
	return b.String()
}

// fallbackLine keeps the table informed when the upstream is down. Plain,
// complete, and containing every fact.
func fallbackLine(kind Trigger, facts string) string {
	switch kind {
	case TriggerGameStart:
		return "The village gathers. Ten players take their seats; the game begins."
	case TriggerNightFalls:
		return "Night falls. Everyone close your eyes."
	case TriggerDayBreaks:
		if facts == "" {
			return "Dawn breaks. It was a peaceful night; no one died."
		}
		return "Dawn breaks. " + facts
	case TriggerVoteResult:
		if facts == "" {
			return "The vote is tied. No one is eliminated today."
		}
		return "The votes are counted. " + facts
	case TriggerHunterShot:
		return "A gunshot rings out. " + facts
	case TriggerGameOver:
		return "The game is over. " + facts
	default:
		return facts
	}
}
