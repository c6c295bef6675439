package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/store"
)

// RecoverInProgress rebuilds every in-progress room from its last snapshot
// and the audit log, then re-enters the recorded phase. Prompts and streams
// that were in flight at shutdown are gone; the phase re-issues them with
// fresh deadlines.
func (m *Manager) RecoverInProgress(ctx context.Context) error {
	rooms, err := m.deps.Store.ListRoomsInProgress(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := m.recoverRoom(ctx, room); err != nil {
			m.deps.Logger.Error("cannot recover room",
				zap.String("room_code", room.RoomCode),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) recoverRoom(ctx context.Context, room store.Room) error {
	snap, err := m.deps.Store.LoadGameSnapshotByRoom(ctx, room.RoomCode)
	if err != nil {
		return err
	}
	if snap == nil {
		// In progress with no snapshot means the game never reached its
		// first phase boundary; close the room out.
		return m.deps.Store.SetRoomStatus(ctx, room.RoomCode, store.RoomStatusFinished)
	}

	g, err := game.Unmarshal(snap.StateJSON)
	if err != nil {
		return err
	}
	if g.Phase == game.PhaseEnded {
		return m.deps.Store.SetRoomStatus(ctx, room.RoomCode, store.RoomStatusFinished)
	}
	g.Paused = false

	if err := m.deps.Log.Hydrate(ctx, room.RoomCode); err != nil {
		m.deps.Logger.Warn("cannot hydrate audit log",
			zap.String("room_code", room.RoomCode),
			zap.Error(err))
	}

	m.mu.Lock()
	_, running := m.runners[room.RoomCode]
	m.mu.Unlock()
	if running {
		return nil
	}

	m.deps.Logger.Info("resuming game",
		zap.String("room_code", room.RoomCode),
		zap.String("game_id", g.GameID),
		zap.String("phase", string(g.Phase)),
		zap.Int("day", g.DayNumber))

	m.launch(g, true)
	return nil
}

// rebuildHistories reconstructs each seat's private transcript from the
// audit log: the role seed line plus every entry the seat was entitled to
// see. Close enough for the agents to keep playing coherently.
func (r *gameRunner) rebuildHistories() {
	r.seedHistories()
	for i := range r.g.Seats {
		s := &r.g.Seats[i]
		viewer := audit.Viewer{Seat: s.SeatNumber, Team: game.TeamOf(s.Role)}
		for _, e := range r.deps.Log.Fetch(r.g.RoomCode, viewer, 0) {
			r.histories[s.SeatNumber] = append(r.histories[s.SeatNumber],
				fmt.Sprintf("Day %d (%s): %s", e.Day, e.Type, e.Content))
		}
	}
}
