package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

func (s *Store) GetRoom(ctx context.Context, roomCode string) (*Room, error) {
	if s.MemoryMode {
		s.mu.RLock()
		defer s.mu.RUnlock()
		r, ok := s.rooms[roomCode]
		if !ok {
			return nil, nil
		}
		return &r, nil
	}

	row := s.DB.QueryRowContext(ctx, `SELECT room_code,status,game_type_slug,participants_json FROM rooms WHERE room_code=?`, roomCode)
	var r Room
	var participantsJSON string
	if err := row.Scan(&r.RoomCode, &r.Status, &r.GameTypeSlug, &participantsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(participantsJSON), &r.Participants); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveRoom(ctx context.Context, r Room) error {
	if s.MemoryMode {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rooms[r.RoomCode] = r
		return nil
	}

	participantsJSON, err := json.Marshal(r.Participants)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO rooms (room_code,status,game_type_slug,participants_json) VALUES (?,?,?,?) ON DUPLICATE KEY UPDATE status=VALUES(status),game_type_slug=VALUES(game_type_slug),participants_json=VALUES(participants_json)`,
		r.RoomCode, r.Status, r.GameTypeSlug, string(participantsJSON))
	return err
}

func (s *Store) SetRoomStatus(ctx context.Context, roomCode string, status RoomStatus) error {
	if s.MemoryMode {
		s.mu.Lock()
		defer s.mu.Unlock()
		r, ok := s.rooms[roomCode]
		if !ok {
			return nil
		}
		r.Status = status
		s.rooms[roomCode] = r
		return nil
	}

	_, err := s.DB.ExecContext(ctx, `UPDATE rooms SET status=? WHERE room_code=?`, status, roomCode)
	return err
}

// ListRoomsInProgress is used by restart recovery to find games to resume.
func (s *Store) ListRoomsInProgress(ctx context.Context) ([]Room, error) {
	if s.MemoryMode {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []Room
		for _, r := range s.rooms {
			if r.Status == RoomStatusInProgress {
				out = append(out, r)
			}
		}
		return out, nil
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT room_code,status,game_type_slug,participants_json FROM rooms WHERE status=?`, RoomStatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		var r Room
		var participantsJSON string
		if err := rows.Scan(&r.RoomCode, &r.Status, &r.GameTypeSlug, &participantsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participantsJSON), &r.Participants); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveGameSnapshot(ctx context.Context, snap GameSnapshot) error {
	if s.MemoryMode {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.snapshots[snap.GameID] = snap
		return nil
	}

	_, err := s.DB.ExecContext(ctx, `INSERT INTO game_snapshots (game_id,room_code,state_json,saved_at) VALUES (?,?,?,?) ON DUPLICATE KEY UPDATE state_json=VALUES(state_json),saved_at=VALUES(saved_at)`,
		snap.GameID, snap.RoomCode, snap.StateJSON, snap.SavedAt)
	return err
}

func (s *Store) LoadGameSnapshot(ctx context.Context, gameID string) (*GameSnapshot, error) {
	if s.MemoryMode {
		s.mu.RLock()
		defer s.mu.RUnlock()
		snap, ok := s.snapshots[gameID]
		if !ok {
			return nil, nil
		}
		return &snap, nil
	}

	row := s.DB.QueryRowContext(ctx, `SELECT game_id,room_code,state_json,saved_at FROM game_snapshots WHERE game_id=?`, gameID)
	var snap GameSnapshot
	if err := row.Scan(&snap.GameID, &snap.RoomCode, &snap.StateJSON, &snap.SavedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// LoadGameSnapshotByRoom fetches the latest snapshot saved for a room.
func (s *Store) LoadGameSnapshotByRoom(ctx context.Context, roomCode string) (*GameSnapshot, error) {
	if s.MemoryMode {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var latest *GameSnapshot
		for _, snap := range s.snapshots {
			if snap.RoomCode != roomCode {
				continue
			}
			if latest == nil || snap.SavedAt.After(latest.SavedAt) {
				cp := snap
				latest = &cp
			}
		}
		return latest, nil
	}

	row := s.DB.QueryRowContext(ctx, `SELECT game_id,room_code,state_json,saved_at FROM game_snapshots WHERE room_code=? ORDER BY saved_at DESC LIMIT 1`, roomCode)
	var snap GameSnapshot
	if err := row.Scan(&snap.GameID, &snap.RoomCode, &snap.StateJSON, &snap.SavedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}
