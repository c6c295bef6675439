package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/game"
)

// AppendAuditEntry persists one numbered entry. Ordering and id assignment
// happened in the audit log; this is a plain insert.
func (s *Store) AppendAuditEntry(ctx context.Context, e audit.Entry) error {
	if s.MemoryMode {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.entries[e.RoomCode] = append(s.entries[e.RoomCode], e)
		return nil
	}

	metadataJSON := "{}"
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		metadataJSON = string(b)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO audit_entries (room_code,id,type,content,seat,team,day,phase,ts,visibility,metadata_json) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.RoomCode, e.ID, e.Type, e.Content, e.Seat, e.Team, e.Day, e.Phase, e.Timestamp, e.Visibility, metadataJSON)
	return err
}

func (s *Store) LoadAuditEntries(ctx context.Context, roomCode string, sinceID int64) ([]audit.Entry, error) {
	if s.MemoryMode {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []audit.Entry
		for _, e := range s.entries[roomCode] {
			if e.ID > sinceID {
				out = append(out, e)
			}
		}
		return out, nil
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT room_code,id,type,content,seat,team,day,phase,ts,visibility,metadata_json FROM audit_entries WHERE room_code=? AND id>? ORDER BY id ASC`, roomCode, sinceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var team, phase, metadataJSON string
		var ts time.Time
		if err := rows.Scan(&e.RoomCode, &e.ID, &e.Type, &e.Content, &e.Seat, &team, &e.Day, &phase, &ts, &e.Visibility, &metadataJSON); err != nil {
			return nil, err
		}
		e.Team = game.Team(team)
		e.Phase = game.Phase(phase)
		e.Timestamp = ts
		if metadataJSON != "" && metadataJSON != "{}" {
			_ = json.Unmarshal([]byte(metadataJSON), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
