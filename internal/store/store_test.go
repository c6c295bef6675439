package store

import (
	"context"
	"testing"
	"time"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
)

func TestMemoryRoomRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	room, err := s.GetRoom(ctx, "NOPE42")
	if err != nil || room != nil {
		t.Fatalf("missing room should be (nil, nil), got %v %v", room, err)
	}

	want := Room{
		RoomCode:     "ROOM01",
		Status:       RoomStatusInProgress,
		GameTypeSlug: "werewolf-standard-10",
		Participants: []Participant{{SeatNumber: 1, Kind: "HUMAN", DisplayName: "alice"}},
	}
	if err := s.SaveRoom(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetRoom(ctx, "ROOM01")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != RoomStatusInProgress || len(got.Participants) != 1 {
		t.Errorf("round trip lost fields: %+v", got)
	}

	if err := s.SetRoomStatus(ctx, "ROOM01", RoomStatusFinished); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = s.GetRoom(ctx, "ROOM01")
	if got.Status != RoomStatusFinished {
		t.Errorf("status not updated")
	}
}

func TestListRoomsInProgress(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SaveRoom(ctx, Room{RoomCode: "AAAA01", Status: RoomStatusInProgress})
	s.SaveRoom(ctx, Room{RoomCode: "BBBB02", Status: RoomStatusFinished})

	rooms, err := s.ListRoomsInProgress(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 1 || rooms[0].RoomCode != "AAAA01" {
		t.Errorf("expected only the in-progress room, got %+v", rooms)
	}
}

func TestSnapshotLatestByRoom(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s.SaveGameSnapshot(ctx, GameSnapshot{GameID: "g1", RoomCode: "ROOM01", StateJSON: "old", SavedAt: now.Add(-time.Minute)})
	s.SaveGameSnapshot(ctx, GameSnapshot{GameID: "g1", RoomCode: "ROOM01", StateJSON: "new", SavedAt: now})

	snap, err := s.LoadGameSnapshotByRoom(ctx, "ROOM01")
	if err != nil || snap == nil {
		t.Fatalf("load: %v", err)
	}
	if snap.StateJSON != "new" {
		t.Errorf("expected latest snapshot, got %q", snap.StateJSON)
	}

	byID, err := s.LoadGameSnapshot(ctx, "g1")
	if err != nil || byID == nil || byID.StateJSON != "new" {
		t.Errorf("load by id failed: %+v %v", byID, err)
	}
}

func TestAuditEntriesSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		if err := s.AppendAuditEntry(ctx, audit.Entry{RoomCode: "ROOM01", ID: i, Type: "t", Visibility: audit.VisPublic}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := s.LoadAuditEntries(ctx, "ROOM01", 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 4 {
		t.Errorf("since filter wrong: %+v", entries)
	}
}
