package narrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	gamebus "github.com/qingchang/werewolf-auto-host/internal/bus"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/llm"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

func testSnapshot(t *testing.T, roomCode string) game.Snapshot {
	t.Helper()
	roles := []game.Role{
		game.RoleWerewolf, game.RoleWerewolf, game.RoleWerewolf,
		game.RoleSeer, game.RoleWitch, game.RoleHunter,
		game.RoleVillager, game.RoleVillager, game.RoleVillager, game.RoleVillager,
	}
	assignments := make([]game.SeatAssignment, 10)
	for i, r := range roles {
		assignments[i] = game.SeatAssignment{SeatNumber: i + 1, Kind: game.ParticipantAI, DisplayName: "p", Role: r}
	}
	g, err := game.NewGame("g1", roomCode, assignments)
	require.NoError(t, err)
	return g.PublicSnapshot()
}

func collectEvents(ch <-chan types.BusEvent, n int, timeout time.Duration) []types.BusEvent {
	var out []types.BusEvent
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestAnnounceStreamsAndLogs(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := gamebus.New(zap.NewNop(), metrics)
	log := audit.NewLog(nil, zap.NewNop())
	streamer := llm.NewScripted().Respond("night_falls", "Night falls over the village. Close your eyes.")
	n := New(streamer, b, log, zap.NewNop(), metrics)

	events, cancel := b.Subscribe("ROOM01", "watcher", 0)
	defer cancel()

	full := n.Announce(context.Background(), TriggerNightFalls, testSnapshot(t, "ROOM01"), "")
	assert.Equal(t, "Night falls over the village. Close your eyes.", full)

	// Start, one chunk per word of the eight-word reply, then end.
	got := collectEvents(events, 10, time.Second)
	require.Len(t, got, 10)
	assert.Equal(t, types.EventHostAnnouncementStart, got[0].Type)
	assert.Equal(t, types.EventHostAnnouncementChunk, got[1].Type)
	assert.Equal(t, types.EventHostAnnouncementEnd, got[len(got)-1].Type)

	entries := log.Fetch("ROOM01", audit.Viewer{}, 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "host_announcement", entries[0].Type)
	assert.Equal(t, audit.VisPublic, entries[0].Visibility)
	assert.Equal(t, full, entries[0].Content)
}

func TestAnnounceFallsBackOnUpstreamFailure(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := gamebus.New(zap.NewNop(), metrics)
	log := audit.NewLog(nil, zap.NewNop())
	failing := llm.StreamerFunc(func(ctx context.Context, prompt string, opts llm.Options) <-chan llm.Event {
		out := make(chan llm.Event, 1)
		out <- llm.Event{Err: &llm.StreamError{Kind: llm.ErrUpstream}}
		close(out)
		return out
	})
	n := New(failing, b, log, zap.NewNop(), metrics)

	events, cancel := b.Subscribe("ROOM01", "watcher", 0)
	defer cancel()

	full := n.Announce(context.Background(), TriggerDayBreaks, testSnapshot(t, "ROOM01"), "Last night, seat 7 (p) died.")
	assert.Contains(t, full, "seat 7")

	// Even the fallback path terminates with an end event.
	got := collectEvents(events, 3, time.Second)
	assert.Equal(t, types.EventHostAnnouncementEnd, got[len(got)-1].Type)
}

func TestAnnouncementsAreSerialized(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := gamebus.New(zap.NewNop(), metrics)
	log := audit.NewLog(nil, zap.NewNop())
	streamer := llm.NewScripted()
	streamer.Default = "A short line."
	n := New(streamer, b, log, zap.NewNop(), metrics)

	events, cancel := b.Subscribe("ROOM01", "watcher", 0)
	defer cancel()

	snap := testSnapshot(t, "ROOM01")
	done := make(chan struct{})
	go func() {
		n.Announce(context.Background(), TriggerNightFalls, snap, "")
		close(done)
	}()
	n.Announce(context.Background(), TriggerDayBreaks, snap, "")
	<-done

	// No new start event before the previous announcement's end.
	var open bool
	for _, ev := range collectEvents(events, 12, time.Second) {
		switch ev.Type {
		case types.EventHostAnnouncementStart:
			assert.False(t, open, "a narration started before the previous one ended")
			open = true
		case types.EventHostAnnouncementEnd:
			open = false
		}
	}
}

func TestRoomsNarrateIndependently(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := gamebus.New(zap.NewNop(), metrics)
	log := audit.NewLog(nil, zap.NewNop())

	// Streams for the slow room hang until released; everything else
	// completes immediately.
	release := make(chan struct{})
	streamer := llm.StreamerFunc(func(ctx context.Context, prompt string, opts llm.Options) <-chan llm.Event {
		out := make(chan llm.Event, 2)
		go func() {
			defer close(out)
			if strings.Contains(prompt, "slow-room-fact") {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			out <- llm.Event{Delta: "A line from the host."}
			out <- llm.Event{Done: true}
		}()
		return out
	})
	n := New(streamer, b, log, zap.NewNop(), metrics)

	slowEvents, cancelSlow := b.Subscribe("AAAAAA", "watcher", 0)
	defer cancelSlow()

	slowDone := make(chan struct{})
	go func() {
		n.Announce(context.Background(), TriggerNightFalls, testSnapshot(t, "AAAAAA"), "slow-room-fact")
		close(slowDone)
	}()

	// Wait until the slow room's narration is in flight and holding its lock.
	select {
	case ev := <-slowEvents:
		require.Equal(t, types.EventHostAnnouncementStart, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("slow room narration never started")
	}

	// The other room's narration must complete while the first is stuck.
	otherDone := make(chan struct{})
	go func() {
		n.Announce(context.Background(), TriggerNightFalls, testSnapshot(t, "BBBBBB"), "")
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(2 * time.Second):
		t.Fatal("one room's in-flight narration blocked another room")
	}

	close(release)
	select {
	case <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("slow room narration never finished")
	}
}
