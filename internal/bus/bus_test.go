package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

func newTestBus() *Bus {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return New(zap.NewNop(), metrics)
}

func TestFIFOPerSubscriber(t *testing.T) {
	b := newTestBus()
	ch, cancel := b.Subscribe("ROOM01", "sub1", 0)
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish("ROOM01", types.BusEvent{
			Type:    types.EventPhaseChanged,
			Payload: types.MustMarshal(map[string]int{"i": i}),
		})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			assert.Contains(t, string(ev.Payload), fmt.Sprintf(`"i":%d`, i))
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestPrivateRouting(t *testing.T) {
	b := newTestBus()
	seat3, cancel3 := b.Subscribe("ROOM01", "seat3", 3)
	defer cancel3()
	seat4, cancel4 := b.Subscribe("ROOM01", "seat4", 4)
	defer cancel4()
	spectator, cancelSpectator := b.Subscribe("ROOM01", "watcher", 0)
	defer cancelSpectator()

	b.Publish("ROOM01", types.BusEvent{Type: types.EventNightActionResult, Seat: 3, Private: true})
	b.Publish("ROOM01", types.BusEvent{Type: types.EventPhaseChanged})

	ev := <-seat3
	require.Equal(t, types.EventNightActionResult, ev.Type)

	// Seat 4 and the spectator must only see the public event.
	ev = <-seat4
	assert.Equal(t, types.EventPhaseChanged, ev.Type)
	ev = <-spectator
	assert.Equal(t, types.EventPhaseChanged, ev.Type)
}

func TestRoomIsolation(t *testing.T) {
	b := newTestBus()
	chA, cancelA := b.Subscribe("ROOMAA", "a", 0)
	defer cancelA()
	_, cancelB := b.Subscribe("ROOMBB", "b", 0)
	defer cancelB()

	b.Publish("ROOMAA", types.BusEvent{Type: types.EventPhaseChanged})
	ev := <-chA
	assert.Equal(t, "ROOMAA", ev.RoomCode)
	assert.Equal(t, 1, b.SubscriberCount("ROOMBB"))
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := newTestBus()
	_, cancelSlow := b.Subscribe("ROOM01", "slow", 0)
	defer cancelSlow()

	// Never read: overflow the buffer and one more to trigger the drop.
	for i := 0; i < defaultBuffer+1; i++ {
		b.Publish("ROOM01", types.BusEvent{Type: types.EventPhaseChanged})
	}
	assert.Equal(t, 0, b.SubscriberCount("ROOM01"))

	// Publishing to the now-empty room must not block or panic.
	b.Publish("ROOM01", types.BusEvent{Type: types.EventPhaseChanged})
}

func TestCancelIdempotent(t *testing.T) {
	b := newTestBus()
	_, cancel := b.Subscribe("ROOM01", "sub", 0)
	cancel()
	cancel()
	assert.Equal(t, 0, b.SubscriberCount("ROOM01"))
}
