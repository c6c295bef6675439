package agents

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/llm"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
)

func testView(t *testing.T, seat int) game.Snapshot {
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
	g, err := game.NewGame("g1", "ROOM01", assignments)
	require.NoError(t, err)
	return g.ViewFor(seat)
}

func newTestRunner(s llm.Streamer) *Runner {
	return NewRunner(s, zap.NewNop(), observability.NewMetrics(prometheus.NewRegistry()))
}

func TestVoteParsesSeatNumber(t *testing.T) {
	s := llm.NewScripted().Respond("Vote to eliminate", `{"vote": 4}`)
	r := newTestRunner(s)
	got := r.Vote(context.Background(), testView(t, 1), nil, []int{2, 3, 4})
	assert.Equal(t, 4, got)
}

func TestVoteParsesAbstain(t *testing.T) {
	s := llm.NewScripted().Respond("Vote to eliminate", `{"vote": "ABSTAIN"}`)
	r := newTestRunner(s)
	got := r.Vote(context.Background(), testView(t, 1), nil, []int{2, 3, 4})
	assert.Equal(t, game.Abstain, got)
}

func TestVoteRetriesThenSucceeds(t *testing.T) {
	s := llm.NewScripted().Respond("Vote to eliminate",
		"sorry, I think seat four is suspicious",
		`{"vote": 99}`,
		`{"vote": 4}`)
	r := newTestRunner(s)
	got := r.Vote(context.Background(), testView(t, 1), nil, []int{2, 3, 4})
	assert.Equal(t, 4, got, "third attempt should be accepted")
}

func TestVoteFallsBackToAbstain(t *testing.T) {
	s := llm.NewScripted()
	s.Default = "no json here"
	r := newTestRunner(s)
	got := r.Vote(context.Background(), testView(t, 1), nil, []int{2, 3, 4})
	assert.Equal(t, game.Abstain, got)
}

func TestWolfKillFallbackIsValidTarget(t *testing.T) {
	s := llm.NewScripted()
	s.Default = "garbage"
	r := newTestRunner(s)
	candidates := []int{4, 5, 6}
	got := r.WolfKill(context.Background(), testView(t, 1), nil, candidates)
	assert.Contains(t, candidates, got, "fallback must be a uniform random valid target")
}

func TestWolfKillAcceptsNullAsEmptyKnife(t *testing.T) {
	s := llm.NewScripted().Respond("choose tonight's kill", `{"target": null}`)
	r := newTestRunner(s)
	got := r.WolfKill(context.Background(), testView(t, 1), nil, []int{4, 5, 6})
	assert.Equal(t, 0, got)
}

func TestSeerCheckFallbackNeverReturnsZero(t *testing.T) {
	s := llm.NewScripted()
	s.Default = "garbage"
	r := newTestRunner(s)
	candidates := []int{1, 2, 3}
	got := r.SeerCheck(context.Background(), testView(t, 4), nil, candidates)
	assert.Contains(t, candidates, got)
}

func TestWitchActHonorsPotionAvailability(t *testing.T) {
	// The model tries to save with no antidote available; the reply is
	// rejected and the runner falls back to doing nothing.
	s := llm.NewScripted()
	s.Default = `{"save": true, "poison_target": null}`
	r := newTestRunner(s)
	d := r.WitchAct(context.Background(), testView(t, 5), nil, false, []int{1, 2})
	assert.False(t, d.Save)
	assert.Equal(t, 0, d.PoisonTarget)
}

func TestWitchActRejectsSaveAndPoisonTogether(t *testing.T) {
	s := llm.NewScripted()
	s.Default = `{"save": true, "poison_target": 2}`
	r := newTestRunner(s)
	d := r.WitchAct(context.Background(), testView(t, 5), nil, true, []int{1, 2})
	assert.False(t, d.Save)
	assert.Equal(t, 0, d.PoisonTarget)
}

func TestWitchActPoison(t *testing.T) {
	s := llm.NewScripted().Respond("poison", `{"save": false, "poison_target": 2}`)
	r := newTestRunner(s)
	d := r.WitchAct(context.Background(), testView(t, 5), nil, true, []int{1, 2})
	assert.False(t, d.Save)
	assert.Equal(t, 2, d.PoisonTarget)
}

func TestHunterShootHoldsOnFailure(t *testing.T) {
	s := llm.NewScripted()
	s.Default = "garbage"
	r := newTestRunner(s)
	got := r.HunterShoot(context.Background(), testView(t, 6), nil, []int{1, 2, 3})
	assert.Equal(t, 0, got)
}

func TestExtractJSONStripsFences(t *testing.T) {
	s := llm.NewScripted().Respond("Vote to eliminate", "```json\n{\"vote\": 3}\n```")
	r := newTestRunner(s)
	got := r.Vote(context.Background(), testView(t, 1), nil, []int{2, 3})
	assert.Equal(t, 3, got)
}

func TestSpeechStreams(t *testing.T) {
	s := llm.NewScripted().Respond("your turn to speak", "I trust seat four, honestly.")
	r := newTestRunner(s)
	text, err := llm.Collect(r.Speech(context.Background(), testView(t, 7), []string{"Day 1: seat 2 died."}))
	require.NoError(t, err)
	assert.Equal(t, "I trust seat four, honestly.", text)
}
