package game

import (
	"testing"

	"github.com/qingchang/werewolf-auto-host/internal/types"
)

func standardAssignments() []SeatAssignment {
	roles := []Role{
		RoleWerewolf, RoleWerewolf, RoleWerewolf,
		RoleSeer, RoleWitch, RoleHunter,
		RoleVillager, RoleVillager, RoleVillager, RoleVillager,
	}
	out := make([]SeatAssignment, 10)
	for i, r := range roles {
		out[i] = SeatAssignment{
			SeatNumber:  i + 1,
			Kind:        ParticipantAI,
			DisplayName: "player",
			Role:        r,
		}
	}
	return out
}

func newTestGame(t *testing.T) *Game {
	t.Helper()
	g, err := NewGame("g1", "ROOM01", standardAssignments())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestNewGameRoleCounts(t *testing.T) {
	g := newTestGame(t)
	if err := g.Check(); err != nil {
		t.Fatalf("invariants failed on fresh game: %v", err)
	}
	if g.Phase != PhaseNightWolf || g.DayNumber != 1 {
		t.Errorf("unexpected initial cursor: %s day %d", g.Phase, g.DayNumber)
	}
	if !g.Witch.HasAntidote || !g.Witch.HasPoison {
		t.Errorf("witch should start with both potions")
	}
}

func TestNewGameRejectsBadDeck(t *testing.T) {
	a := standardAssignments()
	a[3].Role = RoleVillager // five villagers, no seer
	if _, err := NewGame("g1", "ROOM01", a); err == nil {
		t.Fatalf("expected error for bad role counts")
	}
	b := standardAssignments()
	b[0].SeatNumber = 2 // duplicate seat
	if _, err := NewGame("g1", "ROOM01", b); err == nil {
		t.Fatalf("expected error for duplicate seat number")
	}
}

func TestKillIsMonotone(t *testing.T) {
	g := newTestGame(t)
	if err := g.Kill(7, CauseWolfKill); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	if g.Seat(7).Alive {
		t.Errorf("seat 7 should be dead")
	}
	if g.Seat(7).DeathDay != 1 {
		t.Errorf("death day = %d, want 1", g.Seat(7).DeathDay)
	}
	if err := g.Kill(7, CausePoisoned); !types.Is(err, types.ErrInvariantViolation) {
		t.Errorf("second kill should be an invariant violation, got %v", err)
	}
}

func TestWolfKillThenWitchSave(t *testing.T) {
	g := newTestGame(t)
	if err := g.SetWolfKill(7); err != nil {
		t.Fatalf("set wolf kill: %v", err)
	}
	if len(g.Pending) != 1 || g.LastNightKill != 7 {
		t.Fatalf("wolf kill not scheduled")
	}
	if err := g.ApplyWitchAct(true, 0); err != nil {
		t.Fatalf("witch save: %v", err)
	}
	if len(g.Pending) != 0 {
		t.Errorf("save should clear the pending kill")
	}
	if g.Witch.HasAntidote {
		t.Errorf("antidote should be spent")
	}
	// Potions never regenerate.
	if err := g.ApplyWitchAct(true, 0); err == nil {
		t.Errorf("second save should fail")
	}
}

func TestWitchCannotSaveAndPoison(t *testing.T) {
	g := newTestGame(t)
	g.SetWolfKill(7)
	if err := g.ApplyWitchAct(true, 8); !types.Is(err, types.ErrInvariantViolation) {
		t.Errorf("save+poison should be rejected, got %v", err)
	}
}

func TestWitchPoisonSchedulesDeath(t *testing.T) {
	g := newTestGame(t)
	if err := g.ApplyWitchAct(false, 2); err != nil {
		t.Fatalf("poison: %v", err)
	}
	if g.Pending[2] != CausePoisoned {
		t.Errorf("poison not scheduled")
	}
	if g.Witch.HasPoison {
		t.Errorf("poison should be spent")
	}
}

func TestApplyPendingDeathsOrderAndBound(t *testing.T) {
	g := newTestGame(t)
	g.SetWolfKill(9)
	g.ApplyWitchAct(false, 2)
	deaths, err := g.ApplyPendingDeaths()
	if err != nil {
		t.Fatalf("apply deaths: %v", err)
	}
	if len(deaths) != 2 {
		t.Fatalf("expected 2 deaths, got %d", len(deaths))
	}
	// Ascending seat order.
	if deaths[0].Seat != 2 || deaths[1].Seat != 9 {
		t.Errorf("deaths out of order: %+v", deaths)
	}
	if deaths[0].Cause != CausePoisoned || deaths[1].Cause != CauseWolfKill {
		t.Errorf("wrong causes: %+v", deaths)
	}
	if len(g.Pending) != 0 || g.LastNightKill != 0 {
		t.Errorf("pending set should be cleared after apply")
	}
}

func TestEmptyKnife(t *testing.T) {
	g := newTestGame(t)
	if err := g.SetWolfKill(0); err != nil {
		t.Fatalf("empty knife: %v", err)
	}
	if g.LastNightKill != 0 || len(g.Pending) != 0 {
		t.Errorf("empty knife should schedule nothing")
	}
	deaths, _ := g.ApplyPendingDeaths()
	if len(deaths) != 0 {
		t.Errorf("no deaths expected, got %+v", deaths)
	}
}

func TestVoteTallyAndTies(t *testing.T) {
	g := newTestGame(t)
	votes := map[int]int{1: 4, 2: 4, 3: 4, 4: Abstain, 5: 6, 6: 5, 7: 4, 8: 4, 9: 4, 10: 4}
	for voter, target := range votes {
		if err := g.RecordVote(voter, target); err != nil {
			t.Fatalf("vote %d->%d: %v", voter, target, err)
		}
	}
	target, tied := g.TallyVotes()
	if tied || target != 4 {
		t.Errorf("expected seat 4 eliminated, got target=%d tied=%v", target, tied)
	}

	g.ClearVotes()
	g.RecordVote(1, 4)
	g.RecordVote(2, 5)
	if target, tied := g.TallyVotes(); target != 0 || !tied {
		t.Errorf("expected tie, got target=%d tied=%v", target, tied)
	}

	g.ClearVotes()
	g.RecordVote(1, Abstain)
	g.RecordVote(2, Abstain)
	if target, tied := g.TallyVotes(); target != 0 || tied {
		t.Errorf("all abstain should eliminate nobody without a tie, got target=%d tied=%v", target, tied)
	}
}

func TestDuplicateVoteRejected(t *testing.T) {
	g := newTestGame(t)
	if err := g.RecordVote(1, 4); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if err := g.RecordVote(1, 5); !types.Is(err, types.ErrConflict) {
		t.Errorf("duplicate vote should conflict, got %v", err)
	}
	if g.Votes[1] != 4 {
		t.Errorf("first submission should win")
	}
}

func TestVoteValidation(t *testing.T) {
	g := newTestGame(t)
	if err := g.RecordVote(1, 1); !types.Is(err, types.ErrInvalidSubmission) {
		t.Errorf("self vote should be invalid, got %v", err)
	}
	g.Kill(4, CauseWolfKill)
	if err := g.RecordVote(1, 4); !types.Is(err, types.ErrInvalidSubmission) {
		t.Errorf("voting a dead seat should be invalid, got %v", err)
	}
	if err := g.RecordVote(4, 1); !types.Is(err, types.ErrInvalidSubmission) {
		t.Errorf("dead voter should be invalid, got %v", err)
	}
}

func TestWinConditions(t *testing.T) {
	g := newTestGame(t)
	if g.CheckWinner() != WinnerNone {
		t.Fatalf("fresh game should have no winner")
	}

	// Villagers win when every wolf is gone.
	for _, w := range []int{1, 2, 3} {
		g.Kill(w, CauseVotedOut)
	}
	if g.CheckWinner() != WinnerVillager {
		t.Errorf("expected villager win")
	}

	// Wolves win on parity.
	g = newTestGame(t)
	for _, v := range []int{4, 5, 6, 7} {
		g.Kill(v, CauseWolfKill)
	}
	// 3 wolves vs 3 villagers.
	if g.CheckWinner() != WinnerWerewolf {
		t.Errorf("expected werewolf win at parity")
	}
}

func TestWinnerSetOnce(t *testing.T) {
	g := newTestGame(t)
	if err := g.SetWinner(WinnerVillager); err != nil {
		t.Fatalf("set winner: %v", err)
	}
	if g.Phase != PhaseEnded {
		t.Errorf("phase should be ended")
	}
	if err := g.SetWinner(WinnerWerewolf); err == nil {
		t.Errorf("winner must be set at most once")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	g := newTestGame(t)
	g.SetWolfKill(7)
	g.ApplyWitchAct(false, 2)
	g.RecordVote(1, 4)
	raw, err := Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.LastNightKill != 7 || got.Pending[2] != CausePoisoned || got.Votes[1] != 4 {
		t.Errorf("round trip lost state: %+v", got)
	}
	if err := got.Check(); err != nil {
		t.Errorf("invariants after round trip: %v", err)
	}
}

func TestViewVisibility(t *testing.T) {
	g := newTestGame(t)

	pub := g.PublicSnapshot()
	for _, v := range pub.Seats {
		if v.Role != "" {
			t.Errorf("public view must not expose living roles, seat %d shows %s", v.SeatNumber, v.Role)
		}
	}

	wolfView := g.ViewFor(1)
	if wolfView.ViewerRole != RoleWerewolf {
		t.Fatalf("wolf view missing own role")
	}
	if len(wolfView.WolfTeammates) != 2 {
		t.Errorf("wolf should see 2 teammates, got %v", wolfView.WolfTeammates)
	}
	if wolfView.Seats[3].Role != "" {
		t.Errorf("wolf must not see the seer's role")
	}

	villagerView := g.ViewFor(7)
	if len(villagerView.WolfTeammates) != 0 {
		t.Errorf("villager must not see the pack")
	}
	if villagerView.Seats[0].Role != "" {
		t.Errorf("villager must not see wolf roles")
	}

	witchView := g.ViewFor(5)
	if witchView.Potions == nil || !witchView.Potions.HasAntidote {
		t.Errorf("witch view missing potion state")
	}

	// Death reveals the role to everyone.
	g.Kill(1, CauseVotedOut)
	pub = g.PublicSnapshot()
	if pub.Seats[0].Role != RoleWerewolf {
		t.Errorf("dead seat role should be revealed")
	}
}

func TestPendingDeathsSubsetOfAlive(t *testing.T) {
	g := newTestGame(t)
	g.SetWolfKill(7)
	g.Kill(7, CauseVotedOut) // force the breach
	if err := g.Check(); !types.Is(err, types.ErrInvariantViolation) {
		t.Errorf("pending death for a dead seat must violate invariants, got %v", err)
	}
}
