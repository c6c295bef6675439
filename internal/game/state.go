package game

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/qingchang/werewolf-auto-host/internal/types"
)

type Phase string

const (
	PhaseNightWolf    Phase = "NIGHT_WOLF"
	PhaseNightSeer    Phase = "NIGHT_SEER"
	PhaseNightWitch   Phase = "NIGHT_WITCH"
	PhaseNightHunter  Phase = "NIGHT_HUNTER"
	PhaseDayAnnounce  Phase = "DAY_ANNOUNCE"
	PhaseDaySpeech    Phase = "DAY_SPEECH"
	PhaseDayVote      Phase = "DAY_VOTE"
	PhaseDayLastWords Phase = "DAY_LAST_WORDS"
	PhaseResolve      Phase = "RESOLVE"
	PhaseEnded        Phase = "ENDED"
)

type DeathCause string

const (
	CauseWolfKill     DeathCause = "KILLED_BY_WOLF"
	CausePoisoned     DeathCause = "POISONED"
	CauseVotedOut     DeathCause = "VOTED_OUT"
	CauseShotByHunter DeathCause = "SHOT_BY_HUNTER"
)

type ParticipantKind string

const (
	ParticipantHuman ParticipantKind = "HUMAN"
	ParticipantAI    ParticipantKind = "AI"
)

type Winner string

const (
	WinnerWerewolf Winner = "WEREWOLF"
	WinnerVillager Winner = "VILLAGER"
	WinnerNone     Winner = ""
)

// Abstain is the vote target meaning "no vote cast for anyone".
const Abstain = 0

// NumSeats is fixed for the standard variant.
const NumSeats = 10

type Seat struct {
	SeatNumber  int             `json:"seat_number"`
	Kind        ParticipantKind `json:"participant_kind"`
	DisplayName string          `json:"display_name"`
	Role        Role            `json:"role"`
	Alive       bool            `json:"alive"`
	DeathCause  DeathCause      `json:"death_cause,omitempty"`
	DeathDay    int             `json:"death_day,omitempty"`
}

type WitchState struct {
	HasAntidote bool `json:"has_antidote"`
	HasPoison   bool `json:"has_poison"`
}

// Game is the authoritative in-memory state of one game. It is owned
// exclusively by the scheduler goroutine for its room; every other component
// reads immutable snapshots. Mutators assert the operative invariants and
// return an invariant_violation error on any breach.
type Game struct {
	GameID       string             `json:"game_id"`
	RoomCode     string             `json:"room_code"`
	Seats        []Seat             `json:"seats"`
	DayNumber    int                `json:"day_number"`
	Phase        Phase              `json:"phase"`
	SpeechCursor int                `json:"speech_cursor,omitempty"`
	Pending      map[int]DeathCause `json:"pending_deaths"`
	Witch        WitchState         `json:"witch_state"`
	// LastNightKill is the wolves' chosen target, zero for an empty knife.
	// Visible only to the witch.
	LastNightKill int         `json:"last_night_kill,omitempty"`
	Votes         map[int]int `json:"votes"`
	HunterPending int         `json:"hunter_pending,omitempty"`
	Winner        Winner      `json:"winner,omitempty"`
	Paused        bool        `json:"paused"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at,omitempty"`
}

// SeatAssignment describes one seat at game creation.
type SeatAssignment struct {
	SeatNumber  int
	Kind        ParticipantKind
	DisplayName string
	Role        Role
}

// NewGame validates the assignment and builds the initial state: night one,
// wolf phase, both witch potions available.
func NewGame(gameID, roomCode string, assignments []SeatAssignment) (*Game, error) {
	if len(assignments) != NumSeats {
		return nil, types.NewError(types.ErrInvariantViolation, fmt.Sprintf("expected %d seats, got %d", NumSeats, len(assignments)))
	}
	seats := make([]Seat, NumSeats)
	seen := make(map[int]bool, NumSeats)
	counts := make(map[Role]int)
	for _, a := range assignments {
		if a.SeatNumber < 1 || a.SeatNumber > NumSeats {
			return nil, types.NewError(types.ErrInvariantViolation, fmt.Sprintf("seat number %d out of range", a.SeatNumber))
		}
		if seen[a.SeatNumber] {
			return nil, types.NewError(types.ErrInvariantViolation, fmt.Sprintf("seat number %d assigned twice", a.SeatNumber))
		}
		seen[a.SeatNumber] = true
		counts[a.Role]++
		seats[a.SeatNumber-1] = Seat{
			SeatNumber:  a.SeatNumber,
			Kind:        a.Kind,
			DisplayName: a.DisplayName,
			Role:        a.Role,
			Alive:       true,
		}
	}
	if err := checkRoleCounts(counts); err != nil {
		return nil, err
	}
	return &Game{
		GameID:    gameID,
		RoomCode:  roomCode,
		Seats:     seats,
		DayNumber: 1,
		Phase:     PhaseNightWolf,
		Pending:   make(map[int]DeathCause),
		Witch:     WitchState{HasAntidote: true, HasPoison: true},
		Votes:     make(map[int]int),
		StartedAt: time.Now().UTC(),
	}, nil
}

func checkRoleCounts(counts map[Role]int) error {
	want := map[Role]int{
		RoleWerewolf: 3,
		RoleSeer:     1,
		RoleWitch:    1,
		RoleHunter:   1,
		RoleVillager: 4,
	}
	for r, n := range want {
		if counts[r] != n {
			return types.NewError(types.ErrInvariantViolation, fmt.Sprintf("expected %d %s, got %d", n, r, counts[r]))
		}
	}
	return nil
}

// Seat returns the seat record for a 1-based seat number, nil if out of range.
func (g *Game) Seat(n int) *Seat {
	if n < 1 || n > len(g.Seats) {
		return nil
	}
	return &g.Seats[n-1]
}

// AliveSeats lists alive seat numbers in ascending order.
func (g *Game) AliveSeats() []int {
	var out []int
	for i := range g.Seats {
		if g.Seats[i].Alive {
			out = append(out, g.Seats[i].SeatNumber)
		}
	}
	return out
}

// AliveWithRole lists alive seat numbers holding the role, ascending.
func (g *Game) AliveWithRole(r Role) []int {
	var out []int
	for i := range g.Seats {
		if g.Seats[i].Alive && g.Seats[i].Role == r {
			out = append(out, g.Seats[i].SeatNumber)
		}
	}
	return out
}

// SeatWithRole returns the seat number holding the role regardless of life
// state, zero if the role is not in play.
func (g *Game) SeatWithRole(r Role) int {
	for i := range g.Seats {
		if g.Seats[i].Role == r {
			return g.Seats[i].SeatNumber
		}
	}
	return 0
}

// WolfSeats lists all werewolf seat numbers, dead or alive.
func (g *Game) WolfSeats() []int {
	var out []int
	for i := range g.Seats {
		if g.Seats[i].Role == RoleWerewolf {
			out = append(out, g.Seats[i].SeatNumber)
		}
	}
	return out
}

func (g *Game) aliveByTeam() (wolves, villagers int) {
	for i := range g.Seats {
		if !g.Seats[i].Alive {
			continue
		}
		if TeamOf(g.Seats[i].Role) == TeamWerewolf {
			wolves++
		} else {
			villagers++
		}
	}
	return
}

// SetPhase moves the phase cursor. Phase legality is the scheduler's concern;
// the state model only refuses to leave ENDED.
func (g *Game) SetPhase(p Phase) error {
	if g.Phase == PhaseEnded && p != PhaseEnded {
		return types.NewError(types.ErrInvariantViolation, "game already ended")
	}
	g.Phase = p
	return nil
}

// SetWolfKill records the wolves' nightly decision. Zero means empty knife.
func (g *Game) SetWolfKill(target int) error {
	if target != 0 {
		s := g.Seat(target)
		if s == nil || !s.Alive {
			return types.NewError(types.ErrInvariantViolation, fmt.Sprintf("wolf kill target %d not alive", target))
		}
		g.Pending[target] = CauseWolfKill
	}
	g.LastNightKill = target
	return nil
}

// ApplyWitchAct applies the witch's single nightly decision. Save removes
// tonight's wolf kill from the pending set; poison schedules a death. Saving
// and poisoning the same night is rejected, as is either action without the
// matching potion. Potion flags flip on first use and never regenerate.
func (g *Game) ApplyWitchAct(save bool, poisonTarget int) error {
	if save && poisonTarget != 0 {
		return types.NewError(types.ErrInvariantViolation, "witch may not save and poison the same night")
	}
	if save {
		if !g.Witch.HasAntidote {
			return types.NewError(types.ErrInvariantViolation, "antidote already used")
		}
		if g.LastNightKill == 0 {
			return types.NewError(types.ErrInvariantViolation, "no wolf kill to save")
		}
		delete(g.Pending, g.LastNightKill)
		g.Witch.HasAntidote = false
	}
	if poisonTarget != 0 {
		if !g.Witch.HasPoison {
			return types.NewError(types.ErrInvariantViolation, "poison already used")
		}
		s := g.Seat(poisonTarget)
		if s == nil || !s.Alive {
			return types.NewError(types.ErrInvariantViolation, fmt.Sprintf("poison target %d not alive", poisonTarget))
		}
		g.Pending[poisonTarget] = CausePoisoned
		g.Witch.HasPoison = false
	}
	return nil
}

// Death is one applied death, in application order.
type Death struct {
	Seat  int        `json:"seat"`
	Cause DeathCause `json:"cause"`
	Day   int        `json:"day"`
}

// ApplyPendingDeaths marks every pending seat dead and clears the set.
// Deaths are applied in ascending seat order so downstream effects are
// deterministic. Also resets last night's kill marker.
func (g *Game) ApplyPendingDeaths() ([]Death, error) {
	seats := make([]int, 0, len(g.Pending))
	for n := range g.Pending {
		seats = append(seats, n)
	}
	sort.Ints(seats)

	deaths := make([]Death, 0, len(seats))
	for _, n := range seats {
		cause := g.Pending[n]
		if err := g.Kill(n, cause); err != nil {
			return deaths, err
		}
		deaths = append(deaths, Death{Seat: n, Cause: cause, Day: g.DayNumber})
	}
	g.Pending = make(map[int]DeathCause)
	g.LastNightKill = 0
	return deaths, nil
}

// Kill marks one seat dead immediately. Alive is monotone: a dead seat can
// never be killed again.
func (g *Game) Kill(seat int, cause DeathCause) error {
	s := g.Seat(seat)
	if s == nil {
		return types.NewError(types.ErrInvariantViolation, fmt.Sprintf("no such seat %d", seat))
	}
	if !s.Alive {
		return types.NewError(types.ErrInvariantViolation, fmt.Sprintf("seat %d already dead", seat))
	}
	s.Alive = false
	s.DeathCause = cause
	s.DeathDay = g.DayNumber
	return nil
}

// RecordVote stores one vote for the current round. The first vote per voter
// wins; duplicates are a conflict, not an invariant breach.
func (g *Game) RecordVote(voter, target int) error {
	vs := g.Seat(voter)
	if vs == nil || !vs.Alive {
		return types.NewError(types.ErrInvalidSubmission, fmt.Sprintf("voter seat %d not alive", voter))
	}
	if _, dup := g.Votes[voter]; dup {
		return types.NewError(types.ErrConflict, fmt.Sprintf("seat %d already voted", voter))
	}
	if target != Abstain {
		ts := g.Seat(target)
		if ts == nil || !ts.Alive || target == voter {
			return types.NewError(types.ErrInvalidSubmission, fmt.Sprintf("invalid vote target %d", target))
		}
	}
	g.Votes[voter] = target
	return nil
}

// TallyVotes resolves the round: the highest-count target is eliminated,
// ties yield no elimination. Abstentions never count toward a target.
func (g *Game) TallyVotes() (target int, tied bool) {
	counts := make(map[int]int)
	for _, t := range g.Votes {
		if t != Abstain {
			counts[t]++
		}
	}
	best, bestCount := 0, 0
	tied = false
	for seat, c := range counts {
		switch {
		case c > bestCount:
			best, bestCount, tied = seat, c, false
		case c == bestCount && c > 0:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return 0, tied
	}
	return best, false
}

// ClearVotes resets the round.
func (g *Game) ClearVotes() {
	g.Votes = make(map[int]int)
}

// CheckWinner evaluates the win conditions: villagers win when no werewolf
// is alive; werewolves win when no villager-team seat is alive or when they
// reach parity with the rest of the table.
func (g *Game) CheckWinner() Winner {
	wolves, villagers := g.aliveByTeam()
	if wolves == 0 {
		return WinnerVillager
	}
	if villagers == 0 || wolves >= villagers {
		return WinnerWerewolf
	}
	return WinnerNone
}

// SetWinner finalizes the game. The winner may be set at most once.
func (g *Game) SetWinner(w Winner) error {
	if g.Winner != WinnerNone {
		return types.NewError(types.ErrInvariantViolation, "winner already set")
	}
	g.Winner = w
	g.Phase = PhaseEnded
	g.EndedAt = time.Now().UTC()
	return nil
}

// EndWithoutWinner terminates the game on cancel or internal error.
func (g *Game) EndWithoutWinner() {
	g.Phase = PhaseEnded
	g.EndedAt = time.Now().UTC()
}

// Check asserts the cross-field invariants. The scheduler calls it after
// every mutation batch; a non-nil return aborts the game.
func (g *Game) Check() error {
	if len(g.Seats) != NumSeats {
		return types.NewError(types.ErrInvariantViolation, "seat count drifted")
	}
	counts := make(map[Role]int)
	for i := range g.Seats {
		counts[g.Seats[i].Role]++
		if g.Seats[i].SeatNumber != i+1 {
			return types.NewError(types.ErrInvariantViolation, "seat numbering drifted")
		}
	}
	if err := checkRoleCounts(counts); err != nil {
		return err
	}
	for n := range g.Pending {
		s := g.Seat(n)
		if s == nil || !s.Alive {
			return types.NewError(types.ErrInvariantViolation, fmt.Sprintf("pending death for dead seat %d", n))
		}
	}
	return nil
}

func Marshal(g *Game) (string, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Unmarshal(raw string) (*Game, error) {
	var g Game
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, err
	}
	if g.Pending == nil {
		g.Pending = make(map[int]DeathCause)
	}
	if g.Votes == nil {
		g.Votes = make(map[int]int)
	}
	return &g, nil
}
