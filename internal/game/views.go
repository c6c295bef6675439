package game

// SeatView is one seat as a given viewer may see it. Role is populated only
// when the viewer is entitled to it: their own seat, a werewolf teammate's
// seat (for wolf viewers), a dead seat, or any seat once the game has ended.
type SeatView struct {
	SeatNumber  int             `json:"seat_number"`
	Kind        ParticipantKind `json:"participant_kind"`
	DisplayName string          `json:"display_name"`
	Alive       bool            `json:"alive"`
	Role        Role            `json:"role,omitempty"`
	Team        Team            `json:"team,omitempty"`
	DeathCause  DeathCause      `json:"death_cause,omitempty"`
	DeathDay    int             `json:"death_day,omitempty"`
}

// Snapshot is an immutable visibility-filtered view of the game, handed to
// narrators, agents, and clients. ViewerSeat is zero for the public view.
type Snapshot struct {
	GameID        string     `json:"game_id"`
	RoomCode      string     `json:"room_code"`
	DayNumber     int        `json:"day_number"`
	Phase         Phase      `json:"phase"`
	SpeechCursor  int        `json:"speech_cursor,omitempty"`
	Seats         []SeatView `json:"seats"`
	Winner        Winner     `json:"winner,omitempty"`
	ViewerSeat    int        `json:"viewer_seat,omitempty"`
	ViewerRole    Role       `json:"viewer_role,omitempty"`
	WolfTeammates []int      `json:"wolf_teammates,omitempty"`
	// Witch-only context for the current night.
	WolfKillTonight int         `json:"wolf_kill_tonight,omitempty"`
	Potions         *WitchState `json:"potions,omitempty"`
}

// PublicSnapshot is the view every spectator shares: roles appear only on
// dead seats, or on every seat once the game has ended.
func (g *Game) PublicSnapshot() Snapshot {
	snap := Snapshot{
		GameID:       g.GameID,
		RoomCode:     g.RoomCode,
		DayNumber:    g.DayNumber,
		Phase:        g.Phase,
		SpeechCursor: g.SpeechCursor,
		Winner:       g.Winner,
		Seats:        make([]SeatView, len(g.Seats)),
	}
	ended := g.Phase == PhaseEnded
	for i := range g.Seats {
		s := &g.Seats[i]
		v := SeatView{
			SeatNumber:  s.SeatNumber,
			Kind:        s.Kind,
			DisplayName: s.DisplayName,
			Alive:       s.Alive,
			DeathCause:  s.DeathCause,
			DeathDay:    s.DeathDay,
		}
		if !s.Alive || ended {
			v.Role = s.Role
			v.Team = TeamOf(s.Role)
		}
		snap.Seats[i] = v
	}
	return snap
}

// ViewFor builds the role-scoped view for one seat: the public snapshot
// plus the viewer's own role, and teammate seats when the viewer is a wolf.
// The witch additionally sees tonight's wolf target and her potion state.
func (g *Game) ViewFor(seat int) Snapshot {
	snap := g.PublicSnapshot()
	s := g.Seat(seat)
	if s == nil {
		return snap
	}
	snap.ViewerSeat = seat
	snap.ViewerRole = s.Role
	snap.Seats[seat-1].Role = s.Role
	snap.Seats[seat-1].Team = TeamOf(s.Role)

	if s.Role == RoleWerewolf {
		for _, w := range g.WolfSeats() {
			if w != seat {
				snap.WolfTeammates = append(snap.WolfTeammates, w)
				snap.Seats[w-1].Role = RoleWerewolf
				snap.Seats[w-1].Team = TeamWerewolf
			}
		}
	}
	if s.Role == RoleWitch {
		snap.WolfKillTonight = g.LastNightKill
		potions := g.Witch
		snap.Potions = &potions
	}
	return snap
}

// AliveSeatViews filters a snapshot down to alive seats, ascending.
func (s Snapshot) AliveSeatViews() []SeatView {
	var out []SeatView
	for _, v := range s.Seats {
		if v.Alive {
			out = append(out, v)
		}
	}
	return out
}
