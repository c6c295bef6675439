package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/broker"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/narrator"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

// targetPayload is the wire shape of every pick-a-seat submission.
type targetPayload struct {
	Target *int `json:"target"`
}

// promptTarget gates one pick-a-seat action through the broker, falling back
// to the AI runner on timeout. Returns the chosen seat (zero = skip) and
// whether the prompt was canceled.
func (r *gameRunner) promptTarget(seat int, action types.ActionKind, candidates []int, allowSkip bool, ai func() int) (int, bool) {
	r.waitIfPaused()

	validate := func(raw json.RawMessage) error {
		var p targetPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.WrapError(types.ErrInvalidSubmission, "malformed payload", err)
		}
		if p.Target == nil {
			if !allowSkip {
				return types.NewError(types.ErrInvalidSubmission, "a target is required")
			}
			return nil
		}
		if !containsSeat(candidates, *p.Target) {
			return types.NewError(types.ErrInvalidSubmission, fmt.Sprintf("seat %d is not a valid target", *p.Target))
		}
		return nil
	}

	res := r.deps.Broker.Await(r.ctx, broker.Request{
		RoomCode: r.g.RoomCode,
		Seat:     seat,
		Action:   action,
		Human:    r.isHuman(seat),
		Context:  types.MustMarshal(map[string]any{"candidates": candidates, "allow_skip": allowSkip}),
		Deadline: r.cfg.NightActionTimeout,
		Validate: validate,
	})
	switch {
	case res.Canceled:
		return 0, true
	case res.TimedOut:
		return ai(), false
	default:
		var p targetPayload
		_ = json.Unmarshal(res.Payload, &p)
		if p.Target == nil {
			return 0, false
		}
		return *p.Target, false
	}
}

// runNightWolf collects the pack's single decision: every alive wolf is
// prompted in parallel, the tally's highest-count target wins with ties
// broken by lowest seat number, and a unanimous skip is an empty knife.
func (r *gameRunner) runNightWolf() {
	r.deps.Narrator.Announce(r.ctx, narrator.TriggerNightFalls, r.snapshotFor(0), "")

	wolves := r.g.AliveWithRole(game.RoleWerewolf)
	candidates := r.g.AliveSeats()

	proposals := make([]int, len(wolves))
	var eg errgroup.Group
	for i, wolf := range wolves {
		i, wolf := i, wolf
		view := r.snapshotFor(wolf)
		history := append([]string(nil), r.histories[wolf]...)
		eg.Go(func() error {
			target, canceled := r.promptTarget(wolf, types.ActionWolfKill, candidates, true, func() int {
				return r.deps.Agents.WolfKill(r.ctx, view, history, candidates)
			})
			if canceled {
				target = 0
			}
			proposals[i] = target
			return nil
		})
	}
	_ = eg.Wait()

	if r.ctx.Err() != nil {
		return
	}

	target := tallyWolfVotes(proposals)
	if err := r.mutateChecked(func() error { return r.g.SetWolfKill(target) }); err != nil {
		r.abortInternal(err)
		return
	}

	var lines []string
	for i, wolf := range wolves {
		pick := "empty knife"
		if proposals[i] != 0 {
			pick = fmt.Sprintf("seat %d", proposals[i])
		}
		lines = append(lines, fmt.Sprintf("wolf %d: %s", wolf, pick))
	}
	decision := "empty knife"
	if target != 0 {
		decision = fmt.Sprintf("seat %d", target)
	}
	r.appendAudit(audit.Entry{
		Type:       "wolf_decision",
		Content:    fmt.Sprintf("pack chose %s (%s)", decision, strings.Join(lines, "; ")),
		Team:       game.TeamWerewolf,
		Visibility: audit.VisTeamPrivate,
	})
	for _, wolf := range wolves {
		r.appendPrivateHistory(wolf, fmt.Sprintf("Night %d: the pack chose %s.", r.g.DayNumber, decision))
	}

	r.transition(game.PhaseNightSeer)
}

// tallyWolfVotes resolves the pack's proposals. Skips never count as votes;
// only a unanimous skip yields no target.
func tallyWolfVotes(proposals []int) int {
	counts := make(map[int]int)
	for _, p := range proposals {
		if p != 0 {
			counts[p]++
		}
	}
	best, bestCount := 0, 0
	for seat, c := range counts {
		if c > bestCount || (c == bestCount && seat < best) {
			best, bestCount = seat, c
		}
	}
	return best
}

// runNightSeer lets a living seer inspect one seat and learn its team.
func (r *gameRunner) runNightSeer() {
	seer := r.g.SeatWithRole(game.RoleSeer)
	if s := r.g.Seat(seer); s == nil || !s.Alive {
		r.transition(game.PhaseNightWitch)
		return
	}

	var candidates []int
	for _, n := range r.g.AliveSeats() {
		if n != seer {
			candidates = append(candidates, n)
		}
	}

	view := r.snapshotFor(seer)
	history := append([]string(nil), r.histories[seer]...)
	target, canceled := r.promptTarget(seer, types.ActionSeerCheck, candidates, true, func() int {
		return r.deps.Agents.SeerCheck(r.ctx, view, history, candidates)
	})
	if canceled || r.ctx.Err() != nil {
		return
	}

	if target != 0 {
		isWolf := game.TeamOf(r.g.Seat(target).Role) == game.TeamWerewolf
		verdict := "NOT_WEREWOLF"
		if isWolf {
			verdict = "IS_WEREWOLF"
		}
		r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
			Type:    types.EventNightActionResult,
			Seat:    seer,
			Private: true,
			Payload: types.MustMarshal(map[string]any{
				"action_kind": types.ActionSeerCheck,
				"target":      target,
				"result":      verdict,
			}),
		})
		r.appendAudit(audit.Entry{
			Type:       "seer_check",
			Content:    fmt.Sprintf("seat %d is %s", target, verdict),
			Seat:       seer,
			Visibility: audit.VisSeatPrivate,
		})
		r.appendPrivateHistory(seer, fmt.Sprintf("Night %d: you checked seat %d, result %s.", r.g.DayNumber, target, verdict))
	}

	r.transition(game.PhaseNightWitch)
}

// witchPayload is the wire shape of the witch's submission.
type witchPayload struct {
	Save         bool `json:"save"`
	PoisonTarget *int `json:"poison_target"`
}

// runNightWitch presents tonight's kill and the potion state, then applies
// the decision: save cancels the wolf kill, poison schedules a second death,
// never both in one night.
func (r *gameRunner) runNightWitch() {
	witch := r.g.SeatWithRole(game.RoleWitch)
	if s := r.g.Seat(witch); s == nil || !s.Alive {
		r.transition(game.PhaseDayAnnounce)
		return
	}

	kill := r.g.LastNightKill
	canSave := r.g.Witch.HasAntidote && kill != 0
	if canSave && kill == witch && r.cfg.WitchSelfSaveNight1Only && r.g.DayNumber > 1 {
		canSave = false
	}

	var poisonCandidates []int
	if r.g.Witch.HasPoison {
		for _, n := range r.g.AliveSeats() {
			if n != witch {
				poisonCandidates = append(poisonCandidates, n)
			}
		}
	}

	validate := func(raw json.RawMessage) error {
		var p witchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.WrapError(types.ErrInvalidSubmission, "malformed payload", err)
		}
		if p.Save && !canSave {
			return types.NewError(types.ErrInvalidSubmission, "save is not available")
		}
		if p.PoisonTarget != nil && *p.PoisonTarget != 0 {
			if !containsSeat(poisonCandidates, *p.PoisonTarget) {
				return types.NewError(types.ErrInvalidSubmission, "invalid poison target")
			}
			if p.Save {
				return types.NewError(types.ErrInvalidSubmission, "cannot save and poison the same night")
			}
		}
		return nil
	}

	r.waitIfPaused()
	res := r.deps.Broker.Await(r.ctx, broker.Request{
		RoomCode: r.g.RoomCode,
		Seat:     witch,
		Action:   types.ActionWitchAct,
		Human:    r.isHuman(witch),
		Context: types.MustMarshal(map[string]any{
			"wolf_kill":         kill,
			"can_save":          canSave,
			"has_poison":        r.g.Witch.HasPoison,
			"poison_candidates": poisonCandidates,
		}),
		Deadline: r.cfg.NightActionTimeout,
		Validate: validate,
	})

	var save bool
	var poison int
	switch {
	case res.Canceled:
		return
	case res.TimedOut:
		view := r.snapshotFor(witch)
		history := append([]string(nil), r.histories[witch]...)
		d := r.deps.Agents.WitchAct(r.ctx, view, history, canSave, poisonCandidates)
		save, poison = d.Save, d.PoisonTarget
	default:
		var p witchPayload
		_ = json.Unmarshal(res.Payload, &p)
		save = p.Save
		if p.PoisonTarget != nil {
			poison = *p.PoisonTarget
		}
	}
	if r.ctx.Err() != nil {
		return
	}

	// Re-check the AI decision against availability before mutating.
	if save && !canSave {
		save = false
	}
	if poison != 0 && !containsSeat(poisonCandidates, poison) {
		poison = 0
	}
	if save && poison != 0 {
		poison = 0
	}

	if save || poison != 0 {
		if err := r.mutateChecked(func() error { return r.g.ApplyWitchAct(save, poison) }); err != nil {
			r.abortInternal(err)
			return
		}
	}

	summary := "did nothing"
	if save {
		summary = fmt.Sprintf("saved seat %d", kill)
	} else if poison != 0 {
		summary = fmt.Sprintf("poisoned seat %d", poison)
	}
	r.appendAudit(audit.Entry{
		Type:       "witch_act",
		Content:    summary,
		Seat:       witch,
		Visibility: audit.VisSeatPrivate,
	})
	r.appendPrivateHistory(witch, fmt.Sprintf("Night %d: you %s.", r.g.DayNumber, summary))

	r.transition(game.PhaseDayAnnounce)
}

// runHunterPhase handles a dying hunter's shot, cascading while each new
// victim is itself a hunter entitled to fire.
func (r *gameRunner) runHunterPhase(hunterSeat int) {
	for hunterSeat != 0 {
		r.mutate(func() { r.g.HunterPending = hunterSeat })
		r.transition(game.PhaseNightHunter)
		if r.g.Phase == game.PhaseEnded {
			return
		}

		candidates := r.g.AliveSeats()
		view := r.snapshotFor(hunterSeat)
		history := append([]string(nil), r.histories[hunterSeat]...)
		target, canceled := r.promptTarget(hunterSeat, types.ActionHunterShoot, candidates, true, func() int {
			return r.deps.Agents.HunterShoot(r.ctx, view, history, candidates)
		})
		if canceled || r.ctx.Err() != nil {
			return
		}

		r.mutate(func() { r.g.HunterPending = 0 })
		if target == 0 {
			r.appendAudit(audit.Entry{
				Type:       "hunter_hold",
				Content:    fmt.Sprintf("hunter at seat %d held the shot", hunterSeat),
				Visibility: audit.VisPublic,
			})
			return
		}

		if err := r.mutateChecked(func() error { return r.g.Kill(target, game.CauseShotByHunter) }); err != nil {
			r.abortInternal(err)
			return
		}
		r.announceDeath(target, game.CauseShotByHunter)
		r.deps.Narrator.Announce(r.ctx, narrator.TriggerHunterShot, r.snapshotFor(0),
			fmt.Sprintf("The hunter at seat %d fires and takes seat %d (%s) down with them.",
				hunterSeat, target, r.g.Seat(target).DisplayName))

		if winner := r.g.CheckWinner(); winner != game.WinnerNone {
			r.endWithWinner(winner)
			return
		}

		hunterSeat = 0
		victim := r.g.Seat(target)
		if victim.Role == game.RoleHunter && r.hunterMayShoot(victim) {
			hunterSeat = target
			r.mutate(func() { r.g.HunterPending = target })
		}
	}
}

// resumeHunterPhase re-enters an interrupted hunter phase after restart
// recovery, then rejoins the flow the phase belonged to: a voted-out hunter
// leads into the next night, a night-killed one into the day's speeches.
func (r *gameRunner) resumeHunterPhase() {
	hunter := r.g.HunterPending
	votedOut := hunter != 0 && r.g.Seat(hunter).DeathCause == game.CauseVotedOut
	if hunter != 0 {
		r.runHunterPhase(hunter)
		if r.g.Phase == game.PhaseEnded || r.ctx.Err() != nil {
			return
		}
	}
	if votedOut {
		r.nextNight()
		return
	}
	r.transition(game.PhaseDaySpeech)
}

// hunterMayShoot applies the trigger-cause policy: wolf kill, poison (flag
// controlled), and vote always trigger; a hunter shot by another hunter
// keeps the cascade going.
func (r *gameRunner) hunterMayShoot(s *game.Seat) bool {
	switch s.DeathCause {
	case game.CausePoisoned:
		return r.cfg.HunterShootWhenPoisoned
	case game.CauseWolfKill, game.CauseVotedOut, game.CauseShotByHunter:
		return true
	default:
		return false
	}
}

// announceDeath publishes player_died, flips a dead human to spectator
// mode, cancels their pending prompts, and logs the death.
func (r *gameRunner) announceDeath(seat int, cause game.DeathCause) {
	r.deps.Broker.CancelSeat(r.g.RoomCode, seat)
	r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
		Type: types.EventPlayerDied,
		Day:  r.g.DayNumber,
		Seat: seat,
		Payload: types.MustMarshal(map[string]any{
			"cause": cause,
			"name":  r.g.Seat(seat).DisplayName,
		}),
	})
	if r.isHuman(seat) {
		r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
			Type:    types.EventSpectatorMode,
			Seat:    seat,
			Private: true,
		})
	}
	r.appendAudit(audit.Entry{
		Type:       "player_died",
		Content:    fmt.Sprintf("seat %d (%s) died: %s", seat, r.g.Seat(seat).DisplayName, cause),
		Seat:       seat,
		Visibility: audit.VisPublic,
		Metadata:   map[string]string{"cause": string(cause)},
	})
	r.appendPublicHistory(fmt.Sprintf("Day %d: seat %d (%s) died.", r.g.DayNumber, seat, r.g.Seat(seat).DisplayName))
}

func containsSeat(ns []int, n int) bool {
	for _, v := range ns {
		if v == n {
			return true
		}
	}
	return false
}
