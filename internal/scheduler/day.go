package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/broker"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/llm"
	"github.com/qingchang/werewolf-auto-host/internal/narrator"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

// runDayAnnounce applies the night's scheduled deaths, narrates the dawn,
// triggers any dead hunter, and checks for a decided game before the table
// starts talking.
func (r *gameRunner) runDayAnnounce() {
	var deaths []game.Death
	if err := r.mutateChecked(func() error {
		var err error
		deaths, err = r.g.ApplyPendingDeaths()
		return err
	}); err != nil {
		r.abortInternal(err)
		return
	}

	for _, d := range deaths {
		r.announceDeath(d.Seat, d.Cause)
	}

	facts := ""
	if len(deaths) > 0 {
		var parts []string
		for _, d := range deaths {
			parts = append(parts, fmt.Sprintf("seat %d (%s)", d.Seat, r.g.Seat(d.Seat).DisplayName))
		}
		facts = fmt.Sprintf("Last night, %s died.", strings.Join(parts, " and "))
	}
	r.deps.Narrator.Announce(r.ctx, narrator.TriggerDayBreaks, r.snapshotFor(0), facts)
	if r.ctx.Err() != nil {
		return
	}

	if winner := r.g.CheckWinner(); winner != game.WinnerNone {
		r.endWithWinner(winner)
		return
	}

	for _, d := range deaths {
		s := r.g.Seat(d.Seat)
		if s.Role == game.RoleHunter && r.hunterMayShoot(s) {
			r.runHunterPhase(d.Seat)
			if r.g.Phase == game.PhaseEnded || r.ctx.Err() != nil {
				return
			}
		}
	}

	r.transition(game.PhaseDaySpeech)
}

// runDaySpeech gives every alive seat one streamed turn, lowest seat first,
// ascending. A missed human deadline hands the turn to the AI runner.
func (r *gameRunner) runDaySpeech() {
	for _, seat := range r.g.AliveSeats() {
		if r.ctx.Err() != nil {
			return
		}
		r.waitIfPaused()
		r.mutate(func() { r.g.SpeechCursor = seat })
		r.runSeatText(seat, types.ActionSpeech, r.cfg.SpeechTimeout)
	}
	r.mutate(func() { r.g.SpeechCursor = 0 })
	r.transition(game.PhaseDayVote)
}

// textPayload is the wire shape of speech and last-words submissions.
type textPayload struct {
	Content string `json:"content"`
}

// runSeatText runs one speaking turn: human submission or AI stream, with
// start/chunk/end events and a public audit entry. The turn is not over
// until the end event is out, which is the ordering barrier later phases
// rely on.
func (r *gameRunner) runSeatText(seat int, action types.ActionKind, deadline time.Duration) {
	kind := "speech"
	if action == types.ActionLastWords {
		kind = "last_words"
	}
	r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
		Type:    types.EventSeatSpeechStart,
		Day:     r.g.DayNumber,
		Seat:    seat,
		Payload: types.MustMarshal(map[string]string{"kind": kind}),
	})

	validate := func(raw json.RawMessage) error {
		var p textPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.WrapError(types.ErrInvalidSubmission, "malformed payload", err)
		}
		if strings.TrimSpace(p.Content) == "" {
			return types.NewError(types.ErrInvalidSubmission, "content is required")
		}
		return nil
	}

	res := r.deps.Broker.Await(r.ctx, broker.Request{
		RoomCode: r.g.RoomCode,
		Seat:     seat,
		Action:   action,
		Human:    r.isHuman(seat),
		Deadline: deadline,
		Validate: validate,
	})

	var full string
	switch {
	case res.Canceled:
		return
	case res.TimedOut:
		view := r.snapshotFor(seat)
		history := append([]string(nil), r.histories[seat]...)
		var stream <-chan llm.Event
		if action == types.ActionLastWords {
			stream = r.deps.Agents.LastWords(r.ctx, view, history)
		} else {
			stream = r.deps.Agents.Speech(r.ctx, view, history)
		}
		full = r.forwardSpeechStream(seat, stream)
		if full == "" {
			if r.ctx.Err() != nil {
				return
			}
			full = "I have nothing more to add."
			r.publishSpeechChunk(seat, full, full)
		}
	default:
		var p textPayload
		_ = json.Unmarshal(res.Payload, &p)
		full = p.Content
		r.publishSpeechChunk(seat, full, full)
	}

	r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
		Type:    types.EventSeatSpeechEnd,
		Day:     r.g.DayNumber,
		Seat:    seat,
		Payload: types.MustMarshal(map[string]string{"kind": kind, "full_text": full}),
	})
	r.appendAudit(audit.Entry{
		Type:       "seat_" + kind,
		Content:    full,
		Seat:       seat,
		Visibility: audit.VisPublic,
	})
	r.appendPublicHistory(fmt.Sprintf("Day %d, seat %d (%s): %s", r.g.DayNumber, seat, r.g.Seat(seat).DisplayName, full))
}

func (r *gameRunner) publishSpeechChunk(seat int, delta, accumulated string) {
	r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
		Type:    types.EventSeatSpeechChunk,
		Seat:    seat,
		Payload: types.MustMarshal(map[string]string{"delta": delta, "accumulated": accumulated}),
	})
}

func (r *gameRunner) forwardSpeechStream(seat int, stream <-chan llm.Event) string {
	var b strings.Builder
	for ev := range stream {
		if ev.Err != nil {
			r.deps.Metrics.LLMStreamErrors.WithLabelValues(string(llm.KindOf(ev.Err))).Inc()
			return b.String()
		}
		if ev.Delta != "" {
			b.WriteString(ev.Delta)
			r.publishSpeechChunk(seat, ev.Delta, b.String())
		}
		if ev.Done {
			break
		}
	}
	return b.String()
}

// votePayload is the wire shape of a vote submission: a seat number or the
// string ABSTAIN.
type votePayload struct {
	Target json.RawMessage `json:"target"`
}

func parseVote(raw json.RawMessage) (int, error) {
	var p votePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, err
	}
	var s string
	if json.Unmarshal(p.Target, &s) == nil && strings.EqualFold(s, "ABSTAIN") {
		return game.Abstain, nil
	}
	var n int
	if err := json.Unmarshal(p.Target, &n); err != nil {
		return 0, fmt.Errorf("target must be a seat number or ABSTAIN")
	}
	return n, nil
}

// runDayVote prompts every alive seat simultaneously and applies the ballots
// serially in seat order once all are in.
func (r *gameRunner) runDayVote() {
	r.mutate(func() { r.g.ClearVotes() })

	voters := r.g.AliveSeats()
	deadline := time.Now().Add(r.cfg.VoteTimeout).UnixMilli()

	type ballot struct {
		voter  int
		target int
		human  bool
	}
	ballots := make([]ballot, len(voters))

	var eg errgroup.Group
	for i, voter := range voters {
		i, voter := i, voter

		var candidates []int
		for _, n := range voters {
			if n != voter {
				candidates = append(candidates, n)
			}
		}

		r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
			Type:    types.EventVoteOptions,
			Day:     r.g.DayNumber,
			Seat:    voter,
			Private: true,
			Payload: types.MustMarshal(map[string]any{
				"candidates":  candidates,
				"deadline_ms": deadline,
			}),
		})

		validate := func(raw json.RawMessage) error {
			target, err := parseVote(raw)
			if err != nil {
				return types.WrapError(types.ErrInvalidSubmission, "malformed vote", err)
			}
			if target != game.Abstain && !containsSeat(candidates, target) {
				return types.NewError(types.ErrInvalidSubmission, fmt.Sprintf("seat %d is not a candidate", target))
			}
			return nil
		}

		view := r.snapshotFor(voter)
		history := append([]string(nil), r.histories[voter]...)
		eg.Go(func() error {
			res := r.deps.Broker.Await(r.ctx, broker.Request{
				RoomCode: r.g.RoomCode,
				Seat:     voter,
				Action:   types.ActionVote,
				Human:    r.isHuman(voter),
				Context:  types.MustMarshal(map[string]any{"candidates": candidates}),
				Deadline: r.cfg.VoteTimeout,
				Validate: validate,
			})
			b := ballot{voter: voter, target: game.Abstain}
			switch {
			case res.Canceled:
			case res.TimedOut:
				b.target = r.deps.Agents.Vote(r.ctx, view, history, candidates)
			default:
				b.target, _ = parseVote(res.Payload)
				b.human = true
			}
			ballots[i] = b
			return nil
		})
	}
	_ = eg.Wait()

	if r.ctx.Err() != nil {
		return
	}

	sort.Slice(ballots, func(i, j int) bool { return ballots[i].voter < ballots[j].voter })
	for _, b := range ballots {
		if err := r.mutateChecked(func() error { return r.g.RecordVote(b.voter, b.target) }); err != nil {
			r.abortInternal(err)
			return
		}
		if b.human {
			r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
				Type:    types.EventHumanVoteComplete,
				Day:     r.g.DayNumber,
				Seat:    b.voter,
				Payload: types.MustMarshal(map[string]any{"target": voteLabel(b.target)}),
			})
		}
		r.appendAudit(audit.Entry{
			Type:       "vote_cast",
			Content:    fmt.Sprintf("seat %d voted %s", b.voter, voteLabel(b.target)),
			Seat:       b.voter,
			Visibility: audit.VisPublic,
		})
		r.appendPublicHistory(fmt.Sprintf("Day %d: seat %d voted %s.", r.g.DayNumber, b.voter, voteLabel(b.target)))
	}

	r.transition(game.PhaseResolve)
}

func voteLabel(target int) string {
	if target == game.Abstain {
		return "ABSTAIN"
	}
	return fmt.Sprintf("seat %d", target)
}

// runResolve tallies the round. The highest count is eliminated; a tie means
// no elimination and the day rolls straight into the next night.
func (r *gameRunner) runResolve() {
	target, tied := r.g.TallyVotes()
	r.mutate(func() { r.g.ClearVotes() })

	if target == 0 {
		facts := "No one received a majority; the village sleeps uneasy."
		if tied {
			facts = "The vote is tied; no one is eliminated today."
		}
		r.deps.Narrator.Announce(r.ctx, narrator.TriggerVoteResult, r.snapshotFor(0), facts)
		if r.ctx.Err() != nil {
			return
		}
		r.nextNight()
		return
	}

	if err := r.mutateChecked(func() error { return r.g.Kill(target, game.CauseVotedOut) }); err != nil {
		r.abortInternal(err)
		return
	}
	r.announceDeath(target, game.CauseVotedOut)
	r.deps.Narrator.Announce(r.ctx, narrator.TriggerVoteResult, r.snapshotFor(0),
		fmt.Sprintf("Seat %d (%s) is voted out.", target, r.g.Seat(target).DisplayName))
	if r.ctx.Err() != nil {
		return
	}

	if winner := r.g.CheckWinner(); winner != game.WinnerNone {
		r.endWithWinner(winner)
		return
	}

	r.transition(game.PhaseDayLastWords)
}

// runLastWords grants the voted-out seat a final streamed speech; a hunter
// speaks first, then fires.
func (r *gameRunner) runLastWords() {
	speaker := 0
	for i := range r.g.Seats {
		s := &r.g.Seats[i]
		if !s.Alive && s.DeathCause == game.CauseVotedOut && s.DeathDay == r.g.DayNumber {
			speaker = s.SeatNumber
			break
		}
	}
	if speaker == 0 {
		r.nextNight()
		return
	}

	r.runSeatText(speaker, types.ActionLastWords, r.cfg.LastWordsTimeout)
	if r.ctx.Err() != nil {
		return
	}

	s := r.g.Seat(speaker)
	if s.Role == game.RoleHunter && r.hunterMayShoot(s) {
		r.runHunterPhase(speaker)
		if r.g.Phase == game.PhaseEnded || r.ctx.Err() != nil {
			return
		}
	}

	r.nextNight()
}

// nextNight advances the day counter and loops back to the wolves.
func (r *gameRunner) nextNight() {
	r.mutate(func() {
		r.g.DayNumber++
		r.g.SpeechCursor = 0
	})
	r.transition(game.PhaseNightWolf)
}

// endWithWinner narrates the reveal and finalizes the game.
func (r *gameRunner) endWithWinner(winner game.Winner) {
	team := "villagers"
	if winner == game.WinnerWerewolf {
		team = "werewolves"
	}
	var wolves []string
	for _, w := range r.g.WolfSeats() {
		wolves = append(wolves, fmt.Sprintf("seat %d (%s)", w, r.g.Seat(w).DisplayName))
	}
	facts := fmt.Sprintf("The %s win. The werewolves were %s.", team, strings.Join(wolves, ", "))
	r.deps.Narrator.Announce(r.ctx, narrator.TriggerGameOver, r.snapshotFor(0), facts)
	r.finalize(winner, "WIN")
}
