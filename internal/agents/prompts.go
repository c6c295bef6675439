package agents

import (
	"fmt"
	"strings"

	"github.com/qingchang/werewolf-auto-host/internal/game"
)

const systemPersona = "You are a player in a 10-seat game of Werewolf. Stay in character, be concise, and never reveal information your role could not know."

func describeSeat(v game.SeatView) string {
	status := "alive"
	if !v.Alive {
		status = fmt.Sprintf("dead (day %d, %s)", v.DeathDay, v.DeathCause)
	}
	line := fmt.Sprintf("seat %d: %s, %s", v.SeatNumber, v.DisplayName, status)
	if v.Role != "" {
		line += fmt.Sprintf(", role %s", v.Role)
	}
	return line
}

// buildContext renders the visibility-filtered view plus the seat's private
// history into the prompt preamble. The view already contains only what the
// role may know; nothing is added here.
func buildContext(view game.Snapshot, history []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are seat %d. Your role is %s (team %s).\n", view.ViewerSeat, view.ViewerRole, game.TeamOf(view.ViewerRole))
	if len(view.WolfTeammates) > 0 {
		fmt.Fprintf(&b, "Your werewolf teammates are seats %s.\n", joinInts(view.WolfTeammates))
	}
	fmt.Fprintf(&b, "It is day %d, phase %s.\n", view.DayNumber, view.Phase)
	b.WriteString("The table:\n")
	for _, v := range view.Seats {
		b.WriteString("  " + describeSeat(v) + "\n")
	}
	if len(history) > 0 {
		b.WriteString("What you have seen so far:\n")
		for _, h := range history {
			b.WriteString("  " + h + "\n")
		}
	}
	return b.String()
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}

func speechPrompt(view game.Snapshot, history []string) string {
	return buildContext(view, history) +
		"\nIt is your turn to speak to the table. Give your day speech: share suspicions, defend yourself, or steer the vote. Three to five sentences, first person, no stage directions."
}

func lastWordsPrompt(view game.Snapshot, history []string) string {
	return buildContext(view, history) +
		"\nYou have just been voted out. Give your last words to the table. Two to four sentences, first person."
}

func votePrompt(view game.Snapshot, history []string, candidates []int) string {
	return buildContext(view, history) +
		fmt.Sprintf("\nVote to eliminate one seat. Candidates: %s. You may abstain.\nReply with JSON only: {\"vote\": <seat number>} or {\"vote\": \"ABSTAIN\"}", joinInts(candidates))
}

func wolfKillPrompt(view game.Snapshot, history []string, candidates []int) string {
	return buildContext(view, history) +
		fmt.Sprintf("\nAs a werewolf, choose tonight's kill. Candidates: %s. You may also choose an empty knife.\nReply with JSON only: {\"target\": <seat number>} or {\"target\": null}", joinInts(candidates))
}

func seerCheckPrompt(view game.Snapshot, history []string, candidates []int) string {
	return buildContext(view, history) +
		fmt.Sprintf("\nAs the seer, choose one seat to check tonight. Candidates: %s.\nReply with JSON only: {\"target\": <seat number>}", joinInts(candidates))
}

func witchActPrompt(view game.Snapshot, history []string, canSave bool, poisonCandidates []int) string {
	var situation string
	if view.WolfKillTonight != 0 {
		situation = fmt.Sprintf("The werewolves attacked seat %d tonight.", view.WolfKillTonight)
	} else {
		situation = "The werewolves did not attack anyone tonight."
	}
	var options []string
	if canSave {
		options = append(options, "save the attacked seat with your antidote")
	}
	if view.Potions != nil && view.Potions.HasPoison {
		options = append(options, fmt.Sprintf("poison one seat (candidates: %s)", joinInts(poisonCandidates)))
	}
	if len(options) == 0 {
		options = append(options, "do nothing (no potions left)")
	}
	return buildContext(view, history) +
		fmt.Sprintf("\n%s You may %s, but never both in one night.\nReply with JSON only: {\"save\": <true|false>, \"poison_target\": <seat number or null>}",
			situation, strings.Join(options, ", or "))
}

func hunterShootPrompt(view game.Snapshot, history []string, candidates []int) string {
	return buildContext(view, history) +
		fmt.Sprintf("\nYou are the hunter and you are dying. You may fire your gun at one alive seat, or hold your shot. Candidates: %s.\nReply with JSON only: {\"target\": <seat number>} or {\"target\": null}", joinInts(candidates))
}

const strictReminder = "\nYour previous reply was not valid. Reply with EXACTLY the JSON object requested, no prose, no code fences."
