// Package agents produces a seat's actions via the streaming LLM adapter.
// Free-text actions (speech, last words) stream straight through to the
// caller; structured actions use JSON-options mode with bounded reparse
// retries and deterministic fallbacks, so the engine always gets a legal
// move.
package agents

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/llm"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
)

const structuredRetries = 2

// WitchDecision is the witch's combined nightly choice.
type WitchDecision struct {
	Save         bool `json:"save"`
	PoisonTarget int  `json:"poison_target"`
}

type Runner struct {
	streamer llm.Streamer
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewRunner(streamer llm.Streamer, logger *zap.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{streamer: streamer, logger: logger, metrics: metrics}
}

// Speech opens a free-text stream for the seat's day speech. The caller
// forwards chunks to the bus and owns accumulation.
func (r *Runner) Speech(ctx context.Context, view game.Snapshot, history []string) <-chan llm.Event {
	return r.streamer.Generate(ctx, speechPrompt(view, history), llm.Options{
		Temperature: 0.9,
		MaxTokens:   400,
		System:      systemPersona,
		Format:      llm.FormatFree,
	})
}

// LastWords opens a free-text stream for a dying seat's final speech.
func (r *Runner) LastWords(ctx context.Context, view game.Snapshot, history []string) <-chan llm.Event {
	return r.streamer.Generate(ctx, lastWordsPrompt(view, history), llm.Options{
		Temperature: 0.9,
		MaxTokens:   250,
		System:      systemPersona,
		Format:      llm.FormatFree,
	})
}

// Vote returns the chosen candidate seat, or game.Abstain.
func (r *Runner) Vote(ctx context.Context, view game.Snapshot, history []string, candidates []int) int {
	type voteReply struct {
		Vote json.RawMessage `json:"vote"`
	}
	target := game.Abstain
	ok := r.structured(ctx, votePrompt(view, history, candidates), func(raw []byte) bool {
		var reply voteReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return false
		}
		var s string
		if json.Unmarshal(reply.Vote, &s) == nil {
			if strings.EqualFold(s, "ABSTAIN") {
				target = game.Abstain
				return true
			}
			return false
		}
		var n int
		if json.Unmarshal(reply.Vote, &n) == nil && containsInt(candidates, n) {
			target = n
			return true
		}
		return false
	})
	if !ok {
		return game.Abstain
	}
	return target
}

// WolfKill returns the wolf's proposed target, zero for an empty knife.
// The fallback on persistent parse failure is a uniform random candidate.
func (r *Runner) WolfKill(ctx context.Context, view game.Snapshot, history []string, candidates []int) int {
	target, ok := r.targetReply(ctx, wolfKillPrompt(view, history, candidates), candidates, true)
	if !ok {
		return randomChoice(candidates)
	}
	return target
}

// SeerCheck returns the seat to inspect. The fallback is a uniform random
// alive non-self seat.
func (r *Runner) SeerCheck(ctx context.Context, view game.Snapshot, history []string, candidates []int) int {
	target, ok := r.targetReply(ctx, seerCheckPrompt(view, history, candidates), candidates, false)
	if !ok || target == 0 {
		return randomChoice(candidates)
	}
	return target
}

// WitchAct returns the witch's decision, honoring potion availability. The
// fallback is to use no potions.
func (r *Runner) WitchAct(ctx context.Context, view game.Snapshot, history []string, canSave bool, poisonCandidates []int) WitchDecision {
	decision := WitchDecision{}
	ok := r.structured(ctx, witchActPrompt(view, history, canSave, poisonCandidates), func(raw []byte) bool {
		var reply struct {
			Save         bool `json:"save"`
			PoisonTarget *int `json:"poison_target"`
		}
		if err := json.Unmarshal(raw, &reply); err != nil {
			return false
		}
		d := WitchDecision{Save: reply.Save}
		if reply.PoisonTarget != nil {
			d.PoisonTarget = *reply.PoisonTarget
		}
		if d.Save && !canSave {
			return false
		}
		if d.PoisonTarget != 0 {
			if view.Potions == nil || !view.Potions.HasPoison || !containsInt(poisonCandidates, d.PoisonTarget) {
				return false
			}
		}
		if d.Save && d.PoisonTarget != 0 {
			return false
		}
		decision = d
		return true
	})
	if !ok {
		return WitchDecision{}
	}
	return decision
}

// HunterShoot returns the hunter's target, zero to hold the shot.
func (r *Runner) HunterShoot(ctx context.Context, view game.Snapshot, history []string, candidates []int) int {
	target, ok := r.targetReply(ctx, hunterShootPrompt(view, history, candidates), candidates, true)
	if !ok {
		return 0
	}
	return target
}

// targetReply parses {"target": n} replies. allowNull accepts an explicit
// null as "skip".
func (r *Runner) targetReply(ctx context.Context, prompt string, candidates []int, allowNull bool) (int, bool) {
	target := 0
	ok := r.structured(ctx, prompt, func(raw []byte) bool {
		var reply struct {
			Target *int `json:"target"`
		}
		if err := json.Unmarshal(raw, &reply); err != nil {
			return false
		}
		if reply.Target == nil {
			if !allowNull {
				return false
			}
			target = 0
			return true
		}
		if !containsInt(candidates, *reply.Target) {
			return false
		}
		target = *reply.Target
		return true
	})
	return target, ok
}

// structured runs a JSON-options generation, revalidating up to two extra
// times with a stricter reminder before giving up.
func (r *Runner) structured(ctx context.Context, prompt string, accept func([]byte) bool) bool {
	attempt := prompt
	for i := 0; i <= structuredRetries; i++ {
		start := time.Now()
		text, err := llm.Collect(r.streamer.Generate(ctx, attempt, llm.Options{
			Temperature: 0.4,
			MaxTokens:   120,
			System:      systemPersona,
			Format:      llm.FormatJSONOptions,
		}))
		r.metrics.LLMStreamLatency.WithLabelValues("agent").Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			r.metrics.LLMStreamErrors.WithLabelValues(string(llm.KindOf(err))).Inc()
			if llm.KindOf(err) == llm.ErrCanceled {
				return false
			}
			attempt = prompt + strictReminder
			continue
		}
		if accept([]byte(extractJSON(text))) {
			return true
		}
		r.logger.Debug("agent reply rejected", zap.Int("attempt", i+1), zap.String("reply", text))
		attempt = prompt + strictReminder
	}
	return false
}

// extractJSON strips code fences and surrounding prose around the first
// top-level JSON object.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func containsInt(ns []int, n int) bool {
	for _, v := range ns {
		if v == n {
			return true
		}
	}
	return false
}

func randomChoice(ns []int) int {
	if len(ns) == 0 {
		return 0
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(ns))))
	if err != nil {
		return ns[0]
	}
	return ns[idx.Int64()]
}
