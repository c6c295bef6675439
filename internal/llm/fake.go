package llm

import (
	"context"
	"strings"
	"sync"
)

// StreamerFunc adapts a function to the Streamer interface.
type StreamerFunc func(ctx context.Context, prompt string, opts Options) <-chan Event

func (f StreamerFunc) Generate(ctx context.Context, prompt string, opts Options) <-chan Event {
	return f(ctx, prompt, opts)
}

// ScriptedStreamer replays canned responses matched by prompt substring, in
// registration order, streaming each word as a separate chunk. Used by tests
// and local development to drive games deterministically without an upstream.
type ScriptedStreamer struct {
	mu      sync.Mutex
	rules   []scriptRule
	Default string
}

type scriptRule struct {
	match     string
	responses []string
	next      int
}

func NewScripted() *ScriptedStreamer {
	return &ScriptedStreamer{Default: "..."}
}

// Respond registers responses returned, one per call, for prompts containing
// match. After the list is exhausted the last response repeats.
func (s *ScriptedStreamer) Respond(match string, responses ...string) *ScriptedStreamer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, scriptRule{match: match, responses: responses})
	return s
}

func (s *ScriptedStreamer) pick(prompt string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		r := &s.rules[i]
		if strings.Contains(prompt, r.match) {
			idx := r.next
			if idx >= len(r.responses) {
				idx = len(r.responses) - 1
			}
			r.next++
			return r.responses[idx]
		}
	}
	return s.Default
}

func (s *ScriptedStreamer) Generate(ctx context.Context, prompt string, opts Options) <-chan Event {
	out := make(chan Event, 16)
	text := s.pick(prompt)
	go func() {
		defer close(out)
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			select {
			case out <- Event{Delta: w}:
			case <-ctx.Done():
				out <- Event{Err: &StreamError{Kind: ErrCanceled, Err: ctx.Err()}}
				return
			}
		}
		out <- Event{Done: true}
	}()
	return out
}
