package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, chunks []string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q},\"finish_reason\":\"\"}]}\n\n", c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestClientStreamsChunks(t *testing.T) {
	srv := sseServer(t, []string{"Night ", "falls."}, http.StatusOK)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	var deltas []string
	var done bool
	for ev := range c.Generate(context.Background(), "narrate", Options{}) {
		require.NoError(t, ev.Err)
		if ev.Delta != "" {
			deltas = append(deltas, ev.Delta)
		}
		if ev.Done {
			done = true
		}
	}
	assert.True(t, done)
	assert.Equal(t, []string{"Night ", "falls."}, deltas)
}

func TestClientClassifiesRateLimit(t *testing.T) {
	srv := sseServer(t, nil, http.StatusTooManyRequests)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	_, err := Collect(c.Generate(context.Background(), "narrate", Options{}))
	require.Error(t, err)
	assert.Equal(t, ErrRateLimited, KindOf(err))
}

func TestClientClassifiesUpstreamError(t *testing.T) {
	srv := sseServer(t, nil, http.StatusInternalServerError)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	_, err := Collect(c.Generate(context.Background(), "narrate", Options{}))
	require.Error(t, err)
	assert.Equal(t, ErrUpstream, KindOf(err))
}

func TestClientCancellation(t *testing.T) {
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer blocked.Close()

	c := NewClient(Config{BaseURL: blocked.URL, Model: "test-model", Timeout: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Collect(c.Generate(ctx, "narrate", Options{}))
	require.Error(t, err)
	assert.Equal(t, ErrCanceled, KindOf(err))
}

func TestScriptedStreamerMatchOrder(t *testing.T) {
	s := NewScripted().
		Respond("vote", `{"vote": 3}`, `{"vote": 4}`).
		Respond("kill", `{"target": 7}`)
	s.Default = "fallback"

	got, err := Collect(s.Generate(context.Background(), "please vote now", Options{}))
	require.NoError(t, err)
	assert.Equal(t, `{"vote": 3}`, got)

	got, _ = Collect(s.Generate(context.Background(), "please vote now", Options{}))
	assert.Equal(t, `{"vote": 4}`, got)

	// Exhausted rules repeat their last response.
	got, _ = Collect(s.Generate(context.Background(), "please vote now", Options{}))
	assert.Equal(t, `{"vote": 4}`, got)

	got, _ = Collect(s.Generate(context.Background(), "kill tonight", Options{}))
	assert.Equal(t, `{"target": 7}`, got)

	got, _ = Collect(s.Generate(context.Background(), "unmatched", Options{}))
	assert.Equal(t, "fallback", got)
}
