package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds upstream client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &Client{
		cfg: cfg,
		// No client-level timeout: streams are bounded per-request via context.
		httpClient: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate opens one streaming completion. Chunks arrive on the returned
// channel; the channel closes after the terminal event.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		messages := make([]chatMessage, 0, 2)
		if opts.System != "" {
			messages = append(messages, chatMessage{Role: "system", Content: opts.System})
		}
		messages = append(messages, chatMessage{Role: "user", Content: prompt})

		req := chatRequest{
			Model:       c.cfg.Model,
			Messages:    messages,
			Stream:      true,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Stop:        opts.Stop,
		}
		if opts.Format == FormatJSONOptions {
			req.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
		}

		body, err := json.Marshal(req)
		if err != nil {
			out <- Event{Err: &StreamError{Kind: ErrUpstream, Err: err}}
			return
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			out <- Event{Err: &StreamError{Kind: ErrUpstream, Err: err}}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			out <- Event{Err: classifyTransport(ctx, reqCtx, err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			kind := ErrUpstream
			if resp.StatusCode == http.StatusTooManyRequests {
				kind = ErrRateLimited
			}
			out <- Event{Err: &StreamError{Kind: kind, Err: fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))}}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				out <- Event{Done: true}
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- Event{Delta: delta}:
				case <-reqCtx.Done():
					out <- Event{Err: classifyTransport(ctx, reqCtx, reqCtx.Err())}
					return
				}
			}
			if chunk.Choices[0].FinishReason != "" {
				out <- Event{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Event{Err: classifyTransport(ctx, reqCtx, err)}
			return
		}
		// Upstream closed without [DONE]; treat as clean end-of-message.
		out <- Event{Done: true}
	}()

	return out
}

func classifyTransport(parent, reqCtx context.Context, err error) *StreamError {
	switch {
	case parent.Err() != nil:
		return &StreamError{Kind: ErrCanceled, Err: err}
	case reqCtx.Err() != nil:
		return &StreamError{Kind: ErrTimeout, Err: err}
	default:
		return &StreamError{Kind: ErrUpstream, Err: err}
	}
}
