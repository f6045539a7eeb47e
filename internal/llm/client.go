// Package llm streams chat completions from an OpenAI-compatible backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/digkill/RecipePlayground/internal/stream"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient returns a client whose headerTimeout bounds the wait for the
// first response byte. The body itself is bounded by the request context.
func NewClient(baseURL, apiKey string, headerTimeout time.Duration, log *slog.Logger) *Client {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: headerTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		log: log,
	}
}

// Stream yields content deltas of one completion.
type Stream struct {
	body    io.ReadCloser
	decoder *stream.Decoder
	done    bool
}

// StreamChat opens a streamed completion. Errors before the first byte of the
// body are returned here so callers can fall back to another model.
func (c *Client) StreamChat(ctx context.Context, model string, messages []Message) (*Stream, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post completion: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if c.log != nil {
			c.log.Error("completion request failed", "model", model, "status", resp.StatusCode, "body", truncateBody(raw))
		}
		return nil, fmt.Errorf("completion error: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}

	return &Stream{body: resp.Body, decoder: stream.NewDecoder(resp.Body)}, nil
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Next returns the next non-empty delta, or io.EOF when the completion ends.
func (s *Stream) Next() (string, error) {
	for !s.done {
		frame, err := s.decoder.Next()
		if err != nil {
			s.done = true
			return "", err
		}
		if stream.IsTerminal(frame) {
			s.done = true
			break
		}
		var c chunk
		if err := json.Unmarshal([]byte(frame.Data), &c); err != nil {
			continue
		}
		if c.Error != nil {
			s.done = true
			return "", errors.New("completion stream error: " + c.Error.Message)
		}
		var text strings.Builder
		for _, choice := range c.Choices {
			text.WriteString(choice.Delta.Content)
		}
		if text.Len() > 0 {
			return text.String(), nil
		}
	}
	return "", io.EOF
}

func (s *Stream) Close() error {
	return s.body.Close()
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
