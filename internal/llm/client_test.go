package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamChatYieldsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, true, body["stream"])

		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: not json\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/v1/", "sk", time.Second, nil)
	s, err := client.StreamChat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		delta, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, delta)
	}
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestStreamChatReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk", time.Second, nil)
	_, err := client.StreamChat(context.Background(), "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestStreamErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `data: {"error":{"message":"context length exceeded"}}`+"\n\n")
	}))
	defer srv.Close()

	s, err := NewClient(srv.URL, "sk", time.Second, nil).StreamChat(context.Background(), "m", nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context length exceeded")
}
