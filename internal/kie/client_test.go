package kie

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestGeneratePollsAndDownloads(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/createTask":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "nano-banana-pro", body["model"])
			_, _ = io.WriteString(w, `{"code":200,"data":{"taskId":"t1"}}`)
		case "/api/v1/jobs/recordInfo":
			assert.Equal(t, "t1", r.URL.Query().Get("taskId"))
			if polls.Add(1) == 1 {
				_, _ = io.WriteString(w, `{"code":200,"data":{"state":"generating"}}`)
				return
			}
			result, _ := json.Marshal(map[string]any{"resultUrls": []string{srv.URL + "/img.png"}})
			resp, _ := json.Marshal(map[string]any{"code": 200, "data": map[string]any{"state": "success", "resultJson": string(result)}})
			_, _ = w.Write(resp)
		case "/img.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngHeader)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second, nil)
	c.pollInterval = time.Millisecond

	img, err := c.Generate(context.Background(), "nano-banana-pro", GenerateOptions{Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.Mime)
	assert.Equal(t, pngHeader, img.Bytes)
	assert.Contains(t, img.DataURL(), "data:image/png;base64,")
	assert.Equal(t, int32(2), polls.Load())
}

func TestGenerateReportsTaskFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/jobs/createTask" {
			_, _ = io.WriteString(w, `{"code":200,"data":{"taskId":"t1"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"code":200,"data":{"state":"fail","failCode":"400","failMsg":"nsfw"}}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "key", time.Second, nil).Generate(context.Background(), "flux-2", GenerateOptions{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nsfw")
}

func TestGenerateRejectsUnknownModel(t *testing.T) {
	_, err := NewClient("http://unused", "key", time.Second, nil).Generate(context.Background(), "dalle", GenerateOptions{Prompt: "x"})
	assert.Error(t, err)
}
