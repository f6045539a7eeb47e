// Package kie generates images through the KIE asynchronous jobs API.
package kie

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	log          *slog.Logger
	pollInterval time.Duration
	maxAttempts  int
}

type GenerateOptions struct {
	Prompt       string
	AspectRatio  string
	Resolution   string
	OutputFormat string
}

type Image struct {
	URL   string
	Bytes []byte
	Mime  string
}

// Base64 returns the image payload encoded for a data URL.
func (i *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Bytes)
}

func (i *Image) DataURL() string {
	return "data:" + i.Mime + ";base64," + i.Base64()
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
		pollInterval: 2 * time.Second,
		maxAttempts:  60,
	}
}

// Generate runs model for opts and downloads the first resulting image.
func (c *Client) Generate(ctx context.Context, model string, opts GenerateOptions) (*Image, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	if opts.AspectRatio == "" {
		opts.AspectRatio = "1:1"
	}
	if opts.Resolution == "" {
		opts.Resolution = "1K"
	}

	payload, err := buildPayload(model, opts)
	if err != nil {
		return nil, err
	}

	taskID, err := c.createTask(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	resultURL, err := c.pollTaskStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, resultURL)
}

func buildPayload(model string, opts GenerateOptions) (map[string]any, error) {
	switch model {
	case "flux-2":
		return map[string]any{
			"model": "flux-2/pro-text-to-image",
			"input": map[string]any{
				"prompt":       opts.Prompt,
				"aspect_ratio": opts.AspectRatio,
				"resolution":   opts.Resolution,
			},
		}, nil
	case "nano-banana-pro":
		format := strings.ToLower(opts.OutputFormat)
		if format == "" {
			format = "png"
		}
		return map[string]any{
			"model": "nano-banana-pro",
			"input": map[string]any{
				"prompt":        opts.Prompt,
				"aspect_ratio":  opts.AspectRatio,
				"resolution":    opts.Resolution,
				"output_format": format,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported image model: %s", model)
	}
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}
	if c.log != nil {
		c.log.Info("creating KIE task", "url", fullURL, "model", payload["model"])
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	rawBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("decode create task response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("create task failed: code=%d msg=%s", createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}
	return createResp.Data.TaskID, nil
}

func (c *Client) pollTaskStatus(ctx context.Context, taskID string) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		rawBody, err := c.do(req)
		if err != nil {
			return "", err
		}

		var statusResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				State      string `json:"state"`
				ResultJSON string `json:"resultJson"`
				FailCode   string `json:"failCode"`
				FailMsg    string `json:"failMsg"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rawBody, &statusResp); err != nil {
			return "", fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(rawBody))
		}
		if statusResp.Code != 200 {
			return "", fmt.Errorf("get task status failed: code=%d msg=%s", statusResp.Code, statusResp.Msg)
		}

		switch statusResp.Data.State {
		case "success":
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
				return "", fmt.Errorf("parse resultJson: %w", err)
			}
			if len(result.ResultURLs) == 0 {
				return "", fmt.Errorf("no resultUrls in result")
			}
			if c.log != nil {
				c.log.Info("KIE task completed", "task_id", taskID, "attempt", attempt+1)
			}
			return result.ResultURLs[0], nil

		case "fail":
			failMsg := statusResp.Data.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			if c.log != nil {
				c.log.Error("KIE task failed", "task_id", taskID, "fail_code", statusResp.Data.FailCode, "fail_msg", failMsg)
			}
			return "", fmt.Errorf("task failed: %s (code: %s)", failMsg, statusResp.Data.FailCode)

		case "waiting", "generating", "processing", "queued", "queueing":
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}

		default:
			return "", fmt.Errorf("unknown task state: %s", statusResp.Data.State)
		}
	}

	return "", fmt.Errorf("task timeout after %d attempts", c.maxAttempts)
}

func (c *Client) download(ctx context.Context, resultURL string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download image: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("download image: unexpected content type %q", mime)
	}
	return &Image{URL: resultURL, Bytes: data, Mime: mime}, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request kie: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("KIE request failed", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("kie error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}
	return rawBody, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
