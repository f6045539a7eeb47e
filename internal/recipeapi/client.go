// Package recipeapi is the HTTP client for the recipe execution API.
package recipeapi

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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/digkill/RecipePlayground/internal/models"
)

var (
	// ErrPaymentRequired matches a 402 from either execute endpoint.
	ErrPaymentRequired = errors.New("payment required")
	// ErrMalformedResponse means the server answered with a body that could not
	// be interpreted: a non-JSON error page, or JSON missing required fields.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError is an explicit error payload returned by the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("recipe api: status=%d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("recipe api: status=%d %s", e.StatusCode, e.Code)
}

func (e *APIError) Is(target error) bool {
	return target == ErrPaymentRequired && e.StatusCode == http.StatusPaymentRequired
}

// Display returns the message intended for the end user.
func (e *APIError) Display() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

type Options struct {
	BaseURL string
	APIKey  string
	// Timeout bounds non-streaming calls. Streaming calls are bounded by the
	// caller's context only.
	Timeout time.Duration
	Log     *slog.Logger
}

type Client struct {
	baseURL      string
	apiKey       string
	userID       string
	httpClient   *http.Client
	streamClient *http.Client
	log          *slog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		httpClient:   &http.Client{Timeout: timeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
		log:          opts.Log,
	}
}

// WithUser returns a copy of the client that acts on behalf of userID.
func (c *Client) WithUser(userID string) *Client {
	clone := *c
	clone.userID = userID
	return &clone
}

func (c *Client) FetchStatus(ctx context.Context) (models.QuotaStatus, error) {
	var body struct {
		DailyFreeUsed  int  `json:"daily_free_used"`
		DailyFreeLimit int  `json:"daily_free_limit"`
		RemainingFree  *int `json:"remaining_free"`
		LoggedIn       bool `json:"logged_in"`
	}
	if err := c.getJSON(ctx, "/api/recipe/status", nil, &body); err != nil {
		return models.QuotaStatus{}, fmt.Errorf("fetch status: %w", err)
	}
	remaining := 0
	switch {
	case body.RemainingFree != nil:
		remaining = *body.RemainingFree
	case body.LoggedIn:
		return models.QuotaStatus{}, fmt.Errorf("fetch status: %w: remaining_free missing", ErrMalformedResponse)
	}
	return models.QuotaStatus{
		DailyFreeUsed:  body.DailyFreeUsed,
		DailyFreeLimit: body.DailyFreeLimit,
		RemainingFree:  remaining,
		LoggedIn:       body.LoggedIn,
		AsOf:           time.Now().UTC(),
	}, nil
}

// ExecuteText starts a streamed execution. On success the caller owns the
// returned body and must close it.
func (c *Client) ExecuteText(ctx context.Context, req models.ExecutionRequest) (io.ReadCloser, error) {
	resp, err := c.post(ctx, c.streamClient, "/api/recipe/execute", req)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("execute: %w", c.errorFromResponse(resp))
	}
	if c.log != nil {
		c.log.Debug("execution stream opened",
			"recipe", req.RecipeSlug,
			"step", req.StepNumber,
			"provider", resp.Header.Get("X-Provider"),
			"is_free", resp.Header.Get("X-Is-Free"),
		)
	}
	return resp.Body, nil
}

func (c *Client) ExecuteImage(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	resp, err := c.post(ctx, c.streamClient, "/api/recipe/execute-image", req)
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("execute image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return models.ExecutionResult{}, fmt.Errorf("execute image: %w", c.errorFromResponse(resp))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("execute image: read body: %w", err)
	}
	var body struct {
		Image *struct {
			DataURL  string `json:"dataUrl"`
			MimeType string `json:"mimeType"`
		} `json:"image"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.ExecutionResult{}, fmt.Errorf("execute image: %w: %v (body=%s)", ErrMalformedResponse, err, truncateBody(raw))
	}
	if body.Image == nil || body.Image.DataURL == "" {
		return models.ExecutionResult{}, fmt.Errorf("execute image: %w: image data missing", ErrMalformedResponse)
	}
	mime := body.Image.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return models.ImageResult(body.Image.DataURL, mime), nil
}

func (c *Client) CreateOrder(ctx context.Context, recipeSlug string, step int, toolSlug string) (models.PaymentOrder, error) {
	payload := map[string]any{
		"recipe_slug": recipeSlug,
		"step":        step,
		"tool_slug":   toolSlug,
	}
	var order models.PaymentOrder
	if err := c.postJSON(ctx, "/api/recipe/payment/create", payload, &order); err != nil {
		return models.PaymentOrder{}, fmt.Errorf("create order: %w", err)
	}
	if order.OrderID == "" || order.AmountMinorUnits <= 0 {
		return models.PaymentOrder{}, fmt.Errorf("create order: %w: order_id or amount missing", ErrMalformedResponse)
	}
	return order, nil
}

// ConfirmPayment reports a completed provider charge for orderID.
func (c *Client) ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int) error {
	payload := map[string]any{
		"payment_key": paymentKey,
		"order_id":    orderID,
		"amount":      amount,
	}
	if err := c.postJSON(ctx, "/api/recipe/payment/confirm", payload, nil); err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}
	return nil
}

func (c *Client) History(ctx context.Context, limit, offset int) ([]models.ExecutionLog, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	var body struct {
		Executions []models.ExecutionLog `json:"executions"`
	}
	if err := c.getJSON(ctx, "/api/recipe/history", query, &body); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return body.Executions, nil
}

func (c *Client) ListPayments(ctx context.Context) ([]models.Payment, error) {
	var body struct {
		Payments []models.Payment `json:"payments"`
	}
	if err := c.getJSON(ctx, "/api/recipe/payment/list", nil, &body); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return body.Payments, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	resp, err := c.post(ctx, c.httpClient, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) decode(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		return c.errorFromResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v (body=%s)", ErrMalformedResponse, err, truncateBody(raw))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
}

// errorFromResponse turns a non-2xx response into an *APIError, or into an
// ErrMalformedResponse when the body carries no error payload.
func (c *Client) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || (body.Error == "" && body.Message == "") {
		if c.log != nil {
			c.log.Warn("recipe api returned opaque error", "status", resp.StatusCode, "body", truncateBody(raw))
		}
		if resp.StatusCode == http.StatusPaymentRequired {
			return &APIError{StatusCode: resp.StatusCode, Code: "FREE_LIMIT_REACHED"}
		}
		return fmt.Errorf("%w: status=%d body=%s", ErrMalformedResponse, resp.StatusCode, truncateBody(raw))
	}
	code := body.Error
	if code == "" {
		code = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Code: code, Message: body.Message}
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
