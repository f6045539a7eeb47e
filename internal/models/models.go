package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type ExecutionType string

const (
	ExecutionText  ExecutionType = "text"
	ExecutionImage ExecutionType = "image"
	ExecutionCode  ExecutionType = "code"
)

// Streams reports whether results of this type arrive as a text stream.
func (t ExecutionType) Streams() bool {
	return t == ExecutionText || t == ExecutionCode
}

type ResultKind string

const (
	ResultText  ResultKind = "text"
	ResultImage ResultKind = "image"
)

// QuotaStatus is the caller's view of the daily free allowance.
type QuotaStatus struct {
	DailyFreeUsed  int       `json:"daily_free_used"`
	DailyFreeLimit int       `json:"daily_free_limit"`
	RemainingFree  int       `json:"remaining_free"`
	LoggedIn       bool      `json:"logged_in"`
	AsOf           time.Time `json:"-"`
}

type RecipeStep struct {
	StepNumber        int           `yaml:"step" json:"step"`
	Title             string        `yaml:"title" json:"title"`
	ToolSlug          string        `yaml:"tool_slug" json:"tool_slug"`
	ExecutionType     ExecutionType `yaml:"execution_type" json:"execution_type,omitempty"`
	PromptTemplate    string        `yaml:"prompt" json:"prompt"`
	SystemPrompt      string        `yaml:"system_prompt" json:"system_prompt,omitempty"`
	UsePreviousResult bool          `yaml:"use_previous" json:"use_previous"`
}

type Recipe struct {
	Slug     string       `yaml:"slug" json:"slug"`
	Title    string       `yaml:"title" json:"title"`
	Category string       `yaml:"category" json:"category"`
	Steps    []RecipeStep `yaml:"steps" json:"steps"`
}

// ExecutionRequest is the body of the execute endpoints. A new value is built
// for every attempt.
type ExecutionRequest struct {
	RecipeSlug   string `json:"recipe_slug"`
	StepNumber   int    `json:"step"`
	ToolSlug     string `json:"tool_slug"`
	Prompt       string `json:"prompt"`
	Category     string `json:"category,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	PaymentToken string `json:"payment_id,omitempty"`
}

type ExecutionResult struct {
	Kind     ResultKind `json:"kind"`
	Content  string     `json:"content,omitempty"`
	DataURL  string     `json:"data_url,omitempty"`
	MimeType string     `json:"mime_type,omitempty"`
}

func TextResult(content string) ExecutionResult {
	return ExecutionResult{Kind: ResultText, Content: content}
}

func ImageResult(dataURL, mimeType string) ExecutionResult {
	return ExecutionResult{Kind: ResultImage, DataURL: dataURL, MimeType: mimeType}
}

func (r ExecutionResult) IsZero() bool {
	return r.Kind == ""
}

// ImageBytes decodes the base64 payload of an image data URL.
func (r ExecutionResult) ImageBytes() ([]byte, error) {
	if r.Kind != ResultImage {
		return nil, fmt.Errorf("result is not an image")
	}
	_, payload, ok := strings.Cut(r.DataURL, ";base64,")
	if !ok {
		return nil, fmt.Errorf("data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return data, nil
}

type PaymentOrder struct {
	OrderID          string `json:"order_id"`
	AmountMinorUnits int    `json:"amount"`
	DisplayName      string `json:"order_name"`
	PaymentID        int64  `json:"payment_id,omitempty"`
	Currency         string `json:"currency,omitempty"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is one row of the order ledger kept by the server.
type Payment struct {
	ID          int64         `json:"-"`
	UserID      string        `json:"-"`
	OrderID     string        `json:"order_id"`
	PaymentKey  string        `json:"payment_key,omitempty"`
	RecipeSlug  string        `json:"recipe_slug"`
	StepNumber  int           `json:"step"`
	ToolSlug    string        `json:"tool_slug"`
	Amount      int           `json:"amount"`
	Currency    string        `json:"currency"`
	OrderName   string        `json:"order_name"`
	Method      string        `json:"method,omitempty"`
	Status      PaymentStatus `json:"status"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// UsageRecord holds the per-user counters behind the status endpoint.
type UsageRecord struct {
	UserID          string
	DailyFreeUsed   int
	DailyResetDate  time.Time
	TotalFreeUsed   int
	TotalPaidUsed   int
	TotalPaidAmount int
}

type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "success"
	ExecutionErrored   ExecutionStatus = "error"
)

type ExecutionLog struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"-"`
	RecipeSlug    string          `json:"recipe_slug"`
	StepNumber    int             `json:"step_number"`
	ToolSlug      string          `json:"tool_slug"`
	ExecutionType ExecutionType   `json:"execution_type"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	IsFree        bool            `json:"is_free"`
	PaidAmount    int             `json:"paid_amount"`
	PaymentID     string          `json:"payment_id,omitempty"`
	Status        ExecutionStatus `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ArtifactURL   string          `json:"artifact_url,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
