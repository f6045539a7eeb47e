package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/digkill/RecipePlayground/internal/kie"
	"github.com/digkill/RecipePlayground/internal/llm"
	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/tools"
	"github.com/digkill/RecipePlayground/pkg/metrics"
)

type UsageStore interface {
	Get(ctx context.Context, userID string, today time.Time) (models.UsageRecord, error)
	ConsumeFree(ctx context.Context, userID string, limit int) (bool, error)
	ReleaseFree(ctx context.Context, userID string) error
	AddPaid(ctx context.Context, userID string, amount int) error
}

type ExecutionStore interface {
	Log(ctx context.Context, entry *models.ExecutionLog) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.ExecutionLog, error)
}

type TextStream interface {
	Next() (string, error)
	Close() error
}

type TextBackend interface {
	Open(ctx context.Context, model, systemPrompt, prompt string) (TextStream, error)
}

type ImageBackend interface {
	Generate(ctx context.Context, model string, opts kie.GenerateOptions) (*kie.Image, error)
}

type Archiver interface {
	Archive(ctx context.Context, recipeSlug string, step int, data []byte, contentType string) (string, error)
}

// LLMBackend adapts the chat completion client to TextBackend.
func LLMBackend(c *llm.Client) TextBackend {
	return llmBackend{client: c}
}

type llmBackend struct {
	client *llm.Client
}

func (b llmBackend) Open(ctx context.Context, model, systemPrompt, prompt string) (TextStream, error) {
	stream, err := b.client.StreamChat(ctx, model, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

type ExecutionConfig struct {
	DailyFreeLimit int
	Price          int
}

type ExecutionService struct {
	cfg      ExecutionConfig
	log      *slog.Logger
	usage    UsageStore
	payments PaymentStore
	history  ExecutionStore
	registry *tools.Registry
	text     TextBackend
	image    ImageBackend
	archive  Archiver
	now      func() time.Time
}

// NewExecutionService wires the execution rules. archive may be nil.
func NewExecutionService(cfg ExecutionConfig, log *slog.Logger, usage UsageStore, payments PaymentStore, history ExecutionStore, registry *tools.Registry, text TextBackend, image ImageBackend, archive Archiver) *ExecutionService {
	if registry == nil {
		registry = tools.Default()
	}
	return &ExecutionService{
		cfg:      cfg,
		log:      log,
		usage:    usage,
		payments: payments,
		history:  history,
		registry: registry,
		text:     text,
		image:    image,
		archive:  archive,
		now:      time.Now,
	}
}

func (s *ExecutionService) Limit() int { return s.cfg.DailyFreeLimit }

func (s *ExecutionService) Price() int { return s.cfg.Price }

// Status is the quota view returned to a logged-in caller.
type Status struct {
	DailyFreeUsed   int `json:"daily_free_used"`
	DailyFreeLimit  int `json:"daily_free_limit"`
	RemainingFree   int `json:"remaining_free"`
	TotalFreeUsed   int `json:"total_free_used"`
	TotalPaidUsed   int `json:"total_paid_used"`
	TotalPaidAmount int `json:"total_paid_amount"`
}

func (s *ExecutionService) Status(ctx context.Context, userID string) (Status, error) {
	rec, err := s.usage.Get(ctx, userID, s.now())
	if err != nil {
		return Status{}, fmt.Errorf("get usage: %w", err)
	}
	return Status{
		DailyFreeUsed:   rec.DailyFreeUsed,
		DailyFreeLimit:  s.cfg.DailyFreeLimit,
		RemainingFree:   max(0, s.cfg.DailyFreeLimit-rec.DailyFreeUsed),
		TotalFreeUsed:   rec.TotalFreeUsed,
		TotalPaidUsed:   rec.TotalPaidUsed,
		TotalPaidAmount: rec.TotalPaidAmount,
	}, nil
}

// Grant is the billing decision for one execution.
type Grant struct {
	Free          bool
	PaymentKey    string
	RemainingFree int
}

func (g Grant) billing() string {
	if g.Free {
		return "free"
	}
	return "paid"
}

// Authorize takes a free execution when one is left today. Otherwise the
// request must carry the key of a confirmed payment made by userID for the
// same recipe step and tool.
func (s *ExecutionService) Authorize(ctx context.Context, userID string, req models.ExecutionRequest) (Grant, error) {
	rec, err := s.usage.Get(ctx, userID, s.now())
	if err != nil {
		return Grant{}, fmt.Errorf("get usage: %w", err)
	}

	ok, err := s.usage.ConsumeFree(ctx, userID, s.cfg.DailyFreeLimit)
	if err != nil {
		return Grant{}, err
	}
	if ok {
		return Grant{Free: true, RemainingFree: max(0, s.cfg.DailyFreeLimit-rec.DailyFreeUsed-1)}, nil
	}

	if req.PaymentToken == "" {
		return Grant{}, &LimitError{Used: rec.DailyFreeUsed, Limit: s.cfg.DailyFreeLimit, Price: s.cfg.Price}
	}

	p, err := s.payments.FindByPaymentKey(ctx, req.PaymentToken)
	if err != nil {
		return Grant{}, fmt.Errorf("find payment: %w", err)
	}
	switch {
	case p == nil,
		p.Status != models.PaymentConfirmed,
		p.UserID != userID,
		p.RecipeSlug != req.RecipeSlug,
		p.StepNumber != req.StepNumber,
		p.ToolSlug != req.ToolSlug:
		return Grant{}, ErrInvalidPayment
	}
	return Grant{PaymentKey: req.PaymentToken}, nil
}

func (s *ExecutionService) release(userID string, grant Grant) {
	if !grant.Free {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.usage.ReleaseFree(ctx, userID); err != nil {
		s.log.Error("failed to release free execution", "user_id", userID, "err", err)
	}
}

func (s *ExecutionService) tool(req models.ExecutionRequest, streams bool) (tools.Tool, error) {
	tool, ok := s.registry.Lookup(req.ToolSlug)
	if !ok || tool.Type.Streams() != streams {
		return tools.Tool{}, ErrUnsupportedTool
	}
	return tool, nil
}

// TextRun is an opened text execution. The caller drains it with Next and
// must call Finish exactly once.
type TextRun struct {
	Grant    Grant
	Provider string
	Model    string

	svc       *ExecutionService
	userID    string
	req       models.ExecutionRequest
	tool      tools.Tool
	stream    TextStream
	delivered bool
	started   time.Time
}

func (s *ExecutionService) StartText(ctx context.Context, userID string, req models.ExecutionRequest) (*TextRun, error) {
	tool, err := s.tool(req, true)
	if err != nil {
		return nil, err
	}
	grant, err := s.Authorize(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	system := SystemPrompt(req.Category, req.SystemPrompt)
	target := tool.Target
	started := s.now()
	stream, err := s.text.Open(ctx, target.Model, system, req.Prompt)
	if err != nil && tool.Fallback != nil {
		s.log.Warn("primary model failed, trying fallback", "tool", tool.Slug, "model", target.Model, "err", err)
		target = *tool.Fallback
		stream, err = s.text.Open(ctx, target.Model, system, req.Prompt)
	}
	if err != nil {
		s.release(userID, grant)
		s.record(userID, req, tool, target, grant, "", err)
		metrics.ExecutionsTotal.WithLabelValues(tool.Slug, grant.billing(), "error").Inc()
		return nil, &BackendError{Code: CodeAIUnavailable, Err: err}
	}

	return &TextRun{
		Grant:    grant,
		Provider: target.Provider,
		Model:    target.Model,
		svc:      s,
		userID:   userID,
		req:      req,
		tool:     tool,
		stream:   stream,
		started:  started,
	}, nil
}

// Next returns the next text delta, or io.EOF at the end of the completion.
func (r *TextRun) Next() (string, error) {
	delta, err := r.stream.Next()
	if err == nil && delta != "" {
		r.delivered = true
	}
	return delta, err
}

// Finish closes the backend stream and records the run. A failure before any
// text reached the caller gives the free execution back.
func (r *TextRun) Finish(streamErr error) {
	if errors.Is(streamErr, io.EOF) {
		streamErr = nil
	}
	_ = r.stream.Close()

	s := r.svc
	target := tools.Target{Provider: r.Provider, Model: r.Model}
	metrics.BackendCallDuration.WithLabelValues(r.Provider, r.Model).Observe(s.now().Sub(r.started).Seconds())

	status := "success"
	if streamErr != nil {
		status = "error"
		if !r.delivered {
			s.release(r.userID, r.Grant)
		}
	}
	metrics.ExecutionsTotal.WithLabelValues(r.tool.Slug, r.Grant.billing(), status).Inc()
	s.record(r.userID, r.req, r.tool, target, r.Grant, "", streamErr)
}

// ImageRun is a completed image execution.
type ImageRun struct {
	Grant       Grant
	Image       *kie.Image
	Provider    string
	ArtifactURL string
}

func (s *ExecutionService) GenerateImage(ctx context.Context, userID string, req models.ExecutionRequest) (*ImageRun, error) {
	tool, err := s.tool(req, false)
	if err != nil {
		return nil, err
	}
	grant, err := s.Authorize(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	started := s.now()
	img, err := s.image.Generate(ctx, tool.Target.Model, kie.GenerateOptions{Prompt: req.Prompt})
	metrics.BackendCallDuration.WithLabelValues(tool.Target.Provider, tool.Target.Model).Observe(s.now().Sub(started).Seconds())
	if err != nil {
		s.release(userID, grant)
		s.record(userID, req, tool, tool.Target, grant, "", err)
		metrics.ExecutionsTotal.WithLabelValues(tool.Slug, grant.billing(), "error").Inc()
		return nil, &BackendError{Code: CodeImageGenFailed, Err: err}
	}

	run := &ImageRun{Grant: grant, Image: img, Provider: tool.Target.Provider}
	if s.archive != nil {
		url, err := s.archive.Archive(ctx, req.RecipeSlug, req.StepNumber, img.Bytes, img.Mime)
		if err != nil {
			s.log.Warn("failed to archive image", "recipe", req.RecipeSlug, "step", req.StepNumber, "err", err)
		} else {
			run.ArtifactURL = url
		}
	}

	metrics.ExecutionsTotal.WithLabelValues(tool.Slug, grant.billing(), "success").Inc()
	s.record(userID, req, tool, tool.Target, grant, run.ArtifactURL, nil)
	return run, nil
}

func (s *ExecutionService) record(userID string, req models.ExecutionRequest, tool tools.Tool, target tools.Target, grant Grant, artifactURL string, runErr error) {
	entry := &models.ExecutionLog{
		UserID:        userID,
		RecipeSlug:    req.RecipeSlug,
		StepNumber:    req.StepNumber,
		ToolSlug:      req.ToolSlug,
		ExecutionType: tool.Type,
		Provider:      target.Provider,
		Model:         target.Model,
		IsFree:        grant.Free,
		PaymentID:     grant.PaymentKey,
		Status:        models.ExecutionSucceeded,
		ArtifactURL:   artifactURL,
	}
	if !grant.Free {
		entry.PaidAmount = s.cfg.Price
	}
	if runErr != nil {
		entry.Status = models.ExecutionErrored
		entry.ErrorMessage = runErr.Error()
	}

	// The request context may already be gone once a stream ends.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Log(ctx, entry); err != nil {
		s.log.Error("failed to log execution", "user_id", userID, "recipe", req.RecipeSlug, "err", err)
	}
}

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

func (s *ExecutionService) History(ctx context.Context, userID string, limit, offset int) ([]models.ExecutionLog, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.history.ListByUser(ctx, userID, limit, offset)
}
