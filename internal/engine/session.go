// Package engine drives one recipe step through quota checks, execution,
// streaming and payment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/digkill/RecipePlayground/internal/chain"
	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/payment"
	"github.com/digkill/RecipePlayground/internal/quota"
	"github.com/digkill/RecipePlayground/internal/recipeapi"
	"github.com/digkill/RecipePlayground/internal/stream"
	"github.com/digkill/RecipePlayground/internal/tools"
	"github.com/digkill/RecipePlayground/pkg/metrics"
)

// Phase is where a session is in the execution lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseStreaming
	PhasePaymentRequired
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDispatching:
		return "dispatching"
	case PhaseStreaming:
		return "streaming"
	case PhasePaymentRequired:
		return "payment_required"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Executor sends execution requests to the server.
type Executor interface {
	// ExecuteText returns the framed response body. recipeapi.ErrPaymentRequired
	// marks quota exhaustion.
	ExecuteText(ctx context.Context, req models.ExecutionRequest) (io.ReadCloser, error)
	ExecuteImage(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error)
}

// Payer runs one payment attempt for a request.
type Payer interface {
	Pay(ctx context.Context, req models.ExecutionRequest) payment.Outcome
}

// Observer receives every state change, including each streamed chunk.
type Observer func(Snapshot)

// Config binds a session to one recipe step and its collaborators.
type Config struct {
	RecipeSlug string
	Category   string
	Step       models.RecipeStep
	Registry   *tools.Registry
	Executor   Executor
	Tracker    *quota.Tracker
	Payments   Payer
	Observer   Observer
	Log        *slog.Logger
}

// Snapshot is a copy of the session state handed to observers.
type Snapshot struct {
	Phase           Phase
	Result          models.ExecutionResult
	Err             *ExecutionError
	Request         models.ExecutionRequest
	Attempt         int
	HasPaymentToken bool
	RequestID       string
}

type run struct {
	gen    uint64
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	req    models.ExecutionRequest
	free   bool
}

type payAttempt struct {
	cancel context.CancelFunc
}

// Session owns at most one in-flight request for a step. Its methods are safe
// for concurrent use; runs execute on the calling goroutine.
type Session struct {
	cfg      Config
	execType models.ExecutionType
	log      *slog.Logger

	mu           sync.Mutex
	phase        Phase
	result       models.ExecutionResult
	err          *ExecutionError
	request      models.ExecutionRequest
	hasRequest   bool
	paymentToken string
	attempt      int
	requestID    string
	generation   uint64
	active       *run
	paying       *payAttempt
}

// NewSession returns an idle session, or ErrNotExecutable when the step's
// tool cannot run.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Registry == nil {
		cfg.Registry = tools.Default()
	}
	if !chain.Executable(cfg.Step, cfg.Registry) {
		return nil, fmt.Errorf("%w: tool=%q step=%d", ErrNotExecutable, cfg.Step.ToolSlug, cfg.Step.StepNumber)
	}
	if cfg.Executor == nil || cfg.Tracker == nil || cfg.Payments == nil {
		return nil, errors.New("new session: executor, tracker and payments are required")
	}
	log := cfg.Log
	if log != nil {
		log = log.With("recipe", cfg.RecipeSlug, "step", cfg.Step.StepNumber, "tool", cfg.Step.ToolSlug)
	}
	return &Session{
		cfg:      cfg,
		execType: cfg.Registry.ExecutionType(cfg.Step),
		log:      log,
	}, nil
}

func (s *Session) Step() models.RecipeStep { return s.cfg.Step }

func (s *Session) ExecutionType() models.ExecutionType { return s.execType }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:           s.phase,
		Result:          s.result,
		Err:             s.err,
		Request:         s.request,
		Attempt:         s.attempt,
		HasPaymentToken: s.paymentToken != "",
		RequestID:       s.requestID,
	}
}

// Execute runs the step with prompt, or with the step's template when prompt
// is empty. prev is the step before this one and is only consulted when the
// step uses the previous result. A payment token held by the session is
// attached only when no free runs are left. Execute blocks until the run
// completes, fails or requires payment.
func (s *Session) Execute(ctx context.Context, prompt string, prev *chain.Previous) (Snapshot, error) {
	if prompt == "" {
		prompt = s.cfg.Step.PromptTemplate
	}
	resolved, err := chain.Resolve(s.cfg.Step, prompt, prev)
	if err != nil {
		return s.Snapshot(), err
	}
	if strings.TrimSpace(resolved) == "" {
		return s.Snapshot(), ErrNotExecutable
	}
	if err := s.checkIdle(); err != nil {
		return s.Snapshot(), err
	}
	if err := s.checkQuota(); err != nil {
		return s.Snapshot(), err
	}

	req := models.ExecutionRequest{
		RecipeSlug:   s.cfg.RecipeSlug,
		StepNumber:   s.cfg.Step.StepNumber,
		ToolSlug:     s.cfg.Step.ToolSlug,
		Prompt:       resolved,
		Category:     s.cfg.Category,
		SystemPrompt: s.cfg.Step.SystemPrompt,
	}
	if !s.cfg.Tracker.IsFree() {
		s.mu.Lock()
		req.PaymentToken = s.paymentToken
		s.mu.Unlock()
	}
	return s.dispatch(ctx, req)
}

// Retry abandons any run in flight, waits for it to exit and reissues the last
// request with the last payment token attached.
func (s *Session) Retry(ctx context.Context) (Snapshot, error) {
	s.abandon()

	s.mu.Lock()
	if !s.hasRequest {
		s.mu.Unlock()
		return s.Snapshot(), ErrNothingToRetry
	}
	if s.paying != nil {
		s.mu.Unlock()
		return s.Snapshot(), ErrBusy
	}
	req := s.request
	req.PaymentToken = s.paymentToken
	s.mu.Unlock()

	if req.PaymentToken == "" {
		if err := s.checkQuota(); err != nil {
			return s.Snapshot(), err
		}
	}
	return s.dispatch(ctx, req)
}

// Pay runs the payment flow for a session waiting in PaymentRequired. On
// success the token is kept on the session and a paid request is dispatched.
// The wait for the payment has no timeout of its own.
func (s *Session) Pay(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.phase != PhasePaymentRequired {
		s.mu.Unlock()
		return s.Snapshot(), ErrNoPaymentPending
	}
	if s.paying != nil || s.active != nil {
		s.mu.Unlock()
		return s.Snapshot(), ErrBusy
	}
	payCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.paying = &payAttempt{cancel: cancel}
	gen := s.generation
	req := s.request
	s.mu.Unlock()

	outcome := s.cfg.Payments.Pay(payCtx, req)

	s.mu.Lock()
	s.paying = nil
	if outcome.Status == payment.StatusSuccess {
		s.paymentToken = outcome.Token
	}
	if gen != s.generation {
		// Reset while the widget was open.
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}

	switch outcome.Status {
	case payment.StatusSuccess:
		s.mu.Unlock()
		req.PaymentToken = outcome.Token
		return s.dispatch(ctx, req)
	case payment.StatusCancelled:
		s.phase = PhaseIdle
		s.err = nil
	default:
		s.phase = PhaseFailed
		s.err = paymentError(outcome)
		metrics.SessionOutcomes.WithLabelValues(s.cfg.Step.ToolSlug, PhaseFailed.String()).Inc()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return snap, nil
}

// CancelPayment returns a session waiting for payment to Idle without an
// error. An open payment widget is abandoned.
func (s *Session) CancelPayment() error {
	s.mu.Lock()
	if s.paying != nil {
		cancel := s.paying.cancel
		s.mu.Unlock()
		cancel()
		return nil
	}
	if s.phase != PhasePaymentRequired {
		s.mu.Unlock()
		return ErrNoPaymentPending
	}
	s.phase = PhaseIdle
	s.err = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// Reset abandons any run or payment and clears the result, for example after
// the prompt was edited. A payment token already obtained is kept and the next
// Execute uses it once the free runs are gone.
func (s *Session) Reset() {
	s.abandon()

	s.mu.Lock()
	if s.paying != nil {
		s.paying.cancel()
	}
	s.generation++
	s.phase = PhaseIdle
	s.result = models.ExecutionResult{}
	s.err = nil
	s.request = models.ExecutionRequest{}
	s.hasRequest = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
}

func (s *Session) checkIdle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || s.paying != nil {
		return ErrBusy
	}
	return nil
}

func (s *Session) checkQuota() error {
	status, loaded := s.cfg.Tracker.Status()
	if !loaded {
		return ErrQuotaUnavailable
	}
	if !status.LoggedIn {
		return ErrLoginRequired
	}
	return nil
}

// dispatch starts a run for req and executes it on the calling goroutine. A
// tokenless request is never sent while the tracker reports no free runs left.
func (s *Session) dispatch(parent context.Context, req models.ExecutionRequest) (Snapshot, error) {
	free := req.PaymentToken == ""
	if free && !s.cfg.Tracker.IsFree() {
		s.mu.Lock()
		if s.active != nil || s.paying != nil {
			s.mu.Unlock()
			return s.Snapshot(), ErrBusy
		}
		s.generation++
		s.phase = PhasePaymentRequired
		s.result = models.ExecutionResult{}
		s.err = nil
		s.request = req
		s.hasRequest = true
		snap := s.snapshotLocked()
		s.mu.Unlock()

		metrics.SessionOutcomes.WithLabelValues(req.ToolSlug, PhasePaymentRequired.String()).Inc()
		s.publish(snap)
		return snap, nil
	}

	r, snap, err := s.begin(parent, req, free)
	if err != nil {
		return s.Snapshot(), err
	}
	s.publish(snap)
	defer s.finish(r)

	if s.execType == models.ExecutionImage {
		s.executeImage(r)
	} else {
		s.executeText(r)
	}
	return s.Snapshot(), nil
}

func (s *Session) begin(parent context.Context, req models.ExecutionRequest, free bool) (*run, Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || s.paying != nil {
		return nil, Snapshot{}, ErrBusy
	}

	ctx, cancel := context.WithCancel(parent)
	s.generation++
	r := &run{
		gen:    s.generation,
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		req:    req,
		free:   free,
	}
	s.active = r

	stored := req
	stored.PaymentToken = ""
	s.request = stored
	s.hasRequest = true
	s.phase = PhaseDispatching
	s.result = models.ExecutionResult{}
	s.err = nil
	s.attempt++
	s.requestID = r.id

	if s.log != nil {
		s.log.Info("dispatching execution", "request_id", r.id, "attempt", s.attempt, "free", free)
	}
	return r, s.snapshotLocked(), nil
}

func (s *Session) finish(r *run) {
	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()
	r.cancel()
	close(r.done)
}

// abandon cancels the active run, if any, and waits until it has exited and
// closed its response body. Updates still in flight from it are discarded.
func (s *Session) abandon() {
	s.mu.Lock()
	r := s.active
	if r == nil {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.mu.Unlock()

	r.cancel()
	<-r.done
	if s.log != nil {
		s.log.Info("abandoned execution", "request_id", r.id)
	}
}

func (s *Session) executeImage(r *run) {
	result, err := s.cfg.Executor.ExecuteImage(r.ctx, r.req)
	if err != nil {
		s.fail(r, err)
		return
	}
	s.complete(r, result)
}

func (s *Session) executeText(r *run) {
	body, err := s.cfg.Executor.ExecuteText(r.ctx, r.req)
	if err != nil {
		s.fail(r, err)
		return
	}
	defer body.Close()
	stop := context.AfterFunc(r.ctx, func() { _ = body.Close() })
	defer stop()

	if !s.update(r, func() { s.phase = PhaseStreaming }) {
		return
	}

	decoder := stream.NewDecoder(body)
	assembler := stream.NewAssembler()
	for {
		frame, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.fail(r, err)
			return
		}
		if stream.IsTerminal(frame) {
			break
		}
		before := len(assembler.Text())
		text := assembler.Append(frame)
		if len(text) == before {
			continue
		}
		if !s.update(r, func() { s.result = models.TextResult(text) }) {
			return
		}
	}

	if dropped := assembler.Dropped(); dropped > 0 && s.log != nil {
		s.log.Warn("dropped undecodable frames", "request_id", r.id, "count", dropped)
	}
	s.complete(r, models.TextResult(assembler.Text()))
}

// update applies fn and publishes the new state unless r was superseded.
func (s *Session) update(r *run, fn func()) bool {
	s.mu.Lock()
	if r.gen != s.generation {
		s.mu.Unlock()
		return false
	}
	fn()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return true
}

func (s *Session) complete(r *run, result models.ExecutionResult) {
	s.mu.Lock()
	if r.gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseCompleted
	s.result = result
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if r.free {
		s.cfg.Tracker.DecrementLocally()
	}
	metrics.SessionOutcomes.WithLabelValues(r.req.ToolSlug, PhaseCompleted.String()).Inc()
	if s.log != nil {
		s.log.Info("execution completed", "request_id", r.id, "free", r.free)
	}
	s.publish(snap)
}

func (s *Session) fail(r *run, err error) {
	if errors.Is(err, recipeapi.ErrPaymentRequired) {
		if s.update(r, func() {
			s.phase = PhasePaymentRequired
			s.result = models.ExecutionResult{}
		}) {
			metrics.SessionOutcomes.WithLabelValues(r.req.ToolSlug, PhasePaymentRequired.String()).Inc()
			if s.log != nil {
				s.log.Info("payment required", "request_id", r.id)
			}
		}
		return
	}
	if ctxErr := r.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}

	execErr := classify(err)
	if s.update(r, func() {
		s.phase = PhaseFailed
		s.err = execErr
	}) {
		metrics.SessionOutcomes.WithLabelValues(r.req.ToolSlug, PhaseFailed.String()).Inc()
		if s.log != nil {
			s.log.Error("execution failed", "request_id", r.id, "kind", string(execErr.Kind), "err", err)
		}
	}
}

func (s *Session) publish(snap Snapshot) {
	if s.cfg.Observer != nil {
		s.cfg.Observer(snap)
	}
}
