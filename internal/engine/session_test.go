package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/RecipePlayground/internal/chain"
	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/payment"
	"github.com/digkill/RecipePlayground/internal/quota"
	"github.com/digkill/RecipePlayground/internal/recipeapi"
)

type textResponder func(ctx context.Context, req models.ExecutionRequest) (io.ReadCloser, error)

type fakeExecutor struct {
	mu    sync.Mutex
	text  []textResponder
	image func(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error)
	calls []models.ExecutionRequest
}

func (f *fakeExecutor) ExecuteText(ctx context.Context, req models.ExecutionRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	if n > len(f.text) {
		return nil, errors.New("unexpected execution")
	}
	return f.text[n-1](ctx, req)
}

func (f *fakeExecutor) ExecuteImage(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.image(ctx, req)
}

func (f *fakeExecutor) Calls() []models.ExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ExecutionRequest(nil), f.calls...)
}

func frames(chunks ...string) textResponder {
	return func(ctx context.Context, req models.ExecutionRequest) (io.ReadCloser, error) {
		var b strings.Builder
		for _, c := range chunks {
			b.WriteString("data: " + c + "\n\n")
		}
		return io.NopCloser(strings.NewReader(b.String())), nil
	}
}

func failWith(err error) textResponder {
	return func(ctx context.Context, req models.ExecutionRequest) (io.ReadCloser, error) {
		return nil, err
	}
}

type fakePayer struct {
	mu      sync.Mutex
	outcome payment.Outcome
	block   bool
	entered chan struct{}
	calls   []models.ExecutionRequest
}

func (p *fakePayer) Pay(ctx context.Context, req models.ExecutionRequest) payment.Outcome {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if p.block {
		close(p.entered)
		<-ctx.Done()
		return payment.Cancelled()
	}
	return p.outcome
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) count(phase Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.snaps {
		if s.Phase == phase {
			n++
		}
	}
	return n
}

func (r *recorder) partials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.snaps {
		if s.Phase == PhaseStreaming && s.Result.Content != "" {
			out = append(out, s.Result.Content)
		}
	}
	return out
}

type statusFetcher struct {
	status models.QuotaStatus
}

func (f *statusFetcher) FetchStatus(ctx context.Context) (models.QuotaStatus, error) {
	return f.status, nil
}

var textStep = models.RecipeStep{StepNumber: 1, ToolSlug: "chatgpt", PromptTemplate: "Write a haiku"}

func freeTracker(remaining int) *quota.Tracker {
	return quota.NewTrackerWithStatus(models.QuotaStatus{DailyFreeLimit: 3, DailyFreeUsed: 3 - remaining, RemainingFree: remaining, LoggedIn: true})
}

func newSession(t *testing.T, step models.RecipeStep, exec Executor, tracker *quota.Tracker, payer Payer, rec *recorder) *Session {
	t.Helper()
	cfg := Config{RecipeSlug: "blog", Category: "writing", Step: step, Executor: exec, Tracker: tracker, Payments: payer}
	if rec != nil {
		cfg.Observer = rec.observe
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

func TestTextStreamCompletesOnceAndDecrements(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{frames(`{"text":"Hello"}`, `{"text":" "}`, `{"text":"world"}`, "[DONE]")}}
	tracker := freeTracker(2)
	rec := &recorder{}
	s := newSession(t, textStep, exec, tracker, &fakePayer{}, rec)

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, "Hello world", snap.Result.Content)
	assert.Equal(t, 1, rec.count(PhaseCompleted))
	assert.Equal(t, []string{"Hello", "Hello ", "Hello world"}, rec.partials())

	status, _ := tracker.Status()
	assert.Equal(t, 1, status.RemainingFree)
	assert.Equal(t, 2, status.DailyFreeUsed)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].PaymentToken)
	assert.Equal(t, "writing", calls[0].Category)
}

func TestMalformedFrameDoesNotHaltStream(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{frames(`{"text":"A"}`, `{garbage`, `{"text":"B"}`, "[DONE]")}}
	s := newSession(t, textStep, exec, freeTracker(1), &fakePayer{}, nil)

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, "AB", snap.Result.Content)
}

func TestSequentialFreeRunsClampAtZero(t *testing.T) {
	const runs = 5
	responders := make([]textResponder, runs)
	for i := range responders {
		responders[i] = frames(`{"text":"ok"}`, "[DONE]")
	}
	exec := &fakeExecutor{text: responders}
	tracker := freeTracker(2)
	s := newSession(t, textStep, exec, tracker, &fakePayer{}, nil)

	completed := 0
	for i := 0; i < runs; i++ {
		s.Reset()
		snap, err := s.Execute(context.Background(), "", nil)
		require.NoError(t, err)
		if snap.Phase == PhaseCompleted {
			completed++
		} else {
			assert.Equal(t, PhasePaymentRequired, snap.Phase)
		}
		status, _ := tracker.Status()
		assert.Equal(t, max(0, 2-completed), status.RemainingFree)
	}
	assert.Equal(t, 2, completed)
	assert.Len(t, exec.Calls(), 2)
}

func TestNoFreeDispatchWhenExhausted(t *testing.T) {
	exec := &fakeExecutor{}
	rec := &recorder{}
	s := newSession(t, textStep, exec, freeTracker(0), &fakePayer{}, rec)

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PhasePaymentRequired, snap.Phase)
	assert.Empty(t, exec.Calls())
	assert.Nil(t, snap.Err)
}

func TestPaymentRequiredRaceDoesNotDecrement(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{failWith(&recipeapi.APIError{StatusCode: http.StatusPaymentRequired, Code: "FREE_LIMIT_REACHED"})}}
	tracker := freeTracker(1)
	s := newSession(t, textStep, exec, tracker, &fakePayer{}, nil)

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PhasePaymentRequired, snap.Phase)
	assert.Nil(t, snap.Err)

	status, _ := tracker.Status()
	assert.Equal(t, 1, status.RemainingFree)
}

func TestPaidExecutionCarriesTokenWithoutDecrement(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{frames(`{"text":"paid"}`, "[DONE]")}}
	tracker := freeTracker(0)
	payer := &fakePayer{outcome: payment.Success("pay_abc")}
	s := newSession(t, textStep, exec, tracker, payer, nil)

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	require.Equal(t, PhasePaymentRequired, snap.Phase)

	snap, err = s.Pay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, "paid", snap.Result.Content)
	assert.True(t, snap.HasPaymentToken)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pay_abc", calls[0].PaymentToken)

	status, _ := tracker.Status()
	assert.Equal(t, 0, status.RemainingFree)
	assert.Equal(t, 3, status.DailyFreeUsed)

	require.Len(t, payer.calls, 1)
	assert.Empty(t, payer.calls[0].PaymentToken)
}

func TestRetryAfterFailureReissuesIdenticalRequest(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{
		failWith(errors.New("connection reset by peer")),
		frames(`{"text":"second"}`, "[DONE]"),
	}}
	tracker := freeTracker(3)
	s := newSession(t, textStep, exec, tracker, &fakePayer{}, nil)

	snap, err := s.Execute(context.Background(), "custom prompt", nil)
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, snap.Phase)
	require.NotNil(t, snap.Err)
	assert.Equal(t, KindTransport, snap.Err.Kind)
	assert.True(t, snap.Err.Retryable())

	snap, err = s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, "second", snap.Result.Content)
	assert.Nil(t, snap.Err)
	assert.Equal(t, 2, snap.Attempt)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, "custom prompt", calls[1].Prompt)

	status, _ := tracker.Status()
	assert.Equal(t, 2, status.RemainingFree)
}

func TestRetryAfterPaymentReusesToken(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{
		failWith(errors.New("EOF")),
		frames(`{"text":"ok"}`, "[DONE]"),
	}}
	payer := &fakePayer{outcome: payment.Success("pay_1")}
	s := newSession(t, textStep, exec, freeTracker(0), payer, nil)

	_, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	snap, err := s.Pay(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, snap.Phase)

	snap, err = s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Len(t, payer.calls, 1)
	for _, call := range exec.Calls() {
		assert.Equal(t, "pay_1", call.PaymentToken)
	}
}

func TestUpstreamErrorIsSurfacedVerbatim(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{failWith(&recipeapi.APIError{StatusCode: 503, Code: "AI_UNAVAILABLE", Message: "model is overloaded"})}}
	s := newSession(t, textStep, exec, freeTracker(3), &fakePayer{}, nil)

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, snap.Phase)
	assert.Equal(t, KindUpstream, snap.Err.Kind)
	assert.Equal(t, "model is overloaded", snap.Err.Message)
}

func TestPaymentCancelledReturnsToIdle(t *testing.T) {
	rec := &recorder{}
	s := newSession(t, textStep, &fakeExecutor{}, freeTracker(0), &fakePayer{outcome: payment.Cancelled()}, rec)

	_, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	snap, err := s.Pay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Err)
	assert.Zero(t, rec.count(PhaseFailed))
}

func TestCancelPaymentWhileWidgetOpen(t *testing.T) {
	payer := &fakePayer{block: true, entered: make(chan struct{})}
	s := newSession(t, textStep, &fakeExecutor{}, freeTracker(0), payer, nil)

	_, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)

	result := make(chan Snapshot, 1)
	go func() {
		snap, _ := s.Pay(context.Background())
		result <- snap
	}()
	<-payer.entered

	_, err = s.Execute(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, s.CancelPayment())
	select {
	case snap := <-result:
		assert.Equal(t, PhaseIdle, snap.Phase)
		assert.Nil(t, snap.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("payment did not return after cancel")
	}
}

func TestCancelPaymentWithoutWidget(t *testing.T) {
	s := newSession(t, textStep, &fakeExecutor{}, freeTracker(0), &fakePayer{}, nil)
	assert.ErrorIs(t, s.CancelPayment(), ErrNoPaymentPending)

	_, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	require.NoError(t, s.CancelPayment())
	assert.Equal(t, PhaseIdle, s.Snapshot().Phase)
}

func TestPaymentSetupFailureIsDistinct(t *testing.T) {
	payer := &fakePayer{outcome: payment.Failed(&payment.SetupError{Reason: "client key missing"})}
	s := newSession(t, textStep, &fakeExecutor{}, freeTracker(0), payer, nil)

	_, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	snap, err := s.Pay(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, snap.Phase)
	assert.Equal(t, KindPaymentSetup, snap.Err.Kind)
	assert.False(t, snap.Err.Retryable())
	assert.ErrorIs(t, snap.Err, payment.ErrSetup)
}

func TestPayRequiresPendingPayment(t *testing.T) {
	s := newSession(t, textStep, &fakeExecutor{}, freeTracker(1), &fakePayer{}, nil)
	_, err := s.Pay(context.Background())
	assert.ErrorIs(t, err, ErrNoPaymentPending)
}

func TestRetryAbandonsPreviousStream(t *testing.T) {
	pr, pw := io.Pipe()
	exec := &fakeExecutor{text: []textResponder{
		func(ctx context.Context, req models.ExecutionRequest) (io.ReadCloser, error) { return pr, nil },
		frames(`{"text":"B"}`, "[DONE]"),
	}}
	tracker := freeTracker(3)

	streaming := make(chan struct{})
	var once sync.Once
	cfg := Config{RecipeSlug: "blog", Step: textStep, Executor: exec, Tracker: tracker, Payments: &fakePayer{}}
	cfg.Observer = func(s Snapshot) {
		if s.Phase == PhaseStreaming && s.Result.Content == "A" {
			once.Do(func() { close(streaming) })
		}
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)

	release := make(chan struct{})
	lateWrite := make(chan error, 1)
	go func() {
		_, _ = pw.Write([]byte("data: {\"text\":\"A\"}\n\n"))
		<-release
		_, err := pw.Write([]byte("data: {\"text\":\"Z\"}\n\n"))
		lateWrite <- err
	}()

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "", nil)
		firstDone <- err
	}()

	select {
	case <-streaming:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never streamed")
	}

	snap, err := s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, "B", snap.Result.Content)
	require.NoError(t, <-firstDone)

	close(release)
	assert.ErrorIs(t, <-lateWrite, io.ErrClosedPipe)

	assert.Equal(t, "B", s.Snapshot().Result.Content)
	status, _ := tracker.Status()
	assert.Equal(t, 2, status.RemainingFree)
}

func TestChainedStepWaitsForPrevious(t *testing.T) {
	step := models.RecipeStep{StepNumber: 2, ToolSlug: "chatgpt", PromptTemplate: "Summarize: {{previous_result}}", UsePreviousResult: true}
	exec := &fakeExecutor{text: []textResponder{frames(`{"text":"done"}`, "[DONE]")}}
	s := newSession(t, step, exec, freeTracker(3), &fakePayer{}, nil)

	_, err := s.Execute(context.Background(), "", nil)
	assert.ErrorIs(t, err, chain.ErrAwaitingPrevious)
	_, err = s.Execute(context.Background(), "", &chain.Previous{Completed: false, Result: models.TextResult("X")})
	assert.ErrorIs(t, err, chain.ErrAwaitingPrevious)
	assert.Empty(t, exec.Calls())

	snap, err := s.Execute(context.Background(), "", &chain.Previous{Completed: true, Result: models.TextResult("X")})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	require.Len(t, exec.Calls(), 1)
	assert.Equal(t, "Summarize: X", exec.Calls()[0].Prompt)
}

func TestQuotaPreconditions(t *testing.T) {
	loading := quota.NewTracker(nil)
	s := newSession(t, textStep, &fakeExecutor{}, loading, &fakePayer{}, nil)
	_, err := s.Execute(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrQuotaUnavailable)

	anonymous := quota.NewTrackerWithStatus(models.QuotaStatus{RemainingFree: 3, LoggedIn: false})
	s = newSession(t, textStep, &fakeExecutor{}, anonymous, &fakePayer{}, nil)
	_, err = s.Execute(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrLoginRequired)
}

func TestImageRunCompletesAtomically(t *testing.T) {
	step := models.RecipeStep{StepNumber: 1, ToolSlug: "flux", PromptTemplate: "A cat"}
	exec := &fakeExecutor{image: func(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
		return models.ImageResult("data:image/png;base64,AA==", "image/png"), nil
	}}
	tracker := freeTracker(1)
	rec := &recorder{}
	s := newSession(t, step, exec, tracker, &fakePayer{}, rec)
	assert.Equal(t, models.ExecutionImage, s.ExecutionType())

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, models.ResultImage, snap.Result.Kind)
	assert.Zero(t, rec.count(PhaseStreaming))
	assert.False(t, tracker.IsFree())
}

func TestMalformedImageResponseFails(t *testing.T) {
	step := models.RecipeStep{StepNumber: 1, ToolSlug: "nano-banana", PromptTemplate: "A cat"}
	exec := &fakeExecutor{image: func(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
		return models.ExecutionResult{}, recipeapi.ErrMalformedResponse
	}}
	tracker := freeTracker(1)
	s := newSession(t, step, exec, tracker, &fakePayer{}, nil)

	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, snap.Phase)
	assert.Equal(t, KindTransport, snap.Err.Kind)
	assert.True(t, tracker.IsFree())
}

func TestNewSessionRejectsInertSteps(t *testing.T) {
	for _, step := range []models.RecipeStep{
		{StepNumber: 1, ToolSlug: "chatgpt"},
		{StepNumber: 1, ToolSlug: "midjourney", PromptTemplate: "x"},
	} {
		_, err := NewSession(Config{Step: step, Executor: &fakeExecutor{}, Tracker: freeTracker(1), Payments: &fakePayer{}})
		assert.ErrorIs(t, err, ErrNotExecutable)
	}
}

func TestResetKeepsPaymentToken(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{
		failWith(errors.New("EOF")),
		frames(`{"text":"x"}`, "[DONE]"),
	}}
	payer := &fakePayer{outcome: payment.Success("pay_9")}
	tracker := freeTracker(0)
	s := newSession(t, textStep, exec, tracker, payer, nil)

	_, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	snap, err := s.Pay(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, snap.Phase)

	s.Reset()
	snap = s.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.True(t, snap.Result.IsZero())
	assert.True(t, snap.HasPaymentToken)

	_, err = s.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)

	snap, err = s.Execute(context.Background(), "edited prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, "x", snap.Result.Content)
	assert.Len(t, payer.calls, 1)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "edited prompt", calls[1].Prompt)
	assert.Equal(t, "pay_9", calls[1].PaymentToken)

	status, _ := tracker.Status()
	assert.Equal(t, 0, status.RemainingFree)
}

func TestHeldTokenUnusedWhileFreeRunsRemain(t *testing.T) {
	exec := &fakeExecutor{text: []textResponder{
		frames(`{"text":"paid"}`, "[DONE]"),
		frames(`{"text":"free"}`, "[DONE]"),
	}}
	fetcher := &statusFetcher{status: models.QuotaStatus{DailyFreeLimit: 3, DailyFreeUsed: 3, LoggedIn: true}}
	tracker := quota.NewTracker(fetcher)
	_, err := tracker.Refresh(context.Background())
	require.NoError(t, err)
	s := newSession(t, textStep, exec, tracker, &fakePayer{outcome: payment.Success("pay_2")}, nil)

	_, err = s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	_, err = s.Pay(context.Background())
	require.NoError(t, err)

	fetcher.status = models.QuotaStatus{DailyFreeLimit: 3, DailyFreeUsed: 2, RemainingFree: 1, LoggedIn: true}
	_, err = tracker.Refresh(context.Background())
	require.NoError(t, err)
	snap, err := s.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, snap.Phase)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[1].PaymentToken)
	status, _ := tracker.Status()
	assert.Equal(t, 0, status.RemainingFree)
}
