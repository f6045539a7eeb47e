package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/service"
	"github.com/digkill/RecipePlayground/internal/stream"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"logged_in":        false,
			"daily_free_used":  0,
			"daily_free_limit": s.executions.Limit(),
		})
		return
	}

	status, err := s.executions.Status(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logged_in":         true,
		"daily_free_used":   status.DailyFreeUsed,
		"daily_free_limit":  status.DailyFreeLimit,
		"remaining_free":    status.RemainingFree,
		"total_free_used":   status.TotalFreeUsed,
		"total_paid_used":   status.TotalPaidUsed,
		"total_paid_amount": status.TotalPaidAmount,
	})
}

type executeRequest struct {
	RecipeSlug   string `json:"recipe_slug"`
	Step         *int   `json:"step"`
	ToolSlug     string `json:"tool_slug"`
	Prompt       string `json:"prompt"`
	Category     string `json:"category"`
	SystemPrompt string `json:"system_prompt"`
	PaymentID    string `json:"payment_id"`
}

// decodeExecute validates the common execute body. It writes the error
// response itself and reports false when the request must stop.
func (s *Server) decodeExecute(w http.ResponseWriter, r *http.Request) (models.ExecutionRequest, bool) {
	var body executeRequest
	if !decodeBody(w, r, &body) {
		return models.ExecutionRequest{}, false
	}
	if body.RecipeSlug == "" || body.ToolSlug == "" || body.Prompt == "" || body.Step == nil {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS", nil)
		return models.ExecutionRequest{}, false
	}
	if utf8.RuneCountInString(body.Prompt) > s.opts.MaxPromptLength {
		writeError(w, http.StatusBadRequest, "PROMPT_TOO_LONG", map[string]any{"max": s.opts.MaxPromptLength})
		return models.ExecutionRequest{}, false
	}
	if utf8.RuneCountInString(body.SystemPrompt) > s.opts.MaxSystemPromptLength {
		writeError(w, http.StatusBadRequest, "SYSTEM_PROMPT_TOO_LONG", map[string]any{"max": s.opts.MaxSystemPromptLength})
		return models.ExecutionRequest{}, false
	}
	return models.ExecutionRequest{
		RecipeSlug:   body.RecipeSlug,
		StepNumber:   *body.Step,
		ToolSlug:     body.ToolSlug,
		Prompt:       body.Prompt,
		Category:     body.Category,
		SystemPrompt: body.SystemPrompt,
		PaymentToken: body.PaymentID,
	}, true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}

	run, err := s.executions.StartText(r.Context(), userID(r), req)
	if err != nil {
		s.writeServiceError(w, err, req)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Provider", run.Provider)
	h.Set("X-Is-Free", strconv.FormatBool(run.Grant.Free))
	h.Set("X-Remaining-Free", strconv.Itoa(run.Grant.RemainingFree))
	w.WriteHeader(http.StatusOK)

	sw := stream.NewWriter(w)
	var backendErr, writeErr error
	for {
		delta, err := run.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				backendErr = err
			}
			break
		}
		if writeErr = sw.WriteText(delta); writeErr != nil {
			break
		}
	}
	if backendErr == nil && writeErr == nil {
		writeErr = sw.WriteDone()
	}

	switch {
	case backendErr != nil:
		run.Finish(backendErr)
		s.log.Error("text stream failed", "recipe", req.RecipeSlug, "step", req.StepNumber, "model", run.Model, "err", backendErr)
		// Abort the connection so the client sees a broken stream rather
		// than a clean end of body.
		panic(http.ErrAbortHandler)
	case writeErr != nil:
		run.Finish(writeErr)
		s.log.Warn("client went away during stream", "recipe", req.RecipeSlug, "err", writeErr)
	default:
		run.Finish(nil)
	}
}

func (s *Server) handleExecuteImage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}

	run, err := s.executions.GenerateImage(r.Context(), userID(r), req)
	if err != nil {
		s.writeServiceError(w, err, req)
		return
	}

	resp := map[string]any{
		"success": true,
		"image": map[string]any{
			"base64":   run.Image.Base64(),
			"mimeType": run.Image.Mime,
			"dataUrl":  run.Image.DataURL(),
		},
		"is_free":        run.Grant.Free,
		"remaining_free": run.Grant.RemainingFree,
	}
	if run.ArtifactURL != "" {
		resp["url"] = run.ArtifactURL
	}
	w.Header().Set("X-Provider", run.Provider)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.executions.History(r.Context(), userID(r), limit, offset)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if entries == nil {
		entries = []models.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": entries,
		"total":      len(entries),
	})
}

type createOrderRequest struct {
	RecipeSlug string `json:"recipe_slug"`
	Step       *int   `json:"step"`
	ToolSlug   string `json:"tool_slug"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var body createOrderRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RecipeSlug == "" || body.ToolSlug == "" || body.Step == nil {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS", nil)
		return
	}

	order, err := s.payments.CreateOrder(r.Context(), userID(r), body.RecipeSlug, *body.Step, body.ToolSlug)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type confirmRequest struct {
	PaymentKey string `json:"payment_key"`
	OrderID    string `json:"order_id"`
	Amount     int    `json:"amount"`
	Method     string `json:"method"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body confirmRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.PaymentKey == "" || body.OrderID == "" || body.Amount == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_FIELDS", nil)
		return
	}

	p, err := s.payments.Confirm(r.Context(), userID(r), body.PaymentKey, body.OrderID, body.Amount, body.Method)
	if err != nil {
		s.writeServiceError(w, err, models.ExecutionRequest{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"payment_key": p.PaymentKey,
		"order_id":    p.OrderID,
		"method":      p.Method,
	})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := s.payments.List(r.Context(), userID(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": list})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", nil)
			return
		}
	}

	var evt service.WebhookEvent
	if !decodeBody(w, r, &evt) {
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), evt); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", nil)
		return false
	}
	return true
}
