// Package chain resolves the effective prompt of a recipe step from the result
// of the step before it.
package chain

import (
	"errors"
	"strings"

	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/tools"
)

// Placeholder is replaced with the previous step's text.
const Placeholder = "{{previous_result}}"

var (
	ErrAwaitingPrevious = errors.New("previous step has not completed yet")
	ErrPreviousNotText  = errors.New("previous step result is not text")
)

// Previous describes the step immediately before the one being resolved.
type Previous struct {
	Completed bool
	Result    models.ExecutionResult
}

// Resolve returns the prompt to dispatch for step. prompt is the template as
// currently edited by the user.
func Resolve(step models.RecipeStep, prompt string, prev *Previous) (string, error) {
	if !step.UsePreviousResult {
		return prompt, nil
	}
	if prev == nil || !prev.Completed || prev.Result.IsZero() {
		return "", ErrAwaitingPrevious
	}
	if prev.Result.Kind != models.ResultText {
		return "", ErrPreviousNotText
	}
	// Only the first placeholder is filled; later ones stay literal.
	return strings.Replace(prompt, Placeholder, prev.Result.Content, 1), nil
}

// Executable reports whether a step gets orchestration at all.
func Executable(step models.RecipeStep, registry *tools.Registry) bool {
	return strings.TrimSpace(step.PromptTemplate) != "" && registry.Recognized(step.ToolSlug)
}
