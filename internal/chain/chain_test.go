package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/tools"
)

func TestResolveWithoutChainingKeepsPrompt(t *testing.T) {
	step := models.RecipeStep{PromptTemplate: "write about {{previous_result}}"}
	got, err := Resolve(step, step.PromptTemplate, nil)
	require.NoError(t, err)
	assert.Equal(t, "write about {{previous_result}}", got)
}

func TestResolveWaitsForPreviousStep(t *testing.T) {
	step := models.RecipeStep{StepNumber: 2, PromptTemplate: "summarize: {{previous_result}}", UsePreviousResult: true}

	_, err := Resolve(step, step.PromptTemplate, nil)
	assert.ErrorIs(t, err, ErrAwaitingPrevious)

	_, err = Resolve(step, step.PromptTemplate, &Previous{Completed: false, Result: models.TextResult("partial")})
	assert.ErrorIs(t, err, ErrAwaitingPrevious)

	got, err := Resolve(step, step.PromptTemplate, &Previous{Completed: true, Result: models.TextResult("X")})
	require.NoError(t, err)
	assert.Equal(t, "summarize: X", got)
}

func TestResolveFillsFirstPlaceholderOnly(t *testing.T) {
	step := models.RecipeStep{UsePreviousResult: true}
	got, err := Resolve(step, "{{previous_result}} / {{previous_result}}", &Previous{Completed: true, Result: models.TextResult("ok")})
	require.NoError(t, err)
	assert.Equal(t, "ok / {{previous_result}}", got)
}

func TestResolveRejectsImageResults(t *testing.T) {
	step := models.RecipeStep{UsePreviousResult: true}
	_, err := Resolve(step, "{{previous_result}}", &Previous{Completed: true, Result: models.ImageResult("data:image/png;base64,AA==", "image/png")})
	assert.ErrorIs(t, err, ErrPreviousNotText)
}

func TestExecutable(t *testing.T) {
	registry := tools.Default()
	assert.True(t, Executable(models.RecipeStep{ToolSlug: "chatgpt", PromptTemplate: "hi"}, registry))
	assert.False(t, Executable(models.RecipeStep{ToolSlug: "chatgpt", PromptTemplate: "  "}, registry))
	assert.False(t, Executable(models.RecipeStep{ToolSlug: "midjourney", PromptTemplate: "hi"}, registry))
}
