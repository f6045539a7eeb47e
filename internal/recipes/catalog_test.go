package recipes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/RecipePlayground/internal/chain"
	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/tools"
)

const sample = `
recipes:
  - slug: blog-post
    title: Blog post in two steps
    category: writing
    steps:
      - step: 2
        title: Polish
        tool_slug: claude
        prompt: "Polish this draft: {{previous_result}}"
        use_previous: true
      - step: 1
        title: Draft
        tool_slug: chatgpt
        prompt: Draft a post about Go generics
        system_prompt: You are a technical writer.
  - slug: cover
    title: Cover image
    category: design
    steps:
      - step: 1
        tool_slug: flux
        execution_type: image
        prompt: A gopher reading a cookbook
`

func TestParseOrdersSteps(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, c.List(), 2)

	r, err := c.Get("blog-post")
	require.NoError(t, err)
	require.Len(t, r.Steps, 2)
	assert.Equal(t, 1, r.Steps[0].StepNumber)
	assert.Equal(t, "You are a technical writer.", r.Steps[0].SystemPrompt)
	assert.True(t, r.Steps[1].UsePreviousResult)

	cover, err := c.Get("cover")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionImage, cover.Steps[0].ExecutionType)
}

func TestStepReturnsPrevious(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	step, prev, err := c.Step("blog-post", 2)
	require.NoError(t, err)
	assert.Equal(t, "claude", step.ToolSlug)
	require.NotNil(t, prev)
	assert.Equal(t, 1, prev.StepNumber)

	_, prev, err = c.Step("blog-post", 1)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, _, err = c.Step("blog-post", 9)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte("recipes:\n  - slug: a\n  - slug: a\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("recipes:\n  - slug: a\n    steps:\n      - step: 1\n      - step: 1\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.List(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestShippedCatalogIsExecutable(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "recipes.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, c.List())

	registry := tools.Default()
	for _, r := range c.List() {
		for i, step := range r.Steps {
			assert.True(t, chain.Executable(step, registry), "%s step %d", r.Slug, step.StepNumber)
			if step.UsePreviousResult {
				assert.Greater(t, i, 0, "%s step %d chains from nothing", r.Slug, step.StepNumber)
				assert.Contains(t, step.PromptTemplate, chain.Placeholder)
			}
		}
	}
}
