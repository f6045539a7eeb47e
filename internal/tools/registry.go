package tools

import (
	"sort"

	"github.com/digkill/RecipePlayground/internal/models"
)

// Target names the backend model a tool is served by.
type Target struct {
	Provider string
	Model    string
}

type Tool struct {
	Slug     string
	Name     string
	Type     models.ExecutionType
	Target   Target
	Fallback *Target
}

// Registry maps tool slugs to the tools that can be executed in place.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(list ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(list))}
	for _, t := range list {
		r.tools[t.Slug] = t
	}
	return r
}

// Default returns the built-in set of executable tools.
func Default() *Registry {
	return NewRegistry(
		Tool{
			Slug:     "chatgpt",
			Name:     "ChatGPT",
			Type:     models.ExecutionText,
			Target:   Target{Provider: "openai", Model: "gpt-4o-mini"},
			Fallback: &Target{Provider: "openai", Model: "gpt-4.1-mini"},
		},
		Tool{
			Slug:     "claude",
			Name:     "Claude",
			Type:     models.ExecutionText,
			Target:   Target{Provider: "openai", Model: "claude-3-5-haiku"},
			Fallback: &Target{Provider: "openai", Model: "gpt-4o-mini"},
		},
		Tool{
			Slug:     "gemini",
			Name:     "Gemini",
			Type:     models.ExecutionText,
			Target:   Target{Provider: "openai", Model: "gemini-2.0-flash"},
			Fallback: &Target{Provider: "openai", Model: "gpt-4o-mini"},
		},
		Tool{
			Slug:   "deepseek",
			Name:   "DeepSeek",
			Type:   models.ExecutionCode,
			Target: Target{Provider: "openai", Model: "deepseek-chat"},
		},
		Tool{
			Slug:   "nano-banana",
			Name:   "Nano Banana Pro",
			Type:   models.ExecutionImage,
			Target: Target{Provider: "kie", Model: "nano-banana-pro"},
		},
		Tool{
			Slug:   "flux",
			Name:   "Flux",
			Type:   models.ExecutionImage,
			Target: Target{Provider: "kie", Model: "flux-2"},
		},
	)
}

func (r *Registry) Lookup(slug string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[slug]
	return t, ok
}

// Recognized reports whether a tool slug can be executed in place.
func (r *Registry) Recognized(slug string) bool {
	_, ok := r.Lookup(slug)
	return ok
}

// ExecutionType resolves the execution type of a step, preferring the type
// declared on the step itself.
func (r *Registry) ExecutionType(step models.RecipeStep) models.ExecutionType {
	if step.ExecutionType != "" {
		return step.ExecutionType
	}
	if t, ok := r.Lookup(step.ToolSlug); ok {
		return t.Type
	}
	return models.ExecutionText
}

func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.tools))
	for slug := range r.tools {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
