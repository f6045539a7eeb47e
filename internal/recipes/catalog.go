// Package recipes loads the recipe catalog shown by the bot.
package recipes

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/digkill/RecipePlayground/internal/models"
)

var ErrNotFound = errors.New("recipe not found")

type file struct {
	Recipes []models.Recipe `yaml:"recipes"`
}

type Catalog struct {
	recipes []models.Recipe
	bySlug  map[string]int
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipes file: %w", err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse recipes file %s: %w", path, err)
	}
	return catalog, nil
}

// Parse decodes a catalog and orders the steps of every recipe by number.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	c := &Catalog{bySlug: make(map[string]int, len(f.Recipes))}
	for _, r := range f.Recipes {
		if r.Slug == "" {
			return nil, fmt.Errorf("recipe %q has no slug", r.Title)
		}
		if _, dup := c.bySlug[r.Slug]; dup {
			return nil, fmt.Errorf("duplicate recipe slug %q", r.Slug)
		}
		sort.SliceStable(r.Steps, func(i, j int) bool { return r.Steps[i].StepNumber < r.Steps[j].StepNumber })
		for i, step := range r.Steps {
			if step.StepNumber <= 0 {
				return nil, fmt.Errorf("recipe %q: step %d has no number", r.Slug, i+1)
			}
			if i > 0 && r.Steps[i-1].StepNumber == step.StepNumber {
				return nil, fmt.Errorf("recipe %q: duplicate step %d", r.Slug, step.StepNumber)
			}
		}
		c.bySlug[r.Slug] = len(c.recipes)
		c.recipes = append(c.recipes, r)
	}
	return c, nil
}

func (c *Catalog) List() []models.Recipe {
	return c.recipes
}

func (c *Catalog) Get(slug string) (models.Recipe, error) {
	idx, ok := c.bySlug[slug]
	if !ok {
		return models.Recipe{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return c.recipes[idx], nil
}

// Step returns step n of a recipe and, when there is one, the step before it.
func (c *Catalog) Step(slug string, n int) (step models.RecipeStep, prev *models.RecipeStep, err error) {
	recipe, err := c.Get(slug)
	if err != nil {
		return models.RecipeStep{}, nil, err
	}
	for i, s := range recipe.Steps {
		if s.StepNumber != n {
			continue
		}
		if i > 0 {
			p := recipe.Steps[i-1]
			prev = &p
		}
		return s, prev, nil
	}
	return models.RecipeStep{}, nil, fmt.Errorf("%w: %s step %d", ErrNotFound, slug, n)
}
