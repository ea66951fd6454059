package pipeline

import (
	"context"

	"swimalign/internal/recipe"
)

// RecipeAligner aligns sections with the SWIM recipe.
type RecipeAligner struct {
	Env recipe.Env
}

// NewRecipeAligner returns an Aligner sharing env across all sections.
func NewRecipeAligner(env recipe.Env) *RecipeAligner {
	return &RecipeAligner{Env: env}
}

// Align runs one section with its own copy of the environment.
func (a *RecipeAligner) Align(ctx context.Context, t Task) recipe.AlignmentResult {
	env := a.Env
	env.FirstIncluded = t.FirstIncluded
	return recipe.Align(ctx, t.Settings, env)
}
