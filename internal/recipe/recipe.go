// Package recipe aligns one section against its reference by running an
// ordered list of correlation ingredients and composing their affines.
package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"swimalign/internal/affine"
	"swimalign/internal/swim"
)

// Recipe is one alignment attempt for one section at one level.
type Recipe struct {
	Settings    SwimSettings
	Ingredients []*Ingredient

	env Env
	log *slog.Logger

	initAfm  affine.Affine
	afm      affine.Affine
	snr      []float64
	mir      *swim.MirAffines
	complete bool
	message  string
	errs     []string
	finished time.Time
	thumb    string
}

// New returns an unassembled recipe.
func New(settings SwimSettings, env Env) *Recipe {
	log := env.logger().With("section", settings.Index, "level", settings.Level)
	return &Recipe{
		Settings: settings,
		env:      env,
		log:      log,
		initAfm:  affine.Identity(),
		afm:      affine.Identity(),
	}
}

func (r *Recipe) even(n int, what string) int {
	e := EnsureEven(n)
	if e != n {
		r.log.Warn("odd size bumped to even", "what", what, "from", n, "to", e)
	}
	return e
}

func (r *Recipe) evenWindow(w [2]int, what string) [2]int {
	return [2]int{r.even(w[0], what+" width"), r.even(w[1], what+" height")}
}

// quadrantCenters returns the UL, UR, LL, LR window centres.
func quadrantCenters(c affine.Point, w [2]int) []affine.Point {
	dx, dy := float64(w[0])/2.0, float64(w[1])/2.0
	return []affine.Point{
		{X: c.X - dx, Y: c.Y - dy},
		{X: c.X + dx, Y: c.Y - dy},
		{X: c.X - dx, Y: c.Y + dy},
		{X: c.X + dx, Y: c.Y + dy},
	}
}

func (r *Recipe) add(in *Ingredient) {
	in.Index = len(r.Ingredients)
	in.recipe = r
	r.Ingredients = append(r.Ingredients, in)
}

// Assemble builds the ingredient list for the section's method.
func (r *Recipe) Assemble() error {
	s := r.Settings
	r.Ingredients = nil
	center := s.Center()

	switch s.Method {
	case MethodGrid, "":
		quad := r.evenWindow(s.WindowQuad, "2x2 window")
		psta2 := quadrantCenters(center, quad)
		passes := 3
		if s.Refinement {
			passes = 2
		} else {
			full := r.evenWindow(s.WindowFull, "1x1 window")
			r.add(&Ingredient{Mode: ModeGrid, Label: "1x1", Window: full, Psta: []affine.Point{center}})
		}
		for i := 0; i < passes; i++ {
			q := s.Quadrants
			r.add(&Ingredient{
				Mode:      ModeGrid,
				Label:     "2x2",
				Window:    quad,
				Psta:      psta2,
				Quadrants: &q,
				Last:      i == passes-1,
			})
		}
	case MethodManual:
		psta, pmov := s.ManualPoints.Filled()
		ww := r.even(int(s.ManualWindowFraction*float64(s.ImageSize[0])), "manual window")
		window := [2]int{ww, ww}
		r.add(&Ingredient{Mode: ModeMir, Label: "points", Window: window, Psta: psta, Pmov: pmov})
		r.add(&Ingredient{Mode: ModeManual, Label: "refine", Window: window, Psta: psta, Pmov: pmov})
		r.add(&Ingredient{Mode: ModeManual, Label: "refine", Window: window, Psta: psta, Pmov: pmov, Last: true})
	default:
		return fmt.Errorf("unknown alignment method %q", s.Method)
	}
	return nil
}

// Execute runs the recipe. It never returns an error: every failure is
// recorded and leaves a valid, possibly identity, affine.
func (r *Recipe) Execute(ctx context.Context) {
	defer func() { r.finished = time.Now() }()
	s := r.Settings

	if len(s.InitAffine) > 0 {
		init, err := affine.FromRows(s.InitAffine)
		if err != nil {
			r.log.Warn("initial affine has wrong shape, resetting to identity", "error", err)
			r.abort(fmt.Sprintf("bad initial affine: %v", err))
			return
		}
		r.initAfm = init
		r.afm = init
	}

	if s.Index == r.env.FirstIncluded {
		r.afm = affine.Identity()
		r.complete = true
		r.message = "first included section"
		return
	}

	if !s.HasReference() {
		r.log.Warn("section has no distinct reference, skipping")
		r.abort("no reference")
		return
	}

	if err := r.Assemble(); err != nil {
		r.log.Error("assemble recipe", "error", err)
		r.abort(err.Error())
		return
	}

	for _, in := range r.Ingredients {
		in.Afm = r.afm
		err := r.runIngredient(ctx, in)
		if err != nil {
			in.err = err
			r.errs = append(r.errs, fmt.Sprintf("ingredient %d/%d: %v", in.Index+1, len(r.Ingredients), err))
			r.log.Error("ingredient failed",
				"ingredient", in.Index+1,
				"of", len(r.Ingredients),
				"mode", in.Mode,
				"error", err,
			)
		}
		if in.Afm.IsFinite() {
			r.afm = in.Afm
		}
		if err == nil && in.SNR != nil {
			r.snr = in.SNR
		}
		if in.mir != nil {
			r.mir = in.mir
		}
	}
	for _, in := range r.Ingredients {
		in.Finalize(ctx)
	}

	r.complete = len(r.errs) == 0
	if _, err := affine.Invert(r.afm); err != nil {
		r.log.Error("final affine is not invertible, using identity", "affine", r.afm.String(), "error", err)
		r.afm = affine.Identity()
		r.snr = nil
		r.mir = nil
		r.complete = false
		r.errs = append(r.errs, err.Error())
	}

	if r.env.Options.Thumbnails {
		path, err := r.GenerateThumbnail(ctx)
		if err != nil {
			r.log.Warn("thumbnail failed", "error", err)
		}
		r.thumb = path
	}
}

func (r *Recipe) runIngredient(ctx context.Context, in *Ingredient) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("ingredient panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return in.Execute(ctx)
}

func (r *Recipe) abort(msg string) {
	r.afm = affine.Identity()
	r.complete = false
	r.message = msg
}

// Results assembles the result record from whatever state the recipe
// reached.
func (r *Recipe) Results() AlignmentResult {
	s := r.Settings
	finished := r.finished
	if finished.IsZero() {
		finished = time.Now()
	}

	snr := r.snr
	if len(snr) == 0 {
		snr = []float64{0}
	}
	mean, std := snrStats(snr)

	res := AlignmentResult{
		Index:        s.Index,
		Datetime:     finished.Format(DatetimeLayout),
		Method:       s.Method,
		Complete:     r.complete,
		SNR:          append([]float64{}, snr...),
		SNRMean:      mean,
		SNRStdDev:    std,
		InitAffine:   r.initAfm,
		AffineMatrix: r.afm,
		MirAFM:       affine.Identity(),
		MirAIM:       affine.Identity(),
		Ingredients:  make([]IngredientRecord, 0, len(r.Ingredients)),
		Message:      r.message,
		Errors:       r.errs,
		Thumbnail:    r.thumb,
	}
	if r.mir != nil {
		res.MirAFM, res.MirAIM = usable(r.mir.AFM), usable(r.mir.AIM)
	}
	for _, in := range r.Ingredients {
		res.Ingredients = append(res.Ingredients, in.Record(r.env.Options.DevMode))
	}
	return res
}

// usable returns a, or identity when a is not finite or not invertible.
func usable(a affine.Affine) affine.Affine {
	if !a.IsFinite() {
		return affine.Identity()
	}
	if _, err := affine.Invert(a); err != nil {
		return affine.Identity()
	}
	return a
}

// Align runs a full attempt for one section and always returns a valid
// record.
func Align(ctx context.Context, settings SwimSettings, env Env) (res AlignmentResult) {
	defer func() {
		if p := recover(); p != nil {
			env.logger().Error("alignment panicked", "section", settings.Index, "panic", p)
			res = Failed(settings.Index, settings.Method, fmt.Sprintf("panic: %v", p))
			res.Datetime = time.Now().Format(DatetimeLayout)
		}
	}()
	r := New(settings, env)
	r.Execute(ctx)
	return r.Results()
}
