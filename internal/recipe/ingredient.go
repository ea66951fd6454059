package recipe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"swimalign/internal/affine"
	"swimalign/internal/swim"
)

// Mode is the matching strategy of one ingredient.
type Mode string

const (
	ModeGrid   Mode = "SWIM-Grid"
	ModeManual Mode = "SWIM-Manual"
	ModeMir    Mode = "MIR"
)

// State tracks how far an ingredient got.
type State int

const (
	StateBuilt State = iota
	StateArgsComposed
	StateExecuted
	StateIngested
	StateFinalized
)

var stateNames = [...]string{"built", "args_composed", "executed", "ingested", "finalized"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ingredient state %q", b)
}

// ErrTooFewPoints is returned when a point-correspondence regression has
// fewer than three pairs.
var ErrTooFewPoints = errors.New("recipe: at least 3 point pairs required")

// ErrNoWindows is returned when every window of an ingredient is disabled.
var ErrNoWindows = errors.New("recipe: no enabled correlation windows")

// Ingredient is one matching step of a recipe. It is owned by its recipe
// and discarded once the result record has been assembled.
type Ingredient struct {
	Index  int
	Mode   Mode
	Label  string
	Window [2]int
	Psta   []affine.Point
	Pmov   []affine.Point
	Afm    affine.Affine
	Last   bool

	// Quadrants is set only on 2x2 grid passes.
	Quadrants *[4]bool

	State State
	SNR   []float64

	lines   []swim.SwimLine
	windows []int
	mir     *swim.MirAffines
	swimOut *swim.Output
	mirOut  *swim.Output
	signals []string
	matches []string
	err     error
	elapsed time.Duration

	recipe *Recipe
}

// BuildArgs composes one correlator line per enabled window.
func (in *Ingredient) BuildArgs() []string {
	r := in.recipe
	s := r.Settings
	opts := r.env.Options
	center := s.Center()

	in.lines = in.lines[:0]
	in.windows = in.windows[:0]
	in.signals = in.signals[:0]
	in.matches = in.matches[:0]

	for i, p := range in.Psta {
		if in.Quadrants != nil && i < len(in.Quadrants) && !in.Quadrants[i] {
			continue
		}
		l := swim.SwimLine{
			Window:     in.Window,
			Verbose:    opts.Verbose,
			Iterations: s.Iterations,
			Whitening:  s.Whitening,
			RefPath:    s.Reference,
			MovPath:    s.Path,
			Rotation:   s.InitialRotation,
			Afm:        in.Afm,
		}
		if s.Clobber {
			l.ClobberPx = s.ClobberPx
		}
		switch in.Mode {
		case ModeGrid:
			l.Offset = &[2]int{int(p.X - center.X), int(p.Y - center.Y)}
			l.RefAnchor = center
			l.MovAnchor = affine.Point{X: center.X + in.Afm[2], Y: center.Y + in.Afm[5]}
		default:
			if i >= len(in.Pmov) {
				continue
			}
			l.RefAnchor = p
			l.MovAnchor = in.Pmov[i]
		}
		if in.Last && opts.KeepSignals {
			l.SignalPath = in.artifactPath(opts.SignalDir, "signal", i)
			in.signals = append(in.signals, l.SignalPath)
		}
		if in.Last && opts.KeepMatches {
			l.MatchPaths = [2]string{
				in.artifactPath(opts.MatchDir, "match_k", i),
				in.artifactPath(opts.MatchDir, "match_t", i),
			}
			in.matches = append(in.matches, l.MatchPaths[0], l.MatchPaths[1])
		}
		in.lines = append(in.lines, l)
		in.windows = append(in.windows, i)
	}

	args := make([]string, len(in.lines))
	for i, l := range in.lines {
		args[i] = l.String()
	}
	in.State = StateArgsComposed
	return args
}

func (in *Ingredient) artifactPath(dir, kind string, window int) string {
	base := filepath.Base(in.recipe.Settings.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	mode := strings.ToLower(strings.ReplaceAll(string(in.Mode), "SWIM-", ""))
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s_%d.tif", stem, mode, kind, window))
}

// Execute runs the ingredient against the external tools.
func (in *Ingredient) Execute(ctx context.Context) error {
	start := time.Now()
	defer func() { in.elapsed = time.Since(start) }()

	if in.Mode == ModeMir {
		return in.runManualMir(ctx)
	}

	args := in.BuildArgs()
	if len(args) == 0 {
		return ErrNoWindows
	}
	out, err := in.recipe.env.Tools.Swim(ctx, in.Window, args)
	in.swimOut = &out
	if err != nil {
		return err
	}
	in.State = StateExecuted
	return in.Ingest(ctx, swim.Lines(out.Stdout))
}

// Ingest folds correlator output into the working affine and SNR vector.
func (in *Ingredient) Ingest(ctx context.Context, lines []string) error {
	r := in.recipe
	log := r.log

	if len(lines) == 0 {
		n := len(in.windows)
		if n == 0 {
			n = 1
		}
		in.SNR = make([]float64, n)
		log.Warn("correlator returned no output, keeping previous affine",
			"section", r.Settings.Index,
			"ingredient", in.Index,
		)
		in.State = StateIngested
		return nil
	}

	// Single-window grid result: translation-only nudge, no regression.
	if len(lines) == 1 && r.Settings.Method == MethodGrid {
		m, err := swim.ParseMatch(lines[0])
		if err != nil {
			return err
		}
		center := r.Settings.Center()
		in.Afm[2] = m.Adjusted.X - center.X
		in.Afm[5] = m.Adjusted.Y - center.Y
		in.SNR = []float64{0.0}
		in.State = StateIngested
		return nil
	}

	snr := make([]float64, 0, len(lines))
	for _, l := range lines {
		m, err := swim.ParseMatch(l)
		if err != nil {
			return err
		}
		snr = append(snr, m.SNR)
	}
	in.SNR = snr
	script, err := swim.RegressionScriptFromLines(lines)
	if err != nil {
		return err
	}
	res, out, err := r.env.Tools.Regress(ctx, script)
	in.mirOut = &out
	if err != nil {
		return fmt.Errorf("regress ingredient %d: %w", in.Index, err)
	}
	in.mir = &res
	in.Afm = res.AIM
	in.State = StateIngested
	return nil
}

func (in *Ingredient) runManualMir(ctx context.Context) error {
	n := len(in.Psta)
	if len(in.Pmov) < n {
		n = len(in.Pmov)
	}
	if n < 3 {
		return fmt.Errorf("%w: got %d", ErrTooFewPoints, n)
	}
	pairs := make([]swim.Pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = swim.Pair{Base: in.Psta[i], Adjusted: in.Pmov[i]}
	}
	in.State = StateArgsComposed
	res, out, err := in.recipe.env.Tools.Regress(ctx, swim.RegressionScript(pairs))
	in.mirOut = &out
	if err != nil {
		return fmt.Errorf("manual regression: %w", err)
	}
	in.mir = &res
	in.Afm = res.AIM
	in.State = StateIngested
	return nil
}

// Finalize crops and reduces the signal and match images of the last
// ingredient. Failures are logged only.
func (in *Ingredient) Finalize(ctx context.Context) {
	if !in.Last || in.State != StateIngested {
		return
	}
	r := in.recipe
	opts := r.env.Options
	log := r.log

	if opts.KeepSignals && opts.SignalCrop > 0 {
		for _, sig := range in.signals {
			script := swim.CropScript(sig, sig, in.Window, opts.SignalCrop)
			if _, err := r.env.Tools.Mir(ctx, script); err != nil {
				log.Warn("crop signal failed", "path", sig, "error", err)
			}
		}
	}
	if opts.ReduceSignals > 0 && r.env.Imager != nil {
		for _, p := range append(append([]string(nil), in.signals...), in.matches...) {
			if err := r.env.Imager.Reduce(p, opts.ReduceSignals); err != nil {
				log.Warn("reduce image failed", "path", p, "error", err)
			}
		}
	}
	in.State = StateFinalized
}

// Record returns the diagnostic summary of in. Fields the ingredient never
// produced keep explicit defaults.
func (in *Ingredient) Record(dev bool) IngredientRecord {
	rec := IngredientRecord{
		Index:    in.Index,
		Mode:     in.Mode,
		Label:    in.Label,
		State:    in.State,
		Window:   in.Window,
		Windows:  append([]int{}, in.windows...),
		Psta:     append([]affine.Point{}, in.Psta...),
		Pmov:     in.Pmov,
		Afm:      in.Afm,
		SNR:      append([]float64{}, in.SNR...),
		Seconds:  in.elapsed.Seconds(),
		Signals:  in.signals,
		Matches:  in.matches,
		Finished: in.State >= StateIngested,
	}
	if !rec.Afm.IsFinite() {
		rec.Afm = affine.Identity()
	}
	if in.mir != nil {
		afm, aim := in.mir.AFM, in.mir.AIM
		rec.MirAFM, rec.MirAIM = &afm, &aim
	}
	if in.err != nil {
		rec.Error = in.err.Error()
	}
	if dev {
		for _, l := range in.lines {
			rec.Args = append(rec.Args, l.String())
		}
		rec.Swim = in.swimOut
		rec.Mir = in.mirOut
	}
	return rec
}
