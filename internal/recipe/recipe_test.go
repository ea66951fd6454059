package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"swimalign/internal/affine"
	"swimalign/internal/swim"
)

const (
	e2eLine   = "12.5) 0 0 100 100 105 98 0 5 3 0.92"
	mirStdout = "AF 0.99 0.01 -4 -0.01 1.01 2\nAI 1.01 -0.01 4 0.01 0.99 -2\n"
)

var mirAI = affine.Affine{1.01, -0.01, 4, 0.01, 0.99, -2}

type fakeRunner struct {
	mu        sync.Mutex
	swimOut   string
	mirOut    string
	swimErrOn int
	swimCalls []string
	swimArgs  [][]string
	mirCalls  []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, stdin string) (swim.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch name {
	case "swim":
		f.swimCalls = append(f.swimCalls, stdin)
		f.swimArgs = append(f.swimArgs, args)
		if f.swimErrOn == len(f.swimCalls) {
			return swim.Output{Stdin: stdin}, errors.New("correlator crashed")
		}
		return swim.Output{Stdin: stdin, Stdout: f.swimOut}, nil
	case "mir":
		f.mirCalls = append(f.mirCalls, stdin)
		return swim.Output{Stdin: stdin, Stdout: f.mirOut}, nil
	}
	return swim.Output{}, errors.New("unexpected tool " + name)
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnv(fr *fakeRunner) Env {
	log := quietLog()
	return Env{
		Tools:   &swim.Tools{SwimPath: "swim", MirPath: "mir", Runner: fr, Log: log},
		Options: DefaultOptions(),
		Log:     log,
	}
}

func gridSettings(index int) SwimSettings {
	s := DefaultSettings()
	s.Index = index
	s.Level = "s4"
	s.Reference = "/data/s000.tif"
	s.Path = "/data/s001.tif"
	s.ImageSize = [2]int{1024, 1024}
	return s
}

func TestEnsureEven(t *testing.T) {
	for n := -9; n <= 64; n++ {
		e := EnsureEven(n)
		if e%2 != 0 {
			t.Fatalf("EnsureEven(%d) = %d is odd", n, e)
		}
		if e != n && e != n+1 {
			t.Fatalf("EnsureEven(%d) = %d not in {n, n+1}", n, e)
		}
	}
}

func TestAlignEndToEnd(t *testing.T) {
	fr := &fakeRunner{swimOut: strings.Repeat(e2eLine+"\n", 3), mirOut: mirStdout}
	res := Align(context.Background(), gridSettings(1), testEnv(fr))

	if !res.Complete {
		t.Fatalf("expected complete, errors: %v", res.Errors)
	}
	if len(res.SNR) != 3 || res.SNR[0] != 12.5 || res.SNR[1] != 12.5 || res.SNR[2] != 12.5 {
		t.Fatalf("unexpected snr %v", res.SNR)
	}
	if res.AffineMatrix != mirAI {
		t.Fatalf("affine = %v, want %v", res.AffineMatrix, mirAI)
	}
	if res.MirAIM != mirAI {
		t.Fatalf("mir_aim = %v", res.MirAIM)
	}
	if res.SNRMean != 12.5 || res.SNRStdDev != 0 {
		t.Fatalf("unexpected stats %v %v", res.SNRMean, res.SNRStdDev)
	}
	if len(fr.swimCalls) != 4 || len(fr.mirCalls) != 4 {
		t.Fatalf("expected 4 swim and 4 mir calls, got %d and %d", len(fr.swimCalls), len(fr.mirCalls))
	}
	if fr.swimArgs[0][0] != "1024x1024" || fr.swimArgs[1][0] != "512x512" {
		t.Fatalf("unexpected window args %v", fr.swimArgs)
	}
	if want := "0 100 105 98\n0 100 105 98\n0 100 105 98\nR"; fr.mirCalls[0] != want {
		t.Fatalf("unexpected regression script %q", fr.mirCalls[0])
	}
}

func TestFirstIncludedSectionIsIdentity(t *testing.T) {
	fr := &fakeRunner{swimOut: e2eLine, mirOut: mirStdout}
	s := gridSettings(0)
	s.Method = MethodManual
	s.Reference = ""
	s.InitAffine = [][]float64{{2, 0, 5}, {0, 2, 5}}

	res := Align(context.Background(), s, testEnv(fr))
	if res.AffineMatrix != affine.Identity() {
		t.Fatalf("first section affine = %v", res.AffineMatrix)
	}
	if !res.Complete || len(res.Ingredients) != 0 {
		t.Fatalf("expected complete with no ingredients: %+v", res)
	}
	if len(fr.swimCalls)+len(fr.mirCalls) != 0 {
		t.Fatalf("no tool should run for the first section")
	}
}

func TestSelfReferenceAborts(t *testing.T) {
	fr := &fakeRunner{}
	s := gridSettings(3)
	s.Reference = s.Path

	res := Align(context.Background(), s, testEnv(fr))
	if res.Complete || res.AffineMatrix != affine.Identity() {
		t.Fatalf("expected incomplete identity result, got %+v", res)
	}
	if len(fr.swimCalls) != 0 {
		t.Fatalf("correlator must not run without a reference")
	}
}

func TestBadInitAffineShape(t *testing.T) {
	fr := &fakeRunner{}
	s := gridSettings(2)
	s.InitAffine = [][]float64{{1, 0}, {0, 1}}

	res := Align(context.Background(), s, testEnv(fr))
	if res.Complete || res.AffineMatrix != affine.Identity() || res.InitAffine != affine.Identity() {
		t.Fatalf("expected identity abort, got %+v", res)
	}
	if res.Message == "" {
		t.Fatalf("expected a message")
	}
}

func TestInitAffineSeedsFirstIngredient(t *testing.T) {
	fr := &fakeRunner{mirOut: mirStdout}
	s := gridSettings(2)
	s.InitAffine = [][]float64{{1, 0, 6}, {0, 1, -4}}

	r := New(s, testEnv(fr))
	r.Execute(context.Background())
	if !strings.Contains(fr.swimCalls[0], "/data/s001.tif 518 508 ") {
		t.Fatalf("moving anchor should include the initial translation: %q", fr.swimCalls[0])
	}
}

// The single-line grid branch is a translation-only nudge carried over as
// observed; its correctness has not been independently verified.
func TestDegenerateSingleLineIsTranslationOnly(t *testing.T) {
	fr := &fakeRunner{mirOut: mirStdout}
	r := New(gridSettings(1), testEnv(fr))
	in := &Ingredient{Mode: ModeGrid, Afm: affine.Affine{0.9, 0.1, 0, -0.1, 0.9, 0}}
	r.add(in)

	line := "7.0) /r.tif 512 512 /m.tif 520.5 509 (8.5 -3 0.8)"
	if err := in.Ingest(context.Background(), []string{line}); err != nil {
		t.Fatal(err)
	}
	want := affine.Affine{0.9, 0.1, 8.5, -0.1, 0.9, -3}
	if in.Afm != want {
		t.Fatalf("afm = %v, want %v", in.Afm, want)
	}
	if len(in.SNR) != 1 || in.SNR[0] != 0 {
		t.Fatalf("snr = %v, want [0]", in.SNR)
	}
	if len(fr.mirCalls) != 0 {
		t.Fatalf("degenerate branch must not call mir")
	}
}

func TestEmptyOutputKeepsAffine(t *testing.T) {
	fr := &fakeRunner{mirOut: mirStdout}
	r := New(gridSettings(1), testEnv(fr))
	start := affine.Affine{1, 0, 3, 0, 1, 4}
	in := &Ingredient{Mode: ModeGrid, Afm: start, Window: [2]int{512, 512}, Psta: quadrantCenters(affine.Point{X: 512, Y: 512}, [2]int{512, 512})}
	r.add(in)
	in.BuildArgs()

	if err := in.Ingest(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if in.Afm != start {
		t.Fatalf("affine changed on empty output: %v", in.Afm)
	}
	if len(in.SNR) != 4 || in.SNR[0] != 0 {
		t.Fatalf("expected four zero SNRs, got %v", in.SNR)
	}
}

func TestFailedRegressionKeepsSNR(t *testing.T) {
	fr := &fakeRunner{}
	r := New(gridSettings(1), testEnv(fr))
	start := affine.Affine{1, 0, 3, 0, 1, 4}
	in := &Ingredient{Mode: ModeGrid, Afm: start}
	r.add(in)

	lines := []string{e2eLine, e2eLine, e2eLine}
	if err := in.Ingest(context.Background(), lines); err == nil {
		t.Fatalf("expected regression error without mir affines")
	}
	if in.Afm != start {
		t.Fatalf("affine changed on failed regression: %v", in.Afm)
	}
	if len(in.SNR) != 3 || in.SNR[0] != 12.5 {
		t.Fatalf("correlator snr dropped: %v", in.SNR)
	}
}

func TestPartialFailureKeepsAllKeys(t *testing.T) {
	fr := &fakeRunner{swimOut: strings.Repeat(e2eLine+"\n", 3), mirOut: mirStdout, swimErrOn: 2}
	res := Align(context.Background(), gridSettings(1), testEnv(fr))

	if res.Complete {
		t.Fatalf("a failed ingredient must mark the section incomplete")
	}
	if len(fr.swimCalls) != 4 {
		t.Fatalf("remaining ingredients must still run, got %d calls", len(fr.swimCalls))
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"index", "datetime", "method", "complete", "snr", "snr_mean", "snr_std_deviation", "init_afm", "affine_matrix", "mir_afm", "mir_aim", "ingredients"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing key %q in %s", k, data)
		}
	}
	ings := m["ingredients"].([]any)
	if len(ings) != 4 {
		t.Fatalf("expected 4 ingredient records, got %d", len(ings))
	}
	failed := ings[1].(map[string]any)
	if failed["error"] == "" || failed["mir_afm"] != nil {
		t.Fatalf("unexpected failed record %v", failed)
	}
}

func TestGridRefinementAssembly(t *testing.T) {
	s := gridSettings(4)
	s.Refinement = true
	s.WindowQuad = [2]int{255, 256}
	r := New(s, testEnv(&fakeRunner{}))
	if err := r.Assemble(); err != nil {
		t.Fatal(err)
	}
	if len(r.Ingredients) != 2 {
		t.Fatalf("expected 2 ingredients, got %d", len(r.Ingredients))
	}
	for i, in := range r.Ingredients {
		if in.Mode != ModeGrid || in.Window != [2]int{256, 256} {
			t.Fatalf("ingredient %d: %+v", i, in)
		}
		if in.Last != (i == 1) {
			t.Fatalf("only the final ingredient is last")
		}
	}
}

func TestGridSkipsDisabledQuadrants(t *testing.T) {
	s := gridSettings(1)
	s.Quadrants = [4]bool{true, false, true, true}
	r := New(s, testEnv(&fakeRunner{}))
	if err := r.Assemble(); err != nil {
		t.Fatal(err)
	}
	if len(r.Ingredients) != 4 {
		t.Fatalf("expected 4 ingredients, got %d", len(r.Ingredients))
	}
	if got := r.Ingredients[0].BuildArgs(); len(got) != 1 {
		t.Fatalf("1x1 pass ignores quadrant flags, got %d lines", len(got))
	}
	args := r.Ingredients[1].BuildArgs()
	if len(args) != 3 {
		t.Fatalf("expected 3 quadrant lines, got %d", len(args))
	}
	if !strings.Contains(args[0], "-x -256 -y -256") || !strings.Contains(args[1], "-x -256 -y 256") {
		t.Fatalf("unexpected offsets %q", args)
	}
}

func TestManualRecipe(t *testing.T) {
	fr := &fakeRunner{swimOut: strings.Repeat(e2eLine+"\n", 3), mirOut: mirStdout}
	s := gridSettings(5)
	s.Method = MethodManual
	s.ImageSize = [2]int{1000, 800}
	p := func(x, y float64) *affine.Point { return &affine.Point{X: x, Y: y} }
	s.ManualPoints = ManualPoints{
		Reference: []*affine.Point{p(100, 100), nil, p(700, 200), p(400, 600)},
		Moving:    []*affine.Point{p(104, 98), p(1, 1), p(703, 199), p(405, 597)},
	}

	r := New(s, testEnv(fr))
	r.Execute(context.Background())
	if len(r.Ingredients) != 3 {
		t.Fatalf("expected 3 ingredients, got %d", len(r.Ingredients))
	}
	modes := []Mode{ModeMir, ModeManual, ModeManual}
	for i, in := range r.Ingredients {
		if in.Mode != modes[i] || in.Window != [2]int{126, 126} {
			t.Fatalf("ingredient %d: mode %s window %v", i, in.Mode, in.Window)
		}
	}
	if want := "100 100 104 98\n700 200 703 199\n400 600 405 597\nR"; fr.mirCalls[0] != want {
		t.Fatalf("unexpected point regression %q", fr.mirCalls[0])
	}
	if len(fr.swimCalls) != 2 || fr.swimArgs[0][0] != "126x126" {
		t.Fatalf("unexpected swim calls %v", fr.swimArgs)
	}
	if !strings.Contains(fr.swimCalls[0], "/data/s000.tif 100 100 /data/s001.tif 104 98") {
		t.Fatalf("manual lines must use picked points: %q", fr.swimCalls[0])
	}
	res := r.Results()
	if !res.Complete || res.AffineMatrix != mirAI {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestManualTooFewPointsIsIsolated(t *testing.T) {
	fr := &fakeRunner{swimOut: strings.Repeat(e2eLine+"\n", 2), mirOut: mirStdout}
	s := gridSettings(5)
	s.Method = MethodManual
	s.ManualPoints = ManualPoints{
		Reference: []*affine.Point{{X: 1, Y: 1}, {X: 5, Y: 5}},
		Moving:    []*affine.Point{{X: 2, Y: 2}, {X: 6, Y: 6}},
	}
	res := Align(context.Background(), s, testEnv(fr))
	if res.Complete {
		t.Fatalf("expected incomplete result")
	}
	if len(fr.swimCalls) != 2 {
		t.Fatalf("refinement passes must still run after the regression failed")
	}
	if !strings.Contains(res.Errors[0], ErrTooFewPoints.Error()) {
		t.Fatalf("unexpected errors %v", res.Errors)
	}
}

func TestSingularResultFallsBackToIdentity(t *testing.T) {
	fr := &fakeRunner{swimOut: strings.Repeat(e2eLine+"\n", 3), mirOut: "AI 0 0 0 0 0 0\n"}
	res := Align(context.Background(), gridSettings(1), testEnv(fr))
	if res.Complete || res.AffineMatrix != affine.Identity() {
		t.Fatalf("singular affine must be replaced: %+v", res)
	}
	if len(res.SNR) != 1 || res.SNR[0] != 0 || res.SNRMean != 0 {
		t.Fatalf("failed section must report zero snr, got %v", res.SNR)
	}
	if res.MirAFM != affine.Identity() || res.MirAIM != affine.Identity() {
		t.Fatalf("degenerate mir matrices must fall back to identity: %v %v", res.MirAFM, res.MirAIM)
	}
}

func TestSettingsHashStable(t *testing.T) {
	a := gridSettings(1)
	b := gridSettings(1)
	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := b.Hash()
	if ha != hb {
		t.Fatalf("equal settings hash differently")
	}
	b.Whitening = -0.5
	if hc, _ := b.Hash(); hc == ha {
		t.Fatalf("different settings share a hash")
	}

	data, err := a.Encode()
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeSettings(data)
	if err != nil {
		t.Fatal(err)
	}
	if hd, _ := back.Hash(); hd != ha {
		t.Fatalf("decoded settings hash differs")
	}
	if _, err := DecodeSettings([]byte(`{"version":99}`)); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestBoundingRectangleStrategies(t *testing.T) {
	id := affine.Identity()
	r, err := BoundingRectangle(BoundingNonSquare, [2]int{100, 50}, id)
	if err != nil {
		t.Fatal(err)
	}
	if r != (Rect{X: 0, Y: 0, W: 100, H: 50}) {
		t.Fatalf("nonsquare = %+v", r)
	}
	r, err = BoundingRectangle(BoundingSquare, [2]int{100, 50}, id)
	if err != nil {
		t.Fatal(err)
	}
	if r != (Rect{X: 0, Y: -25, W: 100, H: 100}) {
		t.Fatalf("square = %+v", r)
	}
	if _, err := BoundingRectangle("round", [2]int{1, 1}, id); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
}

func TestGenerateThumbnailRescalesAffine(t *testing.T) {
	fr := &fakeRunner{mirOut: mirStdout}
	env := testEnv(fr)
	env.Options.Thumbnails = true
	env.Options.ThumbnailDir = t.TempDir()
	env.Options.ThumbnailScale = 4

	r := New(gridSettings(1), env)
	r.afm = affine.TranslationMatrix(3, 4)
	if _, err := r.GenerateThumbnail(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 1024/4 = 256 px wide, shifted by (0.75, 1): a 257 px box grown to 258.
	if len(fr.mirCalls) != 1 || !strings.HasPrefix(fr.mirCalls[0], "B 258 258 1") {
		t.Fatalf("unexpected warp calls %q", fr.mirCalls)
	}
}

func TestGenerateThumbnailSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRunner{mirOut: mirStdout}
	env := testEnv(fr)
	env.Options.Thumbnails = true
	env.Options.ThumbnailDir = dir

	s := gridSettings(1)
	r := New(s, env)
	r.afm = affine.TranslationMatrix(3, 4)

	path, err := r.GenerateThumbnail(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.mirCalls) != 1 || !strings.HasPrefix(fr.mirCalls[0], "B 1024 1024 1") {
		t.Fatalf("unexpected warp calls %q", fr.mirCalls)
	}
	if path != filepath.Join(dir, "s001.thumb.tif") {
		t.Fatalf("unexpected path %s", path)
	}

	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GenerateThumbnail(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fr.mirCalls) != 1 {
		t.Fatalf("existing thumbnail must not be regenerated")
	}
}
