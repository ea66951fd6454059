package swim

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"swimalign/internal/affine"
)

const recordedLine = "8.7) /r.tif 512 512 /m.tif 514.25 509.5 (2 2.25 -2.5 0.91 f1)"

func TestSwimLineGrid(t *testing.T) {
	l := SwimLine{
		Window:     [2]int{256, 256},
		ClobberPx:  3,
		Iterations: 3,
		Whitening:  -0.68,
		Offset:     &[2]int{-64, -64},
		RefPath:    "/r.tif",
		RefAnchor:  affine.Point{X: 512, Y: 512},
		MovPath:    "/m.tif",
		MovAnchor:  affine.Point{X: 514.5, Y: 510},
		Afm:        affine.Identity(),
	}
	want := "256x256 -f3 -i 3 -w -0.68 -x -64 -y -64 /r.tif 512 512 /m.tif 514.5 510 1.000000 0.000000 0.000000 1.000000"
	if got := l.String(); got != want {
		t.Fatalf("unexpected line\n got: %s\nwant: %s", got, want)
	}
}

func TestSwimLineManualWithRotationAndOutputs(t *testing.T) {
	l := SwimLine{
		Window:     [2]int{128, 64},
		Verbose:    true,
		Iterations: 2,
		Whitening:  -0.5,
		SignalPath: "/sig.tif",
		MatchPaths: [2]string{"/k.tif", "/t.tif"},
		RefPath:    "/r.tif",
		RefAnchor:  affine.Point{X: 10, Y: 20},
		MovPath:    "/m.tif",
		MovAnchor:  affine.Point{X: 11, Y: 21},
		Rotation:   90,
		Afm:        affine.Affine{0.9, 0.1, 5, -0.1, 0.9, 6},
	}
	want := "128x64 -v -i 2 -w -0.5 -s /sig.tif -k /k.tif -t /t.tif /r.tif 10 20 /m.tif 11 21 1 0.900000 0.100000 -0.100000 0.900000"
	if got := l.String(); got != want {
		t.Fatalf("unexpected line\n got: %s\nwant: %s", got, want)
	}
}

func TestSwimLineOmitsZeroRotation(t *testing.T) {
	l := SwimLine{Window: [2]int{8, 8}, Iterations: 1, RefPath: "/r", MovPath: "/m", Afm: affine.Identity()}
	if toks := strings.Fields(l.String()); len(toks) != 15 {
		t.Fatalf("expected 15 tokens without rotation, got %d: %v", len(toks), toks)
	}
}

func TestParseMatchRecordedLine(t *testing.T) {
	m, err := ParseMatch(recordedLine)
	if err != nil {
		t.Fatal(err)
	}
	if m.SNR != 8.7 {
		t.Fatalf("snr = %v", m.SNR)
	}
	if m.Base != (affine.Point{X: 512, Y: 512}) || m.Adjusted != (affine.Point{X: 514.25, Y: 509.5}) {
		t.Fatalf("unexpected coordinates %+v", m)
	}
	if m.Delta != (affine.Point{X: 2.25, Y: -2.5}) || m.Metric != 0.91 {
		t.Fatalf("unexpected delta/metric %+v", m)
	}
	if len(m.Flags) != 1 || m.Flags[0] != "f1" {
		t.Fatalf("unexpected flags %v", m.Flags)
	}
}

func TestParseMatchSNRSeparators(t *testing.T) {
	for _, line := range []string{
		"12.5) 0 0 100 100 105 98 0 5 3 0.92",
		"12.5: 0 0 100 100 105 98 0 5 3 0.92",
	} {
		m, err := ParseMatch(line)
		if err != nil {
			t.Fatal(err)
		}
		if m.SNR != 12.5 {
			t.Fatalf("%q: snr = %v", line, m.SNR)
		}
	}
}

func TestParseMatchShortLine(t *testing.T) {
	if _, err := ParseMatch("3.1: a b"); err == nil {
		t.Fatalf("expected error for short line")
	}
}

func TestRegressionScriptFromLines(t *testing.T) {
	script, err := RegressionScriptFromLines([]string{recordedLine, recordedLine})
	if err != nil {
		t.Fatal(err)
	}
	want := "512 512 514.25 509.5\n512 512 514.25 509.5\nR"
	if script != want {
		t.Fatalf("unexpected script %q", script)
	}
}

func TestRegressionScriptPairs(t *testing.T) {
	got := RegressionScript([]Pair{{Base: affine.Point{X: 1, Y: 2}, Adjusted: affine.Point{X: 3.5, Y: 4}}})
	if got != "1 2 3.5 4\nR" {
		t.Fatalf("unexpected script %q", got)
	}
}

func TestParseMirAffines(t *testing.T) {
	stdout := "some banner\nAF 1.01 0.02 -3.5 -0.02 0.99 4.25\nAI 0.99 -0.02 3.4 0.02 1.01 -4.2\n"
	res, err := ParseMirAffines(stdout)
	if err != nil {
		t.Fatal(err)
	}
	if res.AIM != (affine.Affine{0.99, -0.02, 3.4, 0.02, 1.01, -4.2}) {
		t.Fatalf("unexpected AI %v", res.AIM)
	}
	if !res.HasAFM || res.AFM != (affine.Affine{1.01, 0.02, -3.5, -0.02, 0.99, 4.25}) {
		t.Fatalf("unexpected AF %v", res.AFM)
	}
}

func TestParseMirAffinesMissing(t *testing.T) {
	res, err := ParseMirAffines("AF 1 0 0 0 1 0\n")
	if !errors.Is(err, ErrNoAffine) {
		t.Fatalf("expected ErrNoAffine, got %v", err)
	}
	if res.AIM != affine.Identity() {
		t.Fatalf("expected identity default, got %v", res.AIM)
	}
}

func TestWarpAndCropScripts(t *testing.T) {
	got := WarpScript(WarpSpec{Width: 100, Height: 80, Fill: 128, Input: "in.tif", Affine: affine.TranslationMatrix(3, -2), Output: "out.tif"})
	want := "B 100 80 1\nZ 128\nF in.tif\nA 1 0 3 0 1 -2\nRW out.tif\nE"
	if got != want {
		t.Fatalf("unexpected warp script %q", got)
	}

	crop := CropScript("sig.tif", "crop.tif", [2]int{256, 192}, 128)
	if !strings.Contains(crop, "B 128 128 1") || !strings.Contains(crop, "A 1 0 64 0 1 32") {
		t.Fatalf("unexpected crop script %q", crop)
	}
}

type recordingRunner struct {
	name  string
	args  []string
	stdin string
	out   Output
}

func (r *recordingRunner) Run(ctx context.Context, name string, args []string, stdin string) (Output, error) {
	r.name, r.args, r.stdin = name, args, stdin
	out := r.out
	out.Stdin = stdin
	return out, nil
}

func TestToolsSwimPayload(t *testing.T) {
	rr := &recordingRunner{out: Output{Stdout: recordedLine + "\n", ExitCode: 1}}
	tools := &Tools{SwimPath: "swim", MirPath: "mir", Runner: rr, Log: slog.Default()}

	out, err := tools.Swim(context.Background(), [2]int{256, 256}, []string{"line one", "line two"})
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if rr.name != "swim" || len(rr.args) != 1 || rr.args[0] != "256x256" {
		t.Fatalf("unexpected invocation %s %v", rr.name, rr.args)
	}
	if rr.stdin != "line one\nline two" {
		t.Fatalf("unexpected stdin %q", rr.stdin)
	}
	if out.ExitCode != 1 || len(Lines(out.Stdout)) != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestExecRunnerCapturesExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-swim")
	body := "#!/bin/sh\ncat\necho oops >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := ExecRunner{}.Run(context.Background(), script, nil, "a\r\nb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 1 || out.Stdout != "a\nb" || strings.TrimSpace(out.Stderr) != "oops" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestToolManagerResolveConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "myswim")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\necho swim version 2\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	tm := NewToolManager(map[string]string{"swim": bin})
	path, err := tm.Resolve("swim")
	if err != nil || path != bin {
		t.Fatalf("resolve = %q, %v", path, err)
	}

	t.Setenv("PATH", dir)
	if _, err := tm.Resolve("mir"); err == nil {
		t.Fatalf("expected mir to be missing")
	}
}
