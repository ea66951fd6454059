package swim

import (
	"fmt"
	"strings"

	"swimalign/internal/affine"
)

// Pair is a point correspondence fed to a mir regression.
type Pair struct {
	Base     affine.Point
	Adjusted affine.Point
}

// RegressionScript builds a mir script from explicit correspondences,
// terminated by R.
func RegressionScript(pairs []Pair) string {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "%s %s %s %s\n", fmtFloat(p.Base.X), fmtFloat(p.Base.Y), fmtFloat(p.Adjusted.X), fmtFloat(p.Adjusted.Y))
	}
	b.WriteString("R")
	return b.String()
}

// RegressionScriptFromLines builds a mir script from correlator output lines.
func RegressionScriptFromLines(lines []string) (string, error) {
	var b strings.Builder
	for _, l := range lines {
		pl, err := PairLine(l)
		if err != nil {
			return "", err
		}
		b.WriteString(pl)
		b.WriteByte('\n')
	}
	b.WriteString("R")
	return b.String(), nil
}

// WarpSpec describes an image-transform job for mir.
type WarpSpec struct {
	Width, Height int
	Fill          float64
	Input         string
	Affine        affine.Affine
	Output        string
}

// WarpScript emits the B/Z/F/A/RW/E image-transform script.
func WarpScript(w WarpSpec) string {
	a := w.Affine
	lines := []string{
		fmt.Sprintf("B %d %d 1", w.Width, w.Height),
		fmt.Sprintf("Z %g", w.Fill),
		"F " + w.Input,
		fmt.Sprintf("A %.16g %.16g %.16g %.16g %.16g %.16g", a[0], a[1], a[2], a[3], a[4], a[5]),
		"RW " + w.Output,
		"E",
	}
	return strings.Join(lines, "\n")
}

// CropScript cuts the central crop x crop region out of a size[0] x size[1]
// image.
func CropScript(input, output string, size [2]int, crop int) string {
	ox := float64(size[0]-crop) / 2.0
	oy := float64(size[1]-crop) / 2.0
	return WarpScript(WarpSpec{
		Width:  crop,
		Height: crop,
		Input:  input,
		Affine: affine.TranslationMatrix(ox, oy),
		Output: output,
	})
}
