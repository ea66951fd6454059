package swim

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"swimalign/internal/affine"
)

// SwimLine is one correlation request: a window placed on the reference
// image and the matching window on the moving image.
type SwimLine struct {
	Window     [2]int
	Verbose    bool
	ClobberPx  int // > 0 enables fixed-pattern-noise suppression
	Iterations int
	Whitening  float64

	// Offset is only set for grid windows.
	Offset *[2]int

	SignalPath string
	MatchPaths [2]string

	RefPath   string
	RefAnchor affine.Point
	MovPath   string
	MovAnchor affine.Point

	// Rotation in degrees; omitted from the line when zero.
	Rotation float64
	Afm      affine.Affine
}

// WindowArg formats a window size as WxH.
func WindowArg(w [2]int) string {
	return fmt.Sprintf("%dx%d", w[0], w[1])
}

// RotationToken converts a rotation in degrees to the token swim expects.
func RotationToken(deg float64) string {
	return fmtFloat(math.Sin(2 * math.Pi * deg / 360.0))
}

func (l SwimLine) String() string {
	args := []string{WindowArg(l.Window)}
	if l.Verbose {
		args = append(args, "-v")
	}
	if l.ClobberPx > 0 {
		args = append(args, fmt.Sprintf("-f%d", l.ClobberPx))
	}
	args = append(args, "-i", strconv.Itoa(l.Iterations))
	args = append(args, "-w", fmtFloat(l.Whitening))
	if l.Offset != nil {
		args = append(args, "-x", strconv.Itoa(l.Offset[0]), "-y", strconv.Itoa(l.Offset[1]))
	}
	if l.SignalPath != "" {
		args = append(args, "-s", l.SignalPath)
	}
	if l.MatchPaths[0] != "" && l.MatchPaths[1] != "" {
		args = append(args, "-k", l.MatchPaths[0], "-t", l.MatchPaths[1])
	}
	args = append(args, l.RefPath, fmtFloat(l.RefAnchor.X), fmtFloat(l.RefAnchor.Y))
	args = append(args, l.MovPath, fmtFloat(l.MovAnchor.X), fmtFloat(l.MovAnchor.Y))
	if math.Abs(l.Rotation) > 0 {
		args = append(args, RotationToken(l.Rotation))
	}
	args = append(args, fmt.Sprintf("%.6f %.6f %.6f %.6f", l.Afm[0], l.Afm[1], l.Afm[3], l.Afm[4]))
	return strings.Join(args, " ")
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
