package swim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"swimalign/internal/affine"
)

var (
	// ErrEmptyOutput is returned when the correlator printed nothing.
	ErrEmptyOutput = errors.New("swim: empty correlator output")
	// ErrNoAffine is returned when mir printed no AI line.
	ErrNoAffine = errors.New("swim: no affine in mir output")
)

// Match is one parsed correlator output line.
//
// Token layout after parentheses are replaced by spaces:
//
//	[0]      SNR, trailing separator stripped
//	[2] [3]  matched base coordinates
//	[5] [6]  adjusted coordinates
//	[8] [9]  delta x/y
//	[10]     secondary metric
//	[11:]    flags
type Match struct {
	SNR      float64      `json:"snr"`
	Base     affine.Point `json:"base"`
	Adjusted affine.Point `json:"adjusted"`
	Delta    affine.Point `json:"delta"`
	Metric   float64      `json:"metric"`
	Flags    []string     `json:"flags,omitempty"`
	Raw      string       `json:"raw"`
}

// Tokens normalizes a correlator line and splits it on whitespace.
func Tokens(line string) []string {
	line = strings.NewReplacer("(", " ", ")", " ").Replace(line)
	return strings.Fields(line)
}

// ParseMatch parses one correlator output line.
func ParseMatch(line string) (Match, error) {
	toks := Tokens(line)
	if len(toks) < 7 {
		return Match{}, fmt.Errorf("swim: short output line %q (%d tokens)", line, len(toks))
	}
	m := Match{Raw: line}

	snr := toks[0]
	if last := snr[len(snr)-1]; last < '0' || last > '9' {
		snr = snr[:len(snr)-1]
	}
	var err error
	if m.SNR, err = strconv.ParseFloat(snr, 64); err != nil {
		return Match{}, fmt.Errorf("swim: bad snr %q: %w", toks[0], err)
	}
	if m.Base, err = parsePoint(toks[2], toks[3]); err != nil {
		return Match{}, err
	}
	if m.Adjusted, err = parsePoint(toks[5], toks[6]); err != nil {
		return Match{}, err
	}
	if len(toks) > 9 {
		if m.Delta, err = parsePoint(toks[8], toks[9]); err != nil {
			return Match{}, err
		}
	}
	if len(toks) > 10 {
		if m.Metric, err = strconv.ParseFloat(toks[10], 64); err != nil {
			return Match{}, fmt.Errorf("swim: bad metric %q: %w", toks[10], err)
		}
	}
	if len(toks) > 11 {
		m.Flags = append([]string(nil), toks[11:]...)
	}
	return m, nil
}

// PairLine returns the mir regression line for m: base x/y then adjusted x/y,
// copied verbatim from tokens [2],[3],[5],[6].
func PairLine(line string) (string, error) {
	toks := Tokens(line)
	if len(toks) < 7 {
		return "", fmt.Errorf("swim: short output line %q", line)
	}
	return strings.Join([]string{toks[2], toks[3], toks[5], toks[6]}, " "), nil
}

// Lines splits correlator stdout into non-empty lines.
func Lines(stdout string) []string {
	var out []string
	for _, l := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// MirAffines holds the matrices reported by a mir regression.
type MirAffines struct {
	AIM    affine.Affine
	AFM    affine.Affine
	HasAIM bool
	HasAFM bool
}

// ParseMirAffines reads AI (inverse-oriented) and AF (forward) lines. Each
// carries six values a b tx c d ty.
func ParseMirAffines(stdout string) (MirAffines, error) {
	res := MirAffines{AIM: affine.Identity(), AFM: affine.Identity()}
	for _, line := range strings.Split(stdout, "\n") {
		toks := strings.Fields(line)
		if len(toks) == 0 || (toks[0] != "AI" && toks[0] != "AF") {
			continue
		}
		if len(toks) < 7 {
			return res, fmt.Errorf("swim: short mir line %q", line)
		}
		var a affine.Affine
		for i := 0; i < 6; i++ {
			v, err := strconv.ParseFloat(toks[i+1], 64)
			if err != nil {
				return res, fmt.Errorf("swim: bad mir value %q: %w", toks[i+1], err)
			}
			a[i] = v
		}
		if toks[0] == "AI" {
			res.AIM, res.HasAIM = a, true
		} else {
			res.AFM, res.HasAFM = a, true
		}
	}
	if !res.HasAIM {
		return res, ErrNoAffine
	}
	return res, nil
}

func parsePoint(xs, ys string) (affine.Point, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return affine.Point{}, fmt.Errorf("swim: bad coordinate %q: %w", xs, err)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return affine.Point{}, fmt.Errorf("swim: bad coordinate %q: %w", ys, err)
	}
	return affine.Point{X: x, Y: y}, nil
}
