package recipe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"swimalign/internal/affine"
	"swimalign/internal/swim"
)

// Rect is an integer pixel rectangle in output space.
type Rect struct {
	X, Y, W, H int
}

// BoundingRectangle returns the output-space rectangle covering an image of
// the given size after a is applied.
//
// The nonsquare strategy returns the tight axis-aligned box around the
// transformed corners. The square strategy grows it to a square of the
// larger side around the same centre.
func BoundingRectangle(strategy string, size [2]int, a affine.Affine) (Rect, error) {
	w, h := float64(size[0]), float64(size[1])
	corners := a.ApplyAll([]affine.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: 0, Y: h}, {X: w, Y: h}})

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		minX, maxX = math.Min(minX, c.X), math.Max(maxX, c.X)
		minY, maxY = math.Min(minY, c.Y), math.Max(maxY, c.Y)
	}
	if math.IsInf(minX, 0) || math.IsNaN(minX) || math.IsNaN(minY) {
		return Rect{}, fmt.Errorf("bounding rectangle: non-finite affine %s", a)
	}

	x0, y0 := math.Floor(minX), math.Floor(minY)
	bw, bh := math.Ceil(maxX)-x0, math.Ceil(maxY)-y0

	switch strategy {
	case BoundingNonSquare:
		return Rect{X: int(x0), Y: int(y0), W: EnsureEven(int(bw)), H: EnsureEven(int(bh))}, nil
	case BoundingSquare, "":
		side := math.Max(bw, bh)
		cx, cy := x0+bw/2, y0+bh/2
		s := EnsureEven(int(side))
		return Rect{X: int(math.Floor(cx - side/2)), Y: int(math.Floor(cy - side/2)), W: s, H: s}, nil
	default:
		return Rect{}, fmt.Errorf("unknown bounding rectangle strategy %q", strategy)
	}
}

// ThumbnailPath is where the warped preview of a section image is written.
func ThumbnailPath(dir, imagePath string) string {
	base := filepath.Base(imagePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+".thumb.tif")
}

// GenerateThumbnail warps the section image by the recipe's affine into the
// thumbnail directory, and optionally animates it against the reference's
// thumbnail. Existing outputs are not regenerated.
//
// With ThumbnailScale > 1 the thumbnail is rendered that many times smaller
// than the section's level: the affine is rescaled to the thumbnail grid and
// mir samples the full-size image through the scale.
func (r *Recipe) GenerateThumbnail(ctx context.Context) (string, error) {
	opts := r.env.Options
	if opts.ThumbnailDir == "" {
		return "", errors.New("thumbnail directory not configured")
	}
	s := r.Settings
	out := ThumbnailPath(opts.ThumbnailDir, s.Path)

	if _, err := os.Stat(out); err == nil {
		r.log.Debug("thumbnail exists, skipping", "path", out)
	} else {
		if err := os.MkdirAll(opts.ThumbnailDir, 0o755); err != nil {
			return "", fmt.Errorf("create thumbnail dir: %w", err)
		}
		factor := opts.ThumbnailScale
		if factor < 1 {
			factor = 1
		}
		f := float64(factor)
		afm := affine.Rescale(r.afm, 1/f)
		size := [2]int{s.ImageSize[0] / factor, s.ImageSize[1] / factor}
		rect, err := BoundingRectangle(opts.BoundingRect, size, afm)
		if err != nil {
			return "", err
		}
		inv, err := affine.Invert(afm)
		if err != nil {
			return "", err
		}
		// mir maps output pixels back into the input image.
		warp := affine.Compose(affine.ScaleMatrix(f, f),
			affine.Compose(inv, affine.TranslationMatrix(float64(rect.X), float64(rect.Y))))
		script := swim.WarpScript(swim.WarpSpec{
			Width:  rect.W,
			Height: rect.H,
			Fill:   128,
			Input:  s.Path,
			Affine: warp,
			Output: out,
		})
		if _, err := r.env.Tools.Mir(ctx, script); err != nil {
			return "", fmt.Errorf("warp thumbnail: %w", err)
		}
	}

	if opts.GIF && r.env.Imager != nil && s.HasReference() {
		ref := ThumbnailPath(opts.ThumbnailDir, s.Reference)
		gif := strings.TrimSuffix(out, ".thumb.tif") + ".ab.gif"
		if _, err := os.Stat(gif); err != nil {
			if _, err := os.Stat(ref); err == nil {
				if err := r.env.Imager.AnimateAB(ref, out, gif, 50); err != nil {
					r.log.Warn("animate thumbnail failed", "error", err)
				}
			}
		}
	}
	return out, nil
}
