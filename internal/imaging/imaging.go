// Package imaging performs the raster chores around alignment: shrinking
// match and signal images, building per-level copies of sections and A/B
// preview animations.
package imaging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Magick implements recipe.Imager and project.Scaler with ImageMagick.
type Magick struct {
	Log *slog.Logger
}

// New returns a Magick; a nil logger uses slog.Default.
func New(log *slog.Logger) *Magick {
	if log == nil {
		log = slog.Default()
	}
	return &Magick{Log: log}
}

// FitWithin returns w x h scaled so the larger side is at most maxDim,
// keeping the aspect ratio. Sizes already within bounds are returned
// unchanged.
func FitWithin(w, h, maxDim uint) (uint, uint) {
	larger := w
	if h > larger {
		larger = h
	}
	if maxDim == 0 || larger <= maxDim {
		return w, h
	}
	scale := float64(maxDim) / float64(larger)
	nw, nh := uint(float64(w)*scale+0.5), uint(float64(h)*scale+0.5)
	if nw == 0 {
		nw = 1
	}
	if nh == 0 {
		nh = 1
	}
	return nw, nh
}

// Reduce shrinks the image at path in place so its larger side is at most
// maxDim.
func (m *Magick) Reduce(path string, maxDim int) error {
	if maxDim <= 0 {
		return nil
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImage(path); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	nw, nh := FitWithin(w, h, uint(maxDim))
	if nw == w && nh == h {
		return nil
	}
	if err := mw.ResizeImage(nw, nh, imagick.FILTER_LANCZOS); err != nil {
		return fmt.Errorf("resize %s: %w", path, err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	m.Log.Debug("reduced image", "path", path, "from", fmt.Sprintf("%dx%d", w, h), "to", fmt.Sprintf("%dx%d", nw, nh))
	return nil
}

// Downsample writes src shrunk by an integer factor to dst.
func (m *Magick) Downsample(src, dst string, factor int) error {
	if factor < 1 {
		return fmt.Errorf("invalid scale factor %d", factor)
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	nw, nh := w/uint(factor), h/uint(factor)
	if nw == 0 || nh == 0 {
		return fmt.Errorf("%s: %dx%d is too small for factor %d", src, w, h, factor)
	}
	if factor > 1 {
		if err := mw.ResizeImage(nw, nh, imagick.FILTER_BOX); err != nil {
			return fmt.Errorf("resize %s: %w", src, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// AnimateAB writes a looping two-frame GIF alternating a and b, each shown
// for delayCS hundredths of a second.
func (m *Magick) AnimateAB(a, b, out string, delayCS uint) error {
	imagick.Initialize()
	defer imagick.Terminate()

	anim := imagick.NewMagickWand()
	defer anim.Destroy()

	for _, p := range []string{a, b} {
		frame := imagick.NewMagickWand()
		if err := frame.ReadImage(p); err != nil {
			frame.Destroy()
			return fmt.Errorf("read %s: %w", p, err)
		}
		if err := frame.SetImageDelay(delayCS); err != nil {
			frame.Destroy()
			return err
		}
		err := anim.AddImage(frame)
		frame.Destroy()
		if err != nil {
			return fmt.Errorf("add frame %s: %w", p, err)
		}
	}
	if err := anim.SetImageFormat("GIF"); err != nil {
		return err
	}
	if err := anim.SetImageIterations(0); err != nil {
		return err
	}
	if err := anim.WriteImages(out, true); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	m.Log.Debug("wrote A/B animation", "out", out)
	return nil
}
