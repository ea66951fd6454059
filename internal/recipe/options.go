package recipe

import (
	"log/slog"

	"swimalign/internal/swim"
)

// Bounding rectangle strategies for thumbnails.
const (
	BoundingSquare    = "square"
	BoundingNonSquare = "nonsquare"
)

// Imager performs raster operations the matrix composer cannot.
type Imager interface {
	Reduce(path string, maxDim int) error
	AnimateAB(a, b, out string, delayCS uint) error
}

// Options carries process-level preferences into a recipe. It replaces any
// ambient configuration lookup from inside the core.
type Options struct {
	KeepSignals   bool
	KeepMatches   bool
	ReduceSignals int // max dimension after reduction, 0 disables
	SignalCrop    int
	SignalDir     string
	MatchDir      string

	DevMode bool
	Verbose bool

	Thumbnails     bool
	ThumbnailDir   string
	// ThumbnailScale downsamples thumbnails relative to the section's
	// level; 0 and 1 render at the level itself.
	ThumbnailScale int
	BoundingRect   string
	GIF            bool
}

// DefaultOptions keeps no artifacts.
func DefaultOptions() Options {
	return Options{SignalCrop: 128, BoundingRect: BoundingSquare}
}

// Env bundles the collaborators a recipe needs.
type Env struct {
	Tools   *swim.Tools
	Imager  Imager
	Options Options
	Log     *slog.Logger

	// FirstIncluded is the index of the first included section of the stack.
	FirstIncluded int
}

func (e Env) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}
