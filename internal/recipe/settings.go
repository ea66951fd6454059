package recipe

import (
	"encoding/json"
	"fmt"

	"swimalign/internal/affine"
	"swimalign/internal/canon"
)

// SettingsVersion is bumped whenever the SwimSettings encoding changes, so
// cached results from an older layout never match.
const SettingsVersion = 2

// Method selects the matching strategy for a section.
type Method string

const (
	MethodGrid   Method = "grid"
	MethodManual Method = "manual"
)

// ManualPoints holds user-picked correspondences. Slots may be left empty.
type ManualPoints struct {
	Reference []*affine.Point `json:"ref,omitempty"`
	Moving    []*affine.Point `json:"base,omitempty"`
}

// Filled returns the pairs where both sides were picked, in slot order.
func (m ManualPoints) Filled() (psta, pmov []affine.Point) {
	n := len(m.Reference)
	if len(m.Moving) < n {
		n = len(m.Moving)
	}
	for i := 0; i < n; i++ {
		if m.Reference[i] == nil || m.Moving[i] == nil {
			continue
		}
		psta = append(psta, *m.Reference[i])
		pmov = append(pmov, *m.Moving[i])
	}
	return psta, pmov
}

// SwimSettings is everything needed to align one section at one level.
// It is treated as immutable for the duration of an attempt and doubles as
// the result-cache key.
type SwimSettings struct {
	Version int    `json:"version"`
	Index   int    `json:"index"`
	Level   string `json:"level"`
	Method  Method `json:"method"`

	WindowFull           [2]int  `json:"window_1x1"`
	WindowQuad           [2]int  `json:"window_2x2"`
	ManualWindowFraction float64 `json:"manual_window_fraction"`
	Quadrants            [4]bool `json:"quadrants"`

	Iterations      int         `json:"iterations"`
	Whitening       float64     `json:"whitening"`
	Clobber         bool        `json:"clobber"`
	ClobberPx       int         `json:"clobber_px"`
	InitialRotation float64     `json:"initial_rotation"`
	InitAffine      [][]float64 `json:"init_afm,omitempty"`
	Refinement      bool        `json:"refinement"`

	Reference      string `json:"reference"`
	ReferenceIndex int    `json:"reference_index"`
	Path           string `json:"path"`
	ImageSize      [2]int `json:"image_size"`
	Include        bool   `json:"include"`

	// First marks the first included section, which is aligned to identity.
	First bool `json:"first"`

	ManualPoints ManualPoints `json:"manual_points"`
}

// DefaultSettings returns grid settings with every quadrant enabled.
func DefaultSettings() SwimSettings {
	return SwimSettings{
		Version:              SettingsVersion,
		Method:               MethodGrid,
		WindowFull:           [2]int{1024, 1024},
		WindowQuad:           [2]int{512, 512},
		ManualWindowFraction: 0.125,
		Quadrants:            [4]bool{true, true, true, true},
		Iterations:           3,
		Whitening:            -0.68,
		ClobberPx:            3,
		Include:              true,
	}
}

// Center is the image centre in pixel coordinates.
func (s SwimSettings) Center() affine.Point {
	return affine.Point{X: float64(s.ImageSize[0]) / 2.0, Y: float64(s.ImageSize[1]) / 2.0}
}

// HasReference reports whether the section has a distinct reference image.
func (s SwimSettings) HasReference() bool {
	return s.Reference != "" && s.Reference != s.Path
}

// Hash returns the canonical cache key of s.
func (s SwimSettings) Hash() (string, error) {
	return canon.Hash(s)
}

// Encode serializes s in its versioned canonical form.
func (s SwimSettings) Encode() ([]byte, error) {
	if s.Version == 0 {
		s.Version = SettingsVersion
	}
	return canon.JSON(s)
}

// DecodeSettings is the inverse of Encode and rejects unknown versions.
func DecodeSettings(data []byte) (SwimSettings, error) {
	var s SwimSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	if s.Version != SettingsVersion {
		return s, fmt.Errorf("decode settings: unsupported version %d", s.Version)
	}
	return s, nil
}

// EnsureEven rounds odd sizes up by one pixel; swim requires even windows.
func EnsureEven(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}
