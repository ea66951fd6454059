// Package project holds the persistent record of a section stack: its
// images, per-level settings, alignment results and cumulative affines.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"swimalign/internal/affine"
	"swimalign/internal/recipe"
	"swimalign/internal/stack"
)

// FormatVersion is the on-disk project layout version.
const FormatVersion = 1

var (
	// ErrNoSection is returned for an out-of-range section index.
	ErrNoSection = errors.New("project: no such section")
	// ErrNoLevel is returned for a level the project does not have.
	ErrNoLevel = errors.New("project: no such level")
)

// LevelData is everything stored for one section at one level.
type LevelData struct {
	Settings recipe.SwimSettings     `json:"settings"`
	Result   *recipe.AlignmentResult `json:"alignment,omitempty"`
	Cafm     *stack.Record           `json:"cafm,omitempty"`
	Rendered *stack.Stamp            `json:"rendered,omitempty"`
}

// Section is one image of the stack.
type Section struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	ImageSize [2]int `json:"image_size"`
	Include   bool   `json:"include"`
	// Reference is the index of the reference section, -1 for the default
	// (previous included section).
	Reference int                   `json:"reference"`
	Levels    map[string]*LevelData `json:"levels"`
}

// Project is a stack of sections at several resolution levels.
type Project struct {
	Version   int                         `json:"version"`
	Name      string                      `json:"name"`
	Source    string                      `json:"source"`
	Levels    []string                    `json:"levels"` // coarsest first
	PolyOrder *int                        `json:"poly_order"`
	Bias      map[string]*stack.BiasFuncs `json:"bias,omitempty"`
	Sections  []*Section                  `json:"sections"`

	mu   sync.RWMutex
	path string
}

// Load reads a project file.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &Project{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", path, err)
	}
	if p.Version != FormatVersion {
		return nil, fmt.Errorf("project %s: unsupported version %d", path, p.Version)
	}
	p.path = path
	return p, nil
}

// Path is where the project was loaded from or last saved to.
func (p *Project) Path() string { return p.path }

// Dir is the directory holding the project file.
func (p *Project) Dir() string { return filepath.Dir(p.path) }

// Save writes the project atomically to path, or to its current path when
// path is empty.
func (p *Project) Save(path string) error {
	p.mu.RLock()
	data, err := json.MarshalIndent(p, "", "  ")
	p.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	if path == "" {
		path = p.path
	}
	if path == "" {
		return errors.New("project has no path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	p.path = path
	return nil
}

// Scale returns the downsampling factor of a level name such as "s4".
func Scale(level string) (int, error) {
	if !strings.HasPrefix(level, "s") {
		return 0, fmt.Errorf("%w: %q", ErrNoLevel, level)
	}
	n, err := strconv.Atoi(level[1:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoLevel, level)
	}
	return n, nil
}

func (p *Project) hasLevel(level string) bool {
	for _, l := range p.Levels {
		if l == level {
			return true
		}
	}
	return false
}

func (p *Project) section(i int) (*Section, error) {
	if i < 0 || i >= len(p.Sections) {
		return nil, fmt.Errorf("%w: %d", ErrNoSection, i)
	}
	return p.Sections[i], nil
}

// Section returns a copy of section i without level data.
func (p *Project) Section(i int) (Section, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, err := p.section(i)
	if err != nil {
		return Section{}, err
	}
	cp := *s
	cp.Levels = nil
	return cp, nil
}

// Level returns a copy of section i's data at level.
func (p *Project) Level(i int, level string) (LevelData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, err := p.section(i)
	if err != nil {
		return LevelData{}, err
	}
	ld, ok := s.Levels[level]
	if !ok {
		return LevelData{}, fmt.Errorf("%w: %s", ErrNoLevel, level)
	}
	return *ld, nil
}

// FirstIncluded returns the index of the first included section, or -1.
func (p *Project) FirstIncluded() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.firstIncluded()
}

func (p *Project) firstIncluded() int {
	for i, s := range p.Sections {
		if s.Include {
			return i
		}
	}
	return -1
}

// ReferenceFor returns the reference section of i: the explicit reference
// when set and included, otherwise the closest included section before
// it, or -1.
func (p *Project) ReferenceFor(i int) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.referenceFor(i)
}

func (p *Project) referenceFor(i int) int {
	if i < 0 || i >= len(p.Sections) {
		return -1
	}
	if r := p.Sections[i].Reference; r >= 0 && r < len(p.Sections) && r != i && p.Sections[r].Include {
		return r
	}
	for j := i - 1; j >= 0; j-- {
		if p.Sections[j].Include {
			return j
		}
	}
	return -1
}

// ImagePath is the image of section i at level. Scaled copies live under
// <project dir>/tiff/<level>/; the source image is used when absent.
func (p *Project) ImagePath(i int, level string) string {
	s := p.Sections[i]
	if p.path != "" {
		scaled := filepath.Join(p.Dir(), "tiff", level, filepath.Base(s.Path))
		if _, err := os.Stat(scaled); err == nil {
			return scaled
		}
	}
	return s.Path
}

// SettingsFor returns the complete settings of section i at level, with
// paths, reference and image size filled in from the project.
func (p *Project) SettingsFor(i int, level string) (recipe.SwimSettings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, err := p.section(i)
	if err != nil {
		return recipe.SwimSettings{}, err
	}
	ld, ok := s.Levels[level]
	if !ok {
		return recipe.SwimSettings{}, fmt.Errorf("%w: %s", ErrNoLevel, level)
	}
	scale, err := Scale(level)
	if err != nil {
		return recipe.SwimSettings{}, err
	}

	st := ld.Settings
	st.Version = recipe.SettingsVersion
	st.Index = i
	st.Level = level
	st.Include = s.Include
	st.First = p.firstIncluded() == i
	st.Path = p.ImagePath(i, level)
	st.ImageSize = [2]int{s.ImageSize[0] / scale, s.ImageSize[1] / scale}
	st.ReferenceIndex = p.referenceFor(i)
	st.Reference = ""
	if st.ReferenceIndex >= 0 {
		st.Reference = p.ImagePath(st.ReferenceIndex, level)
	}
	return st, nil
}

// UpdateSettings applies fn to section i's stored settings at level.
func (p *Project) UpdateSettings(i int, level string, fn func(*recipe.SwimSettings)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.section(i)
	if err != nil {
		return err
	}
	ld, ok := s.Levels[level]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLevel, level)
	}
	fn(&ld.Settings)
	return nil
}

// SetInclude includes or excludes section i and clears explicit
// references that now point at an excluded section.
func (p *Project) SetInclude(i int, include bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.section(i)
	if err != nil {
		return err
	}
	s.Include = include
	if !include {
		for _, o := range p.Sections {
			if o.Reference == i {
				o.Reference = -1
			}
		}
	}
	return nil
}

// SetResult stores an alignment result.
func (p *Project) SetResult(i int, level string, res recipe.AlignmentResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.section(i)
	if err != nil {
		return err
	}
	ld, ok := s.Levels[level]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLevel, level)
	}
	ld.Result = &res
	return nil
}

// PropagateLevel seeds every section at level `to` with the result of the
// coarser level `from`: the affine's translation is rescaled and the
// section switches to refinement.
func (p *Project) PropagateLevel(from, to string) (int, error) {
	sf, err := Scale(from)
	if err != nil {
		return 0, err
	}
	st, err := Scale(to)
	if err != nil {
		return 0, err
	}
	if st >= sf {
		return 0, fmt.Errorf("project: %s is not finer than %s", to, from)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLevel(from) || !p.hasLevel(to) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrNoLevel, from, to)
	}

	n := 0
	factor := float64(sf) / float64(st)
	for _, s := range p.Sections {
		src, dst := s.Levels[from], s.Levels[to]
		if src == nil || dst == nil || src.Result == nil {
			continue
		}
		a := affine.Rescale(src.Result.AffineMatrix, factor)
		dst.Settings.InitAffine = a.Rows()
		dst.Settings.Refinement = true
		dst.Settings.Method = src.Settings.Method
		dst.Settings.ManualPoints = scalePoints(src.Settings.ManualPoints, factor)
		n++
	}
	return n, nil
}

func scalePoints(m recipe.ManualPoints, f float64) recipe.ManualPoints {
	scale := func(in []*affine.Point) []*affine.Point {
		out := make([]*affine.Point, len(in))
		for i, pt := range in {
			if pt != nil {
				out[i] = &affine.Point{X: pt.X * f, Y: pt.Y * f}
			}
		}
		return out
	}
	return recipe.ManualPoints{Reference: scale(m.Reference), Moving: scale(m.Moving)}
}

// StackEntries returns the composer input for level in section order.
func (p *Project) StackEntries(level string) []stack.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]stack.Entry, len(p.Sections))
	for i, s := range p.Sections {
		e := stack.Entry{Index: i, Include: s.Include}
		if ld := s.Levels[level]; ld != nil {
			if ld.Result != nil {
				a := ld.Result.AffineMatrix
				e.Local = &a
			}
			if h, err := ld.Settings.Hash(); err == nil {
				e.SettingsHash = h
			}
		}
		out[i] = e
	}
	return out
}

// ApplyCafm stores a composer result.
func (p *Project) ApplyCafm(level string, res stack.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range res.Records {
		if r.Index < 0 || r.Index >= len(p.Sections) {
			continue
		}
		ld := p.Sections[r.Index].Levels[level]
		if ld == nil {
			continue
		}
		rec := r
		ld.Cafm = &rec
	}
	if p.Bias == nil {
		p.Bias = make(map[string]*stack.BiasFuncs)
	}
	p.Bias[level] = res.Bias
}

// MarkRendered records that section i was rendered with its current
// settings and cumulative affine.
func (p *Project) MarkRendered(i int, level string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.section(i)
	if err != nil {
		return err
	}
	ld := s.Levels[level]
	if ld == nil || ld.Cafm == nil {
		return fmt.Errorf("project: section %d has no cumulative affine at %s", i, level)
	}
	h, err := ld.Settings.Hash()
	if err != nil {
		return err
	}
	ld.Rendered = &stack.Stamp{SettingsHash: h, CafmHash: ld.Cafm.CafmHash}
	return nil
}

// Stale lists sections whose rendered artifacts no longer match.
func (p *Project) Stale(level string) []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []int
	for i, s := range p.Sections {
		ld := s.Levels[level]
		if ld == nil || ld.Cafm == nil {
			continue
		}
		if ld.Rendered == nil {
			out = append(out, i)
			continue
		}
		h, _ := ld.Settings.Hash()
		if stack.Stale(*ld.Rendered, h, ld.Cafm.CafmHash) {
			out = append(out, i)
		}
	}
	return out
}
