package project

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"swimalign/internal/fsutil"
	"swimalign/internal/recipe"
	"swimalign/internal/storage"
)

// Scaler writes a copy of src downsampled by factor to dst.
type Scaler interface {
	Downsample(src, dst string, factor int) error
}

// InitOptions controls project creation.
type InitOptions struct {
	Name     string
	Levels   []string // any order; stored coarsest first
	Defaults recipe.SwimSettings
	// Store caches image dimension probes; may be nil.
	Store *storage.Store
	// Scaler generates the per-level images; nil skips generation.
	Scaler Scaler
	Log    *slog.Logger
}

// Init creates a project at path for the images in dir. Every section is
// included and references the previous one.
func Init(dir, path string, opts InitOptions) (*Project, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no section images in %s", dir)
	}

	levels, err := sortLevels(opts.Levels)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(dir)
	}

	p := &Project{
		Version: FormatVersion,
		Name:    name,
		Source:  dir,
		Levels:  levels,
		path:    path,
	}
	for i, f := range files {
		w, h, err := probeSize(f, opts.Store)
		if err != nil {
			return nil, err
		}
		s := &Section{
			Index:     i,
			Name:      filepath.Base(f),
			Path:      f,
			ImageSize: [2]int{w, h},
			Include:   true,
			Reference: -1,
			Levels:    make(map[string]*LevelData, len(levels)),
		}
		for _, l := range levels {
			st := opts.Defaults
			st.Version = recipe.SettingsVersion
			st.Index = i
			st.Level = l
			s.Levels[l] = &LevelData{Settings: st}
		}
		p.Sections = append(p.Sections, s)
	}

	if opts.Scaler != nil {
		for _, l := range levels {
			factor, _ := Scale(l)
			if factor == 1 {
				continue
			}
			outDir := filepath.Join(filepath.Dir(path), "tiff", l)
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return nil, err
			}
			for _, s := range p.Sections {
				dst := filepath.Join(outDir, filepath.Base(s.Path))
				if _, err := os.Stat(dst); err == nil {
					continue
				}
				if err := opts.Scaler.Downsample(s.Path, dst, factor); err != nil {
					return nil, fmt.Errorf("scale %s to %s: %w", s.Name, l, err)
				}
			}
			log.Info("level images ready", "level", l, "sections", len(p.Sections))
		}
	}

	if err := p.Save(path); err != nil {
		return nil, err
	}
	log.Info("project created", "path", path, "sections", len(p.Sections), "levels", strings.Join(levels, ","))
	return p, nil
}

func sortLevels(in []string) ([]string, error) {
	if len(in) == 0 {
		in = []string{"s4", "s2", "s1"}
	}
	seen := make(map[string]bool)
	var out []string
	for _, l := range in {
		if _, err := Scale(l); err != nil {
			return nil, err
		}
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := Scale(out[i])
		b, _ := Scale(out[j])
		return a > b
	})
	return out, nil
}

// probeSize reads only the image header.
func probeSize(path string, store *storage.Store) (int, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	if sz, ok := store.LookupImageSize(path, info.ModTime()); ok {
		return sz.Width, sz.Height, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return 0, 0, fmt.Errorf("%s: unsupported image format", path)
		}
		return 0, 0, fmt.Errorf("probe %s: %w", path, err)
	}
	_ = store.RecordImageSize(storage.ImageSize{
		FilePath: path,
		Format:   format,
		Width:    cfg.Width,
		Height:   cfg.Height,
		ModTime:  info.ModTime(),
	})
	return cfg.Width, cfg.Height, nil
}
