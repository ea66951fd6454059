package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"swimalign/internal/cache"
	"swimalign/internal/config"
	"swimalign/internal/imaging"
	"swimalign/internal/logging"
	"swimalign/internal/pipeline"
	"swimalign/internal/project"
	"swimalign/internal/recipe"
	"swimalign/internal/server"
	"swimalign/internal/storage"
	"swimalign/internal/swim"
)

// Version of the swimalign binary.
const Version = "0.3.0-dev"

const watchDebounce = 500 * time.Millisecond

type toolManager interface {
	GetToolStatus() map[string]swim.ToolStatus
}

type toolManagerFactory func(*config.Config) toolManager

type alignerFactory func(*config.Config, *slog.Logger) (pipeline.Aligner, error)

type serverFunc func(ctx context.Context, opts server.Options) error

func defaultServe(ctx context.Context, opts server.Options) error {
	return server.NewServer(opts).Start(ctx)
}

func newToolManager(cfg *config.Config) *swim.ToolManager {
	return swim.NewToolManager(map[string]string{
		"swim": cfg.Swim.SwimPath,
		"mir":  cfg.Swim.MirPath,
	})
}

// defaultAligner resolves both external tools and builds the recipe
// environment from the configuration.
func defaultAligner(cfg *config.Config, log *slog.Logger) (pipeline.Aligner, error) {
	tm := newToolManager(cfg)
	swimPath, err := tm.Resolve("swim")
	if err != nil {
		return nil, fmt.Errorf("correlator unavailable: %w", err)
	}
	mirPath, err := tm.Resolve("mir")
	if err != nil {
		return nil, fmt.Errorf("matrix composer unavailable: %w", err)
	}
	env := recipe.Env{
		Tools:   swim.NewTools(swimPath, mirPath, log),
		Imager:  imaging.New(log),
		Options: cfg.RecipeOptions(),
		Log:     log,
	}
	return pipeline.NewRecipeAligner(env), nil
}

// unavailableAligner fails every section; it lets the server publish
// existing results when the external tools are missing.
type unavailableAligner struct{ err error }

func (a unavailableAligner) Align(ctx context.Context, t pipeline.Task) recipe.AlignmentResult {
	res := recipe.Failed(t.Settings.Index, t.Settings.Method, a.err.Error())
	res.Datetime = time.Now().Format(recipe.DatetimeLayout)
	return res
}

// Root wires CLI commands to the project, pipeline and server.
type Root struct {
	cfg            *config.Config
	log            *slog.Logger
	store          *storage.Store
	out            io.Writer
	toolFactory    toolManagerFactory
	alignerFactory alignerFactory
	serveFn        serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		out:   os.Stdout,
		toolFactory: func(cfg *config.Config) toolManager {
			return newToolManager(cfg)
		},
		alignerFactory: defaultAligner,
		serveFn:        defaultServe,
	}
}

// projectPath picks the --project flag or the configured default.
func (r *Root) projectPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if r.cfg.Paths.DefaultProject != "" {
		return r.cfg.Paths.DefaultProject, nil
	}
	return "", errors.New("no project given: use --project or set paths.default_project")
}

func (r *Root) loadProject(flag string) (*project.Project, error) {
	path, err := r.projectPath(flag)
	if err != nil {
		return nil, err
	}
	p, err := project.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	return p, nil
}

func (r *Root) newPipeline(aligner pipeline.Aligner) *pipeline.Pipeline {
	c := cache.New()
	if r.store != nil {
		if err := c.Load(r.store); err != nil {
			r.log.Warn("result cache unavailable, starting empty", "error", err)
		}
	}
	return pipeline.New(aligner, pipeline.Options{
		Cache:   c,
		Store:   r.store,
		Workers: r.cfg.WorkerCount,
		Log:     r.log,
	})
}

func defaultLevel(p *project.Project, level string) (string, error) {
	if level != "" {
		return level, nil
	}
	if len(p.Levels) == 0 {
		return "", errors.New("project has no levels")
	}
	return p.Levels[0], nil
}

func (r *Root) cmdInit(dir, path, name string, levels []string, scale bool) error {
	opts := project.InitOptions{
		Name:     name,
		Levels:   levels,
		Defaults: r.cfg.DefaultSettings(),
		Store:    r.store,
		Log:      r.log,
	}
	if scale {
		opts.Scaler = imaging.New(r.log)
	}
	p, err := project.Init(dir, path, opts)
	if err != nil {
		return err
	}
	if r.cfg.Defaults.PolyOrder != nil {
		n := *r.cfg.Defaults.PolyOrder
		p.PolyOrder = &n
		if err := p.Save(""); err != nil {
			return err
		}
	}
	fmt.Fprintf(r.out, "Created %s: %d sections, levels %s\n", p.Path(), len(p.Sections), strings.Join(p.Levels, ","))
	return nil
}

func (r *Root) cmdAlign(ctx context.Context, projectFlag, level string, sections []int, propagateFrom string) error {
	p, err := r.loadProject(projectFlag)
	if err != nil {
		return err
	}
	if level, err = defaultLevel(p, level); err != nil {
		return err
	}
	if propagateFrom != "" {
		n, err := p.PropagateLevel(propagateFrom, level)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Seeded %d sections at %s from %s\n", n, level, propagateFrom)
	}

	aligner, err := r.alignerFactory(r.cfg, r.log)
	if err != nil {
		return err
	}
	pipe := r.newPipeline(aligner)
	defer pipe.Stop()

	run, res, err := pipe.AlignProject(ctx, p, level, sections)
	if run != nil {
		cached, complete := 0, 0
		for _, s := range run.Results {
			if s.Cached {
				cached++
			}
			if s.Result.Complete {
				complete++
			}
		}
		fmt.Fprintf(r.out, "Run %s %s: %d sections at %s (%d cached, %d complete, %d skipped)\n",
			run.ID, run.Status, len(run.Results), level, cached, complete, len(run.Skipped))
		for _, s := range run.Results {
			if !s.Result.Complete {
				fmt.Fprintf(r.out, "  section %d incomplete: %s\n", s.Index, describeFailure(s.Result))
			}
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(r.out, "  stack: %s\n", w)
		}
	}
	return err
}

func describeFailure(res recipe.AlignmentResult) string {
	if len(res.Errors) > 0 {
		return strings.Join(res.Errors, "; ")
	}
	if res.Message != "" {
		return res.Message
	}
	return "unknown error"
}

func (r *Root) cmdCafm(projectFlag, level string, polyOrder *int, clearBias bool) error {
	p, err := r.loadProject(projectFlag)
	if err != nil {
		return err
	}
	if level, err = defaultLevel(p, level); err != nil {
		return err
	}
	switch {
	case clearBias:
		p.PolyOrder = nil
	case polyOrder != nil:
		if *polyOrder < 0 {
			return fmt.Errorf("poly order must not be negative, got %d", *polyOrder)
		}
		p.PolyOrder = polyOrder
	}

	// Composition needs no aligner.
	pipe := pipeline.New(nil, pipeline.Options{Log: r.log})
	res, err := pipe.Recompose(p, level)
	if err != nil {
		return err
	}
	order := "none"
	if res.PolyOrder != nil {
		order = fmt.Sprint(*res.PolyOrder)
	}
	fmt.Fprintf(r.out, "Composed %d cumulative affines at %s (bias order %s)\n", len(res.Records), level, order)
	fmt.Fprintf(r.out, "  seed affine: %s\n", res.InitCafm.String())
	for _, w := range res.Warnings {
		fmt.Fprintf(r.out, "  warning: %s\n", w)
	}
	return nil
}

func (r *Root) cmdStatus(projectFlag string) error {
	p, err := r.loadProject(projectFlag)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Project %s: %d sections from %s\n", p.Name, len(p.Sections), p.Source)
	fmt.Fprintf(r.out, "First included section: %d\n", p.FirstIncluded())
	for _, level := range p.Levels {
		aligned, complete := 0, 0
		for i := range p.Sections {
			ld, err := p.Level(i, level)
			if err != nil || ld.Result == nil {
				continue
			}
			aligned++
			if ld.Result.Complete {
				complete++
			}
		}
		fmt.Fprintf(r.out, "  %-4s aligned %d/%d, complete %d, stale %d\n",
			level, aligned, len(p.Sections), complete, len(p.Stale(level)))
	}
	return nil
}

func (r *Root) cmdTools() error {
	status := r.toolFactory(r.cfg).GetToolStatus()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(r.out, "=== Tool Availability Status ===")
	for _, name := range names {
		st := status[name]
		logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
		if st.Available {
			fmt.Fprintf(r.out, "  %-6s AVAILABLE     %s (%s)\n", name, st.Path, st.Version)
		} else {
			fmt.Fprintf(r.out, "  %-6s NOT AVAILABLE %v\n", name, st.Error)
		}
	}
	return nil
}

func (r *Root) cmdServe(ctx context.Context, projectFlag, addr string, watch bool) error {
	p, err := r.loadProject(projectFlag)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = r.cfg.Server.Addr
	}
	aligner, err := r.alignerFactory(r.cfg, r.log)
	if err != nil {
		r.log.Warn("alignment disabled", "error", err)
		aligner = unavailableAligner{err: err}
	}
	pipe := r.newPipeline(aligner)
	defer pipe.Stop()

	opts := server.Options{
		Addr:     addr,
		Store:    r.store,
		Pipeline: pipe,
		Project:  p,
		Log:      r.log,
	}
	if watch {
		w, err := project.NewWatcher(p.Path(), p.Source, watchDebounce, r.log)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		opts.Watcher = w
	}
	return r.serveFn(ctx, opts)
}

func (r *Root) cmdWatch(ctx context.Context, projectFlag string) error {
	p, err := r.loadProject(projectFlag)
	if err != nil {
		return err
	}
	w, err := project.NewWatcher(p.Path(), p.Source, watchDebounce, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Fprintf(r.out, "Watching %s (Ctrl-C to stop)\n", p.Path())
	pipe := pipeline.New(nil, pipeline.Options{Log: r.log})
	pipe.Follow(ctx, w, p.Path(), func(np *project.Project) {
		fmt.Fprintf(r.out, "Reloaded %s: %d sections\n", np.Path(), len(np.Sections))
	})
	return nil
}
