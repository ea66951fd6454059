package pipeline

import (
	"context"
	"fmt"

	"swimalign/internal/project"
	"swimalign/internal/stack"
)

// AlignProject aligns the given sections of proj at level (all sections
// when indices is empty), stores the results, recomposes the stack and
// saves the project. Excluded sections are never dispatched.
func (p *Pipeline) AlignProject(ctx context.Context, proj *project.Project, level string, indices []int) (*Run, stack.Result, error) {
	if len(indices) == 0 {
		for i := range proj.Sections {
			indices = append(indices, i)
		}
	}
	first := proj.FirstIncluded()
	if first < 0 {
		return nil, stack.Result{}, fmt.Errorf("project %s has no included sections", proj.Name)
	}

	var tasks []Task
	for _, i := range indices {
		sec, err := proj.Section(i)
		if err != nil {
			return nil, stack.Result{}, err
		}
		if !sec.Include {
			p.log.Info("skipping excluded section", "section", i, "name", sec.Name)
			continue
		}
		s, err := proj.SettingsFor(i, level)
		if err != nil {
			return nil, stack.Result{}, err
		}
		tasks = append(tasks, Task{Settings: s, FirstIncluded: first})
	}

	run, runErr := p.Run(ctx, RunSpec{Project: proj.Path(), Level: level, Tasks: tasks})
	if run == nil {
		return nil, stack.Result{}, runErr
	}
	var rendered []int
	for _, r := range run.Results {
		if err := proj.SetResult(r.Index, level, r.Result); err != nil {
			return run, stack.Result{}, err
		}
		if r.Result.Thumbnail != "" {
			rendered = append(rendered, r.Index)
		}
	}
	res, _, err := p.recompose(proj, level, true, rendered...)
	if err != nil {
		return run, res, err
	}
	return run, res, runErr
}

// Recompose rebuilds the cumulative affines of level from the stored local
// affines and saves the project.
func (p *Pipeline) Recompose(proj *project.Project, level string) (stack.Result, error) {
	res, _, err := p.recompose(proj, level, true)
	return res, err
}

// recompose saves only when forced or when a cumulative affine changed.
// Sections in rendered get a fresh render stamp against the new cafm.
func (p *Pipeline) recompose(proj *project.Project, level string, force bool, rendered ...int) (stack.Result, bool, error) {
	res := p.composer.SetStackCafm(proj.StackEntries(level), proj.PolyOrder)
	changed := cafmChanged(proj, level, res)
	if !changed && !force {
		return res, false, nil
	}
	proj.ApplyCafm(level, res)
	for _, i := range rendered {
		if err := proj.MarkRendered(i, level); err != nil {
			p.log.Warn("render stamp not recorded", "section", i, "level", level, "error", err)
		}
	}
	if err := proj.Save(""); err != nil {
		return res, changed, fmt.Errorf("save project: %w", err)
	}
	return res, changed, nil
}

func cafmChanged(proj *project.Project, level string, res stack.Result) bool {
	for _, r := range res.Records {
		ld, err := proj.Level(r.Index, level)
		if err != nil || ld.Cafm == nil || ld.Cafm.CafmHash != r.CafmHash {
			return true
		}
	}
	return false
}

func hasLocalAffines(entries []stack.Entry) bool {
	for _, e := range entries {
		if e.Local != nil {
			return true
		}
	}
	return false
}

// Follow reloads the project at path whenever w reports a change and
// recomposes every level holding local affines. reloaded receives each
// reloaded project. Follow returns when ctx is done or w stops.
func (p *Pipeline) Follow(ctx context.Context, w *project.Watcher, path string, reloaded func(*project.Project)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			p.broadcast(Event{Kind: ev.Kind, Path: ev.Path})
			if ev.Kind != project.EventProjectChanged {
				p.log.Info("source images changed, re-run init to add them", "kind", ev.Kind, "path", ev.Path)
				continue
			}
			proj, err := project.Load(path)
			if err != nil {
				p.log.Warn("reload project", "path", path, "error", err)
				continue
			}
			for _, level := range proj.Levels {
				if !hasLocalAffines(proj.StackEntries(level)) {
					continue
				}
				_, changed, err := p.recompose(proj, level, false)
				if err != nil {
					p.log.Error("recompose stack", "level", level, "error", err)
					continue
				}
				if changed {
					p.log.Info("cumulative affines updated", "level", level)
				}
			}
			if reloaded != nil {
				reloaded(proj)
			}
		}
	}
}
