package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"swimalign/internal/cache"
	"swimalign/internal/logging"
	"swimalign/internal/recipe"
	"swimalign/internal/stack"
	"swimalign/internal/storage"
)

// RunType is recorded with every batch.
const RunType = "align"

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Event kinds broadcast to subscribers. Project watcher kinds are
// forwarded unchanged.
const (
	EventRunStarted  = "run_started"
	EventSection     = "section"
	EventRunFinished = "run_finished"
)

// Task is one section's self-contained alignment request.
type Task struct {
	Settings      recipe.SwimSettings
	FirstIncluded int
}

// SectionResult is the outcome of one task within a run.
type SectionResult struct {
	RunID    string                 `json:"run_id"`
	Index    int                    `json:"index"`
	Level    string                 `json:"level"`
	Result   recipe.AlignmentResult `json:"result"`
	Cached   bool                   `json:"cached"`
	Duration time.Duration          `json:"duration_ns"`

	settings recipe.SwimSettings
}

// Event is a progress notification.
type Event struct {
	Kind    string         `json:"kind"`
	RunID   string         `json:"run_id,omitempty"`
	Level   string         `json:"level,omitempty"`
	Section *SectionResult `json:"section,omitempty"`
	Status  string         `json:"status,omitempty"`
	Path    string         `json:"path,omitempty"`
}

// Aligner aligns one section. Implementations must not share mutable
// state between calls: several run concurrently.
type Aligner interface {
	Align(ctx context.Context, task Task) recipe.AlignmentResult
}

// RunSpec describes a batch.
type RunSpec struct {
	ID      string // generated when empty
	Project string
	Level   string
	Tasks   []Task
}

// Run is the outcome of a batch.
type Run struct {
	ID       string          `json:"id"`
	Level    string          `json:"level"`
	Status   string          `json:"status"`
	Results  []SectionResult `json:"results"`
	Skipped  []int           `json:"skipped,omitempty"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
}

// Options configures a Pipeline.
type Options struct {
	Cache *cache.Cache
	Store *storage.Store
	// Workers returns the pool size for a number of pending tasks.
	Workers func(pending int) int
	Log     *slog.Logger
}

// Pipeline is the batch coordinator. It owns the result cache: workers only
// return results, the coordinator stores and persists them.
type Pipeline struct {
	aligner   Aligner
	cache     *cache.Cache
	store     *storage.Store
	workers   func(int) int
	composer  *stack.Composer
	log       *slog.Logger
	cancelled atomic.Bool
	runMu     sync.Mutex
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New creates a Pipeline around aligner.
func New(aligner Aligner, opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	c := opts.Cache
	if c == nil {
		c = cache.New()
	}
	workers := opts.Workers
	if workers == nil {
		workers = func(int) int { return 1 }
	}
	return &Pipeline{
		aligner:  aligner,
		cache:    c,
		store:    opts.Store,
		workers:  workers,
		composer: stack.NewComposer(log),
		log:      log,
		subs:     make(map[int]chan Event),
	}
}

// Cache returns the coordinator's result cache.
func (p *Pipeline) Cache() *cache.Cache { return p.cache }

// Cancel stops the current batch from dispatching further tasks. Tasks
// already running finish normally.
func (p *Pipeline) Cancel() {
	p.cancelled.Store(true)
}

// Run aligns every task of spec and returns once all dispatched tasks have
// finished. Cached results are used without dispatching.
func (p *Pipeline) Run(ctx context.Context, spec RunSpec) (*Run, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.cancelled.Store(false)

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	run := &Run{ID: id, Level: spec.Level, Started: time.Now()}

	indices := make([]int, len(spec.Tasks))
	for i, t := range spec.Tasks {
		indices[i] = t.Settings.Index
	}
	optsJSON, _ := json.Marshal(map[string]any{"sections": indices})
	_ = p.store.RecordRunQueued(storage.RunRecord{
		ID:           id,
		RunType:      RunType,
		Status:       "queued",
		ProjectPath:  spec.Project,
		Level:        spec.Level,
		OptionsJSON:  string(optsJSON),
		SectionCount: len(spec.Tasks),
	})
	_ = p.store.RecordRunStart(id)
	logging.LogRunStart(p.log, RunType, id, spec.Project, spec.Level, len(spec.Tasks))
	p.broadcast(Event{Kind: EventRunStarted, RunID: id, Level: spec.Level})

	var pending []Task
	for _, t := range spec.Tasks {
		// The first section's identity result must not answer for it once
		// an earlier section is included again.
		t.Settings.First = t.Settings.Index == t.FirstIncluded
		if res, ok := p.cache.Get(t.Settings); ok {
			p.collect(run, SectionResult{
				RunID:    id,
				Index:    t.Settings.Index,
				Level:    spec.Level,
				Result:   res,
				Cached:   true,
				settings: t.Settings,
			})
			continue
		}
		pending = append(pending, t)
	}

	var skipped []int
	if len(pending) > 0 {
		n := p.workers(len(pending))
		if n < 1 {
			n = 1
		}
		if n > len(pending) {
			n = len(pending)
		}
		p.log.Debug("dispatching sections", "run_id", id, "pending", len(pending), "workers", n)

		jobs := make(chan Task)
		results := make(chan SectionResult, n)
		var wg sync.WaitGroup
		for w := 0; w < n; w++ {
			wg.Add(1)
			go p.worker(ctx, id, spec.Level, w, jobs, results, &wg)
		}
		go func() {
			defer close(jobs)
			for i, t := range pending {
				if p.cancelled.Load() || ctx.Err() != nil {
					for _, rest := range pending[i:] {
						skipped = append(skipped, rest.Settings.Index)
					}
					return
				}
				jobs <- t
			}
		}()
		go func() {
			wg.Wait()
			close(results)
		}()
		for r := range results {
			p.collect(run, r)
		}
	}

	sort.Slice(run.Results, func(i, j int) bool { return run.Results[i].Index < run.Results[j].Index })
	run.Skipped = skipped
	run.Status = StatusCompleted
	if len(skipped) > 0 {
		run.Status = StatusCancelled
	}

	var err error
	if p.store != nil && p.cache.Dirty() {
		if err = p.cache.Save(p.store); err != nil {
			err = fmt.Errorf("persist cache: %w", err)
			run.Status = StatusFailed
		}
	}
	run.Finished = time.Now()
	duration := run.Finished.Sub(run.Started)
	_ = p.store.RecordRunResult(id, run.Status, errString(err))
	if err != nil {
		logging.LogRunError(p.log, RunType, id, duration, err)
	} else {
		logging.LogRunComplete(p.log, RunType, id, duration, run.summary())
	}
	p.broadcast(Event{Kind: EventRunFinished, RunID: id, Level: spec.Level, Status: run.Status})
	return run, err
}

func (p *Pipeline) worker(ctx context.Context, runID, level string, id int, jobs <-chan Task, results chan<- SectionResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for t := range jobs {
		start := time.Now()
		logging.LogSectionStart(p.log, runID, t.Settings.Index, string(t.Settings.Method), id)
		res := p.align(ctx, t)
		results <- SectionResult{
			RunID:    runID,
			Index:    t.Settings.Index,
			Level:    level,
			Result:   res,
			Duration: time.Since(start),
			settings: t.Settings,
		}
	}
}

func (p *Pipeline) align(ctx context.Context, t Task) (res recipe.AlignmentResult) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("aligner panicked", "section", t.Settings.Index, "panic", r)
			res = recipe.Failed(t.Settings.Index, t.Settings.Method, fmt.Sprintf("panic: %v", r))
		}
	}()
	return p.aligner.Align(ctx, t)
}

// collect runs on the coordinator goroutine only.
func (p *Pipeline) collect(run *Run, sr SectionResult) {
	if !sr.Cached && sr.Result.Complete {
		if err := p.cache.Put(sr.settings, sr.Result); err != nil {
			p.log.Warn("cache result", "section", sr.Index, "error", err)
		}
	}
	if p.store != nil {
		data, err := json.Marshal(sr.Result)
		if err == nil {
			err = p.store.RecordSectionResult(storage.SectionResultRecord{
				RunID:        run.ID,
				SectionIndex: sr.Index,
				Complete:     sr.Result.Complete,
				Cached:       sr.Cached,
				SNRMean:      sr.Result.SNRMean,
				ResultJSON:   string(data),
			})
		}
		if err != nil {
			logging.LogSectionError(p.log, run.ID, sr.Index, err)
		}
	}
	logging.LogSectionComplete(p.log, run.ID, sr.Index, sr.Result.Complete, sr.Cached, sr.Result.SNRMean, sr.Duration)
	run.Results = append(run.Results, sr)
	p.broadcast(Event{Kind: EventSection, RunID: run.ID, Level: run.Level, Section: &sr})
}

func (r *Run) summary() map[string]any {
	cached, complete := 0, 0
	for _, s := range r.Results {
		if s.Cached {
			cached++
		}
		if s.Result.Complete {
			complete++
		}
	}
	return map[string]any{
		"status":   r.Status,
		"sections": len(r.Results),
		"complete": complete,
		"cached":   cached,
		"skipped":  len(r.Skipped),
	}
}

// Stop closes every subscription.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.Cancel()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

// Subscribe returns a channel for receiving progress events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 32)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "run", ev.RunID, "kind", ev.Kind)
		}
	}
}
