package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"swimalign/internal/affine"
	"swimalign/internal/pipeline"
	"swimalign/internal/project"
	"swimalign/internal/recipe"
	"swimalign/internal/storage"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type shiftAligner struct{}

func (shiftAligner) Align(ctx context.Context, t pipeline.Task) recipe.AlignmentResult {
	res := recipe.Failed(t.Settings.Index, t.Settings.Method, "")
	res.Complete = true
	if t.Settings.Index != t.FirstIncluded {
		res.AffineMatrix = affine.TranslationMatrix(2, 0)
	}
	return res
}

type fixture struct {
	srv  *Server
	http *httptest.Server
	pipe *pipeline.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "images")
	if err := os.Mkdir(src, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		f, err := os.Create(filepath.Join(src, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, image.NewGray(image.Rect(0, 0, 16, 16))); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	proj, err := project.Init(src, filepath.Join(dir, "stack.json"), project.InitOptions{
		Levels:   []string{"s2", "s1"},
		Defaults: recipe.DefaultSettings(),
		Log:      quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.New(filepath.Join(dir, "swimalign.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.New(shiftAligner{}, pipeline.Options{Store: store, Workers: func(n int) int { return n }, Log: quiet()})
	srv := NewServer(Options{Store: store, Pipeline: pipe, Project: proj, Log: quiet()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.runs.Wait)
	return &fixture{srv: srv, http: ts, pipe: pipe}
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// startRun posts a run and waits for it to finish.
func (f *fixture) startRun(t *testing.T, body string) string {
	t.Helper()
	events, unsub := f.pipe.Subscribe()
	defer unsub()
	resp, err := http.Post(f.http.URL+"/api/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == pipeline.EventRunFinished {
				return ev.RunID
			}
		case <-deadline:
			t.Fatalf("run did not finish")
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestSectionsAndLevels(t *testing.T) {
	f := newFixture(t)
	var secs []sectionSummary
	if code := f.get(t, "/api/sections", &secs); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(secs) != 3 || secs[1].Name != "b.png" || secs[2].Reference != 1 || secs[0].Aligned {
		t.Fatalf("unexpected sections %+v", secs)
	}
	if code := f.get(t, "/api/sections?level=s8", nil); code != http.StatusBadRequest {
		t.Fatalf("unknown level should be rejected, got %d", code)
	}
	if code := f.get(t, "/api/sections/9", nil); code != http.StatusNotFound {
		t.Fatalf("missing section should be 404, got %d", code)
	}

	var detail sectionDetail
	if code := f.get(t, "/api/sections/2?level=s1", &detail); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if detail.Level != "s1" || detail.Settings.ReferenceIndex != 1 || detail.Result != nil {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestRunThenCafm(t *testing.T) {
	f := newFixture(t)
	runID := f.startRun(t, `{"level":"s1"}`)

	var runs []storage.RunRecord
	if code := f.get(t, "/api/runs", &runs); code != http.StatusOK || len(runs) != 1 || runs[0].ID != runID {
		t.Fatalf("unexpected runs %d %+v", code, runs)
	}
	var results []storage.SectionResultRecord
	if code := f.get(t, "/api/runs/"+runID, &results); code != http.StatusOK || len(results) != 3 {
		t.Fatalf("unexpected run results %d %+v", code, results)
	}
	if code := f.get(t, "/api/runs/missing", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", code)
	}

	// Results are stored and the stack recomposed after the run event.
	var cafm cafmResponse
	for deadline := time.Now().Add(2 * time.Second); ; {
		if code := f.get(t, "/api/cafm?level=s1", &cafm); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if len(cafm.Records) == 3 && cafm.Records[2] != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(cafm.Records) != 3 || cafm.Records[2] == nil || cafm.Records[2].Cafm[2] != 4 {
		t.Fatalf("expected cumulative x shift 4 at section 2, got %+v", cafm.Records)
	}

	resp, err := http.Post(f.http.URL+"/api/cafm?level=s1", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recompose returned %d", resp.StatusCode)
	}
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"level":"s9"}`, `{"sections":[7]}`, `{`} {
		resp, err := http.Post(f.http.URL+"/api/runs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.forwardEvents(ctx)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for deadline := time.Now().Add(2 * time.Second); f.srv.hub.len() == 0; {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.startRun(t, `{"level":"s2","sections":[0,1]}`)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var ev pipeline.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != pipeline.EventRunStarted || ev.Level != "s2" {
		t.Fatalf("unexpected first event %+v", ev)
	}
}
