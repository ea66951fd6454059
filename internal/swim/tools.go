package swim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Tools invokes the swim correlator and the mir matrix composer.
type Tools struct {
	SwimPath string
	MirPath  string
	Runner   Runner
	Log      *slog.Logger
}

// NewTools returns Tools backed by ExecRunner.
func NewTools(swimPath, mirPath string, log *slog.Logger) *Tools {
	if log == nil {
		log = slog.Default()
	}
	return &Tools{SwimPath: swimPath, MirPath: mirPath, Runner: ExecRunner{}, Log: log}
}

// Swim sends all lines for one ingredient as a single stdin payload to
// `swim WxH`.
func (t *Tools) Swim(ctx context.Context, window [2]int, lines []string) (Output, error) {
	stdin := strings.Join(lines, "\n")
	out, err := t.Runner.Run(ctx, t.SwimPath, []string{WindowArg(window)}, stdin)
	if err != nil {
		return out, fmt.Errorf("run %s: %w", t.SwimPath, err)
	}
	if out.ExitCode != 0 {
		t.Log.Error("correlator exited with non-zero status",
			"tool", t.SwimPath,
			"exit_code", out.ExitCode,
			"stderr", strings.TrimSpace(out.Stderr),
		)
	}
	return out, nil
}

// Mir runs a mir script.
func (t *Tools) Mir(ctx context.Context, script string) (Output, error) {
	out, err := t.Runner.Run(ctx, t.MirPath, nil, script)
	if err != nil {
		return out, fmt.Errorf("run %s: %w", t.MirPath, err)
	}
	if out.ExitCode != 0 {
		t.Log.Error("matrix composer exited with non-zero status",
			"tool", t.MirPath,
			"exit_code", out.ExitCode,
			"stderr", strings.TrimSpace(out.Stderr),
		)
	}
	return out, nil
}

// Regress runs a regression script and parses the resulting affines.
func (t *Tools) Regress(ctx context.Context, script string) (MirAffines, Output, error) {
	out, err := t.Mir(ctx, script)
	if err != nil {
		return MirAffines{}, out, err
	}
	res, err := ParseMirAffines(out.Stdout)
	return res, out, err
}
