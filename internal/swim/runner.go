package swim

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Output captures one invocation of an external tool.
type Output struct {
	Stdin    string `json:"stdin"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner executes an external program with a stdin payload.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin string) (Output, error)
}

// ExecRunner runs tools through os/exec. The process is not bound to ctx;
// running correlations always finish.
type ExecRunner struct {
	Dir string
}

// Run blocks until the tool exits. A non-zero exit status is reported in
// Output.ExitCode, not as an error; errors are reserved for processes that
// could not be started.
func (r ExecRunner) Run(ctx context.Context, name string, args []string, stdin string) (Output, error) {
	_ = ctx
	out := Output{Stdin: stdin}

	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out.Stdout = normalizeNewlines(stdout.String())
	out.Stderr = normalizeNewlines(stderr.String())

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		out.ExitCode = -1
		return out, err
	}
	return out, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
