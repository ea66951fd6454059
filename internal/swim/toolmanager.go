package swim

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ToolStatus represents the availability of a tool.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// ToolManager resolves the correlator and matrix-composer binaries.
type ToolManager struct {
	paths map[string]string
}

// NewToolManager creates a tool manager; configured maps a logical tool
// name ("swim", "mir") to an explicit path, which wins over PATH lookup.
func NewToolManager(configured map[string]string) *ToolManager {
	paths := make(map[string]string, len(configured))
	for k, v := range configured {
		if v != "" {
			paths[k] = v
		}
	}
	return &ToolManager{paths: paths}
}

// Resolve returns the executable for toolName. Candidates are tried in
// order: configured path, platform-suffixed name (swim_linux), plain name.
func (tm *ToolManager) Resolve(toolName string) (string, error) {
	var candidates []string
	if p, ok := tm.paths[toolName]; ok {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, toolName+"_"+runtime.GOOS, toolName)

	for _, c := range candidates {
		if strings.ContainsRune(c, os.PathSeparator) {
			if info, err := os.Stat(c); err == nil && !info.IsDir() {
				return c, nil
			}
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found (tried %s)", toolName, strings.Join(candidates, ", "))
}

// CheckTool verifies that a tool is present and answers.
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	path, err := tm.Resolve(toolName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	// Both tools print usage and exit non-zero when run without input.
	cmd := exec.Command(path)
	cmd.Stdin = strings.NewReader("")
	output, err := cmd.CombinedOutput()
	if err != nil && len(output) == 0 {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus reports both tools.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	return map[string]ToolStatus{
		"swim": tm.CheckTool("swim"),
		"mir":  tm.CheckTool("mir"),
	}
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
