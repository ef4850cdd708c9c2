package scheduler

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// CapRange is the allowed number of concurrently rendering stories for an
// accelerator class.
type CapRange struct {
	Min int
	Max int
}

const detectTimeout = 5 * time.Second

var capTable = map[string]CapRange{
	"L4":   {Min: 2, Max: 4},
	"T4":   {Min: 1, Max: 2},
	"A10G": {Min: 2, Max: 3},
	"V100": {Min: 1, Max: 2},
	"A100": {Min: 3, Max: 5},
}

var unknownCaps = CapRange{Min: 1, Max: 2}

// CapsFor returns the concurrency range for an accelerator class name. The
// name may be a full device string such as "NVIDIA L4".
func CapsFor(class string) CapRange {
	upper := strings.ToUpper(class)

	// A100 and A10G share a prefix, so match the longest names first.
	for _, name := range []string{"A100", "A10G", "V100", "L4", "T4"} {
		if strings.Contains(upper, name) {
			return capTable[name]
		}
	}

	return unknownCaps
}

// CommandRunner runs an external command and returns its standard output.
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Output implements CommandRunner.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output() //nolint:gosec
}

// DetectClass asks nvidia-smi for the first device name and falls back to
// the configured class when the tool is missing or reports nothing.
func DetectClass(ctx context.Context, runner CommandRunner, fallback string) string {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	out, err := runner.Output(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return fallback
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return fallback
	}

	return strings.TrimSpace(lines[0])
}
