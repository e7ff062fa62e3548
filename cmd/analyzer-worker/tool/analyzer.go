package tool

import (
	"context"
	"fmt"

	"github.com/lyzr/analyzer/common/models"
)

// Analyzer turns staged artifacts into findings
type Analyzer interface {
	// Analyze runs against workdir; staged maps artifact type to local paths
	Analyze(ctx context.Context, workdir string, staged map[string][]string) ([]models.Finding, error)
}

// ErrorKind classifies a tool failure
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindExit    ErrorKind = "exit"
	KindOutput  ErrorKind = "output"
)

// ToolError reports a failed tool run
type ToolError struct {
	Tool     string
	Kind     ErrorKind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
	if e.Kind == KindExit {
		msg = fmt.Sprintf("tool %s: exited with code %d: %v", e.Tool, e.ExitCode, e.Err)
	}
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
