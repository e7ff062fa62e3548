package tool

import (
	"context"

	"github.com/lyzr/analyzer/common/models"
)

// StaticAnalyzer returns a fixed finding set regardless of input.
// Used when no tool set is configured and in tests.
type StaticAnalyzer struct {
	Findings []models.Finding
	Err      error
}

// NewStaticAnalyzer returns an analyzer that reports the example finding
func NewStaticAnalyzer() *StaticAnalyzer {
	return &StaticAnalyzer{
		Findings: []models.Finding{{
			CWE:         "CWE-787",
			Message:     "Example finding",
			URI:         "example.c",
			StartLine:   10,
			StartColumn: 5,
		}},
	}
}

// Analyze implements Analyzer
func (a *StaticAnalyzer) Analyze(ctx context.Context, workdir string, staged map[string][]string) ([]models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return append([]models.Finding(nil), a.Findings...), nil
}
