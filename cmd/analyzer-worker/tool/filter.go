package tool

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
)

// FilteredAnalyzer drops findings for which a CEL expression is false.
// The expression sees one variable, finding, with the Finding's JSON field names.
//
//	finding.cwe != "CWE-000" && finding.startLine > 0
type FilteredAnalyzer struct {
	next Analyzer
	expr string
	prg  cel.Program
	log  *logger.Logger
}

// NewFilteredAnalyzer compiles expr and wraps next
func NewFilteredAnalyzer(next Analyzer, expr string, log *logger.Logger) (*FilteredAnalyzer, error) {
	prg, err := compileFilter(expr)
	if err != nil {
		return nil, err
	}

	return &FilteredAnalyzer{
		next: next,
		expr: expr,
		prg:  prg,
		log:  log.WithComponent("finding-filter"),
	}, nil
}

func compileFilter(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("finding", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// Analyze implements Analyzer
func (a *FilteredAnalyzer) Analyze(ctx context.Context, workdir string, staged map[string][]string) ([]models.Finding, error) {
	findings, err := a.next.Analyze(ctx, workdir, staged)
	if err != nil {
		return nil, err
	}

	kept := findings[:0]
	for _, f := range findings {
		keep, err := a.evaluate(f)
		if err != nil {
			return nil, &ToolError{Tool: "finding-filter", Kind: KindOutput, Err: err}
		}
		if keep {
			kept = append(kept, f)
		}
	}

	if dropped := len(findings) - len(kept); dropped > 0 {
		a.log.Info("findings suppressed by filter", "dropped", dropped, "kept", len(kept))
	}
	return kept, nil
}

func (a *FilteredAnalyzer) evaluate(f models.Finding) (bool, error) {
	properties := f.Properties
	if properties == nil {
		properties = map[string]any{}
	}

	out, _, err := a.prg.Eval(map[string]interface{}{
		"finding": map[string]interface{}{
			"cwe":         f.RuleID(),
			"message":     f.Message,
			"uri":         f.URI,
			"startLine":   f.StartLine,
			"startColumn": f.StartColumn,
			"properties":  properties,
		},
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}
