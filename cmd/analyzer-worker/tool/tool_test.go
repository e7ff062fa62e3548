package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
)

func shTool(name, script string) config.ToolSpec {
	return config.ToolSpec{
		Name:          name,
		Command:       "/bin/sh",
		Args:          []string{"-c", script},
		ArtifactTypes: []string{"source"},
	}
}

func requireToolError(t *testing.T, err error, kind ErrorKind) *ToolError {
	t.Helper()
	var terr *ToolError
	require.True(t, errors.As(err, &terr), "expected *ToolError, got %v", err)
	assert.Equal(t, kind, terr.Kind)
	return terr
}

func stagedSource(t *testing.T) (string, map[string][]string) {
	t.Helper()
	workdir := t.TempDir()
	dir := filepath.Join(workdir, "source")
	require.NoError(t, os.MkdirAll(dir, 0o750))

	var paths []string
	for _, name := range []string{"a.c", "b.c"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("int main(){}"), 0o640))
		paths = append(paths, p)
	}
	return workdir, map[string][]string{"source": paths}
}

func TestCommandAnalyzer_ParsesFindings(t *testing.T) {
	workdir, staged := stagedSource(t)
	spec := shTool("checker", `echo '{"findings":[{"cwe":"CWE-787","message":"overflow","uri":"a.c","startLine":10,"startColumn":5,"properties":{"severity":"high"}}]}'`)

	findings, err := NewCommandAnalyzer([]config.ToolSpec{spec}, logger.Discard()).Analyze(context.Background(), workdir, staged)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "CWE-787", f.CWE)
	assert.Equal(t, "overflow", f.Message)
	assert.Equal(t, "a.c", f.URI)
	assert.Equal(t, 10, f.StartLine)
	assert.Equal(t, 5, f.StartColumn)
	assert.Equal(t, "high", f.Properties["severity"])
	assert.Equal(t, "checker", f.Properties["tool"])
}

func TestCommandAnalyzer_TopLevelArrayAndCustomPath(t *testing.T) {
	workdir, staged := stagedSource(t)

	top := shTool("top", `echo '[{"cwe":"CWE-1"},{"ruleId":"CWE-2","line":3}]'`)
	nested := shTool("nested", `echo '{"report":{"items":[{"rule_id":"CWE-3"}]}}'`)
	nested.FindingsPath = "report.items"

	findings, err := NewCommandAnalyzer([]config.ToolSpec{top, nested}, logger.Discard()).Analyze(context.Background(), workdir, staged)
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.Equal(t, "CWE-1", findings[0].CWE)
	assert.Equal(t, "CWE-2", findings[1].CWE)
	assert.Equal(t, 3, findings[1].StartLine)
	assert.Equal(t, "CWE-3", findings[2].CWE)
}

func TestCommandAnalyzer_ExpandsArtifactArgsAndEnv(t *testing.T) {
	workdir, staged := stagedSource(t)
	spec := config.ToolSpec{
		Name:    "args",
		Command: "/bin/sh",
		Args: []string{"-c",
			`printf '{"findings":[{"cwe":"CWE-1","message":"%s|%s|%s"}]}' "$#" "$(basename "$WORKDIR")" "$(basename "$1")"`,
			"sh", "${ARTIFACTS_SOURCE}"},
		ArtifactTypes: []string{"source"},
	}

	findings, err := NewCommandAnalyzer([]config.ToolSpec{spec}, logger.Discard()).Analyze(context.Background(), workdir, staged)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "2|"+filepath.Base(workdir)+"|a.c", findings[0].Message)
}

func TestCommandAnalyzer_Timeout(t *testing.T) {
	workdir, staged := stagedSource(t)
	spec := shTool("slow", "exec sleep 5")
	spec.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := NewCommandAnalyzer([]config.ToolSpec{spec}, logger.Discard()).Analyze(context.Background(), workdir, staged)
	requireToolError(t, err, KindTimeout)
	assert.Less(t, time.Since(start), 4*time.Second, "timeout must not hang")
}

func TestCommandAnalyzer_ParentDeadlineIsTimeout(t *testing.T) {
	workdir, staged := stagedSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewCommandAnalyzer([]config.ToolSpec{shTool("slow", "exec sleep 5")}, logger.Discard()).Analyze(ctx, workdir, staged)
	requireToolError(t, err, KindTimeout)
}

func TestCommandAnalyzer_NonZeroExit(t *testing.T) {
	workdir, staged := stagedSource(t)

	_, err := NewCommandAnalyzer([]config.ToolSpec{shTool("broken", "echo boom >&2; exit 3")}, logger.Discard()).Analyze(context.Background(), workdir, staged)
	terr := requireToolError(t, err, KindExit)
	assert.Equal(t, 3, terr.ExitCode)
	assert.Equal(t, "boom", terr.Stderr)
}

func TestCommandAnalyzer_BadOutput(t *testing.T) {
	workdir, staged := stagedSource(t)

	for _, script := range []string{"echo not-json", `echo '{"other":1}'`, `echo '{"findings":[1,2]}'`} {
		_, err := NewCommandAnalyzer([]config.ToolSpec{shTool("garbled", script)}, logger.Discard()).Analyze(context.Background(), workdir, staged)
		requireToolError(t, err, KindOutput)
	}
}

func TestCommandAnalyzer_SkipsToolWithoutInputs(t *testing.T) {
	workdir, staged := stagedSource(t)
	spec := shTool("fw-only", "exit 1")
	spec.ArtifactTypes = []string{"firmware"}

	findings, err := NewCommandAnalyzer([]config.ToolSpec{spec}, logger.Discard()).Analyze(context.Background(), workdir, staged)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestStaticAnalyzer(t *testing.T) {
	a := NewStaticAnalyzer()
	findings, err := a.Analyze(context.Background(), "", nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "CWE-787", findings[0].CWE)

	findings[0].CWE = "mutated"
	again, _ := a.Analyze(context.Background(), "", nil)
	assert.Equal(t, "CWE-787", again[0].CWE)
}

func TestFilteredAnalyzer(t *testing.T) {
	base := &StaticAnalyzer{Findings: []models.Finding{
		{CWE: "CWE-787", StartLine: 10, Properties: map[string]any{"severity": "high"}},
		{CWE: "CWE-476", StartLine: 3, Properties: map[string]any{"severity": "low"}},
		{StartLine: 1},
	}}

	f, err := NewFilteredAnalyzer(base, `finding.properties.severity == "high"`, logger.Discard())
	require.NoError(t, err)

	findings, err := f.Analyze(context.Background(), "", nil)
	requireToolError(t, err, KindOutput)
	assert.Nil(t, findings, "missing properties key is an evaluation error")

	f, err = NewFilteredAnalyzer(base, `finding.cwe != "CWE-000" && finding.startLine > 5`, logger.Discard())
	require.NoError(t, err)

	findings, err = f.Analyze(context.Background(), "", nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "CWE-787", findings[0].CWE)
}

func TestFilteredAnalyzer_RejectsBadExpressions(t *testing.T) {
	_, err := NewFilteredAnalyzer(NewStaticAnalyzer(), `finding.cwe ==`, logger.Discard())
	assert.Error(t, err)

	f, err := NewFilteredAnalyzer(NewStaticAnalyzer(), `finding.cwe`, logger.Discard())
	require.NoError(t, err)
	_, err = f.Analyze(context.Background(), "", nil)
	requireToolError(t, err, KindOutput)
}
