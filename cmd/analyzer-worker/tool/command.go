package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
)

const (
	defaultFindingsPath = "findings"
	stderrTail          = 4096
	waitDelay           = 5 * time.Second
)

// CommandAnalyzer runs each configured tool as a subprocess and collects their findings
type CommandAnalyzer struct {
	tools []config.ToolSpec
	log   *logger.Logger
}

// NewCommandAnalyzer creates an analyzer over the given tool set
func NewCommandAnalyzer(tools []config.ToolSpec, log *logger.Logger) *CommandAnalyzer {
	return &CommandAnalyzer{
		tools: tools,
		log:   log.WithComponent("tool"),
	}
}

// Analyze runs the tools in order. A tool whose artifact types were not staged is skipped.
func (a *CommandAnalyzer) Analyze(ctx context.Context, workdir string, staged map[string][]string) ([]models.Finding, error) {
	vars := toolVariables(workdir, staged)
	a.log.Debug("running tool set", "tools", len(a.tools), "inputs", sortedTypes(staged))

	var findings []models.Finding
	for _, spec := range a.tools {
		if !hasInputs(spec, staged) {
			a.log.Debug("skipping tool without staged inputs", "tool", spec.Name, "artifact_types", spec.ArtifactTypes)
			continue
		}

		start := time.Now()
		out, err := a.run(ctx, spec, workdir, vars, staged)
		if err != nil {
			return nil, err
		}

		a.log.Info("tool finished",
			"tool", spec.Name,
			"findings", len(out),
			"duration_ms", time.Since(start).Milliseconds())
		findings = append(findings, out...)
	}

	return findings, nil
}

func (a *CommandAnalyzer) run(ctx context.Context, spec config.ToolSpec, workdir string, vars map[string]string, staged map[string][]string) ([]models.Finding, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Command, expandArgs(spec.Args, vars, staged)...)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, &ToolError{Tool: spec.Name, Kind: KindTimeout, Stderr: stderr.String(), Err: ctx.Err()}
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ToolError{Tool: spec.Name, Kind: KindExit, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
	}

	findings, err := parseFindings(stdout.Bytes(), spec.FindingsPath)
	if err != nil {
		return nil, &ToolError{Tool: spec.Name, Kind: KindOutput, Stderr: stderr.String(), Err: err}
	}

	for i := range findings {
		if findings[i].Properties == nil {
			findings[i].Properties = make(map[string]any)
		}
		findings[i].Properties["tool"] = spec.Name
	}
	return findings, nil
}

func hasInputs(spec config.ToolSpec, staged map[string][]string) bool {
	if len(spec.ArtifactTypes) == 0 {
		return true
	}
	for _, t := range spec.ArtifactTypes {
		if len(staged[t]) > 0 {
			return true
		}
	}
	return false
}

// toolVariables builds WORKDIR, ARTIFACTS_<TYPE> (path list) and ARTIFACTS_<TYPE>_DIR
func toolVariables(workdir string, staged map[string][]string) map[string]string {
	vars := map[string]string{"WORKDIR": workdir}
	for t, paths := range staged {
		name := "ARTIFACTS_" + envName(t)
		vars[name] = strings.Join(paths, string(os.PathListSeparator))
		vars[name+"_DIR"] = filepath.Join(workdir, t)
	}
	return vars
}

func envName(artifactType string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, artifactType)
}

// expandArgs substitutes ${VAR} references. An argument that is exactly ${ARTIFACTS_<TYPE>}
// expands to one argument per staged path. Unknown references are left for the tool's own shell.
func expandArgs(args []string, vars map[string]string, staged map[string][]string) []string {
	byVar := make(map[string][]string, len(staged))
	for t, paths := range staged {
		byVar["${ARTIFACTS_"+envName(t)+"}"] = paths
	}

	out := make([]string, 0, len(args))
	for _, arg := range args {
		if paths, ok := byVar[arg]; ok {
			out = append(out, paths...)
			continue
		}
		out = append(out, os.Expand(arg, func(name string) string {
			if v, ok := vars[name]; ok {
				return v
			}
			return "${" + name + "}"
		}))
	}
	return out
}

// parseFindings reads the findings array at path, falling back to a top-level array
func parseFindings(out []byte, path string) ([]models.Finding, error) {
	if !gjson.ValidBytes(out) {
		return nil, fmt.Errorf("stdout is not valid JSON")
	}

	explicit := path != ""
	if !explicit {
		path = defaultFindingsPath
	}

	res := gjson.GetBytes(out, path)
	if !res.Exists() && !explicit {
		res = gjson.ParseBytes(out)
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("no findings array at %q", path)
	}

	var findings []models.Finding
	for _, item := range res.Array() {
		if !item.IsObject() {
			return nil, fmt.Errorf("finding is not an object: %s", item.Raw)
		}
		findings = append(findings, findingFrom(item))
	}
	return findings, nil
}

func findingFrom(item gjson.Result) models.Finding {
	first := func(keys ...string) gjson.Result {
		for _, k := range keys {
			if r := item.Get(k); r.Exists() {
				return r
			}
		}
		return gjson.Result{}
	}

	f := models.Finding{
		CWE:              first("cwe", "ruleId", "rule_id").String(),
		Message:          first("message", "msg").String(),
		URI:              first("uri", "file", "path").String(),
		StartLine:        int(first("startLine", "line").Int()),
		StartColumn:      int(first("startColumn", "column").Int()),
		ShortDescription: first("shortDescription").String(),
		FullDescription:  first("fullDescription").String(),
	}

	if props, ok := item.Get("properties").Value().(map[string]interface{}); ok {
		f.Properties = props
	}
	return f
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

func sortedTypes(staged map[string][]string) []string {
	types := make([]string, 0, len(staged))
	for t := range staged {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
