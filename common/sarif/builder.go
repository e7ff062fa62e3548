package sarif

import (
	"encoding/json"
	"fmt"

	"github.com/lyzr/analyzer/common/models"
)

// Builder produces result documents stamped with the analyzer identity
type Builder struct {
	name    string
	version string
}

// NewBuilder creates a builder for the given analyzer name and version
func NewBuilder(name, version string) *Builder {
	return &Builder{name: name, version: version}
}

// RunContext is passed through to the run's property bag
type RunContext struct {
	JobID         string
	AssetID       string
	AssetMetadata json.RawMessage
}

// Build creates a single-run log from findings. Rules are deduplicated by id with the first
// occurrence deciding the descriptive text; every result keeps its own rule id.
func (b *Builder) Build(rc RunContext, findings []models.Finding) *Log {
	rules := make([]Rule, 0)
	seen := make(map[string]bool)
	results := make([]Result, 0, len(findings))

	for i := range findings {
		f := &findings[i]
		ruleID := f.RuleID()

		if !seen[ruleID] {
			seen[ruleID] = true
			rules = append(rules, Rule{
				ID:               ruleID,
				ShortDescription: Message{Text: orDefault(f.ShortDescription, ruleID)},
				FullDescription:  Message{Text: orDefault(f.FullDescription, ruleID)},
			})
		}

		props := f.Properties
		if props == nil {
			props = map[string]any{}
		}

		results = append(results, Result{
			RuleID:  ruleID,
			Message: Message{Text: f.Message},
			Locations: []Location{{
				PhysicalLocation: PhysicalLocation{
					ArtifactLocation: ArtifactLocation{URI: f.URI},
					Region: Region{
						StartLine:   atLeastOne(f.StartLine),
						StartColumn: atLeastOne(f.StartColumn),
					},
				},
			}},
			Properties: props,
		})
	}

	return b.log(Run{
		Tool:        Tool{Driver: Driver{Name: b.name, Version: b.version, Rules: rules}},
		Results:     results,
		Invocations: []Invocation{{ExecutionSuccessful: true}},
		Properties:  b.properties(rc, "completed"),
	})
}

// BuildFailure creates the failure-flavored document sent when a job cannot produce findings
func (b *Builder) BuildFailure(rc RunContext, phase models.Phase, reason string) *Log {
	return b.log(Run{
		Tool:    Tool{Driver: Driver{Name: b.name, Version: b.version, Rules: []Rule{}}},
		Results: []Result{},
		Invocations: []Invocation{{
			ExecutionSuccessful: false,
			ToolExecutionNotifications: []Notification{{
				Level:   "error",
				Message: Message{Text: fmt.Sprintf("%s failed: %s", phase, reason)},
			}},
		}},
		Properties: b.properties(rc, "failed"),
	})
}

// Marshal encodes a log; the output is stable for equal inputs
func Marshal(l *Log) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sarif: %w", err)
	}
	return data, nil
}

func (b *Builder) log(run Run) *Log {
	return &Log{Version: Version, Schema: Schema, Runs: []Run{run}}
}

func (b *Builder) properties(rc RunContext, status string) map[string]any {
	props := map[string]any{
		"job_id":   rc.JobID,
		"asset_id": rc.AssetID,
		"status":   status,
	}
	if len(rc.AssetMetadata) > 0 {
		props["asset_metadata"] = rc.AssetMetadata
	}
	return props
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
