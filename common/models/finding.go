package models

// DefaultRuleID is used when a tool reports a finding without a rule identifier
const DefaultRuleID = "CWE-000"

// Finding is one row produced by an analysis tool
type Finding struct {
	CWE         string         `json:"cwe"`
	Message     string         `json:"message"`
	URI         string         `json:"uri"`
	StartLine   int            `json:"startLine"`
	StartColumn int            `json:"startColumn"`
	Properties  map[string]any `json:"properties,omitempty"`

	// Optional rule text; the first finding seen for a rule id decides it
	ShortDescription string `json:"shortDescription,omitempty"`
	FullDescription  string `json:"fullDescription,omitempty"`
}

// RuleID returns the rule identifier, falling back to DefaultRuleID
func (f *Finding) RuleID() string {
	if f.CWE == "" {
		return DefaultRuleID
	}
	return f.CWE
}
