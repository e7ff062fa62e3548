package models

import (
	"encoding/json"
	"log/slog"
)

const redacted = "[REDACTED]"

// Secret holds a credential that must travel through the queue but never reach a log line.
// JSON encodes the raw value; fmt and slog only ever see the redacted form.
type Secret string

// String implements fmt.Stringer
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// LogValue implements slog.LogValuer
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Reveal returns the raw credential for the one place that needs it (the callback header)
func (s Secret) Reveal() string {
	return string(s)
}

// AnalysisRequest is the immutable request a caller submits to POST /analyze
type AnalysisRequest struct {
	AssetID       string `json:"asset_id"`
	CallbackURL   string `json:"callback_url"`
	CallbackToken Secret `json:"callback_token"`

	// Opaque JSON object echoed into the result; kept as raw bytes so numbers survive intact
	AssetMetadata json.RawMessage `json:"asset_metadata,omitempty"`

	ArtifactManifest Manifest `json:"artifact_manifest,omitempty"`
}
