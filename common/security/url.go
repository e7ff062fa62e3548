package security

import (
	"fmt"
	"net/url"
	"strings"
)

// URLValidator runs protocol, host and path checks against a URL.
// It never resolves names, so it is safe on the request path.
type URLValidator struct {
	protocolValidator *ProtocolValidator
	hostValidator     *HostValidator
}

// NewURLValidator creates a new URL validator
func NewURLValidator(allowPrivateHosts bool) *URLValidator {
	return &URLValidator{
		protocolValidator: NewProtocolValidator(),
		hostValidator:     NewHostValidator(allowPrivateHosts),
	}
}

// Validate parses urlStr and requires an absolute http(s) URL with a safe host
func (v *URLValidator) Validate(urlStr string) (*url.URL, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	if !parsedURL.IsAbs() {
		return nil, fmt.Errorf("URL must be absolute")
	}

	if err := v.protocolValidator.Validate(parsedURL.Scheme); err != nil {
		return nil, err
	}

	if parsedURL.User != nil {
		return nil, fmt.Errorf("URL must not carry credentials")
	}

	if err := v.hostValidator.Validate(parsedURL.Hostname()); err != nil {
		return nil, err
	}

	if containsTraversal(parsedURL.EscapedPath()) {
		return nil, fmt.Errorf("URL path contains traversal sequences")
	}

	return parsedURL, nil
}

// containsTraversal detects literal and URL-encoded dot-dot segments
func containsTraversal(path string) bool {
	lower := strings.ToLower(path)
	patterns := []string{
		"/../",
		"%2e%2e/",
		"%2e%2e%2f",
		"..%2f",
		"%2e%2e%5c",
		"..%5c",
	}
	if strings.HasSuffix(lower, "/..") {
		return true
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
