package security

import (
	"fmt"
	"strings"
)

// ProtocolValidator validates URL protocols
type ProtocolValidator struct {
	allowedProtocols map[string]bool
}

// NewProtocolValidator creates a validator that accepts http and https only
func NewProtocolValidator() *ProtocolValidator {
	return &ProtocolValidator{
		allowedProtocols: map[string]bool{
			"http":  true,
			"https": true,
		},
	}
}

// Validate checks if the protocol is allowed
func (v *ProtocolValidator) Validate(scheme string) error {
	normalizedScheme := strings.ToLower(strings.TrimSpace(scheme))

	if normalizedScheme == "" {
		return fmt.Errorf("protocol scheme is required")
	}

	if !v.allowedProtocols[normalizedScheme] {
		return fmt.Errorf("protocol '%s' is not allowed (only http/https permitted)", scheme)
	}

	return nil
}
