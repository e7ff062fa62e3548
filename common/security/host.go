package security

import (
	"fmt"
	"net"
	"strings"
)

// HostValidator validates hostnames without touching the network.
// Names are checked syntactically; only literal IPs are range-checked.
type HostValidator struct {
	blockedHostnames []string
	ipValidator      *IPValidator
	allowPrivate     bool
}

// NewHostValidator creates a host validator. With allowPrivate set, loopback and
// private targets are accepted (local development and tests).
func NewHostValidator(allowPrivate bool) *HostValidator {
	return &HostValidator{
		blockedHostnames: []string{
			"localhost",
			"localhost.localdomain",
			"ip6-localhost",
			"ip6-loopback",
		},
		ipValidator:  NewIPValidator(),
		allowPrivate: allowPrivate,
	}
}

// Validate checks the host part of a URL (no port, no brackets)
func (v *HostValidator) Validate(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname is required")
	}

	normalizedHost := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))

	if ip := net.ParseIP(normalizedHost); ip != nil {
		if v.allowPrivate {
			return nil
		}
		return v.ipValidator.Validate(ip)
	}

	if strings.ContainsAny(normalizedHost, " /\\@") {
		return fmt.Errorf("hostname '%s' contains invalid characters", hostname)
	}

	if v.allowPrivate {
		return nil
	}

	for _, blocked := range v.blockedHostnames {
		if normalizedHost == blocked || strings.HasSuffix(normalizedHost, "."+blocked) {
			return fmt.Errorf("hostname '%s' is blocked (localhost access)", hostname)
		}
	}

	return nil
}
