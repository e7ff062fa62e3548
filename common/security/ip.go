package security

import (
	"fmt"
	"net"
)

// IPValidator rejects addresses that point back into the service's own network
type IPValidator struct{}

// NewIPValidator creates a new IP validator
func NewIPValidator() *IPValidator {
	return &IPValidator{}
}

// Validate checks if an IP address is safe to connect to.
// Blocks: loopback, private networks, link-local, multicast, unspecified
func (v *IPValidator) Validate(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("IP address is nil")
	}

	// 127.0.0.0/8, ::1
	if ip.IsLoopback() {
		return fmt.Errorf("IP %s is blocked (loopback address)", ip.String())
	}

	// 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16, fc00::/7
	if ip.IsPrivate() {
		return fmt.Errorf("IP %s is blocked (private network)", ip.String())
	}

	// 169.254.0.0/16 (cloud metadata), fe80::/10
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("IP %s is blocked (link-local address)", ip.String())
	}

	if ip.IsMulticast() {
		return fmt.Errorf("IP %s is blocked (multicast address)", ip.String())
	}

	// 0.0.0.0, ::
	if ip.IsUnspecified() {
		return fmt.Errorf("IP %s is blocked (unspecified address)", ip.String())
	}

	return nil
}
