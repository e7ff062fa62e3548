package security

import (
	"fmt"
	"strings"
)

// ComponentValidator checks that a name is usable as a single path component
// under a directory we control: no separators, no traversal, no absolute markers.
type ComponentValidator struct {
	maxLength int
}

// NewComponentValidator creates a new path component validator
func NewComponentValidator() *ComponentValidator {
	return &ComponentValidator{maxLength: 255}
}

// Validate returns an error describing why name is unsafe, or nil
func (v *ComponentValidator) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(name) > v.maxLength {
		return fmt.Errorf("longer than %d bytes", v.maxLength)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("'%s' is a relative path marker", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("contains a path separator")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("contains a NUL byte")
	}
	if strings.HasPrefix(name, "~") {
		return fmt.Errorf("starts with a home directory marker")
	}
	// Windows drive ("C:") and alternate data stream markers
	if strings.Contains(name, ":") {
		return fmt.Errorf("contains a drive or stream marker")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("contains a control character")
		}
	}
	return nil
}
