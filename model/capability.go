// Package model provides capability-based model selection for agent roles.
// Instead of hardcoding model names, roles specify capabilities (coding,
// writing, reviewing, fast) and the registry resolves them to available
// models with fallback chains.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityCoding is for code generation, implementation.
	CapabilityCoding Capability = "coding"

	// CapabilityWriting is for documentation, prose, specifications.
	CapabilityWriting Capability = "writing"

	// CapabilityReviewing is for review, analysis, quality checks.
	CapabilityReviewing Capability = "reviewing"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// RoleCapabilities maps agent roles to their default capability.
var RoleCapabilities = map[string]Capability{
	"frontend": CapabilityCoding,
	"backend":  CapabilityCoding,
	"database": CapabilityCoding,
	"devops":   CapabilityCoding,
	"qa":       CapabilityReviewing,
	"docs":     CapabilityWriting,
	"security": CapabilityReviewing,
	"uxui":     CapabilityWriting,
}

// CapabilityForRole returns the default capability for a given role.
// Returns CapabilityCoding as fallback for unknown roles.
func CapabilityForRole(role string) Capability {
	if c, ok := RoleCapabilities[role]; ok {
		return c
	}
	return CapabilityCoding
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityCoding, CapabilityWriting, CapabilityReviewing, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for
// invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
