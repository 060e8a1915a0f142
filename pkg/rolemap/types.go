package rolemap

import (
	"fmt"
	"time"

	"github.com/platinummonkey/fedgate/pkg/claims"
)

// SourceType selects which claim values a mapping is matched against.
type SourceType string

const (
	SourceTypeGroup     SourceType = "group"
	SourceTypeRole      SourceType = "role"
	SourceTypeAttribute SourceType = "attribute"
)

// Built-in roles, ordered from most to least privileged.
const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleAuditor = "AUDITOR"
	RoleUser    = "USER"
)

// DefaultFallbackRole is applied when no mapping matches.
const DefaultFallbackRole = RoleUser

var builtinRolePermissions = map[string][]string{
	RoleAdmin:   {"users:read", "users:write", "configs:read", "configs:write", "mappings:read", "mappings:write", "sync:run", "sync:cancel", "audit:read"},
	RoleManager: {"users:read", "users:write", "configs:read", "sync:run"},
	RoleAuditor: {"users:read", "configs:read", "audit:read"},
	RoleUser:    {"profile:read", "profile:write"},
}

// DefaultPermissions returns the built-in permission set for a role. Custom
// roles carry no built-in permissions; their mappings must list them.
func DefaultPermissions(role string) []string {
	perms, ok := builtinRolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Mapping is a single tenant-scoped resolution rule. SourcePattern, when
// set, takes precedence over SourceValue and is matched as a
// case-insensitive regular expression; SourceValue matches with
// case-insensitive equality.
type Mapping struct {
	ID         int64      `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	SourceType SourceType `json:"source_type"`

	// SourceAttribute names the claim attribute to match when SourceType
	// is "attribute"; ignored otherwise.
	SourceAttribute string `json:"source_attribute,omitempty"`
	SourceValue     string `json:"source_value,omitempty"`
	SourcePattern   string `json:"source_pattern,omitempty"`

	TargetRole        string   `json:"target_role"`
	TargetPermissions []string `json:"target_permissions,omitempty"`

	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks a mapping before it is stored.
func (m *Mapping) Validate() error {
	if m.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch m.SourceType {
	case SourceTypeGroup, SourceTypeRole:
	case SourceTypeAttribute:
		if m.SourceAttribute == "" {
			return fmt.Errorf("source_attribute is required for attribute mappings")
		}
	default:
		return fmt.Errorf("invalid source_type: %q", m.SourceType)
	}
	if m.SourceValue == "" && m.SourcePattern == "" {
		return fmt.Errorf("one of source_value or source_pattern is required")
	}
	if m.TargetRole == "" {
		return fmt.Errorf("target_role is required")
	}
	if m.Priority < 0 {
		return fmt.Errorf("priority must be non-negative")
	}
	return nil
}

// ResolutionInput is the normalized claim material a rule set is evaluated
// against.
type ResolutionInput struct {
	Groups     []string
	Roles      []string
	Attributes map[string][]string
}

// InputFromIdentity builds resolution input from a normalized identity.
func InputFromIdentity(identity *claims.Identity) ResolutionInput {
	input := ResolutionInput{
		Groups: identity.Groups,
		Roles:  identity.Roles,
	}
	if len(identity.Attributes) > 0 {
		input.Attributes = make(map[string][]string, len(identity.Attributes))
		for name := range identity.Attributes {
			input.Attributes[name] = identity.Attribute(name)
		}
	}
	return input
}

// AppliedMapping records one rule that fired during a resolution.
type AppliedMapping struct {
	MappingID    int64  `json:"mapping_id"`
	Name         string `json:"name"`
	MatchedValue string `json:"matched_value"`
	TargetRole   string `json:"target_role"`
}

// Resolution is the outcome of evaluating a rule set: the accumulated roles
// and permissions in first-match order, and the rules that produced them.
type Resolution struct {
	Roles           []string         `json:"roles"`
	Permissions     []string         `json:"permissions"`
	MappingsApplied []AppliedMapping `json:"mappings_applied"`

	// FallbackApplied is set when no mapping matched and the default role
	// was assigned.
	FallbackApplied bool `json:"fallback_applied,omitempty"`
}
