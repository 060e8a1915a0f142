package rolemap

import (
	"context"
	"fmt"
	"sort"
)

// builtinPresets maps well-known administrative group names of common
// identity providers to high-privilege roles. Materialized into ordinary
// mapping rows by CreatePresetMappings.
var builtinPresets = map[string][]Mapping{
	"azuread": {
		{Name: "Azure AD global administrators", SourceType: SourceTypeGroup, SourceValue: "Global Administrators", TargetRole: RoleAdmin, Priority: 1, Enabled: true},
		{Name: "Azure AD application administrators", SourceType: SourceTypeGroup, SourceValue: "Application Administrators", TargetRole: RoleManager, Priority: 5, Enabled: true},
		{Name: "Azure AD security readers", SourceType: SourceTypeGroup, SourceValue: "Security Reader", TargetRole: RoleAuditor, Priority: 10, Enabled: true},
		{Name: "Azure AD all users", SourceType: SourceTypeGroup, SourcePattern: "^.*$", TargetRole: RoleUser, Priority: 100, Enabled: true},
	},
	"okta": {
		{Name: "Okta super administrators", SourceType: SourceTypeGroup, SourceValue: "Okta Administrators", TargetRole: RoleAdmin, Priority: 1, Enabled: true},
		{Name: "Okta group administrators", SourceType: SourceTypeGroup, SourcePattern: "^.*-admins$", TargetRole: RoleManager, Priority: 5, Enabled: true},
		{Name: "Okta everyone", SourceType: SourceTypeGroup, SourceValue: "Everyone", TargetRole: RoleUser, Priority: 100, Enabled: true},
	},
	"google": {
		{Name: "Google Workspace super admins", SourceType: SourceTypeGroup, SourceValue: "gcp-organization-admins", TargetRole: RoleAdmin, Priority: 1, Enabled: true},
		{Name: "Google Workspace security group", SourceType: SourceTypeGroup, SourceValue: "gcp-security-admins", TargetRole: RoleAuditor, Priority: 10, Enabled: true},
		{Name: "Google Workspace all users", SourceType: SourceTypeGroup, SourcePattern: "^.*@.*$", TargetRole: RoleUser, Priority: 100, Enabled: true},
	},
}

// PresetProviders lists the built-in preset bundle names, sorted.
func PresetProviders() []string {
	names := make([]string, 0, len(builtinPresets))
	for name := range builtinPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetMappings returns a copy of a built-in preset bundle.
func PresetMappings(provider string) ([]Mapping, bool) {
	preset, ok := builtinPresets[provider]
	if !ok {
		return nil, false
	}
	out := make([]Mapping, len(preset))
	copy(out, preset)
	return out, true
}

// CreatePresetMappings materializes a preset bundle as mapping rows for the
// tenant. Bundles loaded from file (see BundleWatcher) are consulted after
// the built-ins, so a file bundle can only add providers, not shadow them.
func (s *Service) CreatePresetMappings(ctx context.Context, tenantID, provider string, bundles *BundleWatcher) ([]*Mapping, error) {
	preset, ok := PresetMappings(provider)
	if !ok && bundles != nil {
		preset, ok = bundles.Bundle(provider)
	}
	if !ok {
		return nil, fmt.Errorf("unknown mapping preset: %q", provider)
	}

	created := make([]*Mapping, 0, len(preset))
	for i := range preset {
		m := preset[i]
		m.TenantID = tenantID
		if err := s.store.CreateMapping(ctx, &m); err != nil {
			return created, fmt.Errorf("failed to create preset mapping %q: %w", m.Name, err)
		}
		created = append(created, &m)
	}
	return created, nil
}
