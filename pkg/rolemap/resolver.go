package rolemap

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// regexCacheSize bounds the compiled-pattern cache. Rule sets are small per
// tenant but shared across many tenants in one process.
const regexCacheSize = 512

// Resolver evaluates mapping rules against normalized claims. It is safe
// for concurrent use; the only mutable state is the compiled-regex cache.
type Resolver struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

// NewResolver creates a resolver with an empty pattern cache.
func NewResolver() *Resolver {
	cache, _ := lru.New[string, *regexp.Regexp](regexCacheSize)
	return &Resolver{patterns: cache}
}

// Resolve evaluates every enabled mapping in ascending priority order
// (stable, so ties keep their stored order) and accumulates all matches.
// Disabled mappings and mappings with invalid patterns are skipped.
func (r *Resolver) Resolve(mappings []*Mapping, input ResolutionInput) *Resolution {
	ordered := make([]*Mapping, len(mappings))
	copy(ordered, mappings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	result := &Resolution{
		Roles:           []string{},
		Permissions:     []string{},
		MappingsApplied: []AppliedMapping{},
	}
	seenRoles := make(map[string]bool)
	seenPerms := make(map[string]bool)

	addRole := func(role string) {
		if !seenRoles[role] {
			seenRoles[role] = true
			result.Roles = append(result.Roles, role)
		}
	}
	addPerm := func(perm string) {
		if !seenPerms[perm] {
			seenPerms[perm] = true
			result.Permissions = append(result.Permissions, perm)
		}
	}

	for _, m := range ordered {
		if !m.Enabled {
			continue
		}

		matched, ok := r.match(m, candidateValues(m, input))
		if !ok {
			continue
		}

		addRole(m.TargetRole)
		for _, perm := range m.TargetPermissions {
			addPerm(perm)
		}
		for _, perm := range DefaultPermissions(m.TargetRole) {
			addPerm(perm)
		}

		result.MappingsApplied = append(result.MappingsApplied, AppliedMapping{
			MappingID:    m.ID,
			Name:         m.Name,
			MatchedValue: matched,
			TargetRole:   m.TargetRole,
		})
	}

	if len(result.Roles) == 0 {
		result.FallbackApplied = true
		addRole(DefaultFallbackRole)
		for _, perm := range DefaultPermissions(DefaultFallbackRole) {
			addPerm(perm)
		}
	}

	return result
}

// candidateValues selects the claim values a mapping is tested against.
func candidateValues(m *Mapping, input ResolutionInput) []string {
	switch m.SourceType {
	case SourceTypeGroup:
		return input.Groups
	case SourceTypeRole:
		return input.Roles
	case SourceTypeAttribute:
		return input.Attributes[m.SourceAttribute]
	}
	return nil
}

// match reports the first candidate value satisfying the mapping's rule.
// Patterns win over exact values; both match case-insensitively.
func (r *Resolver) match(m *Mapping, values []string) (string, bool) {
	if m.SourcePattern != "" {
		re, err := r.compile(m.SourcePattern)
		if err != nil {
			return "", false
		}
		for _, v := range values {
			if re.MatchString(v) {
				return v, true
			}
		}
		return "", false
	}

	for _, v := range values {
		if strings.EqualFold(v, m.SourceValue) {
			return v, true
		}
	}
	return "", false
}

func (r *Resolver) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.patterns.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping pattern %q: %w", pattern, err)
	}
	r.patterns.Add(pattern, re)
	return re, nil
}
