package claims

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AttributeMap defines how provider attributes map to Identity fields.
// Keys are provider-side attribute/claim names; empty fields are skipped.
type AttributeMap struct {
	SubjectID   string `json:"subject_id"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Groups      string `json:"groups,omitempty"`
	Roles       string `json:"roles,omitempty"`
}

// Identity is a normalized identity extracted from an external provider.
type Identity struct {
	SubjectID   string            `json:"subject_id"`
	Username    string            `json:"username,omitempty"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Attribute returns the raw attribute values for name. Multi-valued
// attributes are stored JSON-encoded; single values are returned as-is.
func (id *Identity) Attribute(name string) []string {
	raw, ok := id.Attributes[name]
	if !ok {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var vals []string
		if err := json.Unmarshal([]byte(raw), &vals); err == nil {
			return vals
		}
	}
	return []string{raw}
}

// Validate checks that the fields every downstream consumer depends on are
// present.
func (id *Identity) Validate() error {
	if id.SubjectID == "" {
		return fmt.Errorf("identity is missing a subject identifier")
	}
	if id.Email == "" {
		return fmt.Errorf("identity is missing an email address")
	}
	return nil
}

// FromClaims maps an OIDC-style claim bag into an Identity.
func FromClaims(bag map[string]interface{}, m AttributeMap) *Identity {
	id := &Identity{Attributes: make(map[string]string, len(bag))}

	for k, v := range bag {
		switch val := v.(type) {
		case string:
			id.Attributes[k] = val
		default:
			if data, err := json.Marshal(v); err == nil {
				id.Attributes[k] = string(data)
			}
		}
	}

	id.SubjectID = stringValue(bag, m.SubjectID)
	id.Username = stringValue(bag, m.Username)
	id.Email = stringValue(bag, m.Email)
	id.DisplayName = stringValue(bag, m.DisplayName)
	id.Groups = sliceValue(bag, m.Groups)
	id.Roles = sliceValue(bag, m.Roles)

	applyFallbacks(id, stringValue(bag, m.FirstName), stringValue(bag, m.LastName))
	return id
}

// FromAttributes maps a SAML-style attribute statement (name to values) into
// an Identity. nameID is used as the subject fallback when the mapped
// attribute is absent, matching how IdPs commonly omit an explicit uid.
func FromAttributes(attrs map[string][]string, nameID string, m AttributeMap) *Identity {
	id := &Identity{Attributes: make(map[string]string, len(attrs))}

	for name, values := range attrs {
		switch len(values) {
		case 0:
		case 1:
			id.Attributes[name] = values[0]
		default:
			if data, err := json.Marshal(values); err == nil {
				id.Attributes[name] = string(data)
			}
		}
	}

	first := func(key string) string {
		if key == "" {
			return ""
		}
		if vals := attrs[key]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	id.SubjectID = first(m.SubjectID)
	id.Username = first(m.Username)
	id.Email = first(m.Email)
	id.DisplayName = first(m.DisplayName)
	if m.Groups != "" {
		id.Groups = append(id.Groups, attrs[m.Groups]...)
	}
	if m.Roles != "" {
		id.Roles = append(id.Roles, attrs[m.Roles]...)
	}

	if id.SubjectID == "" {
		id.SubjectID = nameID
	}
	applyFallbacks(id, first(m.FirstName), first(m.LastName))
	return id
}

// applyFallbacks fills derived fields the provider did not send directly.
func applyFallbacks(id *Identity, firstName, lastName string) {
	if id.DisplayName == "" && firstName != "" && lastName != "" {
		id.DisplayName = firstName + " " + lastName
	}
	if id.Username == "" && id.Email != "" {
		id.Username = id.Email
	}
}

func stringValue(bag map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	if v, ok := bag[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func sliceValue(bag map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	switch v := bag[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
