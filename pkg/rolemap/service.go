package rolemap

import (
	"context"
	"fmt"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/observability"
)

// UserClaims is one externally-sourced user as seen by bulk re-resolution.
type UserClaims struct {
	UserID string
	Input  ResolutionInput
}

// UserSource lists the active externally-sourced users of a tenant. The
// directory sync storage implements it.
type UserSource interface {
	ListActiveUserClaims(ctx context.Context, tenantID string) ([]UserClaims, error)
}

// Service ties resolution to persistence and auditing.
type Service struct {
	store    *Store
	resolver *Resolver
	users    UserSource
	audit    audit.Logger
	log      *observability.Logger
}

// NewService creates a role-resolution service. users may be nil when bulk
// re-resolution is not needed (login-only deployments).
func NewService(store *Store, users UserSource, auditLog audit.Logger, log *observability.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	return &Service{
		store:    store,
		resolver: NewResolver(),
		users:    users,
		audit:    auditLog,
		log:      log,
	}
}

// Store exposes the underlying mapping store for CRUD handlers.
func (s *Service) Store() *Store {
	return s.store
}

// ResolveRoles evaluates the tenant's enabled rule set against the given
// claims without persisting anything. Used at login time and for previews.
func (s *Service) ResolveRoles(ctx context.Context, tenantID string, input ResolutionInput) (*Resolution, error) {
	mappings, err := s.store.ListEnabledMappings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load role mappings: %w", err)
	}
	return s.resolver.Resolve(mappings, input), nil
}

// AssignRoles resolves and persists the role set for one user, and writes
// an audit entry capturing the full resolution context.
func (s *Service) AssignRoles(ctx context.Context, tenantID, userID string, input ResolutionInput) (*Resolution, error) {
	resolution, err := s.ResolveRoles(ctx, tenantID, input)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveUserRoles(ctx, tenantID, userID, resolution.Roles, resolution.Permissions); err != nil {
		s.logAssignment(ctx, tenantID, userID, resolution, err)
		return nil, err
	}

	s.logAssignment(ctx, tenantID, userID, resolution, nil)
	return resolution, nil
}

func (s *Service) logAssignment(ctx context.Context, tenantID, userID string, resolution *Resolution, assignErr error) {
	event := &audit.Event{
		EventType:    audit.EventTypeAuthzRoleChange,
		Status:       audit.EventStatusSuccess,
		TenantID:     tenantID,
		UserID:       userID,
		ResourceType: audit.ResourceTypeUser,
		ResourceID:   userID,
		Message:      fmt.Sprintf("resolved %d role(s) from %d mapping(s)", len(resolution.Roles), len(resolution.MappingsApplied)),
		Metadata: map[string]interface{}{
			"roles":            resolution.Roles,
			"permissions":      resolution.Permissions,
			"mappings_applied": resolution.MappingsApplied,
			"fallback_applied": resolution.FallbackApplied,
		},
	}
	if assignErr != nil {
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = assignErr.Error()
	}
	if err := s.audit.Log(ctx, event); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to write role assignment audit event")
	}
}

// SyncResult summarizes a bulk re-resolution run.
type SyncResult struct {
	Processed int      `json:"processed"`
	Updated   int      `json:"updated"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// SyncUserRoles re-runs resolution for every active externally-sourced
// user of the tenant. One user's failure does not abort the batch.
func (s *Service) SyncUserRoles(ctx context.Context, tenantID string) (*SyncResult, error) {
	if s.users == nil {
		return nil, fmt.Errorf("no user source configured")
	}

	users, err := s.users.ListActiveUserClaims(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users for role sync: %w", err)
	}

	result := &SyncResult{}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Processed++
		if _, err := s.AssignRoles(ctx, tenantID, user.UserID, user.Input); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("user %s: %v", user.UserID, err))
			if s.log != nil {
				s.log.WithError(err).WithField("user_id", user.UserID).Warn("role sync failed for user")
			}
			continue
		}
		result.Updated++
	}

	return result, nil
}
