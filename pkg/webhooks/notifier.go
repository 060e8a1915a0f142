package webhooks

import (
	"context"

	"github.com/platinummonkey/fedgate/pkg/dirsync"
)

// SyncJobFinished dispatches a sync lifecycle event for a terminal job.
// Running and pending jobs produce nothing.
func (m *Manager) SyncJobFinished(ctx context.Context, cfg *dirsync.SyncConfig, job *dirsync.SyncJob) {
	var eventType EventType
	switch job.Status {
	case dirsync.JobStatusCompleted:
		eventType = EventSyncCompleted
	case dirsync.JobStatusPartial:
		eventType = EventSyncPartial
	case dirsync.JobStatusFailed:
		eventType = EventSyncFailed
	default:
		return
	}

	data := map[string]interface{}{
		"job_id":      job.ID,
		"config_id":   job.ConfigID,
		"config_name": cfg.Name,
		"source_type": string(cfg.SourceType),
		"sync_type":   string(job.Type),
		"status":      string(job.Status),
		"processed":   job.Counters.Processed,
		"created":     job.Counters.Created,
		"updated":     job.Counters.Updated,
		"deactivated": job.Counters.Deactivated,
		"skipped":     job.Counters.Skipped,
	}
	if job.ErrorMessage != "" {
		data["error"] = job.ErrorMessage
	}
	if len(job.Errors) > 0 {
		data["record_errors"] = len(job.Errors)
	}

	m.Dispatch(ctx, &Event{
		TenantID: job.TenantID,
		Type:     eventType,
		Data:     data,
	})
}

// LoginFailed dispatches a failed-login event. The reason is the internal
// cause; receivers are tenant-configured and trusted with it.
func (m *Manager) LoginFailed(ctx context.Context, tenantID, protocol, reason string) {
	m.Dispatch(ctx, &Event{
		TenantID: tenantID,
		Type:     EventLoginFailed,
		Data: map[string]interface{}{
			"protocol": protocol,
			"reason":   reason,
		},
	})
}

// UserProvisioned dispatches a just-in-time provisioning event.
func (m *Manager) UserProvisioned(ctx context.Context, tenantID, userID, username, protocol string) {
	m.Dispatch(ctx, &Event{
		TenantID: tenantID,
		Type:     EventUserProvisioned,
		Data: map[string]interface{}{
			"user_id":  userID,
			"username": username,
			"protocol": protocol,
		},
	})
}
