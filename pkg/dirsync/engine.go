package dirsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/observability"
	"github.com/platinummonkey/fedgate/pkg/rolemap"
)

// Sentinel errors for sync control flow.
var (
	ErrSyncAlreadyRunning = errors.New("a sync job is already running for this config")
	ErrConfigDisabled     = errors.New("sync config is disabled")
)

// recentJobsShown caps the job history returned by GetSyncStatus.
const recentJobsShown = 5

// Storage is the persistence the engine runs against.
type Storage interface {
	GetConfig(ctx context.Context, configID int64) (*SyncConfig, error)
	ListScheduledConfigs(ctx context.Context) ([]*SyncConfig, error)
	UpdateConfigSyncState(ctx context.Context, configID int64, lastSyncAt time.Time, status JobStatus) error

	CreateJob(ctx context.Context, job *SyncJob) error
	UpdateJob(ctx context.Context, job *SyncJob) error
	GetJob(ctx context.Context, jobID string) (*SyncJob, error)
	ListRecentJobs(ctx context.Context, configID int64, limit int) ([]*SyncJob, error)

	ListUsers(ctx context.Context, configID int64) ([]*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	DeactivateUser(ctx context.Context, userID string) error

	ListGroups(ctx context.Context, configID int64) ([]*Group, error)
	CreateGroup(ctx context.Context, group *Group) error
	UpdateGroup(ctx context.Context, group *Group) error
	DeleteGroup(ctx context.Context, group *Group) error

	ListMemberships(ctx context.Context, configID int64) ([]Membership, error)
	UpsertMembership(ctx context.Context, tenantID string, configID int64, m Membership) error
	RemoveMembership(ctx context.Context, configID int64, m Membership) error
}

// RoleSyncer recomputes role assignments for a tenant's directory users.
// Satisfied by the role mapping service.
type RoleSyncer interface {
	SyncUserRoles(ctx context.Context, tenantID string) (*rolemap.SyncResult, error)
}

// Archiver persists finished job reports for long-term retention.
type Archiver interface {
	Archive(ctx context.Context, cfg *SyncConfig, job *SyncJob) error
}

// Notifier broadcasts finished jobs to external receivers.
type Notifier interface {
	SyncJobFinished(ctx context.Context, cfg *SyncConfig, job *SyncJob)
}

// runningJob tracks an in-flight job for the one-per-config guard.
type runningJob struct {
	jobID  string
	cancel context.CancelFunc
}

// Engine runs directory sync jobs: one job per config at a time, records
// applied in users, groups, memberships, roles order, with per-record
// failure isolation.
type Engine struct {
	storage Storage
	sources SourceFactory
	roles   RoleSyncer
	audit   audit.Logger
	log     *observability.Logger

	// archiver is optional; set via SetArchiver.
	archiver Archiver

	// metrics is optional; set via SetMetrics.
	metrics *observability.Metrics

	// notifier is optional; set via SetNotifier.
	notifier Notifier

	mu      sync.Mutex
	running map[int64]*runningJob
	wg      sync.WaitGroup

	rootCtx  context.Context
	shutdown context.CancelFunc

	now func() time.Time
}

// NewEngine creates a sync engine. roles may be nil when role sync is not
// wired; auditLog may be nil.
func NewEngine(storage Storage, sources SourceFactory, roles RoleSyncer, auditLog audit.Logger, log *observability.Logger) *Engine {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		storage:  storage,
		sources:  sources,
		roles:    roles,
		audit:    auditLog,
		log:      log,
		running:  make(map[int64]*runningJob),
		rootCtx:  rootCtx,
		shutdown: cancel,
		now:      time.Now,
	}
}

// SetArchiver enables report archival for finished jobs.
func (e *Engine) SetArchiver(a Archiver) {
	e.archiver = a
}

// SetMetrics attaches Prometheus instrumentation.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// SetNotifier enables finished-job notifications.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// StartSync creates a job for the config and runs it asynchronously.
// Returns the job in pending state; its progress is observable through
// GetJob. Only one job may run per config at a time.
func (e *Engine) StartSync(ctx context.Context, configID int64, syncType SyncType) (*SyncJob, error) {
	cfg, err := e.storage.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrConfigDisabled
	}

	job := &SyncJob{
		ID:        uuid.NewString(),
		ConfigID:  cfg.ID,
		TenantID:  cfg.TenantID,
		Type:      syncType,
		Status:    JobStatusPending,
		CreatedAt: e.now(),
	}

	// Claim the per-config slot before persisting so two concurrent starts
	// cannot both proceed.
	jobCtx, cancel := context.WithCancel(e.rootCtx)
	e.mu.Lock()
	if _, exists := e.running[cfg.ID]; exists {
		e.mu.Unlock()
		cancel()
		return nil, ErrSyncAlreadyRunning
	}
	e.running[cfg.ID] = &runningJob{jobID: job.ID, cancel: cancel}
	e.mu.Unlock()

	if err := e.storage.CreateJob(ctx, job); err != nil {
		e.release(cfg.ID)
		cancel()
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.release(cfg.ID)
		if e.metrics != nil {
			e.metrics.SyncJobsRunning.Inc()
			defer e.metrics.SyncJobsRunning.Dec()
		}
		e.run(jobCtx, cfg, job)
	}()

	snapshot := *job
	return &snapshot, nil
}

// CancelJob requests cancellation of a running job. Best effort: the job
// finishes its current record, is marked failed, and releases its config
// slot. Returns ErrJobNotFound when no such job is running.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rj := range e.running {
		if rj.jobID == jobID {
			rj.cancel()
			return nil
		}
	}
	return ErrJobNotFound
}

// CheckScheduledSyncs starts an incremental sync for every scheduled
// config whose interval has elapsed. Configs with a job already running
// are skipped. Returns the number of jobs started.
func (e *Engine) CheckScheduledSyncs(ctx context.Context) (int, error) {
	configs, err := e.storage.ListScheduledConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled configs: %w", err)
	}

	started := 0
	now := e.now()
	for _, cfg := range configs {
		syncType := SyncTypeIncremental
		if cfg.LastSyncAt == nil {
			// Never synced: the first run must be full.
			syncType = SyncTypeFull
		} else if now.Sub(*cfg.LastSyncAt) < time.Duration(cfg.IntervalMinutes)*time.Minute {
			continue
		}

		_, err := e.StartSync(ctx, cfg.ID, syncType)
		if errors.Is(err, ErrSyncAlreadyRunning) {
			continue
		}
		if err != nil {
			e.log.WithError(err).WithField("config_id", cfg.ID).Error("failed to start scheduled sync")
			continue
		}
		started++
	}
	return started, nil
}

// GetSyncStatus reports a config's sync state and recent job history.
func (e *Engine) GetSyncStatus(ctx context.Context, configID int64) (*SyncStatus, error) {
	cfg, err := e.storage.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	_, running := e.running[configID]
	e.mu.Unlock()

	jobs, err := e.storage.ListRecentJobs(ctx, configID, recentJobsShown)
	if err != nil {
		return nil, err
	}

	return &SyncStatus{
		ConfigID:       cfg.ID,
		Running:        running,
		LastSyncAt:     cfg.LastSyncAt,
		LastSyncStatus: cfg.LastSyncStatus,
		RecentJobs:     jobs,
	}, nil
}

// GetJob returns a job by id.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*SyncJob, error) {
	return e.storage.GetJob(ctx, jobID)
}

// Shutdown cancels all running jobs and waits for them to finish writing
// their terminal state.
func (e *Engine) Shutdown() {
	e.shutdown()
	e.wg.Wait()
}

// Wait blocks until all in-flight jobs finish. Used by tests and the
// run-once daemon mode.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) release(configID int64) {
	e.mu.Lock()
	delete(e.running, configID)
	e.mu.Unlock()
}

// run executes one job to a terminal state. It always writes that state
// back, even on cancellation.
func (e *Engine) run(ctx context.Context, cfg *SyncConfig, job *SyncJob) {
	log := e.log.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"config_id": cfg.ID,
		"tenant_id": cfg.TenantID,
		"sync_type": string(job.Type),
	})

	startedAt := e.now()
	job.Status = JobStatusRunning
	job.StartedAt = &startedAt
	if err := e.storage.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("failed to mark sync job running")
		e.finalize(cfg, job, startedAt, fmt.Errorf("failed to mark job running: %w", err))
		return
	}

	e.logSyncEvent(ctx, audit.EventTypeSyncStarted, job, "")
	log.Info("sync job started")

	e.finalize(cfg, job, startedAt, e.apply(ctx, cfg, job, log))
}

// apply fetches the remote snapshot and applies it in order: users,
// groups, memberships, roles. A non-nil return aborts the job as failed;
// per-record errors accumulate on the job instead.
func (e *Engine) apply(ctx context.Context, cfg *SyncConfig, job *SyncJob, log *observability.Logger) error {
	source, err := e.sources(cfg)
	if err != nil {
		return fmt.Errorf("failed to build directory source: %w", err)
	}

	opts := FetchOptions{
		IncludeUsers:  cfg.SyncUsers,
		IncludeGroups: cfg.SyncGroups,
	}
	if job.Type == SyncTypeIncremental && cfg.LastSyncAt != nil {
		opts.ModifiedSince = cfg.LastSyncAt
	} else {
		opts.UserFilter = cfg.UserFilter
		opts.GroupFilter = cfg.GroupFilter
	}

	snapshot, err := source.Fetch(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to fetch directory snapshot: %w", err)
	}

	if cfg.SyncUsers {
		if err := e.applyUsers(ctx, cfg, job, snapshot.Users); err != nil {
			return err
		}
	}
	if cfg.SyncGroups {
		if err := e.applyGroups(ctx, cfg, job, snapshot.Groups); err != nil {
			return err
		}
		if err := e.applyMemberships(ctx, cfg, job, snapshot.Memberships); err != nil {
			return err
		}
	}
	if cfg.SyncRoles && e.roles != nil {
		if err := e.applyRoles(ctx, cfg, job); err != nil {
			return err
		}
	}

	log.WithFields(map[string]interface{}{
		"processed":   job.Counters.Processed,
		"created":     job.Counters.Created,
		"updated":     job.Counters.Updated,
		"deactivated": job.Counters.Deactivated,
		"skipped":     job.Counters.Skipped,
		"errors":      len(job.Errors),
	}).Info("sync job applied")
	return nil
}

// applyUsers reconciles fetched users against local state. Full syncs
// additionally deactivate local users absent from the snapshot;
// incremental syncs never deactivate.
func (e *Engine) applyUsers(ctx context.Context, cfg *SyncConfig, job *SyncJob, external []ExternalUser) error {
	local, err := e.storage.ListUsers(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to list local users: %w", err)
	}
	byExternalID := make(map[string]*User, len(local))
	for _, u := range local {
		byExternalID[u.ExternalID] = u
	}

	before := job.Counters
	defer func() { e.recordCategoryMetrics("user", before, job.Counters) }()

	seen := make(map[string]bool, len(external))
	for _, ext := range external {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[ext.ExternalID] = true
		job.Counters.Processed++

		existing, ok := byExternalID[ext.ExternalID]
		if !ok {
			user := &User{
				TenantID:    cfg.TenantID,
				ConfigID:    cfg.ID,
				ExternalID:  ext.ExternalID,
				Username:    ext.Username,
				Email:       ext.Email,
				DisplayName: ext.DisplayName,
				Active:      ext.Active,
				Attributes:  ext.Attributes,
			}
			if err := e.storage.CreateUser(ctx, user); err != nil {
				e.recordFailure(job, "user", ext.ExternalID, err)
				continue
			}
			job.Counters.Created++
			continue
		}

		if !userChanged(existing, ext) {
			job.Counters.Skipped++
			continue
		}
		existing.Username = ext.Username
		existing.Email = ext.Email
		existing.DisplayName = ext.DisplayName
		existing.Active = ext.Active
		existing.Attributes = ext.Attributes
		if err := e.storage.UpdateUser(ctx, existing); err != nil {
			e.recordFailure(job, "user", ext.ExternalID, err)
			continue
		}
		job.Counters.Updated++
	}

	if job.Type != SyncTypeFull {
		return nil
	}
	for _, u := range local {
		if seen[u.ExternalID] || !u.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		job.Counters.Processed++
		if err := e.storage.DeactivateUser(ctx, u.ID); err != nil {
			e.recordFailure(job, "user", u.ExternalID, err)
			continue
		}
		job.Counters.Deactivated++
	}
	return nil
}

// applyGroups reconciles fetched groups. Full syncs remove local groups
// absent from the snapshot along with their memberships.
func (e *Engine) applyGroups(ctx context.Context, cfg *SyncConfig, job *SyncJob, external []ExternalGroup) error {
	local, err := e.storage.ListGroups(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to list local groups: %w", err)
	}
	byExternalID := make(map[string]*Group, len(local))
	for _, g := range local {
		byExternalID[g.ExternalID] = g
	}

	before := job.Counters
	defer func() { e.recordCategoryMetrics("group", before, job.Counters) }()

	seen := make(map[string]bool, len(external))
	for _, ext := range external {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[ext.ExternalID] = true
		job.Counters.Processed++

		existing, ok := byExternalID[ext.ExternalID]
		if !ok {
			group := &Group{
				TenantID:    cfg.TenantID,
				ConfigID:    cfg.ID,
				ExternalID:  ext.ExternalID,
				DisplayName: ext.DisplayName,
			}
			if err := e.storage.CreateGroup(ctx, group); err != nil {
				e.recordFailure(job, "group", ext.ExternalID, err)
				continue
			}
			job.Counters.Created++
			continue
		}

		if existing.DisplayName == ext.DisplayName {
			job.Counters.Skipped++
			continue
		}
		existing.DisplayName = ext.DisplayName
		if err := e.storage.UpdateGroup(ctx, existing); err != nil {
			e.recordFailure(job, "group", ext.ExternalID, err)
			continue
		}
		job.Counters.Updated++
	}

	if job.Type != SyncTypeFull {
		return nil
	}
	for _, g := range local {
		if seen[g.ExternalID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		job.Counters.Processed++
		if err := e.storage.DeleteGroup(ctx, g); err != nil {
			e.recordFailure(job, "group", g.ExternalID, err)
			continue
		}
		job.Counters.Deactivated++
	}
	return nil
}

// applyMemberships reconciles user-group links. Only changed pairs count
// toward the job's totals; full syncs remove stale pairs.
func (e *Engine) applyMemberships(ctx context.Context, cfg *SyncConfig, job *SyncJob, external []Membership) error {
	local, err := e.storage.ListMemberships(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to list local memberships: %w", err)
	}

	before := job.Counters
	defer func() { e.recordCategoryMetrics("membership", before, job.Counters) }()

	key := func(m Membership) string { return m.UserExternalID + "\x00" + m.GroupExternalID }
	existing := make(map[string]bool, len(local))
	for _, m := range local {
		existing[key(m)] = true
	}

	desired := make(map[string]bool, len(external))
	for _, m := range external {
		if err := ctx.Err(); err != nil {
			return err
		}
		desired[key(m)] = true
		if existing[key(m)] {
			continue
		}
		job.Counters.Processed++
		if err := e.storage.UpsertMembership(ctx, cfg.TenantID, cfg.ID, m); err != nil {
			e.recordFailure(job, "membership", key(m), err)
			continue
		}
		job.Counters.Created++
	}

	if job.Type != SyncTypeFull {
		return nil
	}
	for _, m := range local {
		if desired[key(m)] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		job.Counters.Processed++
		if err := e.storage.RemoveMembership(ctx, cfg.ID, m); err != nil {
			e.recordFailure(job, "membership", key(m), err)
			continue
		}
		job.Counters.Deactivated++
	}
	return nil
}

// applyRoles recomputes role assignments for the tenant's directory
// users. Per-user failures are isolated by the role service and folded
// into the job's error list.
func (e *Engine) applyRoles(ctx context.Context, cfg *SyncConfig, job *SyncJob) error {
	result, err := e.roles.SyncUserRoles(ctx, cfg.TenantID)
	if err != nil {
		return fmt.Errorf("failed to sync user roles: %w", err)
	}

	job.Counters.Processed += result.Processed
	job.Counters.Updated += result.Updated
	job.Counters.Skipped += result.Processed - result.Updated
	for _, msg := range result.Errors {
		job.Errors = append(job.Errors, RecordError{Category: "role", Message: msg})
	}
	e.metrics.ObserveSyncRecords("role", "updated", result.Updated)
	e.metrics.ObserveSyncRecords("role", "skipped", result.Processed-result.Updated)
	return nil
}

// recordCategoryMetrics reports the per-category delta of one apply pass.
func (e *Engine) recordCategoryMetrics(category string, before, after Counters) {
	e.metrics.ObserveSyncRecords(category, "created", after.Created-before.Created)
	e.metrics.ObserveSyncRecords(category, "updated", after.Updated-before.Updated)
	e.metrics.ObserveSyncRecords(category, "deactivated", after.Deactivated-before.Deactivated)
	e.metrics.ObserveSyncRecords(category, "skipped", after.Skipped-before.Skipped)
}

func (e *Engine) recordFailure(job *SyncJob, category, externalID string, err error) {
	// Failed writes count as skipped so processed stays the sum of the
	// outcome counters.
	job.Counters.Skipped++
	job.Errors = append(job.Errors, RecordError{
		Category:   category,
		ExternalID: externalID,
		Message:    err.Error(),
	})
}

// finalize writes the job's terminal state and, for completed or partial
// runs, advances the config's sync cursor to the job's start time.
func (e *Engine) finalize(cfg *SyncConfig, job *SyncJob, startedAt time.Time, runErr error) {
	// Terminal writes use a fresh context: the job context may already be
	// cancelled.
	ctx := context.Background()

	finishedAt := e.now()
	job.FinishedAt = &finishedAt

	eventType := audit.EventTypeSyncCompleted
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		job.Status = JobStatusFailed
		job.ErrorMessage = "sync cancelled"
		eventType = audit.EventTypeSyncCancelled
	case runErr != nil:
		job.Status = JobStatusFailed
		job.ErrorMessage = runErr.Error()
		eventType = audit.EventTypeSyncFailed
	case len(job.Errors) > 0:
		job.Status = JobStatusPartial
		eventType = audit.EventTypeSyncPartial
	default:
		job.Status = JobStatusCompleted
	}

	log := e.log.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"config_id": job.ConfigID,
		"status":    string(job.Status),
	})

	if err := e.storage.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("failed to persist sync job state")
	}

	if job.Status == JobStatusCompleted || job.Status == JobStatusPartial {
		// The cursor is the start time, so records modified while the job
		// ran are picked up by the next incremental pass.
		if err := e.storage.UpdateConfigSyncState(ctx, cfg.ID, startedAt, job.Status); err != nil {
			log.WithError(err).Error("failed to advance sync cursor")
		}
	}

	e.metrics.ObserveSyncJob(string(cfg.SourceType), string(job.Type), string(job.Status), finishedAt.Sub(startedAt))

	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, cfg, job); err != nil {
			log.WithError(err).Warn("failed to archive job report")
		}
	}

	if e.notifier != nil {
		e.notifier.SyncJobFinished(ctx, cfg, job)
	}

	e.logSyncEvent(ctx, eventType, job, job.ErrorMessage)
	if runErr != nil {
		log.WithError(runErr).Error("sync job finished")
	} else {
		log.Info("sync job finished")
	}
}

func (e *Engine) logSyncEvent(ctx context.Context, eventType audit.EventType, job *SyncJob, message string) {
	event := audit.SyncEvent(ctx, eventType, job.TenantID, job.ID, message)
	event.Metadata = map[string]interface{}{
		"config_id":   job.ConfigID,
		"sync_type":   string(job.Type),
		"processed":   job.Counters.Processed,
		"created":     job.Counters.Created,
		"updated":     job.Counters.Updated,
		"deactivated": job.Counters.Deactivated,
		"skipped":     job.Counters.Skipped,
	}
	if err := e.audit.Log(ctx, event); err != nil {
		e.log.WithError(err).Warn("failed to write sync audit event")
	}
}

func userChanged(local *User, ext ExternalUser) bool {
	if local.Username != ext.Username ||
		local.Email != ext.Email ||
		local.DisplayName != ext.DisplayName ||
		local.Active != ext.Active {
		return true
	}
	if len(local.Attributes) != len(ext.Attributes) {
		return true
	}
	for k, v := range ext.Attributes {
		if local.Attributes[k] != v {
			return true
		}
	}
	return false
}
