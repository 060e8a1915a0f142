package dirsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedgate/pkg/rolemap"
)

// fakeStorage is an in-memory Storage for exercising the engine's state
// machine without a database.
type fakeStorage struct {
	mu          sync.Mutex
	configs     map[int64]*SyncConfig
	jobs        map[string]*SyncJob
	users       map[string]*User
	groups      map[string]*Group
	memberships map[string]Membership

	// Failure hooks.
	createUserErr func(*User) error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		configs:     make(map[int64]*SyncConfig),
		jobs:        make(map[string]*SyncJob),
		users:       make(map[string]*User),
		groups:      make(map[string]*Group),
		memberships: make(map[string]Membership),
	}
}

func (f *fakeStorage) addConfig(cfg *SyncConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[cfg.ID] = cfg
}

func (f *fakeStorage) GetConfig(ctx context.Context, configID int64) (*SyncConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[configID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	c := *cfg
	return &c, nil
}

func (f *fakeStorage) ListScheduledConfigs(ctx context.Context) ([]*SyncConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*SyncConfig
	for _, cfg := range f.configs {
		if cfg.Enabled && cfg.ScheduleEnabled {
			c := *cfg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStorage) UpdateConfigSyncState(ctx context.Context, configID int64, lastSyncAt time.Time, status JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[configID]
	if !ok {
		return ErrConfigNotFound
	}
	t := lastSyncAt
	cfg.LastSyncAt = &t
	cfg.LastSyncStatus = string(status)
	return nil
}

func (f *fakeStorage) CreateJob(ctx context.Context, job *SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := *job
	f.jobs[job.ID] = &j
	return nil
}

func (f *fakeStorage) UpdateJob(ctx context.Context, job *SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	j := *job
	f.jobs[job.ID] = &j
	return nil
}

func (f *fakeStorage) GetJob(ctx context.Context, jobID string) (*SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	j := *job
	return &j, nil
}

func (f *fakeStorage) ListRecentJobs(ctx context.Context, configID int64, limit int) ([]*SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []*SyncJob
	for _, job := range f.jobs {
		if job.ConfigID == configID {
			j := *job
			jobs = append(jobs, &j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (f *fakeStorage) ListUsers(ctx context.Context, configID int64) ([]*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []*User
	for _, u := range f.users {
		if u.ConfigID == configID {
			c := *u
			users = append(users, &c)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ExternalID < users[j].ExternalID })
	return users, nil
}

func (f *fakeStorage) CreateUser(ctx context.Context, user *User) error {
	f.mu.Lock()
	hook := f.createUserErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(user); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.ID == "" {
		user.ID = fmt.Sprintf("user-%d", len(f.users)+1)
	}
	c := *user
	f.users[user.ID] = &c
	return nil
}

func (f *fakeStorage) UpdateUser(ctx context.Context, user *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *user
	f.users[user.ID] = &c
	return nil
}

func (f *fakeStorage) DeactivateUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	u.Active = false
	return nil
}

func (f *fakeStorage) ListGroups(ctx context.Context, configID int64) ([]*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var groups []*Group
	for _, g := range f.groups {
		if g.ConfigID == configID {
			c := *g
			groups = append(groups, &c)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ExternalID < groups[j].ExternalID })
	return groups, nil
}

func (f *fakeStorage) CreateGroup(ctx context.Context, group *Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if group.ID == "" {
		group.ID = fmt.Sprintf("group-%d", len(f.groups)+1)
	}
	c := *group
	f.groups[group.ID] = &c
	return nil
}

func (f *fakeStorage) UpdateGroup(ctx context.Context, group *Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *group
	f.groups[group.ID] = &c
	return nil
}

func (f *fakeStorage) DeleteGroup(ctx context.Context, group *Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, group.ID)
	return nil
}

func (f *fakeStorage) ListMemberships(ctx context.Context, configID int64) ([]Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Membership
	for _, m := range f.memberships {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStorage) UpsertMembership(ctx context.Context, tenantID string, configID int64, m Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[m.UserExternalID+"/"+m.GroupExternalID] = m
	return nil
}

func (f *fakeStorage) RemoveMembership(ctx context.Context, configID int64, m Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memberships, m.UserExternalID+"/"+m.GroupExternalID)
	return nil
}

func (f *fakeStorage) activeUserCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.users {
		if u.Active {
			n++
		}
	}
	return n
}

// fakeSource serves a fixed snapshot and records the fetch options.
type fakeSource struct {
	mu       sync.Mutex
	snapshot Snapshot
	lastOpts FetchOptions
	// block makes Fetch wait for cancellation.
	block bool
	err   error
}

func (f *fakeSource) Fetch(ctx context.Context, opts FetchOptions) (*Snapshot, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	s := f.snapshot
	return &s, nil
}

func (f *fakeSource) options() FetchOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

func sourceFactoryFor(src Source) SourceFactory {
	return func(cfg *SyncConfig) (Source, error) { return src, nil }
}

func testConfig(id int64) *SyncConfig {
	return &SyncConfig{
		ID:         id,
		TenantID:   "tenant-1",
		Name:       "corp directory",
		SourceType: SourceKindSCIM,
		Connection: ConnectionSettings{BaseURL: "https://idp.example.com/scim/v2"},
		SyncUsers:  true,
		SyncGroups: true,
		Enabled:    true,
	}
}

func assertCountersBalanced(t *testing.T, c Counters) {
	t.Helper()
	assert.Equal(t, c.Processed, c.Created+c.Updated+c.Deactivated+c.Skipped,
		"processed must equal the sum of outcome counters: %+v", c)
}

func waitForJob(t *testing.T, engine *Engine, jobID string) *SyncJob {
	t.Helper()
	engine.Wait()
	job, err := engine.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestFullSyncCreatesRecords(t *testing.T) {
	storage := newFakeStorage()
	storage.addConfig(testConfig(1))

	source := &fakeSource{snapshot: Snapshot{
		Users: []ExternalUser{
			{ExternalID: "u-1", Username: "alice", Email: "alice@example.com", Active: true},
			{ExternalID: "u-2", Username: "bob", Email: "bob@example.com", Active: true},
		},
		Groups: []ExternalGroup{
			{ExternalID: "g-1", DisplayName: "Engineering"},
		},
		Memberships: []Membership{
			{UserExternalID: "u-1", GroupExternalID: "g-1"},
		},
	}}

	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)
	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, JobStatusCompleted, final.Status)
	assert.Equal(t, 4, final.Counters.Processed)
	assert.Equal(t, 4, final.Counters.Created)
	assert.Empty(t, final.Errors)
	assertCountersBalanced(t, final.Counters)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)

	cfg, err := storage.GetConfig(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, cfg.LastSyncAt, "completed jobs must advance the cursor")
	assert.Equal(t, string(JobStatusCompleted), cfg.LastSyncStatus)
}

func TestFullSyncDeactivatesAbsentUsers(t *testing.T) {
	storage := newFakeStorage()
	cfg := testConfig(1)
	cfg.SyncGroups = false
	storage.addConfig(cfg)

	storage.users["u-keep"] = &User{ID: "u-keep", ConfigID: 1, TenantID: "tenant-1", ExternalID: "u-1", Username: "alice", Active: true}
	storage.users["u-gone"] = &User{ID: "u-gone", ConfigID: 1, TenantID: "tenant-1", ExternalID: "u-2", Username: "bob", Active: true}

	source := &fakeSource{snapshot: Snapshot{
		Users: []ExternalUser{{ExternalID: "u-1", Username: "alice", Active: true}},
	}}

	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)
	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)

	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, JobStatusCompleted, final.Status)
	assert.Equal(t, 2, final.Counters.Processed)
	assert.Equal(t, 1, final.Counters.Skipped, "unchanged user is skipped")
	assert.Equal(t, 1, final.Counters.Deactivated)
	assertCountersBalanced(t, final.Counters)
	assert.Equal(t, 1, storage.activeUserCount())
}

func TestIncrementalSyncNeverDeactivates(t *testing.T) {
	storage := newFakeStorage()
	cfg := testConfig(1)
	cfg.SyncGroups = false
	lastSync := time.Now().Add(-1 * time.Hour)
	cfg.LastSyncAt = &lastSync
	storage.addConfig(cfg)

	storage.users["u-gone"] = &User{ID: "u-gone", ConfigID: 1, TenantID: "tenant-1", ExternalID: "u-2", Username: "bob", Active: true}

	source := &fakeSource{snapshot: Snapshot{
		Users: []ExternalUser{{ExternalID: "u-1", Username: "alice", Active: true}},
	}}

	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)
	job, err := engine.StartSync(context.Background(), 1, SyncTypeIncremental)
	require.NoError(t, err)

	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, JobStatusCompleted, final.Status)
	assert.Zero(t, final.Counters.Deactivated)
	assert.Equal(t, 2, storage.activeUserCount(), "absent user stays active on incremental sync")

	opts := source.options()
	require.NotNil(t, opts.ModifiedSince, "incremental sync passes the cursor to the source")
	assert.True(t, opts.ModifiedSince.Equal(lastSync))
}

func TestRecordFailuresLeaveJobPartial(t *testing.T) {
	storage := newFakeStorage()
	cfg := testConfig(1)
	cfg.SyncGroups = false
	storage.addConfig(cfg)

	storage.createUserErr = func(u *User) error {
		if u.ExternalID == "u-bad" {
			return fmt.Errorf("unique constraint violation")
		}
		return nil
	}

	source := &fakeSource{snapshot: Snapshot{
		Users: []ExternalUser{
			{ExternalID: "u-1", Username: "alice", Active: true},
			{ExternalID: "u-bad", Username: "mallory", Active: true},
			{ExternalID: "u-2", Username: "bob", Active: true},
		},
	}}

	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)
	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)

	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, JobStatusPartial, final.Status)
	assert.Equal(t, 3, final.Counters.Processed)
	assert.Equal(t, 2, final.Counters.Created)
	assert.Equal(t, 1, final.Counters.Skipped, "failed write counts as skipped")
	assertCountersBalanced(t, final.Counters)

	require.Len(t, final.Errors, 1)
	assert.Equal(t, "user", final.Errors[0].Category)
	assert.Equal(t, "u-bad", final.Errors[0].ExternalID)
	assert.Contains(t, final.Errors[0].Message, "unique constraint")

	// Partial still advances the cursor.
	updated, err := storage.GetConfig(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, string(JobStatusPartial), updated.LastSyncStatus)
}

func TestSourceFailureFailsJob(t *testing.T) {
	storage := newFakeStorage()
	storage.addConfig(testConfig(1))

	source := &fakeSource{err: fmt.Errorf("connection refused")}
	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)

	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)

	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "connection refused")

	// Failed jobs never advance the cursor.
	cfg, err := storage.GetConfig(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, cfg.LastSyncAt)
	assert.Empty(t, cfg.LastSyncStatus)
}

func TestOnlyOneJobPerConfig(t *testing.T) {
	storage := newFakeStorage()
	storage.addConfig(testConfig(1))

	source := &fakeSource{block: true}
	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)

	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)

	_, err = engine.StartSync(context.Background(), 1, SyncTypeFull)
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)

	require.NoError(t, engine.CancelJob(context.Background(), job.ID))
	engine.Wait()

	// The slot is free again once the job finishes.
	job2, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)
	require.NoError(t, engine.CancelJob(context.Background(), job2.ID))
	engine.Wait()
}

func TestCancelJobMarksFailed(t *testing.T) {
	storage := newFakeStorage()
	storage.addConfig(testConfig(1))

	source := &fakeSource{block: true}
	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)

	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)

	require.NoError(t, engine.CancelJob(context.Background(), job.ID))
	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, JobStatusFailed, final.Status)
	assert.Equal(t, "sync cancelled", final.ErrorMessage)
	require.NotNil(t, final.FinishedAt)
}

func TestCancelUnknownJob(t *testing.T) {
	engine := NewEngine(newFakeStorage(), sourceFactoryFor(&fakeSource{}), nil, nil, nil)
	assert.ErrorIs(t, engine.CancelJob(context.Background(), "no-such-job"), ErrJobNotFound)
}

func TestStartSyncConfigChecks(t *testing.T) {
	storage := newFakeStorage()
	disabled := testConfig(2)
	disabled.Enabled = false
	storage.addConfig(disabled)

	engine := NewEngine(storage, sourceFactoryFor(&fakeSource{}), nil, nil, nil)

	_, err := engine.StartSync(context.Background(), 99, SyncTypeFull)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = engine.StartSync(context.Background(), 2, SyncTypeFull)
	assert.ErrorIs(t, err, ErrConfigDisabled)
}

func TestCheckScheduledSyncs(t *testing.T) {
	storage := newFakeStorage()

	never := testConfig(1)
	never.ScheduleEnabled = true
	never.IntervalMinutes = 15
	storage.addConfig(never)

	fresh := testConfig(2)
	fresh.ScheduleEnabled = true
	fresh.IntervalMinutes = 15
	justNow := time.Now().Add(-1 * time.Minute)
	fresh.LastSyncAt = &justNow
	storage.addConfig(fresh)

	stale := testConfig(3)
	stale.ScheduleEnabled = true
	stale.IntervalMinutes = 15
	hourAgo := time.Now().Add(-1 * time.Hour)
	stale.LastSyncAt = &hourAgo
	storage.addConfig(stale)

	unscheduled := testConfig(4)
	storage.addConfig(unscheduled)

	source := &fakeSource{}
	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)

	started, err := engine.CheckScheduledSyncs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	engine.Wait()

	jobsByConfig := make(map[int64]SyncType)
	for _, job := range storage.jobs {
		jobsByConfig[job.ConfigID] = job.Type
	}
	assert.Equal(t, SyncTypeFull, jobsByConfig[1], "first run for a never-synced config is full")
	assert.Equal(t, SyncTypeIncremental, jobsByConfig[3])
	assert.NotContains(t, jobsByConfig, int64(2), "recently synced config is not due")
	assert.NotContains(t, jobsByConfig, int64(4), "unscheduled config is never picked up")
}

type fakeRoleSyncer struct {
	result *rolemap.SyncResult
	err    error
}

func (f *fakeRoleSyncer) SyncUserRoles(ctx context.Context, tenantID string) (*rolemap.SyncResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestRoleSyncFoldedIntoJob(t *testing.T) {
	storage := newFakeStorage()
	cfg := testConfig(1)
	cfg.SyncGroups = false
	cfg.SyncRoles = true
	storage.addConfig(cfg)

	source := &fakeSource{snapshot: Snapshot{
		Users: []ExternalUser{{ExternalID: "u-1", Username: "alice", Active: true}},
	}}
	roles := &fakeRoleSyncer{result: &rolemap.SyncResult{
		Processed: 3,
		Updated:   2,
		Failed:    1,
		Errors:    []string{"user u-3: save failed"},
	}}

	engine := NewEngine(storage, sourceFactoryFor(source), roles, nil, nil)
	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)

	final := waitForJob(t, engine, job.ID)
	assert.Equal(t, JobStatusPartial, final.Status)
	assert.Equal(t, 4, final.Counters.Processed)
	assert.Equal(t, 2, final.Counters.Updated)
	assertCountersBalanced(t, final.Counters)

	require.Len(t, final.Errors, 1)
	assert.Equal(t, "role", final.Errors[0].Category)
	assert.Contains(t, final.Errors[0].Message, "u-3")
}

func TestGetSyncStatus(t *testing.T) {
	storage := newFakeStorage()
	storage.addConfig(testConfig(1))

	source := &fakeSource{snapshot: Snapshot{
		Users: []ExternalUser{{ExternalID: "u-1", Username: "alice", Active: true}},
	}}
	engine := NewEngine(storage, sourceFactoryFor(source), nil, nil, nil)

	job, err := engine.StartSync(context.Background(), 1, SyncTypeFull)
	require.NoError(t, err)
	engine.Wait()

	status, err := engine.GetSyncStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, status.Running)
	require.NotNil(t, status.LastSyncAt)
	assert.Equal(t, string(JobStatusCompleted), status.LastSyncStatus)
	require.Len(t, status.RecentJobs, 1)
	assert.Equal(t, job.ID, status.RecentJobs[0].ID)
}
