// Package dirsync keeps local directory records (users, groups,
// memberships) synchronized with an external source of truth.
//
// A sync job moves through pending → running → {completed, partial,
// failed}. At most one job runs per sync config; a start request while one
// is active is rejected, not queued. Jobs fetch the remote directory (full
// or modified-since incremental), compute a delta keyed by external id, and
// apply writes in a fixed order: users, then groups, then memberships, then
// role resolution. Each record write is isolated — a failure lands in the
// job's error list and processing continues. Full syncs deactivate local
// records absent remotely; incremental syncs never deactivate. The config's
// sync cursor only advances when a job finishes completed or partial, so a
// failed run is retried from the same point.
package dirsync
