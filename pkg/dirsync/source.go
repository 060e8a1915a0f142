package dirsync

import (
	"context"
	"fmt"
	"time"
)

// FetchOptions parameterizes one directory fetch.
type FetchOptions struct {
	// ModifiedSince restricts the fetch to records changed after the given
	// time. Nil means fetch everything. Sources that cannot filter
	// server-side return the full set; the delta pass handles the rest.
	ModifiedSince *time.Time

	// UserFilter and GroupFilter are source-side `field op "value"` list
	// filters, applied when no ModifiedSince cursor is present.
	UserFilter  string
	GroupFilter string

	IncludeUsers  bool
	IncludeGroups bool
}

// Source fetches external directory state. Implementations must honor
// context cancellation on every network call.
type Source interface {
	Fetch(ctx context.Context, opts FetchOptions) (*Snapshot, error)
}

// SourceFactory builds a Source for a config. The engine calls it once per
// job, so credential changes take effect on the next run.
type SourceFactory func(cfg *SyncConfig) (Source, error)

// DefaultSourceFactory builds the built-in sources by config source type.
func DefaultSourceFactory(cfg *SyncConfig) (Source, error) {
	switch cfg.SourceType {
	case SourceKindSCIM:
		return NewSCIMSource(cfg.Connection.BaseURL, cfg.Connection.Token), nil
	case SourceKindAWSIdentityStore:
		return NewIdentityStoreSource(cfg.Connection.Region, cfg.Connection.IdentityStoreID)
	default:
		return nil, fmt.Errorf("no source available for type %q", cfg.SourceType)
	}
}
