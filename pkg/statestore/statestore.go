package statestore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a state token is unknown, already consumed,
// or expired. Callers must treat all three identically.
var ErrNotFound = errors.New("authorization state not found")

// DefaultMaxAge bounds how long an issued state token stays valid.
const DefaultMaxAge = 10 * time.Minute

// DefaultSweepInterval is how often expired entries are removed.
const DefaultSweepInterval = 5 * time.Minute

// Entry is the per-login-attempt state bound to a state token.
type Entry struct {
	TenantID     string    `json:"tenant_id"`
	ProviderName string    `json:"provider_name"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	RedirectURI  string    `json:"redirect_uri,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists authorization state between the authorization redirect and
// the provider callback.
type Store interface {
	// Put stores the entry under the given state token.
	Put(ctx context.Context, state string, entry Entry) error

	// Consume atomically retrieves and removes the entry for the state
	// token. A second call for the same token returns ErrNotFound, as does
	// a call for an expired entry.
	Consume(ctx context.Context, state string) (*Entry, error)

	// Close releases background resources.
	Close() error
}

// MemoryStore is a process-local Store. A background sweeper bounds memory
// when callbacks never arrive.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	maxAge  time.Duration
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a MemoryStore sweeping at the given interval.
// Zero values fall back to the package defaults.
func NewMemoryStore(maxAge, sweepInterval time.Duration) *MemoryStore {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	s := &MemoryStore{
		entries: make(map[string]Entry),
		maxAge:  maxAge,
		done:    make(chan struct{}),
	}

	go s.sweepLoop(sweepInterval)
	return s
}

// Put stores the entry under the state token.
func (s *MemoryStore) Put(_ context.Context, state string, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = entry
	return nil
}

// Consume atomically removes and returns the entry for the state token.
func (s *MemoryStore) Consume(_ context.Context, state string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.entries, state)

	if time.Since(entry.CreatedAt) > s.maxAge {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Len reports the number of live entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-s.maxAge)
	for state, entry := range s.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}
