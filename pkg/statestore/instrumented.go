package statestore

import (
	"context"
	"errors"

	"github.com/platinummonkey/fedgate/pkg/observability"
)

// sizer is implemented by stores that can report their live entry count.
// Redis-backed stores cannot without a key scan, so the gauge stays at its
// last value for them.
type sizer interface {
	Len() int
}

// InstrumentedStore wraps a Store and records consume misses and the number
// of pending entries.
type InstrumentedStore struct {
	inner   Store
	metrics *observability.Metrics
}

// Instrument wraps the store with metrics recording. A nil metrics value
// returns the store unchanged.
func Instrument(inner Store, metrics *observability.Metrics) Store {
	if metrics == nil {
		return inner
	}
	return &InstrumentedStore{inner: inner, metrics: metrics}
}

// Put delegates to the wrapped store and refreshes the entry gauge.
func (s *InstrumentedStore) Put(ctx context.Context, state string, entry Entry) error {
	err := s.inner.Put(ctx, state, entry)
	s.updateGauge()
	return err
}

// Consume delegates to the wrapped store. Misses count expired, replayed,
// and unknown tokens alike.
func (s *InstrumentedStore) Consume(ctx context.Context, state string) (*Entry, error) {
	entry, err := s.inner.Consume(ctx, state)
	if errors.Is(err, ErrNotFound) {
		s.metrics.StateConsumeFailures.Inc()
	}
	s.updateGauge()
	return entry, err
}

// Close delegates to the wrapped store.
func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

func (s *InstrumentedStore) updateGauge() {
	if counted, ok := s.inner.(sizer); ok {
		s.metrics.StateEntriesActive.Set(float64(counted.Len()))
	}
}
