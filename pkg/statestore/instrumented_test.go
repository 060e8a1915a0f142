package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedgate/pkg/observability"
)

func TestInstrumentNilMetricsReturnsStore(t *testing.T) {
	store := NewMemoryStore(time.Minute, time.Minute)
	defer store.Close()

	assert.Same(t, Store(store), Instrument(store, nil))
}

func TestInstrumentedStoreRecordsMisses(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	inner := NewMemoryStore(time.Minute, time.Minute)
	store := Instrument(inner, metrics)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "state-1", Entry{Nonce: "n1"}))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StateEntriesActive))

	got, err := store.Consume(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.Nonce)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.StateConsumeFailures))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.StateEntriesActive))

	// A replayed token is a miss.
	_, err = store.Consume(ctx, "state-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StateConsumeFailures))
}
