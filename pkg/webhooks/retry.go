package webhooks

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/platinummonkey/fedgate/pkg/observability"
)

// RetryConfig configures redelivery backoff.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default redelivery configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling invalid fields with the
// defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Minute
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry reports whether a failed delivery gets another attempt.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay computes the backoff before the given attempt.
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// NextRetryTime computes when the next attempt runs.
func (p *RetryPolicy) NextRetryTime(attempts int) time.Time {
	return time.Now().Add(p.NextRetryDelay(attempts))
}

// RetryWorker periodically redelivers failed webhooks whose backoff has
// elapsed.
type RetryWorker struct {
	manager    *Manager
	deliveries *DeliveryLogStore
	policy     *RetryPolicy
	log        *observability.Logger
	stopCh     chan struct{}
	ticker     *time.Ticker
}

// NewRetryWorker creates a retry worker over the manager's delivery store.
func NewRetryWorker(manager *Manager, deliveries *DeliveryLogStore, policy *RetryPolicy, log *observability.Logger) *RetryWorker {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &RetryWorker{
		manager:    manager,
		deliveries: deliveries,
		policy:     policy,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Start begins checking for due retries at the given interval.
func (w *RetryWorker) Start(ctx context.Context, checkInterval time.Duration) {
	w.ticker = time.NewTicker(checkInterval)

	go func() {
		defer observability.RecoverPanic(w.log, "webhook retry worker")

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-w.ticker.C:
				w.processRetries(ctx)
			}
		}
	}()
}

// Stop halts the worker.
func (w *RetryWorker) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.stopCh)
}

// processRetries redelivers every due delivery.
func (w *RetryWorker) processRetries(ctx context.Context) {
	for _, log := range w.deliveries.GetPendingRetries() {
		webhook := w.lookupWebhook(log.WebhookID)
		if webhook == nil || !webhook.Active {
			log.Status = DeliveryStatusFailed
			if webhook == nil {
				log.ErrorMessage = "webhook no longer exists"
			} else {
				log.ErrorMessage = "webhook is inactive"
			}
			now := time.Now()
			log.CompletedAt = &now
			w.deliveries.Update(log)
			continue
		}

		w.retryDelivery(ctx, webhook, log)
	}
}

// lookupWebhook finds a webhook by id across tenants. Retries run on the
// manager's behalf, so no tenant scoping applies here.
func (w *RetryWorker) lookupWebhook(id string) *Webhook {
	w.manager.mu.RLock()
	defer w.manager.mu.RUnlock()
	return w.manager.webhooks[id]
}

// retryDelivery runs one more attempt for a failed delivery.
func (w *RetryWorker) retryDelivery(ctx context.Context, webhook *Webhook, log *DeliveryLog) {
	log.Attempts++

	// The original payload is not stored; the retry carries the event
	// envelope only. Receivers treat redeliveries as signals to re-fetch.
	event := &Event{
		ID:        log.EventID,
		TenantID:  webhook.TenantID,
		Type:      log.EventType,
		Timestamp: log.CreatedAt,
		Data:      make(map[string]interface{}),
	}

	startTime := time.Now()
	err := w.manager.send(ctx, webhook, event, log)
	log.Duration = time.Since(startTime)

	if err != nil {
		if w.policy.ShouldRetry(log.Attempts, err) {
			log.Status = DeliveryStatusRetrying
			nextRetry := w.policy.NextRetryTime(log.Attempts)
			log.NextRetryAt = &nextRetry
			log.ErrorMessage = err.Error()
		} else {
			log.Status = DeliveryStatusFailed
			log.ErrorMessage = fmt.Sprintf("max retries exceeded: %v", err)
			now := time.Now()
			log.CompletedAt = &now
		}
	} else {
		log.Status = DeliveryStatusSuccess
		log.ErrorMessage = ""
		now := time.Now()
		log.CompletedAt = &now
	}

	w.deliveries.Update(log)
}
