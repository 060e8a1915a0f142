package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/fedgate/pkg/observability"
)

// EventType identifies what happened.
type EventType string

const (
	EventSyncCompleted   EventType = "sync.completed"
	EventSyncPartial     EventType = "sync.partial"
	EventSyncFailed      EventType = "sync.failed"
	EventLoginFailed     EventType = "login.failed"
	EventUserProvisioned EventType = "user.provisioned"
)

// ErrWebhookNotFound is returned for unknown webhook ids. A webhook owned
// by another tenant answers the same way.
var ErrWebhookNotFound = errors.New("webhook not found")

// Event is the payload delivered to webhook receivers.
type Event struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Webhook is one registered receiver endpoint.
type Webhook struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	URL         string      `json:"url"`
	Events      []EventType `json:"events"`
	Secret      string      `json:"secret,omitempty"`
	Active      bool        `json:"active"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Manager registers webhooks and delivers events to them. Deliveries are
// asynchronous; failures retry with exponential backoff.
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook

	client      *http.Client
	deliveries  *DeliveryLogStore
	retryWorker *RetryWorker
	limiter     *RateLimiter
	policy      *RetryPolicy
	log         *observability.Logger
}

// NewManager creates a webhook manager.
func NewManager(log *observability.Logger) *Manager {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}

	deliveries := NewDeliveryLogStore(1000)
	m := &Manager{
		webhooks:   make(map[string]*Webhook),
		client:     &http.Client{Timeout: 10 * time.Second},
		deliveries: deliveries,
		// Per-webhook cap, so one flapping receiver cannot starve the rest.
		limiter: NewRateLimiter(100, time.Minute),
		policy:  NewRetryPolicy(DefaultRetryConfig()),
		log:     log,
	}
	m.retryWorker = NewRetryWorker(m, deliveries, m.policy, log)
	return m
}

// StartRetryWorker starts background redelivery of failed webhooks.
func (m *Manager) StartRetryWorker(ctx context.Context) {
	m.retryWorker.Start(ctx, 30*time.Second)
}

// StopRetryWorker stops background redelivery.
func (m *Manager) StopRetryWorker() {
	m.retryWorker.Stop()
}

// Register validates and stores a new webhook for the tenant.
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if webhook.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(webhook.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, eventType := range webhook.Events {
		if !validEventType(eventType) {
			return fmt.Errorf("unknown event type: %s", eventType)
		}
	}

	webhook.ID = uuid.NewString()
	webhook.Active = true
	webhook.CreatedAt = time.Now()
	webhook.UpdatedAt = webhook.CreatedAt

	m.mu.Lock()
	m.webhooks[webhook.ID] = webhook
	m.mu.Unlock()
	return nil
}

// Unregister removes the tenant's webhook.
func (m *Manager) Unregister(tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhooks[id]
	if !ok || webhook.TenantID != tenantID {
		return ErrWebhookNotFound
	}
	delete(m.webhooks, id)
	return nil
}

// Update applies non-zero fields of updates to the tenant's webhook.
func (m *Manager) Update(tenantID, id string, updates *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhooks[id]
	if !ok || webhook.TenantID != tenantID {
		return ErrWebhookNotFound
	}

	if updates.URL != "" {
		webhook.URL = updates.URL
	}
	if len(updates.Events) > 0 {
		for _, eventType := range updates.Events {
			if !validEventType(eventType) {
				return fmt.Errorf("unknown event type: %s", eventType)
			}
		}
		webhook.Events = updates.Events
	}
	if updates.Secret != "" {
		webhook.Secret = updates.Secret
	}
	if updates.Description != "" {
		webhook.Description = updates.Description
	}
	webhook.UpdatedAt = time.Now()
	return nil
}

// Get returns the tenant's webhook by id.
func (m *Manager) Get(tenantID, id string) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	webhook, ok := m.webhooks[id]
	if !ok || webhook.TenantID != tenantID {
		return nil, ErrWebhookNotFound
	}
	return webhook, nil
}

// List returns all webhooks of the tenant.
func (m *Manager) List(tenantID string) []*Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	webhooks := make([]*Webhook, 0)
	for _, webhook := range m.webhooks {
		if webhook.TenantID == tenantID {
			webhooks = append(webhooks, webhook)
		}
	}
	return webhooks
}

// SetActive activates or deactivates the tenant's webhook.
func (m *Manager) SetActive(tenantID, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhooks[id]
	if !ok || webhook.TenantID != tenantID {
		return ErrWebhookNotFound
	}
	webhook.Active = active
	webhook.UpdatedAt = time.Now()
	return nil
}

// DeliveryLogs returns recent delivery attempts for the tenant's webhook.
func (m *Manager) DeliveryLogs(tenantID, id string, limit int) ([]*DeliveryLog, error) {
	if _, err := m.Get(tenantID, id); err != nil {
		return nil, err
	}
	return m.deliveries.GetByWebhook(id, limit), nil
}

// DeliveryStats returns delivery statistics for the tenant's webhook.
func (m *Manager) DeliveryStats(tenantID, id string) (DeliveryStats, error) {
	if _, err := m.Get(tenantID, id); err != nil {
		return DeliveryStats{}, err
	}
	return m.deliveries.GetStats(id), nil
}

// Dispatch delivers the event to every active webhook of the event's
// tenant that subscribed to its type. Delivery is asynchronous; Dispatch
// never blocks on receivers.
func (m *Manager) Dispatch(ctx context.Context, event *Event) {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()

	m.mu.RLock()
	var targets []*Webhook
	for _, webhook := range m.webhooks {
		if webhook.Active && webhook.TenantID == event.TenantID && subscribed(webhook, event.Type) {
			targets = append(targets, webhook)
		}
	}
	m.mu.RUnlock()

	for _, webhook := range targets {
		deliveryLog := &DeliveryLog{
			ID:        uuid.NewString(),
			WebhookID: webhook.ID,
			EventID:   event.ID,
			EventType: event.Type,
			URL:       webhook.URL,
			Status:    DeliveryStatusPending,
			CreatedAt: time.Now(),
		}
		m.deliveries.Add(deliveryLog)

		go m.deliver(context.WithoutCancel(ctx), webhook, event, deliveryLog)
	}
}

// deliver runs one delivery attempt and records the outcome.
func (m *Manager) deliver(ctx context.Context, webhook *Webhook, event *Event, deliveryLog *DeliveryLog) {
	deliveryLog.Attempts++
	startTime := time.Now()

	err := m.send(ctx, webhook, event, deliveryLog)
	deliveryLog.Duration = time.Since(startTime)

	if err != nil {
		m.log.WithError(err).WithFields(map[string]interface{}{
			"webhook_id": webhook.ID,
			"event_type": string(event.Type),
		}).Warn("webhook delivery failed")

		if m.policy.ShouldRetry(deliveryLog.Attempts, err) {
			deliveryLog.Status = DeliveryStatusRetrying
			nextRetry := m.policy.NextRetryTime(deliveryLog.Attempts)
			deliveryLog.NextRetryAt = &nextRetry
			deliveryLog.ErrorMessage = err.Error()
		} else {
			deliveryLog.Status = DeliveryStatusFailed
			deliveryLog.ErrorMessage = err.Error()
			now := time.Now()
			deliveryLog.CompletedAt = &now
		}
	} else {
		deliveryLog.Status = DeliveryStatusSuccess
		now := time.Now()
		deliveryLog.CompletedAt = &now
	}

	m.deliveries.Update(deliveryLog)
}

// send posts the event to one receiver.
func (m *Manager) send(ctx context.Context, webhook *Webhook, event *Event, deliveryLog *DeliveryLog) error {
	if !m.limiter.Allow(webhook.ID) {
		return fmt.Errorf("rate limit exceeded for webhook %s", webhook.ID)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fedgate-Event", string(event.Type))
	req.Header.Set("X-Fedgate-Event-ID", event.ID)
	req.Header.Set("X-Fedgate-Delivery", time.Now().Format(time.RFC3339))

	if webhook.Secret != "" {
		req.Header.Set("X-Fedgate-Signature", generateSignature(payload, webhook.Secret))
	}

	if deliveryLog != nil {
		deliveryLog.RequestHeaders = make(map[string]string)
		for key, values := range req.Header {
			if len(values) > 0 {
				deliveryLog.RequestHeaders[key] = values[0]
			}
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if deliveryLog != nil {
		deliveryLog.StatusCode = resp.StatusCode
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// VerifySignature verifies a received payload against its signature
// header. Receivers use it to authenticate deliveries.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature computes the HMAC-SHA256 signature header value.
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func subscribed(webhook *Webhook, eventType EventType) bool {
	for _, t := range webhook.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

func validEventType(eventType EventType) bool {
	switch eventType {
	case EventSyncCompleted, EventSyncPartial, EventSyncFailed, EventLoginFailed, EventUserProvisioned:
		return true
	}
	return false
}
