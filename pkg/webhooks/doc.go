// Package webhooks delivers tenant-scoped event notifications to
// registered HTTP receivers.
//
// # Overview
//
// Tenants register receiver endpoints per event type. The manager
// dispatches events asynchronously, signs payloads with HMAC-SHA256,
// rate-limits each receiver, and retries failed deliveries with
// exponential backoff. Delivery history is kept in a bounded in-memory
// store for inspection through the admin API.
//
// # Events
//
// sync.completed, sync.partial, sync.failed
// login.failed
// user.provisioned
//
// # Usage Example
//
// Register a webhook:
//
//	webhook := &webhooks.Webhook{
//		TenantID: "acme",
//		URL:      "https://api.example.com/hooks/fedgate",
//		Events:   []webhooks.EventType{webhooks.EventSyncFailed},
//		Secret:   "webhook-secret",
//	}
//	manager.Register(webhook)
//
// Dispatch an event:
//
//	manager.Dispatch(ctx, &webhooks.Event{
//		TenantID: "acme",
//		Type:     webhooks.EventSyncFailed,
//		Data:     map[string]interface{}{"job_id": jobID},
//	})
//
// Verify a signature on the receiver side:
//
//	sig := r.Header.Get("X-Fedgate-Signature")
//	if !webhooks.VerifySignature(body, sig, secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//		return
//	}
//
// # Related Packages
//
//   - pkg/dirsync: emits sync lifecycle events through the manager
//   - pkg/federation: emits login and provisioning events
package webhooks
