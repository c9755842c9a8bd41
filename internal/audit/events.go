// Package audit provides the security event schema and mirror emitters.
//
// Purpose:
//   This package defines the structured security event emitted for every
//   security-relevant MFA action and an Emitter interface for mirroring those
//   events to external sinks (service log, Kafka). The durable append-only
//   ledger is the security_events table written through the storage layer;
//   emitters here are best-effort mirrors and never gate an operation.
//
// Dependencies:
//   - github.com/google/uuid: UUID generation for event IDs
//   - github.com/rs/zerolog: Structured logging for the logger emitter
//
// Key Responsibilities:
//   - Event struct defines the security event schema
//   - Emitter interface abstracts log vs Kafka sinks
//   - LoggerEmitter logs events as structured JSON
//   - KafkaEmitter (kafka.go) produces to the audit.security topic
//
// Debugging Notes:
//   - Events include org_id, user_id, event_type and request metadata
//   - Detail payloads never carry secrets or submitted codes
//   - Emit errors surface to callers for monitoring but the caller's durable
//     write is what decides the operation outcome
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types recorded by the MFA subsystem. The set is closed; new
// security-relevant actions get a new constant, existing values never change.
const (
	EventMFASetupInitiated = "mfa_setup_initiated"
	EventMFALoginSuccess   = "mfa_login_success"
	EventMFALoginFailed    = "mfa_login_failed"
	EventBackupCodeUsed    = "mfa_backup_code_used"
	EventBackupCodeFailed  = "mfa_backup_code_failed"
	EventTrustMismatch     = "mfa_trust_fingerprint_mismatch"
)

// Event represents one security-relevant action. Events are immutable once
// built; every field is set at construction time.
type Event struct {
	EventID   uuid.UUID      `json:"event_id"`
	OrgID     *uuid.UUID     `json:"org_id,omitempty"`
	UserID    uuid.UUID      `json:"user_id"`
	EventType string         `json:"event_type"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Emitter defines the interface for mirroring security events.
// Implementations can use Kafka, the service log, or other backends.
type Emitter interface {
	// Emit sends a security event. Returns an error if emission fails
	// (for monitoring/alerting); callers treat it as best-effort.
	Emit(ctx context.Context, event Event) error
}

// LoggerEmitter mirrors security events into the service log as JSON.
// Useful for local development and as the default mirror when Kafka is not
// configured.
type LoggerEmitter struct {
	logger zerolog.Logger
}

// NewLoggerEmitter creates a logger-based event emitter.
func NewLoggerEmitter(logger zerolog.Logger) *LoggerEmitter {
	return &LoggerEmitter{logger: logger.With().Str("component", "audit").Logger()}
}

// Emit logs the event as structured JSON. Never fails.
func (e *LoggerEmitter) Emit(ctx context.Context, event Event) error {
	entry := e.logger.Info().
		Str("event_id", event.EventID.String()).
		Str("user_id", event.UserID.String()).
		Str("event_type", event.EventType).
		Time("created_at", event.CreatedAt)
	if event.OrgID != nil {
		entry = entry.Str("org_id", event.OrgID.String())
	}
	if len(event.Detail) > 0 {
		entry = entry.Interface("detail", event.Detail)
	}
	entry.Msg("security event")
	return nil
}

// NoopEmitter discards all events. Useful for testing.
type NoopEmitter struct{}

// NewNoopEmitter creates a no-op event emitter.
func NewNoopEmitter() *NoopEmitter {
	return &NoopEmitter{}
}

// Emit discards the event (no-op).
func (e *NoopEmitter) Emit(ctx context.Context, event Event) error {
	return nil
}

// BuildEvent constructs a security event from common parameters.
// Automatically assigns the event ID and timestamp.
func BuildEvent(orgID *uuid.UUID, userID uuid.UUID, eventType string, detail map[string]any) Event {
	return Event{
		EventID:   uuid.New(),
		OrgID:     orgID,
		UserID:    userID,
		EventType: eventType,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}

// ClientIP extracts the client IP from the request, handling proxies.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
