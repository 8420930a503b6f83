package stores

import (
	"context"
	"time"
)

// Audit actions.
const (
	ActionAuthenticate   = "authenticate"
	ActionUnauthenticate = "unauthenticate"
	ActionCertRejected   = "certificate_rejected"
	ActionBatchSubmitted = "batch_submitted"
	ActionReboot         = "reboot"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// AuditEntry is one security-relevant event.
type AuditEntry struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	SessionID   string    `json:"session_id"`
	PeerAddress *string   `json:"peer_address,omitempty"`
	Fingerprint *string   `json:"fingerprint,omitempty"` // SHA-256 of the client certificate
	BatchID     *int64    `json:"batch_id,omitempty"`
	Details     *string   `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuditFilter narrows ListAuditEntries. Nil fields match everything.
type AuditFilter struct {
	Action    *string
	SessionID *string
	Since     *time.Time
}

// Auditor records audit entries.
type Auditor interface {
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// Store is the audit persistence layer.
type Store interface {
	Auditor

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	ListAuditEntries(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditEntry, error)
	DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// NopAuditor discards entries.
type NopAuditor struct{}

// CreateAuditEntry does nothing.
func (NopAuditor) CreateAuditEntry(context.Context, *AuditEntry) error { return nil }
