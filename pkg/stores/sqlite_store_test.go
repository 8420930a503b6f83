package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check passed before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("migrate passed before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations runs the migrations twice
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

// TestAuditOperations tests audit log operations
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	batchID := int64(4242)
	entries := []*AuditEntry{
		{Action: ActionAuthenticate, Outcome: OutcomeFailure, SessionID: "s1", PeerAddress: strPtr("10.0.0.5:40000"), Timestamp: base},
		{Action: ActionAuthenticate, Outcome: OutcomeSuccess, SessionID: "s1", Fingerprint: strPtr("ab12"), Timestamp: base.Add(time.Minute)},
		{Action: ActionBatchSubmitted, Outcome: OutcomeSuccess, SessionID: "s1", BatchID: &batchID, Timestamp: base.Add(2 * time.Minute)},
		{Action: ActionAuthenticate, Outcome: OutcomeSuccess, SessionID: "s2", Details: strPtr("pinned"), Timestamp: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		if err := store.CreateAuditEntry(ctx, e); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if e.ID == 0 {
			t.Error("audit entry ID not set")
		}
	}

	tests := []struct {
		name      string
		filter    AuditFilter
		wantCount int
		wantFirst string
	}{
		{"all", AuditFilter{}, 4, "s2"},
		{"by action", AuditFilter{Action: strPtr(ActionAuthenticate)}, 3, "s2"},
		{"by session", AuditFilter{SessionID: strPtr("s1")}, 3, "s1"},
		{"since", AuditFilter{Since: timePtr(base.Add(90 * time.Second))}, 2, "s2"},
		{"no match", AuditFilter{Action: strPtr(ActionReboot)}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListAuditEntries(ctx, tt.filter, 10, 0)
			if err != nil {
				t.Fatalf("failed to list audit entries: %v", err)
			}
			if len(got) != tt.wantCount {
				t.Fatalf("got %d entries, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].SessionID != tt.wantFirst {
				t.Errorf("first session = %s, want %s", got[0].SessionID, tt.wantFirst)
			}
		})
	}

	got, err := store.ListAuditEntries(ctx, AuditFilter{Action: strPtr(ActionBatchSubmitted)}, 10, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("batch entries = %v, err = %v", got, err)
	}
	if got[0].BatchID == nil || *got[0].BatchID != batchID {
		t.Errorf("batch id = %v", got[0].BatchID)
	}
	if !got[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp = %v", got[0].Timestamp)
	}

	page, err := store.ListAuditEntries(ctx, AuditFilter{}, 2, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("page = %d entries, err = %v", len(page), err)
	}

	deleted, err := store.DeleteAuditEntriesBefore(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("failed to delete audit entries: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d entries, want 2", deleted)
	}
}

func TestCreateAuditEntryDefaultsTimestamp(t *testing.T) {
	store := setupTestStore(t)
	e := &AuditEntry{Action: ActionReboot, Outcome: OutcomeSuccess}
	if err := store.CreateAuditEntry(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.Timestamp.IsZero() || e.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v", e.Timestamp)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
