package main

import (
	"context"
	"database/sql"
	"testing"

	"github.com/onnwee/stream-sentry/crypto"
	"github.com/onnwee/stream-sentry/testutil"
)

// base64 of a 32-byte key; AES-256 rejects anything else.
const testKey = "bWlncmF0ZS10b2tlbnMtdGVzdC1rZXktMzJieXRlcyE="

func newTestEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return enc
}

func seedPlaintextToken(t *testing.T, db *sql.DB, provider, access, refresh string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version)
		 VALUES ($1, $2, $3, NOW() + INTERVAL '1 hour', 'test:scope', 0)
		 ON CONFLICT (provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			encryption_version = 0`,
		provider, access, refresh)
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider = $1`, provider)
	})
}

func TestMigrateTokensDryRun(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	encryptor := newTestEncryptor(t)

	provider := "test-migrate-dryrun"
	seedPlaintextToken(t, db, provider, "test-access-token", "test-refresh-token")

	if err := migrateTokens(ctx, db, encryptor, true, provider); err != nil {
		t.Fatalf("migrateTokens(dry-run) failed: %v", err)
	}

	var storedAccess string
	var encVersion int
	err := db.QueryRowContext(ctx,
		`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&storedAccess, &encVersion)
	if err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if encVersion != 0 {
		t.Errorf("dry-run should not change encryption_version, got %d", encVersion)
	}
	if storedAccess != "test-access-token" {
		t.Errorf("dry-run should not change access_token, got %q", storedAccess)
	}
}

func TestMigrateTokensRealMigration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	encryptor := newTestEncryptor(t)

	provider := "test-migrate-real"
	seedPlaintextToken(t, db, provider, "access-token-1", "refresh-token-1")

	if err := migrateTokens(ctx, db, encryptor, false, provider); err != nil {
		t.Fatalf("migrateTokens() failed: %v", err)
	}

	var storedAccess, storedRefresh string
	var encVersion int
	var encKeyID sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, encryption_version, encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&storedAccess, &storedRefresh, &encVersion, &encKeyID)
	if err != nil {
		t.Fatalf("failed to query migrated token: %v", err)
	}

	if encVersion != 1 {
		t.Errorf("expected encryption_version=1, got %d", encVersion)
	}
	if !encKeyID.Valid || encKeyID.String != "default" {
		t.Errorf("expected encryption_key_id='default', got %v", encKeyID)
	}
	if storedAccess == "access-token-1" {
		t.Error("access_token should be encrypted, still plaintext")
	}
	if storedRefresh == "refresh-token-1" {
		t.Error("refresh_token should be encrypted, still plaintext")
	}

	decryptedAccess, err := crypto.DecryptString(encryptor, storedAccess)
	if err != nil {
		t.Fatalf("failed to decrypt access_token: %v", err)
	}
	if decryptedAccess != "access-token-1" {
		t.Errorf("decrypted access_token = %q, want access-token-1", decryptedAccess)
	}
	decryptedRefresh, err := crypto.DecryptString(encryptor, storedRefresh)
	if err != nil {
		t.Fatalf("failed to decrypt refresh_token: %v", err)
	}
	if decryptedRefresh != "refresh-token-1" {
		t.Errorf("decrypted refresh_token = %q, want refresh-token-1", decryptedRefresh)
	}
}

func TestMigrateTokensProviderFilter(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	encryptor := newTestEncryptor(t)

	seedPlaintextToken(t, db, "test-migrate-filter-x", "access-x", "refresh-x")
	seedPlaintextToken(t, db, "test-migrate-filter-y", "access-y", "refresh-y")

	if err := migrateTokens(ctx, db, encryptor, false, "test-migrate-filter-x"); err != nil {
		t.Fatalf("migrateTokens() with provider filter failed: %v", err)
	}

	var encVersionX, encVersionY int
	if err := db.QueryRowContext(ctx,
		`SELECT encryption_version FROM oauth_tokens WHERE provider = 'test-migrate-filter-x'`).Scan(&encVersionX); err != nil {
		t.Fatalf("failed to query filtered provider: %v", err)
	}
	if encVersionX != 1 {
		t.Errorf("filtered provider should be encrypted (version=1), got %d", encVersionX)
	}
	if err := db.QueryRowContext(ctx,
		`SELECT encryption_version FROM oauth_tokens WHERE provider = 'test-migrate-filter-y'`).Scan(&encVersionY); err != nil {
		t.Fatalf("failed to query other provider: %v", err)
	}
	if encVersionY != 0 {
		t.Errorf("other provider should still be plaintext (version=0), got %d", encVersionY)
	}
}

func TestMigrateTokensNoTokens(t *testing.T) {
	db := testutil.SetupTestDB(t)
	encryptor := newTestEncryptor(t)

	if err := migrateTokens(context.Background(), db, encryptor, false, "test-migrate-nonexistent"); err != nil {
		t.Fatalf("migrateTokens() with no matching rows should succeed, got: %v", err)
	}
}

func TestMigrateTokensIdempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	encryptor := newTestEncryptor(t)

	provider := "test-migrate-idempotent"
	seedPlaintextToken(t, db, provider, "access-token", "refresh-token")

	if err := migrateTokens(ctx, db, encryptor, false, provider); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	// Second run sees no version=0 rows and is a no-op.
	if err := migrateTokens(ctx, db, encryptor, false, provider); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	var encVersion int
	if err := db.QueryRowContext(ctx,
		`SELECT encryption_version FROM oauth_tokens WHERE provider = $1`, provider).Scan(&encVersion); err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if encVersion != 1 {
		t.Errorf("expected encryption_version=1, got %d", encVersion)
	}
}

func TestMigrateTokenEmptyTokens(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	encryptor := newTestEncryptor(t)

	provider := "test-migrate-empty"
	seedPlaintextToken(t, db, provider, "", "")

	if err := migrateTokens(ctx, db, encryptor, false, provider); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	var encVersion int
	var storedAccess, storedRefresh string
	err := db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, encryption_version FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&storedAccess, &storedRefresh, &encVersion)
	if err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if encVersion != 1 {
		t.Errorf("expected encryption_version=1, got %d", encVersion)
	}
	if storedAccess != "" {
		t.Errorf("expected empty access_token, got %q", storedAccess)
	}
	if storedRefresh != "" {
		t.Errorf("expected empty refresh_token, got %q", storedRefresh)
	}
}
