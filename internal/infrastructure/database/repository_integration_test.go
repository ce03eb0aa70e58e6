package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	"github.com/casefolio/casefolio-backend/internal/domain/keys"
	"github.com/casefolio/casefolio-backend/internal/service/compliance"
	"github.com/casefolio/casefolio-backend/internal/testutil/containers"
)

// setupPool starts a disposable postgres with the migrations applied.
// Requires Docker; skipped in -short runs.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	require.NoError(t, pg.ApplyMigrations(ctx, "../../../migrations"))

	pool, err := pgxpool.New(ctx, pg.ConnectionString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func appendView(t *testing.T, repo *AuditRepository, org, user string) *audit.Entry {
	t.Helper()
	entry, err := repo.AppendEntry(context.Background(), org, func(previousHash string) (*audit.Entry, error) {
		return audit.NewSignedEntry(audit.EntryInput{
			OrganizationID: org,
			UserID:         user,
			Action:         audit.ActionView,
			Resource:       "case",
			ResourceID:     "case-1",
		}, previousHash)
	})
	require.NoError(t, err)
	return entry
}

func TestAuditRepositoryAppendAndChain(t *testing.T) {
	pool := setupPool(t)
	repo := NewAuditRepository(pool)
	ctx := context.Background()

	first := appendView(t, repo, "org-1", "user-1")
	assert.Equal(t, audit.GenesisHash, first.PreviousHash)

	second := appendView(t, repo, "org-1", "user-1")
	assert.Equal(t, first.Hash, second.PreviousHash)

	// Another tenant starts at genesis.
	other := appendView(t, repo, "org-2", "user-1")
	assert.Equal(t, audit.GenesisHash, other.PreviousHash)

	entries, err := repo.ListByOrganization(ctx, "org-1")
	require.NoError(t, err)
	result, err := audit.NewHashChainVerifier().VerifyChain(entries)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.VerifiedEntries)
}

func TestAuditRepositoryConcurrentAppends(t *testing.T) {
	pool := setupPool(t)
	repo := NewAuditRepository(pool)
	ctx := context.Background()

	const writers = 6
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				appendView(t, repo, "org-1", "user-1")
			}
		}()
	}
	wg.Wait()

	entries, err := repo.ListByOrganization(ctx, "org-1")
	require.NoError(t, err)
	result, err := audit.NewHashChainVerifier().VerifyChain(entries)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, writers*perWriter, result.VerifiedEntries)
}

func TestAuditRepositoryQueryAndStats(t *testing.T) {
	pool := setupPool(t)
	repo := NewAuditRepository(pool)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		appendView(t, repo, "org-1", "user-1")
	}
	appendView(t, repo, "org-1", "user-2")

	entries, total, err := repo.Query(ctx, audit.Filter{
		OrganizationID: "org-1",
		UserID:         "user-1",
		Limit:          3,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, entries, 3)

	stats, err := repo.Stats(ctx, "org-1", time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalEntries)
	assert.Equal(t, 5, stats.ByAction[audit.ActionView])
	require.Len(t, stats.TopUsers, 2)
	assert.Equal(t, "user-1", stats.TopUsers[0].UserID)
}

func TestAuditRepositoryGetByIDScoped(t *testing.T) {
	pool := setupPool(t)
	repo := NewAuditRepository(pool)
	ctx := context.Background()

	entry := appendView(t, repo, "org-1", "user-1")

	got, err := repo.GetByID(ctx, "org-1", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Hash, got.Hash)

	_, err = repo.GetByID(ctx, "org-2", entry.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	_, err = repo.GetByID(ctx, "org-1", uuid.New())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestAuditRepositoryDeleteAndRestore(t *testing.T) {
	pool := setupPool(t)
	repo := NewAuditRepository(pool)
	ctx := context.Background()

	first := appendView(t, repo, "org-1", "user-1")
	second := appendView(t, repo, "org-1", "user-1")

	deleted, err := repo.DeleteByIDs(ctx, "org-1", []uuid.UUID{first.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	restored, err := repo.InsertRestored(ctx, []*audit.Entry{first, second})
	require.NoError(t, err)
	assert.Equal(t, int64(1), restored)

	entries, err := repo.ListByOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAuditRepositoryDuplicateIDConflict(t *testing.T) {
	pool := setupPool(t)
	repo := NewAuditRepository(pool)
	ctx := context.Background()

	entry := appendView(t, repo, "org-1", "user-1")

	_, err := repo.AppendEntry(ctx, "org-1", func(previousHash string) (*audit.Entry, error) {
		clone := entry.Clone()
		clone.PreviousHash = previousHash
		hash, err := audit.ComputeEntryHash(clone, previousHash)
		if err != nil {
			return nil, err
		}
		clone.Hash = hash
		return clone, nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestKeyRepositoryLifecycle(t *testing.T) {
	pool := setupPool(t)
	repo := NewKeyRepository(pool)
	ctx := context.Background()

	_, err := repo.GetActive(ctx, "org-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	version, err := repo.NextVersion(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	record := &keys.KeyRecord{
		OrganizationID: "org-1",
		KeyVersion:     1,
		Kind:           keys.DEKKindWrapped,
		EncryptedDEK:   []byte("wrapped-material-v1"),
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.CreateActive(ctx, record))

	// A second active record for the same organization is refused.
	dup := *record
	dup.KeyVersion = 2
	err = repo.CreateActive(ctx, &dup)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	rotated := &keys.KeyRecord{
		OrganizationID: "org-1",
		KeyVersion:     2,
		Kind:           keys.DEKKindWrapped,
		EncryptedDEK:   []byte("wrapped-material-v2"),
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.Rotate(ctx, rotated))

	active, err := repo.GetActive(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active.KeyVersion)

	old, err := repo.GetByVersion(ctx, "org-1", 1)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.NotNil(t, old.RotatedAt)

	version, err = repo.NextVersion(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestReportRepositoryRoundTrip(t *testing.T) {
	pool := setupPool(t)
	repo := NewReportRepository(pool)
	ctx := context.Background()

	report := &compliance.Report{
		ID:             uuid.New(),
		OrganizationID: "org-1",
		Type:           compliance.ReportActivitySummary,
		From:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:             time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		GeneratedBy:    "auditor-1",
		GeneratedAt:    time.Now().UTC().Truncate(time.Microsecond),
		Data: map[string]interface{}{
			"total_entries": float64(12),
			"by_action":     map[string]interface{}{"VIEW": float64(12)},
		},
	}
	hash, err := compliance.HashReportData(report.Data)
	require.NoError(t, err)
	report.Hash = hash

	require.NoError(t, repo.Create(ctx, report))

	got, err := repo.GetByID(ctx, "org-1", report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Hash, got.Hash)
	assert.Equal(t, report.Data, got.Data)

	// The JSONB round-trip preserves the hashable form.
	recomputed, err := compliance.HashReportData(got.Data)
	require.NoError(t, err)
	assert.Equal(t, report.Hash, recomputed)

	_, err = repo.GetByID(ctx, "org-2", report.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	list, err := repo.ListByOrganization(ctx, "org-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, report.ID, list[0].ID)
}
