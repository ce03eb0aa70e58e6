package archival

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	"github.com/casefolio/casefolio-backend/internal/testutil/fixtures"
	"github.com/casefolio/casefolio-backend/internal/testutil/mocks"
)

type archivalHarness struct {
	svc   *Service
	repo  *mocks.AuditEntryRepository
	store *mocks.ObjectStore
}

func newArchivalHarness(t *testing.T, cfg Config) *archivalHarness {
	t.Helper()

	if len(cfg.PurgeTokenSecret) == 0 {
		cfg.PurgeTokenSecret = []byte("test-purge-secret")
	}
	repo := mocks.NewAuditEntryRepository()
	store := mocks.NewObjectStore()
	svc, err := NewService(repo, store, cfg, zap.NewNop())
	require.NoError(t, err)
	return &archivalHarness{svc: svc, repo: repo, store: store}
}

// seedHot inserts pre-signed entries directly into the hot store.
func (h *archivalHarness) seedHot(t *testing.T, entries []*domainaudit.Entry) {
	t.Helper()
	inserted, err := h.repo.InsertRestored(context.Background(), entries)
	require.NoError(t, err)
	require.Equal(t, int64(len(entries)), inserted)
}

func oldMonth(t *testing.T, org string, year int, month time.Month, n int) []*domainaudit.Entry {
	t.Helper()
	return fixtures.NewLedgerBuilder(org, time.Date(year, month, 10, 8, 0, 0, 0, time.UTC)).AppendN(t, n)
}

func TestArchiveOldAuditLogsMovesAgedEntries(t *testing.T) {
	h := newArchivalHarness(t, Config{})
	ctx := context.Background()

	aged := oldMonth(t, "org-1", 2024, time.January, 12)
	h.seedHot(t, aged)
	fresh := fixtures.NewLedgerBuilder("org-2", time.Now().UTC().Add(-time.Hour)).AppendN(t, 3)
	h.seedHot(t, fresh)

	run, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.GroupsProcessed)
	assert.Equal(t, 12, run.EntriesArchived)
	assert.Empty(t, run.Failures)

	// Aged rows left the hot ledger; fresh ones stayed.
	assert.Equal(t, 0, h.repo.Count("org-1"))
	assert.Equal(t, 3, h.repo.Count("org-2"))

	data, found, err := h.store.Get(ctx, ObjectKey("org-1", 2024, 1))
	require.NoError(t, err)
	require.True(t, found)
	meta, entries, err := DecodeArchive(data)
	require.NoError(t, err)
	assert.Equal(t, 12, meta.EntryCount)
	assert.Len(t, entries, 12)
}

func TestArchiveOldAuditLogsNoopWhenNothingAged(t *testing.T) {
	h := newArchivalHarness(t, Config{})

	run, err := h.svc.ArchiveOldAuditLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, run.GroupsProcessed)
	assert.Equal(t, 0, h.store.Len())
}

func TestArchiveOldAuditLogsGroupsByOrgAndMonth(t *testing.T) {
	h := newArchivalHarness(t, Config{})
	ctx := context.Background()

	h.seedHot(t, oldMonth(t, "org-1", 2024, time.January, 4))
	h.seedHot(t, oldMonth(t, "org-1", 2024, time.February, 5))
	h.seedHot(t, oldMonth(t, "org-2", 2024, time.January, 6))

	run, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, run.GroupsProcessed)
	assert.Equal(t, 15, run.EntriesArchived)

	for _, key := range []string{
		ObjectKey("org-1", 2024, 1),
		ObjectKey("org-1", 2024, 2),
		ObjectKey("org-2", 2024, 1),
	} {
		_, found, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}
}

func TestArchiveRunPartialFailureIsIsolatedAndRetryable(t *testing.T) {
	h := newArchivalHarness(t, Config{})
	ctx := context.Background()

	h.seedHot(t, oldMonth(t, "org-1", 2024, time.January, 4))
	h.seedHot(t, oldMonth(t, "org-2", 2024, time.January, 6))

	// First upload in the run (org-1, sorted first) fails.
	h.store.PutErr = errors.NewUnavailableError("object store", "upload throttled")

	run, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.Error(t, err)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, "org-1", run.Failures[0].OrganizationID)
	assert.Equal(t, 1, run.GroupsProcessed)

	// Failed group kept its hot rows for the next run.
	assert.Equal(t, 4, h.repo.Count("org-1"))
	assert.Equal(t, 0, h.repo.Count("org-2"))

	// Re-run converges with no duplicates.
	run, err = h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.GroupsProcessed)
	assert.Equal(t, 0, h.repo.Count("org-1"))

	data, found, err := h.store.Get(ctx, ObjectKey("org-1", 2024, 1))
	require.NoError(t, err)
	require.True(t, found)
	meta, _, err := DecodeArchive(data)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.EntryCount)
}

func TestArchiveMergesIntoExistingMonth(t *testing.T) {
	h := newArchivalHarness(t, Config{})
	ctx := context.Background()

	month := oldMonth(t, "org-1", 2024, time.January, 10)
	h.seedHot(t, month[:6])
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	// A later run finds more entries for the same month.
	h.seedHot(t, month[6:])
	_, err = h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	data, found, err := h.store.Get(ctx, ObjectKey("org-1", 2024, 1))
	require.NoError(t, err)
	require.True(t, found)
	meta, entries, err := DecodeArchive(data)
	require.NoError(t, err)
	assert.Equal(t, 10, meta.EntryCount)

	// The merged file still carries a verifiable chain segment.
	verifier := domainaudit.NewHashChainVerifier()
	result, err := verifier.VerifyChain(entries)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestListArchivedMonths(t *testing.T) {
	h := newArchivalHarness(t, Config{})
	ctx := context.Background()

	h.seedHot(t, oldMonth(t, "org-1", 2024, time.March, 2))
	h.seedHot(t, oldMonth(t, "org-1", 2023, time.November, 2))
	h.seedHot(t, oldMonth(t, "org-2", 2024, time.January, 2))
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	months, err := h.svc.ListArchivedMonths(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []ArchivedMonth{{Year: 2023, Month: 11}, {Year: 2024, Month: 3}}, months)

	_, err = h.svc.ListArchivedMonths(ctx, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestQueryArchivedLogsRangeFilter(t *testing.T) {
	h := newArchivalHarness(t, Config{})
	ctx := context.Background()

	january := oldMonth(t, "org-1", 2024, time.January, 5)
	march := oldMonth(t, "org-1", 2024, time.March, 5)
	h.seedHot(t, january)
	h.seedHot(t, march)
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	// Only the January window.
	out, err := h.svc.QueryArchivedLogs(ctx, "org-1",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, out, 5)

	// A window spanning both months, cutting into each.
	out, err = h.svc.QueryArchivedLogs(ctx, "org-1",
		january[2].Timestamp,
		march[2].Timestamp)
	require.NoError(t, err)
	assert.Len(t, out, 6)
	for i := 1; i < len(out); i++ {
		assert.False(t, out[i].Timestamp.Before(out[i-1].Timestamp))
	}

	// Cold data of another organization is invisible.
	out, err = h.svc.QueryArchivedLogs(ctx, "org-other", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRestoreMonth(t *testing.T) {
	h := newArchivalHarness(t, Config{})
	ctx := context.Background()

	month := oldMonth(t, "org-1", 2024, time.January, 8)
	h.seedHot(t, month)
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, h.repo.Count("org-1"))

	restored, err := h.svc.RestoreMonth(ctx, "org-1", 2024, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), restored)
	assert.Equal(t, 8, h.repo.Count("org-1"))

	// Restoring again skips every existing row.
	restored, err = h.svc.RestoreMonth(ctx, "org-1", 2024, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), restored)

	// Restored entries keep their archived hashes and chain positions.
	entries, err := h.repo.ListByOrganization(ctx, "org-1")
	require.NoError(t, err)
	result, err := domainaudit.NewHashChainVerifier().VerifyChain(entries)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	_, err = h.svc.RestoreMonth(ctx, "org-1", 2024, 2)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestCheckRetentionCompliance(t *testing.T) {
	h := newArchivalHarness(t, Config{RetentionYears: 7})
	ctx := context.Background()

	expired := time.Now().UTC().AddDate(-8, 0, 0)
	retained := time.Now().UTC().AddDate(-2, 0, 0)
	h.seedHot(t, oldMonth(t, "org-1", expired.Year(), expired.Month(), 4))
	h.seedHot(t, oldMonth(t, "org-1", retained.Year(), retained.Month(), 4))
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	report, err := h.svc.CheckRetentionCompliance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.MonthsArchived)
	require.NotNil(t, report.OldestMonth)
	assert.Equal(t, expired.Year(), report.OldestMonth.Year)
	require.Len(t, report.EligibleForPurge, 1)
	assert.Equal(t, expired.Year(), report.EligibleForPurge[0].Year)
	assert.True(t, report.SpotCheckValid)
	require.NotNil(t, report.SpotCheckMonth)
	assert.Equal(t, *report.OldestMonth, *report.SpotCheckMonth)
}

func TestCheckRetentionComplianceEmpty(t *testing.T) {
	h := newArchivalHarness(t, Config{})

	report, err := h.svc.CheckRetentionCompliance(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.MonthsArchived)
	assert.Nil(t, report.OldestMonth)
	assert.True(t, report.SpotCheckValid)
}

func TestPurgeExpiredLogsTwoPhase(t *testing.T) {
	h := newArchivalHarness(t, Config{RetentionYears: 7})
	ctx := context.Background()

	expired := time.Now().UTC().AddDate(-8, 0, 0)
	retained := time.Now().UTC().AddDate(-1, 0, 0)
	h.seedHot(t, oldMonth(t, "org-1", expired.Year(), expired.Month(), 3))
	h.seedHot(t, oldMonth(t, "org-1", retained.Year(), retained.Month(), 3))
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	// Dry run: nothing deleted, token issued.
	dry, err := h.svc.PurgeExpiredLogs(ctx, "org-1", "")
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	require.Len(t, dry.Eligible, 1)
	require.NotEmpty(t, dry.ConfirmationToken)
	assert.Equal(t, 2, h.store.Len())

	// Confirmed pass deletes exactly the eligible month.
	confirmed, err := h.svc.PurgeExpiredLogs(ctx, "org-1", dry.ConfirmationToken)
	require.NoError(t, err)
	assert.False(t, confirmed.DryRun)
	require.Len(t, confirmed.Purged, 1)
	assert.Equal(t, expired.Year(), confirmed.Purged[0].Year)
	assert.Equal(t, 1, h.store.Len())

	_, found, err := h.store.Get(ctx, ObjectKey("org-1", retained.Year(), int(retained.Month())))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPurgeDryRunWithNothingEligible(t *testing.T) {
	h := newArchivalHarness(t, Config{RetentionYears: 7})
	ctx := context.Background()

	h.seedHot(t, oldMonth(t, "org-1", time.Now().Year()-1, time.January, 3))
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	dry, err := h.svc.PurgeExpiredLogs(ctx, "org-1", "")
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Empty(t, dry.Eligible)
	assert.Empty(t, dry.ConfirmationToken)
}

func TestPurgeTokenBoundToOrganization(t *testing.T) {
	h := newArchivalHarness(t, Config{RetentionYears: 7})
	ctx := context.Background()

	expired := time.Now().UTC().AddDate(-8, 0, 0)
	h.seedHot(t, oldMonth(t, "org-1", expired.Year(), expired.Month(), 3))
	h.seedHot(t, oldMonth(t, "org-2", expired.Year(), expired.Month(), 3))
	_, err := h.svc.ArchiveOldAuditLogs(ctx)
	require.NoError(t, err)

	dry, err := h.svc.PurgeExpiredLogs(ctx, "org-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, dry.ConfirmationToken)

	_, err = h.svc.PurgeExpiredLogs(ctx, "org-2", dry.ConfirmationToken)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
	assert.Equal(t, 2, h.store.Len())
}

func TestPurgeRejectsGarbageToken(t *testing.T) {
	h := newArchivalHarness(t, Config{RetentionYears: 7})

	_, err := h.svc.PurgeExpiredLogs(context.Background(), "org-1", "not-a-jwt")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}
