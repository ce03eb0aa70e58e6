// Package archival moves aged audit entries from the hot ledger into
// compressed monthly objects in cold storage, and answers queries,
// retention checks and purges against that cold tier.
package archival

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

var (
	entriesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "casefolio_archival_entries_archived_total",
		Help: "Audit entries moved to cold storage.",
	})

	archiveRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casefolio_archival_runs_total",
		Help: "Archival runs, by result.",
	}, []string{"result"})
)

// ObjectStore is the cold-storage surface the service writes archives
// to. Keys follow the audit-archives/{org}/{year}/{month} scheme.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns (nil, false, nil) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Config tunes the archival service.
type Config struct {
	// HotRetention is how long entries stay in the hot ledger before
	// they become eligible for archival.
	HotRetention time.Duration
	// BatchLimit caps how many entries one run pulls from the ledger.
	BatchLimit int
	// RetentionYears is the compliance floor; archives younger than
	// this can never be purged.
	RetentionYears int
	// PurgeTokenSecret signs purge confirmation tokens.
	PurgeTokenSecret []byte
	// PurgeTokenTTL bounds how long a confirmation token stays valid.
	PurgeTokenTTL time.Duration
	// UploadRate throttles cold-storage writes per second; zero means
	// unthrottled.
	UploadRate float64
}

func (c *Config) applyDefaults() {
	if c.HotRetention <= 0 {
		c.HotRetention = 90 * 24 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 5000
	}
	if c.RetentionYears <= 0 {
		c.RetentionYears = 7
	}
	if c.PurgeTokenTTL <= 0 {
		c.PurgeTokenTTL = 15 * time.Minute
	}
}

// Service archives, queries, restores and purges cold audit history.
type Service struct {
	repo     domainaudit.EntryRepository
	store    ObjectStore
	verifier domainaudit.ChainVerifier
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService wires the archival service.
func NewService(repo domainaudit.EntryRepository, store ObjectStore, cfg Config, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.NewValidationError("MISSING_REPOSITORY", "entry repository is required")
	}
	if store == nil {
		return nil, errors.NewValidationError("MISSING_STORE", "object store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.UploadRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRate), 1)
	}

	return &Service{
		repo:     repo,
		store:    store,
		verifier: domainaudit.NewHashChainVerifier(),
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("casefolio.archival"),
	}, nil
}

// GroupFailure records one (organization, month) group that could not
// be archived. Other groups in the same run are unaffected.
type GroupFailure struct {
	OrganizationID string `json:"organization_id"`
	Year           int    `json:"year"`
	Month          int    `json:"month"`
	Error          string `json:"error"`
}

// ArchiveRun summarizes one archival pass.
type ArchiveRun struct {
	StartedAt       time.Time      `json:"started_at"`
	Cutoff          time.Time      `json:"cutoff"`
	GroupsProcessed int            `json:"groups_processed"`
	EntriesArchived int            `json:"entries_archived"`
	Failures        []GroupFailure `json:"failures,omitempty"`
}

type archiveGroup struct {
	organizationID string
	year           int
	month          int
}

// ArchiveOldAuditLogs moves every hot entry older than the retention
// cutoff into its monthly cold-storage object. Hot rows are deleted
// only after the object write succeeds; a failed group leaves its rows
// in the hot ledger for the next run.
func (s *Service) ArchiveOldAuditLogs(ctx context.Context) (*ArchiveRun, error) {
	ctx, span := s.tracer.Start(ctx, "archival.run")
	defer span.End()

	run := &ArchiveRun{
		StartedAt: time.Now().UTC(),
		Cutoff:    time.Now().UTC().Add(-s.cfg.HotRetention),
	}

	entries, err := s.repo.ListOlderThan(ctx, run.Cutoff, s.cfg.BatchLimit)
	if err != nil {
		archiveRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(entries) == 0 {
		archiveRuns.WithLabelValues("noop").Inc()
		return run, nil
	}

	groups := make(map[archiveGroup][]*domainaudit.Entry)
	for _, entry := range entries {
		ts := entry.Timestamp.UTC()
		g := archiveGroup{
			organizationID: entry.OrganizationID,
			year:           ts.Year(),
			month:          int(ts.Month()),
		}
		groups[g] = append(groups[g], entry)
	}
	span.SetAttributes(attribute.Int("groups", len(groups)))

	keys := make([]archiveGroup, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.organizationID != b.organizationID {
			return a.organizationID < b.organizationID
		}
		if a.year != b.year {
			return a.year < b.year
		}
		return a.month < b.month
	})

	for _, g := range keys {
		batch := groups[g]
		if err := s.archiveGroup(ctx, g, batch); err != nil {
			s.logger.Error("archive group failed",
				zap.String("organization_id", g.organizationID),
				zap.Int("year", g.year),
				zap.Int("month", g.month),
				zap.Error(err))
			run.Failures = append(run.Failures, GroupFailure{
				OrganizationID: g.organizationID,
				Year:           g.year,
				Month:          g.month,
				Error:          err.Error(),
			})
			continue
		}
		run.GroupsProcessed++
		run.EntriesArchived += len(batch)
		entriesArchived.Add(float64(len(batch)))
	}

	if len(run.Failures) > 0 {
		archiveRuns.WithLabelValues("partial").Inc()
		return run, errors.NewInternalError(
			fmt.Sprintf("%d of %d archive groups failed", len(run.Failures), len(groups)))
	}
	archiveRuns.WithLabelValues("ok").Inc()
	s.logger.Info("archival run complete",
		zap.Int("groups", run.GroupsProcessed),
		zap.Int("entries", run.EntriesArchived))
	return run, nil
}

// archiveGroup merges one month's batch into its cold-storage object
// and deletes the hot rows. Existing objects are read back and merged
// so a re-run after a partial failure is idempotent.
func (s *Service) archiveGroup(ctx context.Context, g archiveGroup, batch []*domainaudit.Entry) error {
	key := ObjectKey(g.organizationID, g.year, g.month)

	existing, found, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}

	toWrite := batch
	if found {
		_, prior, err := DecodeArchive(existing)
		if err != nil {
			return errors.Wrap(err, "existing archive at "+key)
		}
		toWrite = MergeEntries(prior, batch)
	}

	data, meta, err := EncodeArchive(g.organizationID, g.year, g.month, toWrite)
	if err != nil {
		return err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.store.Put(ctx, key, data); err != nil {
		return err
	}

	ids := make([]uuid.UUID, len(batch))
	for i, entry := range batch {
		ids[i] = entry.ID
	}
	if _, err := s.repo.DeleteByIDs(ctx, g.organizationID, ids); err != nil {
		// The object is written; rows will be re-merged next run.
		return errors.Wrap(err, "hot rows not deleted after upload")
	}

	s.logger.Debug("archive group written",
		zap.String("key", key),
		zap.Int("batch", len(batch)),
		zap.Int("total", meta.EntryCount))
	return nil
}

// ArchivedMonth identifies one cold-storage month for an organization.
type ArchivedMonth struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// ListArchivedMonths enumerates the organization's cold months in
// ascending order.
func (s *Service) ListArchivedMonths(ctx context.Context, organizationID string) ([]ArchivedMonth, error) {
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	keys, err := s.store.List(ctx, "audit-archives/"+organizationID+"/")
	if err != nil {
		return nil, err
	}

	months := make([]ArchivedMonth, 0, len(keys))
	for _, key := range keys {
		m, ok := parseObjectKey(key)
		if !ok {
			s.logger.Warn("ignoring unrecognized archive key", zap.String("key", key))
			continue
		}
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool {
		if months[i].Year != months[j].Year {
			return months[i].Year < months[j].Year
		}
		return months[i].Month < months[j].Month
	})
	return months, nil
}

func parseObjectKey(key string) (ArchivedMonth, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "audit-archives" {
		return ArchivedMonth{}, false
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return ArchivedMonth{}, false
	}
	month, err := strconv.Atoi(parts[3])
	if err != nil || month < 1 || month > 12 {
		return ArchivedMonth{}, false
	}
	return ArchivedMonth{Year: year, Month: month}, true
}

// QueryArchivedLogs returns cold entries for the organization within
// [from, to], merged across months and sorted by timestamp.
func (s *Service) QueryArchivedLogs(ctx context.Context, organizationID string, from, to time.Time) ([]*domainaudit.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "archival.query",
		trace.WithAttributes(attribute.String("organization_id", organizationID)))
	defer span.End()

	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	months, err := s.ListArchivedMonths(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	var out []*domainaudit.Entry
	for _, m := range months {
		if !monthOverlaps(m, from, to) {
			continue
		}
		entries, err := s.loadMonth(ctx, organizationID, m.Year, m.Month)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Timestamp.Before(from) || entry.Timestamp.After(to) {
				continue
			}
			out = append(out, entry)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func monthOverlaps(m ArchivedMonth, from, to time.Time) bool {
	start := time.Date(m.Year, time.Month(m.Month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	if !from.IsZero() && end.Before(from) {
		return false
	}
	return !start.After(to)
}

func (s *Service) loadMonth(ctx context.Context, organizationID string, year, month int) ([]*domainaudit.Entry, error) {
	key := ObjectKey(organizationID, year, month)
	data, found, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.ErrArchiveNotFound
	}
	_, entries, err := DecodeArchive(data)
	if err != nil {
		return nil, errors.Wrap(err, "archive "+key)
	}
	return entries, nil
}

// RestoreMonth copies one cold month back into the hot ledger, skipping
// entries that already exist. Hashes are preserved as archived so the
// restored rows re-join their original chain positions.
func (s *Service) RestoreMonth(ctx context.Context, organizationID string, year, month int) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "archival.restore",
		trace.WithAttributes(attribute.String("organization_id", organizationID)))
	defer span.End()

	entries, err := s.loadMonth(ctx, organizationID, year, month)
	if err != nil {
		return 0, err
	}
	restored, err := s.repo.InsertRestored(ctx, entries)
	if err != nil {
		return 0, err
	}
	s.logger.Info("archive month restored",
		zap.String("organization_id", organizationID),
		zap.Int("year", year),
		zap.Int("month", month),
		zap.Int64("restored", restored))
	return restored, nil
}

// RetentionReport is the outcome of a compliance check over the
// organization's cold history.
type RetentionReport struct {
	OrganizationID   string          `json:"organization_id"`
	CheckedAt        time.Time       `json:"checked_at"`
	MonthsArchived   int             `json:"months_archived"`
	OldestMonth      *ArchivedMonth  `json:"oldest_month,omitempty"`
	EligibleForPurge []ArchivedMonth `json:"eligible_for_purge,omitempty"`
	SpotCheckMonth   *ArchivedMonth  `json:"spot_check_month,omitempty"`
	SpotCheckValid   bool            `json:"spot_check_valid"`
	SpotCheckDetail  string          `json:"spot_check_detail,omitempty"`
}

// CheckRetentionCompliance reports which cold months have aged past the
// retention floor and spot-checks entry hashes in the oldest month.
func (s *Service) CheckRetentionCompliance(ctx context.Context, organizationID string) (*RetentionReport, error) {
	months, err := s.ListArchivedMonths(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	report := &RetentionReport{
		OrganizationID: organizationID,
		CheckedAt:      time.Now().UTC(),
		MonthsArchived: len(months),
		SpotCheckValid: true,
	}
	if len(months) == 0 {
		return report, nil
	}

	oldest := months[0]
	report.OldestMonth = &oldest

	floor := time.Now().UTC().AddDate(-s.cfg.RetentionYears, 0, 0)
	for _, m := range months {
		monthEnd := time.Date(m.Year, time.Month(m.Month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if monthEnd.Before(floor) {
			report.EligibleForPurge = append(report.EligibleForPurge, m)
		}
	}

	// Spot-check the oldest month: each archived entry must still hash
	// to its recorded value against its recorded predecessor.
	entries, err := s.loadMonth(ctx, organizationID, oldest.Year, oldest.Month)
	if err != nil {
		return nil, err
	}
	report.SpotCheckMonth = &oldest
	for i, entry := range entries {
		ok, err := s.verifier.VerifyEntry(entry, entry.PreviousHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			report.SpotCheckValid = false
			report.SpotCheckDetail = fmt.Sprintf("entry %s at position %d fails hash verification", entry.ID, i)
			break
		}
	}

	return report, nil
}

// purgeClaims is the confirmation token payload for a destructive
// purge. The token binds the organization and the exact months.
type purgeClaims struct {
	OrganizationID string   `json:"org"`
	Months         []string `json:"months"`
	jwt.RegisteredClaims
}

// PurgeReport summarizes a purge pass.
type PurgeReport struct {
	OrganizationID string          `json:"organization_id"`
	DryRun         bool            `json:"dry_run"`
	Eligible       []ArchivedMonth `json:"eligible"`
	Purged         []ArchivedMonth `json:"purged,omitempty"`
	// ConfirmationToken is issued on dry runs; replay it to execute.
	ConfirmationToken string `json:"confirmation_token,omitempty"`
}

// PurgeExpiredLogs deletes cold months older than the retention floor.
// Without a confirmation token it runs dry: it reports the eligible
// months and issues a short-lived token bound to exactly that set. The
// destructive pass requires the token back and purges only months the
// token names that are still past the floor.
func (s *Service) PurgeExpiredLogs(ctx context.Context, organizationID, confirmationToken string) (*PurgeReport, error) {
	ctx, span := s.tracer.Start(ctx, "archival.purge",
		trace.WithAttributes(attribute.String("organization_id", organizationID)))
	defer span.End()

	retention, err := s.CheckRetentionCompliance(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	report := &PurgeReport{
		OrganizationID: organizationID,
		Eligible:       retention.EligibleForPurge,
	}

	if confirmationToken == "" {
		report.DryRun = true
		if len(report.Eligible) == 0 {
			return report, nil
		}
		token, err := s.issuePurgeToken(organizationID, report.Eligible)
		if err != nil {
			return nil, err
		}
		report.ConfirmationToken = token
		return report, nil
	}

	confirmed, err := s.verifyPurgeToken(organizationID, confirmationToken)
	if err != nil {
		return nil, err
	}

	eligible := make(map[string]bool, len(report.Eligible))
	for _, m := range report.Eligible {
		eligible[monthLabel(m)] = true
	}

	for _, label := range confirmed {
		if !eligible[label] {
			// Confirmed but no longer past the floor, or never was.
			continue
		}
		m, ok := parseMonthLabel(label)
		if !ok {
			continue
		}
		key := ObjectKey(organizationID, m.Year, m.Month)
		if err := s.store.Delete(ctx, key); err != nil {
			return report, errors.Wrap(err, "purge "+key)
		}
		report.Purged = append(report.Purged, m)
		s.logger.Warn("archive month purged",
			zap.String("organization_id", organizationID),
			zap.String("month", label))
	}
	return report, nil
}

func monthLabel(m ArchivedMonth) string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

func parseMonthLabel(label string) (ArchivedMonth, bool) {
	parts := strings.SplitN(label, "-", 2)
	if len(parts) != 2 {
		return ArchivedMonth{}, false
	}
	year, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || month < 1 || month > 12 {
		return ArchivedMonth{}, false
	}
	return ArchivedMonth{Year: year, Month: month}, true
}

func (s *Service) issuePurgeToken(organizationID string, months []ArchivedMonth) (string, error) {
	if len(s.cfg.PurgeTokenSecret) == 0 {
		return "", errors.NewInternalError("purge token secret is not configured")
	}
	labels := make([]string, len(months))
	for i, m := range months {
		labels[i] = monthLabel(m)
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, purgeClaims{
		OrganizationID: organizationID,
		Months:         labels,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "audit-purge",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.PurgeTokenTTL)),
		},
	})
	signed, err := token.SignedString(s.cfg.PurgeTokenSecret)
	if err != nil {
		return "", errors.NewInternalError("failed to sign purge token").WithCause(err)
	}
	return signed, nil
}

func (s *Service) verifyPurgeToken(organizationID, tokenString string) ([]string, error) {
	if len(s.cfg.PurgeTokenSecret) == 0 {
		return nil, errors.NewInternalError("purge token secret is not configured")
	}
	var claims purgeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.PurgeTokenSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, errors.NewForbiddenError("purge confirmation token is invalid or expired").WithCause(err)
	}
	if claims.OrganizationID != organizationID {
		return nil, errors.NewForbiddenError("purge confirmation token is bound to a different organization")
	}
	return claims.Months, nil
}
