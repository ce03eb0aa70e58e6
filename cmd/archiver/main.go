// Command archiver runs the cold-storage jobs against the audit
// ledger: archival of aged entries, chain verification, retention
// checks, purges and restores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/infrastructure/archive"
	"github.com/casefolio/casefolio-backend/internal/infrastructure/config"
	"github.com/casefolio/casefolio-backend/internal/infrastructure/database"
	"github.com/casefolio/casefolio-backend/internal/infrastructure/telemetry"
	"github.com/casefolio/casefolio-backend/internal/metrics"
	"github.com/casefolio/casefolio-backend/internal/service/archival"
	auditservice "github.com/casefolio/casefolio-backend/internal/service/audit"
)

var (
	configPath   = flag.String("config", "configs/config.yaml", "Path to configuration file")
	mode         = flag.String("mode", "archive", "Operation mode: archive, verify, retention, purge, restore, list")
	orgID        = flag.String("org", "", "Organization ID (required for all modes except archive)")
	year         = flag.Int("year", 0, "Archive year for restore")
	month        = flag.Int("month", 0, "Archive month for restore")
	confirmToken = flag.String("confirm-token", "", "Confirmation token for a destructive purge")
	jobTimeout   = flag.Duration("timeout", 30*time.Minute, "Job deadline")
)

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *jobTimeout)
	defer cancel()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "casefolio-archiver",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  30 * time.Second,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	registry, err := metrics.NewRegistry("casefolio-archiver")
	if err != nil {
		logger.Fatal("failed to create metrics registry", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	pool, err := database.NewConnectionPool(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	registry.SetDBPoolSize(int64(pool.Pool().Stat().TotalConns()))

	repo := database.NewAuditRepository(pool.Pool())

	store, err := archive.NewS3Store(ctx, archive.Config{
		Region:   cfg.Archive.Region,
		Bucket:   cfg.Archive.Bucket,
		Endpoint: cfg.Archive.Endpoint,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create object store", zap.Error(err))
	}

	svc, err := archival.NewService(repo, store, archival.Config{
		HotRetention:     cfg.Archive.HotRetention,
		BatchLimit:       cfg.Archive.BatchLimit,
		RetentionYears:   cfg.Archive.RetentionYears,
		PurgeTokenSecret: []byte(cfg.Audit.PurgeTokenSecret),
		PurgeTokenTTL:    cfg.Audit.PurgeTokenTTL,
		UploadRate:       cfg.Archive.UploadRate,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create archival service", zap.Error(err))
	}

	switch *mode {
	case "archive":
		err = runArchive(ctx, svc, registry, logger)
	case "verify":
		err = runVerify(ctx, repo, cfg, registry, logger)
	case "retention":
		err = runRetention(ctx, svc)
	case "purge":
		err = runPurge(ctx, svc)
	case "restore":
		err = runRestore(ctx, svc, logger)
	case "list":
		err = runList(ctx, svc)
	default:
		err = fmt.Errorf("unknown mode: %s", *mode)
	}
	if err != nil {
		logger.Fatal("operation failed", zap.Error(err))
	}
	logger.Info("operation completed")
}

func requireOrg() (string, error) {
	if *orgID == "" {
		return "", fmt.Errorf("-org is required for mode %s", *mode)
	}
	return *orgID, nil
}

func runArchive(ctx context.Context, svc *archival.Service, registry *metrics.Registry, logger *zap.Logger) error {
	start := time.Now()
	run, err := svc.ArchiveOldAuditLogs(ctx)
	if run != nil {
		registry.RecordArchiveRun(ctx, time.Since(start).Seconds(),
			int64(run.EntriesArchived), int64(len(run.Failures)))
		logger.Info("archival run finished",
			zap.Int("groups", run.GroupsProcessed),
			zap.Int("entries", run.EntriesArchived),
			zap.Int("failures", len(run.Failures)),
			zap.Duration("duration", time.Since(start)))
		for _, f := range run.Failures {
			logger.Error("group failed",
				zap.String("organization_id", f.OrganizationID),
				zap.Int("year", f.Year),
				zap.Int("month", f.Month),
				zap.String("error", f.Error))
		}
	}
	return err
}

func runVerify(ctx context.Context, repo audit.EntryRepository, cfg *config.Config, registry *metrics.Registry, logger *zap.Logger) error {
	org, err := requireOrg()
	if err != nil {
		return err
	}

	signer, err := audit.NewProofSigner([]byte(cfg.Audit.ProofSecret))
	if err != nil {
		return err
	}
	svc, err := auditservice.NewService(repo, signer, nil, logger)
	if err != nil {
		return err
	}

	result, err := svc.VerifyAuditChain(ctx, org)
	if err != nil {
		return err
	}
	registry.RecordChainVerification(ctx, result.Valid, int64(result.TotalEntries))

	fmt.Printf("\n=== Chain Verification: %s ===\n", org)
	fmt.Printf("Valid:            %v\n", result.Valid)
	fmt.Printf("Total entries:    %d\n", result.TotalEntries)
	fmt.Printf("Verified entries: %d\n", result.VerifiedEntries)
	if result.BrokenAt != nil {
		fmt.Printf("Broken at:        position %d, entry %s (%s)\n",
			result.BrokenAt.Position, result.BrokenAt.EntryID, result.BrokenAt.Reason)
		return fmt.Errorf("chain verification failed")
	}
	return nil
}

func runRetention(ctx context.Context, svc *archival.Service) error {
	org, err := requireOrg()
	if err != nil {
		return err
	}
	report, err := svc.CheckRetentionCompliance(ctx, org)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Retention Compliance: %s ===\n", org)
	fmt.Printf("Months archived:  %d\n", report.MonthsArchived)
	if report.OldestMonth != nil {
		fmt.Printf("Oldest month:     %04d-%02d\n", report.OldestMonth.Year, report.OldestMonth.Month)
	}
	fmt.Printf("Spot-check valid: %v\n", report.SpotCheckValid)
	if report.SpotCheckDetail != "" {
		fmt.Printf("Spot-check:       %s\n", report.SpotCheckDetail)
	}
	fmt.Printf("Eligible for purge: %d months\n", len(report.EligibleForPurge))
	for _, m := range report.EligibleForPurge {
		fmt.Printf("  %04d-%02d\n", m.Year, m.Month)
	}
	if !report.SpotCheckValid {
		return fmt.Errorf("archive spot-check failed")
	}
	return nil
}

func runPurge(ctx context.Context, svc *archival.Service) error {
	org, err := requireOrg()
	if err != nil {
		return err
	}
	report, err := svc.PurgeExpiredLogs(ctx, org, *confirmToken)
	if err != nil {
		return err
	}

	if report.DryRun {
		fmt.Printf("\nDRY RUN: %d months eligible for purge\n", len(report.Eligible))
		for _, m := range report.Eligible {
			fmt.Printf("  %04d-%02d\n", m.Year, m.Month)
		}
		if report.ConfirmationToken != "" {
			fmt.Printf("\nTo execute, re-run with:\n  -confirm-token %s\n", report.ConfirmationToken)
		}
		return nil
	}

	fmt.Printf("\nPurged %d months\n", len(report.Purged))
	for _, m := range report.Purged {
		fmt.Printf("  %04d-%02d\n", m.Year, m.Month)
	}
	return nil
}

func runRestore(ctx context.Context, svc *archival.Service, logger *zap.Logger) error {
	org, err := requireOrg()
	if err != nil {
		return err
	}
	if *year == 0 || *month == 0 {
		return fmt.Errorf("-year and -month are required for restore")
	}

	restored, err := svc.RestoreMonth(ctx, org, *year, *month)
	if err != nil {
		return err
	}
	logger.Info("restore completed",
		zap.String("organization_id", org),
		zap.Int64("entries_restored", restored))
	return nil
}

func runList(ctx context.Context, svc *archival.Service) error {
	org, err := requireOrg()
	if err != nil {
		return err
	}
	months, err := svc.ListArchivedMonths(ctx, org)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Archived Months: %s ===\n", org)
	for _, m := range months {
		fmt.Printf("  %04d-%02d\n", m.Year, m.Month)
	}
	fmt.Printf("Total: %d\n", len(months))
	return nil
}
