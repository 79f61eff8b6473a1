package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/auth"
	"github.com/Deer-Spangle/faexport-db/internal/config"
	"github.com/Deer-Spangle/faexport-db/internal/database"
	"github.com/Deer-Spangle/faexport-db/internal/ingest"
	"github.com/Deer-Spangle/faexport-db/internal/logging"
	"github.com/Deer-Spangle/faexport-db/internal/maintenance"
	"github.com/Deer-Spangle/faexport-db/internal/registry"
	"github.com/Deer-Spangle/faexport-db/internal/server"
	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile           string
	ingestFilePath    string
	ingestFormatName  string
	ingestContributor string
	cleanupDryRun     bool
	adminTokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "faexport-db",
		Short: "Cache database for art website submissions and users",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache database HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Bulk-ingest snapshots from a newline-delimited JSON dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context())
		},
	}
	ingestCmd.Flags().StringVar(&ingestFilePath, "file", "", "Path to a newline-delimited JSON dump")
	ingestCmd.Flags().StringVar(&ingestFormatName, "format", "submission", "Ingest format adapter name")
	ingestCmd.Flags().StringVar(&ingestContributor, "contributor", "", "Archive contributor name to attribute snapshots to")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Deduplicate snapshots and sweep orphaned rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context())
		},
	}
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", true, "Report what would be removed without deleting")

	adminTokenCmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue an admin token for registry mutation endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminToken(cmd.Context())
		},
	}
	adminTokenCmd.Flags().StringVar(&adminTokenSubject, "subject", "", "Operator name embedded in the token subject")

	rootCmd.AddCommand(serveCmd, ingestCmd, cleanupCmd, adminTokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Int("ingest-workers", defaults.GetInt("ingest.workers"), "Bulk ingestion worker count")
	cmd.PersistentFlags().Int("ingest-chunk-size", defaults.GetInt("ingest.chunk_size"), "Multi-row insert chunk size")
	cmd.PersistentFlags().Int("ingest-flush-after", defaults.GetInt("ingest.flush_after"), "Per-worker snapshot count per batch flush")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
	bindFlag(cmd, "ingest.workers", "ingest-workers")
	bindFlag(cmd, "ingest.chunk_size", "ingest-chunk-size")
	bindFlag(cmd, "ingest.flush_after", "ingest-flush-after")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type services struct {
	config   config.AppConfig
	logger   *zap.Logger
	database *gorm.DB
	registry *registry.Service
	store    *snapshots.Store
	closeDB  func() error
}

func buildServices() (*services, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	registryService, err := registry.NewService(registry.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	store, err := snapshots.NewStore(snapshots.StoreConfig{
		Database:  db,
		Clock:     time.Now,
		ChunkSize: appConfig.IngestChunkSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &services{
		config:   appConfig,
		logger:   logger,
		database: db,
		registry: registryService,
		store:    store,
		closeDB:  sqlDB.Close,
	}, nil
}

func runServer(ctx context.Context) error {
	built, err := buildServices()
	if err != nil {
		return err
	}
	defer built.closeDB()     //nolint:errcheck
	defer built.logger.Sync() //nolint:errcheck

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(built.config.AdminSigningSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:    built.registry,
		Store:       built.store,
		Formats:     ingest.NewRegistry(),
		AdminTokens: tokenIssuer,
		Logger:      built.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    built.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		built.logger.Info("server starting", zap.String("address", built.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runIngest(ctx context.Context) error {
	if ingestFilePath == "" {
		return fmt.Errorf("--file is required")
	}
	if ingestContributor == "" {
		return fmt.Errorf("--contributor is required")
	}

	built, err := buildServices()
	if err != nil {
		return err
	}
	defer built.closeDB()     //nolint:errcheck
	defer built.logger.Sync() //nolint:errcheck

	contributor, err := built.registry.EnsureContributor(ctx, registry.ArchiveContributor{Name: ingestContributor})
	if err != nil {
		return err
	}
	format, err := ingest.NewRegistry().Lookup(ingestFormatName)
	if err != nil {
		return err
	}

	pipeline, err := ingest.NewPipeline(ingest.PipelineConfig{
		Store:      built.store,
		Workers:    built.config.IngestWorkers,
		FlushAfter: built.config.IngestFlushAfter,
		Logger:     built.logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pipeline.Start(signalCtx)

	file, err := os.Open(ingestFilePath)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		response, err := format.Parse(line, contributor)
		if err != nil {
			built.logger.Warn("skipping malformed row", zap.Int("line", lineNumber), zap.Error(err))
			continue
		}
		if err := pipeline.Submit(signalCtx, response); err != nil {
			break
		}
	}
	scanErr := scanner.Err()

	report, drainErr := pipeline.Drain()
	built.logger.Info("ingestion finished",
		zap.Int("lines", lineNumber),
		zap.Int64("submissions_saved", report.SubmissionsSaved),
		zap.Int64("users_saved", report.UsersSaved),
		zap.Int64("batches_flushed", report.BatchesFlushed),
		zap.Int64("failures", report.Failures),
	)
	if scanErr != nil {
		return scanErr
	}
	return drainErr
}

func runCleanup(ctx context.Context) error {
	built, err := buildServices()
	if err != nil {
		return err
	}
	defer built.closeDB()     //nolint:errcheck
	defer built.logger.Sync() //nolint:errcheck

	job, err := maintenance.NewJob(maintenance.JobConfig{Database: built.database, Logger: built.logger})
	if err != nil {
		return err
	}
	report, err := job.Run(ctx, maintenance.Options{DryRun: cleanupDryRun})
	if err != nil {
		return err
	}
	fmt.Printf("duplicate submission snapshots: %d\n", report.DuplicateSubmissionSnapshots)
	fmt.Printf("duplicate user snapshots:       %d\n", report.DuplicateUserSnapshots)
	fmt.Printf("duplicate files:                %d\n", report.DuplicateFiles)
	fmt.Printf("duplicate file hashes:          %d\n", report.DuplicateFileHashes)
	fmt.Printf("orphaned keywords:              %d\n", report.OrphanedKeywords)
	fmt.Printf("orphaned files:                 %d\n", report.OrphanedFiles)
	fmt.Printf("orphaned file hashes:           %d\n", report.OrphanedFileHashes)
	if cleanupDryRun {
		fmt.Println("dry run: nothing was deleted")
	}
	return nil
}

func runAdminToken(ctx context.Context) error {
	if adminTokenSubject == "" {
		return fmt.Errorf("--subject is required")
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
	})
	token, expiresIn, err := issuer.IssueAdminToken(ctx, adminTokenSubject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Printf("expires in %d seconds\n", expiresIn)
	return nil
}
