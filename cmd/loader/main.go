package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/lessonlab/warehouse/pkg/clickhouse"
	"github.com/lessonlab/warehouse/pkg/loader"
	"github.com/lessonlab/warehouse/pkg/logger"
	"github.com/lessonlab/warehouse/pkg/metrics"
	"github.com/lessonlab/warehouse/pkg/school/dims"
	"github.com/lessonlab/warehouse/pkg/school/facts"
	"github.com/lessonlab/warehouse/pkg/school/staging"
	"github.com/lessonlab/warehouse/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	defaultListenAddr  = "0.0.0.0:3020"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP status server listen address (interval mode only)")
	runIntervalFlag := flag.Duration("run-interval", 0, "rerun the load on this interval; 0 runs once and exits")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "enable ClickHouse migrations on startup")
	createDatabaseFlag := flag.Bool("create-database", false, "create the ClickHouse database before startup (for dev use)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse server address (e.g., localhost:9000, or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Staging bucket configuration
	stagingBucketFlag := flag.String("staging-bucket", "", "S3 bucket holding staging snapshots (or set STAGING_S3_BUCKET env var)")
	stagingRegionFlag := flag.String("staging-region", staging.DefaultRegion, "AWS region for the staging bucket (or set STAGING_S3_REGION env var)")
	stagingPrefixFlag := flag.String("staging-prefix", staging.DefaultPrefix, "key prefix for staging snapshots (or set STAGING_S3_PREFIX env var)")
	stagingEndpointFlag := flag.String("staging-endpoint", "", "custom S3 endpoint, e.g. MinIO (or set STAGING_S3_ENDPOINT env var)")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	// Override flags with environment variables if set
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if envBucket := os.Getenv("STAGING_S3_BUCKET"); envBucket != "" {
		*stagingBucketFlag = envBucket
	}
	if envRegion := os.Getenv("STAGING_S3_REGION"); envRegion != "" {
		*stagingRegionFlag = envRegion
	}
	if envPrefix := os.Getenv("STAGING_S3_PREFIX"); envPrefix != "" {
		*stagingPrefixFlag = envPrefix
	}
	if envEndpoint := os.Getenv("STAGING_S3_ENDPOINT"); envEndpoint != "" {
		*stagingEndpointFlag = envEndpoint
	}
	if envInterval := os.Getenv("RUN_INTERVAL"); envInterval != "" {
		if d, err := time.ParseDuration(envInterval); err == nil {
			*runIntervalFlag = d
		}
	}

	log := logger.New(*verboseFlag)
	log.Info("loader starting", "version", version, "commit", commit, "interval", *runIntervalFlag)

	// Optional Sentry error reporting
	if sentryDSN := os.Getenv("SENTRY_DSN"); sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     sentryDSN,
			Release: version,
		}); err != nil {
			log.Error("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(5 * time.Second)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("loader: received signal", "signal", sig.String())
		cancel()
	}()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	if *clickhouseAddrFlag == "" {
		return fmt.Errorf("clickhouse-addr is required")
	}
	if *stagingBucketFlag == "" {
		return fmt.Errorf("staging-bucket is required")
	}

	// Create the ClickHouse database if requested (for dev use).
	if *createDatabaseFlag {
		adminClient, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, "default", *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to create admin ClickHouse client: %w", err)
		}
		adminConn, err := adminClient.Conn(ctx)
		if err != nil {
			adminClient.Close()
			return fmt.Errorf("failed to get admin ClickHouse connection: %w", err)
		}
		if err := clickhouse.CreateDatabase(ctx, log, adminConn, *clickhouseDatabaseFlag); err != nil {
			adminClient.Close()
			return fmt.Errorf("failed to create database %s: %w", *clickhouseDatabaseFlag, err)
		}
		adminClient.Close()
	}

	if *migrationsEnableFlag {
		if err := clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	clickhouseDB, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer func() {
		if err := clickhouseDB.Close(); err != nil {
			log.Error("failed to close ClickHouse client", "error", err)
		}
	}()
	log.Info("clickhouse client initialized", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag)

	clock := clockwork.NewRealClock()
	source, err := staging.NewS3Source(ctx, staging.S3SourceConfig{
		Bucket:      *stagingBucketFlag,
		Region:      *stagingRegionFlag,
		Prefix:      *stagingPrefixFlag,
		EndpointURL: *stagingEndpointFlag,
		AccessKey:   os.Getenv("STAGING_S3_ACCESS_KEY"),
		SecretKey:   os.Getenv("STAGING_S3_SECRET_KEY"),
		Clock:       clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create staging source: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Error("failed to close staging source", "error", err)
		}
	}()

	newVersionStore := func(schema dims.Schema) (dims.VersionStore, error) {
		return dims.NewStore(dims.StoreConfig{Logger: log, ClickHouse: clickhouseDB, Schema: schema})
	}
	studentStore, err := newVersionStore(dims.StudentSchema{})
	if err != nil {
		return err
	}
	teacherStore, err := newVersionStore(dims.TeacherSchema{})
	if err != nil {
		return err
	}
	subjectStore, err := newVersionStore(dims.SubjectSchema{})
	if err != nil {
		return err
	}
	factStore, err := facts.NewStore(facts.StoreConfig{Logger: log, ClickHouse: clickhouseDB})
	if err != nil {
		return err
	}
	opsStore, err := loader.NewOpsStore(loader.OpsStoreConfig{Logger: log, ClickHouse: clickhouseDB})
	if err != nil {
		return err
	}

	l, err := loader.New(loader.Config{
		Logger:   log,
		Clock:    clock,
		Source:   source,
		Students: studentStore,
		Teachers: teacherStore,
		Subjects: subjectStore,
		Facts:    factStore,
		Ops:      opsStore,
	})
	if err != nil {
		return fmt.Errorf("failed to create loader: %w", err)
	}

	if *runIntervalFlag <= 0 {
		_, err := l.Run(ctx)
		if err != nil {
			sentry.CaptureException(err)
		}
		return err
	}

	status := server.NewStatus()
	statusServer, err := server.New(server.Config{Logger: log, Addr: *listenAddrFlag, Status: status})
	if err != nil {
		return fmt.Errorf("failed to create status server: %w", err)
	}
	go func() {
		if err := statusServer.ListenAndServe(); err != nil {
			log.Error("status server error", "error", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down status server", "error", err)
		}
	}()

	ticker := clock.NewTicker(*runIntervalFlag)
	defer ticker.Stop()

	for {
		stats, err := l.Run(ctx)
		if err != nil {
			// Failed runs are logged and retried on the next tick; the
			// pipeline is idempotent so a retry repairs a partial run.
			sentry.CaptureException(err)
		}
		if stats != nil {
			status.Record(stats)
		}

		select {
		case <-ctx.Done():
			log.Info("loader stopping")
			return nil
		case <-ticker.Chan():
		}
	}
}
