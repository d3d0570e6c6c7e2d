package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krbackup"
	"github.com/koradi/koradi/internal/krreaper"
	"github.com/koradi/koradi/internal/krregistry"
	"github.com/koradi/koradi/internal/krregistry/krmemoryregistry"
	"github.com/koradi/koradi/internal/krregistry/krpebbleregistry"
	"github.com/koradi/koradi/internal/krstore/krmemorystore"
	"github.com/koradi/koradi/internal/util/randutil"
)

const defaultPort = 4434

// Size in bytes of keys produced by `koradi keygen`.
const adminKeySize = 32

type Config struct {
	AdminAPIKey        string        `env:"ADMIN_API_KEY"`
	Port               int           `env:"PORT" envDefault:"4434"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"48"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"48"`
	ReapInterval       time.Duration `env:"REAP_INTERVAL" envDefault:"60s"`
	RegistryDir        string        `env:"REGISTRY_DIR"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	TLSCertFile        string        `env:"TLS_CERT_FILE"`
	TLSKeyFile         string        `env:"TLS_KEY_FILE"`
	TrustedProxyCIDRs  []string      `env:"TRUSTED_PROXY_CIDRS" envSeparator:","`

	LogDir    string        `env:"LOG_DIR"`
	LogFormat string        `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string        `env:"LOG_LEVEL" envDefault:"info"`
	LogMaxAge time.Duration `env:"LOG_MAX_AGE" envDefault:"168h"`

	BackupBucket           string        `env:"BACKUP_BUCKET"`
	BackupCompressionLevel int           `env:"BACKUP_COMPRESSION_LEVEL" envDefault:"3"`
	BackupCron             string        `env:"BACKUP_CRON"`
	BackupInterval         time.Duration `env:"BACKUP_INTERVAL" envDefault:"24h"`
	BackupPrefix           string        `env:"BACKUP_PREFIX" envDefault:"message-backups"`
	BackupRestoreOnBoot    bool          `env:"BACKUP_RESTORE_ON_BOOT" envDefault:"true"`
	BackupRetentionDays    int           `env:"BACKUP_RETENTION_DAYS" envDefault:"30"`
	GCPServiceAccountJSON  string        `env:"GCP_SERVICE_ACCOUNT_JSON"`
}

func main() {
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "koradi",
		Short: "Multilingual message board server and tools",
		Long: strings.TrimSpace(`
Server for a small message board where administrators post short messages in
one of several languages, each of which expires after a chosen period. Clients
register tokens to follow the languages they're interested in.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
koradi serve

# generate a new admin API key
koradi keygen

# list message snapshots in $BACKUP_BUCKET
koradi backups
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(); err != nil {
				abortErr(err)
			}
		},
	}

	// koradi backups
	{
		cmd := &cobra.Command{
			Use:   "backups",
			Short: "List message snapshots",
			Long: strings.TrimSpace(`
Lists the message snapshots stored under $BACKUP_PREFIX in $BACKUP_BUCKET,
newest first. The newest is the one restored when the server boots.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runBackups(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// koradi keygen
	{
		cmd := &cobra.Command{
			Use:   "keygen",
			Short: "Generate an admin API key",
			Long: strings.TrimSpace(`
Generates a random key suitable for use as $ADMIN_API_KEY. Admin requests must
send it in an x-api-key header.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				runKeygen()
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// koradi serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start message board server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts a message board server, binding to $PORT, or default to %d. Expired
messages are removed in the background, and if $BACKUP_BUCKET is set, messages
are periodically snapshotted to it and restored from it on boot.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func loadConfig() (*Config, error) {
	// A .env file is optional.
	_ = godotenv.Load()

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}

	return config, nil
}

func newLogger(config *Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, xerrors.Errorf("error parsing log level: %w", err)
	}
	logger.SetLevel(level)

	switch config.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
	default:
		return nil, xerrors.Errorf("unknown log format %q (should be 'json' or 'text')", config.LogFormat)
	}

	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0o750); err != nil {
			return nil, xerrors.Errorf("error creating log directory: %w", err)
		}

		logFileName := filepath.Join(config.LogDir, "koradi.log")
		writer, err := rotatelogs.New(
			logFileName+".%Y%m%d",
			rotatelogs.WithLinkName(logFileName),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithMaxAge(config.LogMaxAge),
		)
		if err != nil {
			return nil, xerrors.Errorf("error opening rotating log: %w", err)
		}

		logger.SetOutput(io.MultiWriter(os.Stderr, writer))
	}

	return logger, nil
}

func newBackup(ctx context.Context, logger *logrus.Logger, config *Config,
	store *krmemorystore.MemoryStore,
) (*krbackup.Backup, *krbackup.GCSObjectStore, error) {
	objects, err := krbackup.NewGCSObjectStore(ctx, logger, config.GCPServiceAccountJSON, config.BackupBucket)
	if err != nil {
		return nil, nil, err
	}

	backup := krbackup.NewBackup(logger, store, objects, &krbackup.Config{
		CompressionLevel: config.BackupCompressionLevel,
		Prefix:           config.BackupPrefix,
		RetentionDays:    config.BackupRetentionDays,
	})

	return backup, objects, nil
}

func runBackups() error {
	ctx := context.Background()

	config, err := loadConfig()
	if err != nil {
		return err
	}

	if config.BackupBucket == "" {
		return xerrors.Errorf("BACKUP_BUCKET must be set to list backups")
	}

	logger, err := newLogger(config)
	if err != nil {
		return err
	}

	backup, objects, err := newBackup(ctx, logger, config, krmemorystore.NewMemoryStore(logger))
	if err != nil {
		return err
	}
	defer objects.Close()

	snapshots, err := backup.Snapshots(ctx)
	if err != nil {
		return err
	}

	if len(snapshots) < 1 {
		fmt.Printf("No snapshots under gs://%s/%s/\n", config.BackupBucket, config.BackupPrefix)
		return nil
	}

	for _, snapshot := range snapshots {
		fmt.Printf("%s\t%s\t%s (%s)\n",
			snapshot.Key,
			humanize.Bytes(uint64(snapshot.Size)),
			snapshot.Updated.Format(time.RFC3339),
			humanize.Time(snapshot.Updated),
		)
	}

	return nil
}

func runKeygen() {
	fmt.Printf("%s\n", randutil.Hex(adminKeySize))
}

func runServe() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	if config.AdminAPIKey == "" {
		return xerrors.Errorf("ADMIN_API_KEY must be set (try `koradi keygen`)")
	}

	trustedProxies, err := ParseCIDRs(config.TrustedProxyCIDRs)
	if err != nil {
		return err
	}

	logger, err := newLogger(config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := krmemorystore.NewMemoryStore(logger)

	var registry krregistry.Registry
	if config.RegistryDir != "" {
		pebbleRegistry, err := krpebbleregistry.NewPebbleRegistry(logger, config.RegistryDir, nil)
		if err != nil {
			return err
		}
		defer pebbleRegistry.Close()

		registry = pebbleRegistry
	} else {
		logger.Warnf("REGISTRY_DIR not set; token registrations will be lost on restart")
		registry = krmemoryregistry.NewMemoryRegistry()
	}

	var backupRunner *krbackup.Runner
	if config.BackupBucket != "" {
		backup, objects, err := newBackup(ctx, logger, config, store)
		if err != nil {
			return err
		}
		defer objects.Close()

		// Restore before serving any traffic. A snapshot that can't be loaded
		// stops startup, because the next backup would otherwise replace it
		// with an empty one.
		if config.BackupRestoreOnBoot {
			if _, _, err := backup.RestoreLatest(ctx); err != nil {
				return xerrors.Errorf("error restoring from backup: %w", err)
			}
		}

		backupRunner, err = krbackup.NewRunner(logger, backup, config.BackupInterval, config.BackupCron)
		if err != nil {
			return err
		}
	} else {
		logger.Warnf("BACKUP_BUCKET not set; messages will be lost on restart")
	}

	reaper := krreaper.NewReaper(logger, store, config.ReapInterval)

	server := NewServer(logger, store, registry, &ServerConfig{
		AdminAPIKey:        config.AdminAPIKey,
		Port:               config.Port,
		RateLimitBurst:     config.RateLimitBurst,
		RateLimitPerMinute: config.RateLimitPerMinute,
		RequestTimeout:     config.RequestTimeout,
		TLSCertFile:        config.TLSCertFile,
		TLSKeyFile:         config.TLSKeyFile,
		TrustedProxies:     trustedProxies,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(groupCtx) })
	group.Go(func() error { return reaper.Run(groupCtx) })
	if backupRunner != nil {
		group.Go(func() error { return backupRunner.Run(groupCtx) })
	}

	return group.Wait() //nolint:wrapcheck
}
