// Command ingestd is the config-driven ingestion daemon: a webhook
// gateway for blob-created notifications, a scheduled-pull runner, a
// deduplicating raw-document store and a job-scheduler registrar, all
// driven by per-source configurations in SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/fieldline/ingestd/blob"
	"github.com/fieldline/ingestd/dbopen"
	"github.com/fieldline/ingestd/events"
	"github.com/fieldline/ingestd/gateway"
	"github.com/fieldline/ingestd/ingestlog"
	"github.com/fieldline/ingestd/ingestq"
	"github.com/fieldline/ingestd/pipeline"
	"github.com/fieldline/ingestd/pull"
	"github.com/fieldline/ingestd/rawstore"
	"github.com/fieldline/ingestd/schedjobs"
	"github.com/fieldline/ingestd/secrets"
	"github.com/fieldline/ingestd/sourceconfig"
	"github.com/fieldline/ingestd/watch"
)

// Config is the daemon bootstrap configuration, loaded from an optional
// YAML file (INGESTD_CONFIG) with environment-variable overrides.
// Per-source configuration lives in the database, not here.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	// DataDir backs the filesystem object store when no MinIO endpoint is
	// configured.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Minio struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Region    string `yaml:"region"`
	} `yaml:"minio"`

	// SchedulerURL enables job registration when set.
	SchedulerURL string `yaml:"scheduler_url"`
	// SecretsFile is an optional mounted YAML secrets file; absent, secrets
	// resolve from the environment.
	SecretsFile string `yaml:"secrets_file"`

	// EventEndpoints maps event topics to webhook URLs. Empty disables
	// event publishing.
	EventEndpoints map[string]string `yaml:"event_endpoints"`
	EventSecret    string            `yaml:"event_secret"`

	ConfigCacheTTL  time.Duration `yaml:"config_cache_ttl"`
	QueueVisibility time.Duration `yaml:"queue_visibility"`
	QueueMaxRetries int           `yaml:"queue_max_retries"`
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "data/ingestd.db"
	}
	if c.DataDir == "" {
		c.DataDir = "data/objects"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConfigCacheTTL <= 0 {
		c.ConfigCacheTTL = time.Minute
	}
	if c.QueueVisibility <= 0 {
		c.QueueVisibility = 30 * time.Second
	}
	if c.QueueMaxRetries <= 0 {
		c.QueueMaxRetries = 5
	}
}

func loadConfig() (*Config, error) {
	var cfg Config
	if path := os.Getenv("INGESTD_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	envStr("INGESTD_LISTEN_ADDR", &cfg.ListenAddr)
	envStr("INGESTD_DB", &cfg.DBPath)
	envStr("INGESTD_DATA_DIR", &cfg.DataDir)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envStr("INGESTD_MINIO_ENDPOINT", &cfg.Minio.Endpoint)
	envStr("INGESTD_MINIO_ACCESS_KEY", &cfg.Minio.AccessKey)
	envStr("INGESTD_MINIO_SECRET_KEY", &cfg.Minio.SecretKey)
	envStr("INGESTD_MINIO_REGION", &cfg.Minio.Region)
	envStr("INGESTD_SCHEDULER_URL", &cfg.SchedulerURL)
	envStr("INGESTD_SECRETS_FILE", &cfg.SecretsFile)
	envStr("INGESTD_EVENT_SECRET", &cfg.EventSecret)

	cfg.defaults()
	return &cfg, nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("ingestd: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	// Stores and schemas.
	configStore := sourceconfig.NewStore(db)
	if err := sourceconfig.ApplySchema(db); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	queue := ingestq.New(db, ingestq.Options{
		Visibility:  cfg.QueueVisibility,
		MaxAttempts: cfg.QueueMaxRetries,
		Logger:      log,
	})
	if err := queue.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("queue schema: %w", err)
	}
	recorder := ingestlog.NewRecorder(db, log)
	if err := recorder.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ingest log schema: %w", err)
	}

	objects, err := buildObjectStore(cfg, log)
	if err != nil {
		return err
	}
	raws := rawstore.NewStore(db, objects, nil)
	if err := raws.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("raw store schema: %w", err)
	}
	if err := ensureContainers(ctx, configStore, objects, log); err != nil {
		return err
	}

	// Collaborators.
	configCache := sourceconfig.NewCachedProvider(configStore, cfg.ConfigCacheTTL)
	defer configCache.Stop()

	var publisher *events.Publisher
	if len(cfg.EventEndpoints) > 0 {
		publisher = events.NewPublisher(&events.WebhookBroker{
			Endpoints: cfg.EventEndpoints,
			Secret:    cfg.EventSecret,
		}, log)
	}

	var secretProvider secrets.Provider = secrets.EnvProvider{}
	if cfg.SecretsFile != "" {
		secretProvider, err = secrets.LoadFile(cfg.SecretsFile)
		if err != nil {
			return err
		}
	}

	runner := pull.NewRunner(pull.RunnerOptions{
		Queue:     queue,
		RawStore:  raws,
		Secrets:   secretProvider,
		Publisher: publisher,
		Recorder:  recorder,
		Logger:    log,
	})

	processor := pipeline.New(pipeline.Options{
		Configs:   configCache,
		Objects:   objects,
		RawStore:  raws,
		Publisher: publisher,
		Recorder:  recorder,
		Logger:    log,
	})

	var registrar *schedjobs.Registrar
	if cfg.SchedulerURL != "" {
		registrar = schedjobs.NewRegistrar(
			&schedjobs.HTTPClient{BaseURL: cfg.SchedulerURL}, configStore, log)
		stats, err := registrar.SyncAll(ctx)
		if err != nil {
			// Startup must not depend on the scheduler being up; the watcher
			// retries the sync when configs change.
			log.Warn("ingestd: startup job sync failed", "error", err)
		} else {
			log.Info("ingestd: startup job sync",
				"registered", stats.Registered, "skipped", stats.Skipped, "failed", stats.Failed)
		}
	}

	gw := gateway.New(gateway.Options{
		Configs:  configCache,
		Queue:    queue,
		Runner:   runner,
		Recorder: recorder,
		Logger:   log,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	watcher := watch.New(db, watch.Options{
		Interval: 2 * time.Second,
		Debounce: 500 * time.Millisecond,
		Detector: watch.MaxColumnDetector("source_configs", "updated_at"),
		Logger:   log,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("ingestd: listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutCtx)
	})
	g.Go(func() error {
		queue.Run(ctx, processor.Handle)
		return nil
	})
	g.Go(func() error {
		watcher.OnChange(ctx, func() error {
			configCache.Invalidate()
			if registrar != nil {
				if _, err := registrar.SyncAll(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		return nil
	})

	err = g.Wait()
	log.Info("ingestd: stopped")
	return err
}

func buildObjectStore(cfg *Config, log *slog.Logger) (blob.ObjectStore, error) {
	if cfg.Minio.Endpoint != "" {
		store, err := blob.NewMinioStore(blob.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Region:    cfg.Minio.Region,
		})
		if err != nil {
			return nil, err
		}
		log.Info("ingestd: using minio object store", "endpoint", cfg.Minio.Endpoint)
		return store, nil
	}
	store, err := blob.NewLocalStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	log.Info("ingestd: using local object store", "dir", cfg.DataDir)
	return store, nil
}

// ensureContainers creates the raw containers of all configured sources
// so the first ingestion doesn't race bucket creation.
func ensureContainers(ctx context.Context, store *sourceconfig.Store, objects blob.ObjectStore, log *slog.Logger) error {
	configs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}
	for _, cfg := range configs {
		if cfg.Storage.RawContainer == "" {
			continue
		}
		if err := objects.EnsureContainer(ctx, cfg.Storage.RawContainer); err != nil {
			log.Warn("ingestd: ensure container failed",
				"container", cfg.Storage.RawContainer, "error", err)
		}
	}
	return nil
}
