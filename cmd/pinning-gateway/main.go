// Command pinning-gateway accepts file uploads, addresses them by CID and
// serves them back from the content store, with large files also kept in an
// overflow object store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/kalio007/ipfs-pinning-infra/backend"
	"github.com/kalio007/ipfs-pinning-infra/credentials"
	"github.com/kalio007/ipfs-pinning-infra/credentials/awsprovider"
	"github.com/kalio007/ipfs-pinning-infra/credentials/opprovider"
	"github.com/kalio007/ipfs-pinning-infra/pipeline"
	"github.com/kalio007/ipfs-pinning-infra/replicate"
	"github.com/kalio007/ipfs-pinning-infra/server"
	"github.com/kalio007/ipfs-pinning-infra/store"
	"github.com/kalio007/ipfs-pinning-infra/store/lookup"
	"github.com/kalio007/ipfs-pinning-infra/store/metadb"
	"github.com/kalio007/ipfs-pinning-infra/store/overflow"
	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

var version = "dev"

// CLI is the full command line, every flag also settable from the environment.
type CLI struct {
	Listen        string `default:":3000" env:"PINNING_LISTEN" help:"Address to listen on."`
	PublicGateway string `default:"${public_gateway}" env:"PINNING_PUBLIC_GATEWAY" help:"Prefix for retrievalUrl in responses."`
	MaxUploadSize int64  `default:"0" env:"PINNING_MAX_UPLOAD_SIZE" help:"Maximum upload body in bytes (0 for no limit)."`
	DataDir       string `default:"./data" env:"PINNING_DATA_DIR" help:"Directory for blocks, metadata and staging files." type:"path"`

	LargeFileThreshold int64         `default:"104857600" env:"PINNING_LARGE_FILE_THRESHOLD" help:"Files larger than this many bytes are also written to the overflow store."`
	StoreTimeout       time.Duration `default:"30s" env:"PINNING_STORE_TIMEOUT" help:"Deadline for block writes and for opening a block or overflow stream; reading an opened stream is not bounded."`
	Gateway            string        `env:"PINNING_GATEWAY" help:"IPFS HTTP gateway read for blocks not held locally (e.g. https://ipfs.io)."`

	OverflowBackend      string        `default:"filesystem" enum:"filesystem,s3" env:"PINNING_OVERFLOW_BACKEND" group:"overflow" help:"Overflow store backend (filesystem, s3)."`
	OverflowDir          string        `env:"PINNING_OVERFLOW_DIR" group:"overflow" help:"Root of the filesystem overflow store (default {data-dir}/overflow); use a different volume from --data-dir." type:"path"`
	OverflowWriteTimeout time.Duration `default:"0" env:"PINNING_OVERFLOW_WRITE_TIMEOUT" group:"overflow" help:"Deadline for a whole overflow upload (0 for none)."`
	OverflowBucket       string        `env:"PINNING_OVERFLOW_BUCKET" group:"overflow" help:"S3 bucket for overflow objects."`
	OverflowPrefix       string        `env:"PINNING_OVERFLOW_PREFIX" group:"overflow" help:"Key prefix inside the S3 bucket."`
	OverflowRegion       string        `env:"PINNING_OVERFLOW_REGION" group:"overflow" help:"AWS region of the bucket."`
	OverflowEndpoint     string        `env:"PINNING_OVERFLOW_ENDPOINT" group:"overflow" help:"Custom S3 endpoint (MinIO, LocalStack)."`
	OverflowPathStyle    bool          `env:"PINNING_OVERFLOW_PATH_STYLE" group:"overflow" help:"Use path-style S3 addressing."`

	CacheBackend   string        `default:"memory" enum:"redis,memory,none" env:"PINNING_CACHE_BACKEND" group:"cache" help:"Lookup cache (redis, memory, none)."`
	CacheRedisAddr string        `default:"localhost:6379" env:"PINNING_CACHE_REDIS_ADDR" group:"cache" help:"Redis address."`
	CacheRedisDB   int           `default:"0" env:"PINNING_CACHE_REDIS_DB" group:"cache" help:"Redis database number."`
	CacheSize      int           `default:"100000" env:"PINNING_CACHE_SIZE" group:"cache" help:"Entries held by the in-process cache."`
	CacheTTL       time.Duration `default:"24h" env:"PINNING_CACHE_TTL" group:"cache" help:"Lifetime of a cached lookup."`

	ClusterURL        string        `env:"PINNING_CLUSTER_URL" group:"cluster" help:"IPFS Cluster REST API; empty disables replication."`
	ClusterReplMin    int           `default:"0" env:"PINNING_CLUSTER_REPLICATION_MIN" group:"cluster" help:"Minimum replication factor (0 for cluster default)."`
	ClusterReplMax    int           `default:"0" env:"PINNING_CLUSTER_REPLICATION_MAX" group:"cluster" help:"Maximum replication factor (0 for cluster default)."`
	ClusterWorkers    int           `default:"4" env:"PINNING_CLUSTER_WORKERS" group:"cluster" help:"Concurrent pin requests."`
	ClusterQueueSize  int           `default:"1024" env:"PINNING_CLUSTER_QUEUE_SIZE" group:"cluster" help:"Pending pins before new requests are dropped."`
	ClusterPinTimeout time.Duration `default:"2m" env:"PINNING_CLUSTER_PIN_TIMEOUT" group:"cluster" help:"Deadline for a single pin request."`

	CredentialsFile       string `env:"PINNING_CREDENTIALS_FILE" group:"credentials" help:"Credentials template (JSON with env, envDefault, file, json functions)."`
	CredentialsOnePass    bool   `env:"PINNING_CREDENTIALS_1PASSWORD" group:"credentials" help:"Enable the op template function (1Password CLI)."`
	CredentialsOPAccount  string `env:"PINNING_CREDENTIALS_1PASSWORD_ACCOUNT" group:"credentials" help:"1Password account for op reads."`
	CredentialsS3         bool   `env:"PINNING_CREDENTIALS_S3" group:"credentials" help:"Enable the s3secret template function (default AWS credential chain)."`
	CredentialsS3Region   string `env:"PINNING_CREDENTIALS_S3_REGION" group:"credentials" help:"AWS region for s3secret reads."`
	CredentialsStatsToken string `env:"PINNING_STATS_TOKEN" group:"credentials" help:"Bearer token for GET /stats (overridden by the credentials file)."`

	MetricsPrometheus bool          `default:"true" env:"PINNING_METRICS_PROMETHEUS" negatable:"" group:"metrics" help:"Serve Prometheus metrics on /metrics."`
	MetricsOTLP       string        `env:"PINNING_METRICS_OTLP_ENDPOINT" group:"metrics" help:"OTLP gRPC endpoint for metric export."`
	MetricsInterval   time.Duration `default:"10s" env:"PINNING_METRICS_INTERVAL" group:"metrics" help:"OTLP export interval."`

	LogLevel  string `default:"info" enum:"debug,info,warn,error" env:"PINNING_LOG_LEVEL" help:"Log level (debug, info, warn, error)."`
	LogFormat string `default:"text" enum:"text,json" env:"PINNING_LOG_FORMAT" help:"Log format (text, json)."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("pinning-gateway"),
		kong.Description("Content-addressed upload and retrieval gateway with IPFS Cluster pinning."),
		kong.UsageOnError(),
		kong.Vars{
			"version":        version,
			"public_gateway": server.DefaultPublicGateway,
		},
	)

	if err := run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cli *CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "pinning-gateway",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.MetricsOTLP,
		EnablePrometheus: cli.MetricsPrometheus,
		FlushInterval:    cli.MetricsInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	creds, err := loadCredentials(ctx, cli, logger)
	if err != nil {
		return err
	}

	stageDir := filepath.Join(cli.DataDir, "staging")
	if err := os.MkdirAll(stageDir, 0o750); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	local, err := backend.NewFilesystem(filepath.Join(cli.DataDir, "store"))
	if err != nil {
		return fmt.Errorf("creating filesystem backend: %w", err)
	}

	blockOpts := []store.BlockStoreOption{
		store.WithTimeout(cli.StoreTimeout),
		store.WithStageDir(stageDir),
		store.WithLogger(logger),
	}
	if cli.Gateway != "" {
		blockOpts = append(blockOpts, store.WithGateway(store.NewGateway(cli.Gateway)))
	}
	content := store.NewBlockStore(backend.NewInstrumentedBackend(local, "blocks"), blockOpts...)

	overflowBackend, err := newOverflowBackend(ctx, cli, creds, stageDir)
	if err != nil {
		return err
	}
	overflowStore := overflow.New(
		backend.NewInstrumentedBackend(overflowBackend, "overflow"),
		overflow.WithTimeout(cli.StoreTimeout),
		overflow.WithWriteTimeout(cli.OverflowWriteTimeout),
		overflow.WithLogger(logger),
	)

	db := metadb.NewBoltDB(metadb.WithLogger(logger))
	if err := db.Open(filepath.Join(cli.DataDir, "metadata.db")); err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing metadata store failed", "error", err)
		}
	}()

	cache, closeCache, err := newCache(ctx, cli, creds, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	var replicator *replicate.Replicator
	if cli.ClusterURL != "" {
		pinnerOpts := []replicate.ClusterOption{
			replicate.WithClusterURL(cli.ClusterURL),
			replicate.WithReplication(cli.ClusterReplMin, cli.ClusterReplMax),
		}
		if creds.Cluster != nil {
			pinnerOpts = append(pinnerOpts, replicate.WithBasicAuth(creds.Cluster.Username, creds.Cluster.Password))
		}
		replicator = replicate.New(replicate.NewClusterPinner(pinnerOpts...), replicate.Config{
			Workers:    cli.ClusterWorkers,
			QueueSize:  cli.ClusterQueueSize,
			PinTimeout: cli.ClusterPinTimeout,
		}, logger)
		// Stop drains the queue on shutdown; the signal context must not.
		replicator.Start(context.Background())
	} else {
		logger.Warn("no cluster URL configured, replication disabled")
	}

	pcfg := pipeline.Config{
		Content:            content,
		Overflow:           overflowStore,
		Metadata:           db,
		Cache:              cache,
		LargeFileThreshold: cli.LargeFileThreshold,
		CacheTTL:           cli.CacheTTL,
		StageDir:           stageDir,
		Logger:             logger,
	}
	serverOpts := []server.Option{server.WithRecordCounter(db)}
	if replicator != nil {
		pcfg.Replicator = replicator
		serverOpts = append(serverOpts, server.WithReplicationStats(replicator))
	}

	statsToken := cli.CredentialsStatsToken
	if creds.StatsToken != "" {
		statsToken = creds.StatsToken
	}

	srv, err := server.New(server.Config{
		Address:       cli.Listen,
		PublicGateway: cli.PublicGateway,
		MaxUploadSize: cli.MaxUploadSize,
		StatsToken:    statsToken,
		Logger:        logger,
	}, pipeline.NewIngester(pcfg), pipeline.NewRetriever(pcfg), serverOpts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"overflow_backend", cli.OverflowBackend,
		"cache_backend", cli.CacheBackend,
		"replication", replicator != nil,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", "error", err)
	}
	if replicator != nil {
		if err := replicator.Stop(shutdownCtx); err != nil {
			logger.Warn("replicator did not drain", "error", err)
		}
	}
	return runErr
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.DateTime})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func loadCredentials(ctx context.Context, cli *CLI, logger *slog.Logger) (*credentials.Credentials, error) {
	if cli.CredentialsFile == "" {
		return &credentials.Credentials{}, nil
	}

	opts := []credentials.ResolverOption{credentials.WithLogger(logger.With("component", "credentials"))}
	if cli.CredentialsOnePass {
		opts = append(opts, opprovider.WithOnePassword(opprovider.WithAccount(cli.CredentialsOPAccount)))
	}
	if cli.CredentialsS3 {
		client, err := backend.NewS3Client(ctx, backend.S3Config{Region: cli.CredentialsS3Region})
		if err != nil {
			return nil, fmt.Errorf("creating s3 client for secrets: %w", err)
		}
		opts = append(opts, awsprovider.WithS3Object(client))
	}

	creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, cli.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// newOverflowBackend builds the overflow backend. The filesystem variant
// never shares a root with the block store.
func newOverflowBackend(ctx context.Context, cli *CLI, creds *credentials.Credentials, spoolDir string) (backend.Backend, error) {
	if cli.OverflowBackend != "s3" {
		dir := cli.OverflowDir
		if dir == "" {
			dir = filepath.Join(cli.DataDir, "overflow")
		}
		fs, err := backend.NewFilesystem(dir)
		if err != nil {
			return nil, fmt.Errorf("creating overflow filesystem backend: %w", err)
		}
		return fs, nil
	}
	if cli.OverflowBucket == "" {
		return nil, errors.New("--overflow-bucket is required with the s3 overflow backend")
	}

	cfg := backend.S3Config{
		Region:       cli.OverflowRegion,
		Endpoint:     cli.OverflowEndpoint,
		UsePathStyle: cli.OverflowPathStyle,
	}
	if creds.S3 != nil {
		cfg.AccessKeyID = creds.S3.AccessKeyID
		cfg.SecretAccessKey = creds.S3.SecretAccessKey
		cfg.SessionToken = creds.S3.SessionToken
	}
	client, err := backend.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	opts := []backend.S3Option{backend.WithSpoolDir(spoolDir)}
	if cli.OverflowPrefix != "" {
		opts = append(opts, backend.WithKeyPrefix(cli.OverflowPrefix))
	}
	return backend.NewS3(client, cli.OverflowBucket, opts...), nil
}

func newCache(ctx context.Context, cli *CLI, creds *credentials.Credentials, logger *slog.Logger) (lookup.Cache, func(), error) {
	switch cli.CacheBackend {
	case "redis":
		cfg := lookup.RedisConfig{Addr: cli.CacheRedisAddr, DB: cli.CacheRedisDB}
		if creds.Redis != nil {
			cfg.Username = creds.Redis.Username
			cfg.Password = creds.Redis.Password
		}
		client, err := lookup.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		cache := lookup.NewRedis(client, logger)
		return cache, func() {
			if err := cache.Close(); err != nil {
				logger.Warn("closing redis failed", "error", err)
			}
		}, nil
	case "memory":
		return lookup.NewMemory(cli.CacheSize, cli.CacheTTL), func() {}, nil
	default:
		return lookup.Nop{}, func() {}, nil
	}
}
