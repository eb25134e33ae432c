package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/3askar/drive/internal/blob"
	"github.com/3askar/drive/internal/config"
	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/identity"
	"github.com/3askar/drive/internal/lifecycle"
	"github.com/3askar/drive/internal/logging/audit"
	"github.com/3askar/drive/internal/metrics"
	"github.com/3askar/drive/internal/quota"
)

// masterKeyFile holds the generated key when blob.master_key is not set.
const masterKeyFile = "master.key"

const defaultMongoTimeout = 10 * time.Second

// stack is the set of backends selected by the configuration.
type stack struct {
	ctl      *lifecycle.Controller
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	audit    *audit.Logger

	closers []func(context.Context) error
}

// openStack connects every backend the configuration names. On error any
// backend already opened is closed again.
func openStack(ctx context.Context, cfg *config.Config) (_ *stack, err error) {
	s := &stack{
		audit: audit.NewLogger(log.Logger.With().Str("component", "audit").Logger()),
	}
	defer func() {
		if err != nil {
			s.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Metrics.Enabled {
		s.registry = metrics.NewRegistry()
		s.metrics = metrics.New(s.registry)
	}

	var db *mongo.Database
	if cfg.Blob.Backend == config.BlobGridFS || cfg.Metadata.Backend == config.MetadataMongo {
		if db, err = s.connectMongo(ctx, cfg.Mongo); err != nil {
			return nil, err
		}
	}

	var blobs blob.Store
	switch cfg.Blob.Backend {
	case config.BlobGridFS:
		if blobs, err = blob.NewGridFSStore(db, cfg.Mongo.Bucket); err != nil {
			return nil, err
		}
	default:
		key, err := loadMasterKey(cfg)
		if err != nil {
			return nil, err
		}
		if blobs, err = blob.NewChunkStore(cfg.DataDir, key); err != nil {
			return nil, fmt.Errorf("open chunk store: %w", err)
		}
	}

	var repo files.Repository
	switch cfg.Metadata.Backend {
	case config.MetadataMongo:
		mr := files.NewMongoRepository(db)
		if err := mr.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		repo = mr
	default:
		repo = files.NewMemoryRepository()
	}

	defaultLimit, perOwner := cfg.QuotaLimits()
	limits := quota.Limits{Default: defaultLimit, PerOwner: perOwner}
	var ledger quota.Ledger
	switch cfg.Quota.Backend {
	case config.QuotaRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Address, err)
		}
		ledger = quota.NewRedisLedger(client, cfg.Redis.KeyPrefix, limits)
	default:
		ledger = quota.NewMemoryLedger(limits)
	}

	log.Info().
		Str("blobs", cfg.Blob.Backend).
		Str("metadata", cfg.Metadata.Backend).
		Str("quota", cfg.Quota.Backend).
		Bool("enforce", cfg.Quota.Enforce).
		Msg("storage backends ready")

	s.ctl = lifecycle.New(lifecycle.Deps{
		Blobs:   blobs,
		Files:   repo,
		Quota:   ledger,
		Audit:   s.audit,
		Metrics: s.metrics,
	}, lifecycle.Config{
		EnforceQuota:   cfg.Quota.Enforce,
		TrashRetention: cfg.Trash.Retention,
		OrphanGrace:    cfg.GC.Grace,
		// Records of a memory repository do not survive a restart.
		EphemeralRecords: cfg.Metadata.Backend == config.MetadataMemory,
	})
	return s, nil
}

func (s *stack) connectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Database, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		opts.SetTimeout(cfg.Timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s.closers = append(s.closers, client.Disconnect)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(cfg.Database), nil
}

// Close releases backend connections in reverse order of opening.
func (s *stack) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("close backend")
		}
	}
	s.closers = nil
}

// loadMasterKey returns the configured key, or the key stored in the data
// directory, generating and persisting one on first start.
func loadMasterKey(cfg *config.Config) ([32]byte, error) {
	if cfg.Blob.MasterKey != "" {
		return cfg.MasterKey()
	}

	var key [32]byte
	path := filepath.Join(cfg.DataDir, masterKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(raw) != len(key) {
			return key, fmt.Errorf("%s: invalid master key", path)
		}
		copy(key[:], raw)
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return key, fmt.Errorf("read master key: %w", err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return key, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key[:])+"\n"), 0o600); err != nil {
		return key, fmt.Errorf("write master key: %w", err)
	}
	log.Warn().Str("path", path).Msg("generated new blob master key; back it up, blobs cannot be read without it")
	return key, nil
}

func newResolver(cfg config.AuthConfig) identity.Resolver {
	if cfg.Mode == config.AuthHeader {
		return identity.NewHeaderResolver(cfg.Header)
	}
	return identity.NewJWTResolver([]byte(cfg.JWTSecret), cfg.JWTIssuer)
}

// loadConfig reads and validates the configuration, then applies its log
// level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}
