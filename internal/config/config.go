// Package config handles configuration loading and validation for drive.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3askar/drive/pkg/bytesize"
)

// Backend names.
const (
	BlobChunk      = "chunk"
	BlobGridFS     = "gridfs"
	MetadataMemory = "memory"
	MetadataMongo  = "mongo"
	QuotaMemory    = "memory"
	QuotaRedis     = "redis"
	AuthJWT        = "jwt"
	AuthHeader     = "header"
)

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	Mode      string `yaml:"mode"`       // jwt | header
	JWTSecret string `yaml:"jwt_secret"` // HS256 secret
	JWTIssuer string `yaml:"jwt_issuer"`
	Header    string `yaml:"header"` // trusted proxy header in header mode
}

// BlobConfig selects the blob store.
type BlobConfig struct {
	Backend   string `yaml:"backend"`    // chunk | gridfs
	MasterKey string `yaml:"master_key"` // 64 hex chars; generated if empty
}

type MetadataConfig struct {
	Backend string `yaml:"backend"` // memory | mongo
	// Ephemeral acknowledges that the memory backend forgets every record
	// on restart. Required with the memory backend.
	Ephemeral bool `yaml:"ephemeral"`
}

type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Bucket   string        `yaml:"bucket"` // GridFS bucket name
	Timeout  time.Duration `yaml:"timeout"`
}

// QuotaConfig holds the ledger backend and policy.
type QuotaConfig struct {
	Backend      string                   `yaml:"backend"` // memory | redis
	DefaultLimit bytesize.Size            `yaml:"default_limit"`
	Limits       map[string]bytesize.Size `yaml:"limits"` // per-owner overrides
	Enforce      bool                     `yaml:"enforce"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type TrashConfig struct {
	Retention time.Duration `yaml:"retention"` // 0 keeps trashed files forever
}

// GCConfig drives the reconciliation janitor.
type GCConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables the janitor
	Grace    time.Duration `yaml:"grace"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the drive server configuration.
type Config struct {
	Listen        string         `yaml:"listen"`
	DataDir       string         `yaml:"data_dir"`
	LogLevel      string         `yaml:"log_level"`
	MaxUploadSize bytesize.Size  `yaml:"max_upload_size"` // 0 = unlimited
	Auth          AuthConfig     `yaml:"auth"`
	Blob          BlobConfig     `yaml:"blob"`
	Metadata      MetadataConfig `yaml:"metadata"`
	Mongo         MongoConfig    `yaml:"mongo"`
	Quota         QuotaConfig    `yaml:"quota"`
	Redis         RedisConfig    `yaml:"redis"`
	Trash         TrashConfig    `yaml:"trash"`
	GC            GCConfig       `yaml:"gc"`
	Metrics       MetricsConfig  `yaml:"metrics"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DataDir:  "/var/lib/drive",
		LogLevel: "info",
		Auth:     AuthConfig{Mode: AuthJWT, JWTIssuer: "drive"},
		Blob:     BlobConfig{Backend: BlobChunk},
		Metadata: MetadataConfig{Backend: MetadataMongo},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "drive",
			Bucket:   "files",
			Timeout:  10 * time.Second,
		},
		Quota: QuotaConfig{
			Backend:      QuotaMemory,
			DefaultLimit: bytesize.Size(15 * bytesize.GB),
			Enforce:      true,
		},
		Redis:   RedisConfig{Address: "localhost:6379", KeyPrefix: "drive:quota:"},
		Trash:   TrashConfig{Retention: 30 * 24 * time.Hour},
		GC:      GCConfig{Interval: time.Hour, Grace: time.Hour},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads a YAML configuration file over Default(), so keys the file
// omits keep their defaults and explicit zero values are preserved. An empty
// path returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, nil
}

// Validate checks the configuration for contradictions and missing values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Auth.Mode {
	case AuthJWT:
		if len(c.Auth.JWTSecret) < 16 {
			return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
		}
	case AuthHeader:
	default:
		return fmt.Errorf("auth.mode must be %q or %q", AuthJWT, AuthHeader)
	}
	switch c.Blob.Backend {
	case BlobChunk, BlobGridFS:
	default:
		return fmt.Errorf("blob.backend must be %q or %q", BlobChunk, BlobGridFS)
	}
	if c.Blob.Backend == BlobChunk && c.DataDir == "" {
		return fmt.Errorf("data_dir is required for the chunk blob backend")
	}
	if c.Blob.MasterKey != "" {
		if _, err := c.MasterKey(); err != nil {
			return err
		}
	}
	switch c.Metadata.Backend {
	case MetadataMemory, MetadataMongo:
	default:
		return fmt.Errorf("metadata.backend must be %q or %q", MetadataMemory, MetadataMongo)
	}
	if c.Metadata.Backend == MetadataMemory && !c.Metadata.Ephemeral {
		return fmt.Errorf("metadata.backend %q loses every file record on restart; set metadata.ephemeral to accept that", MetadataMemory)
	}
	if (c.Blob.Backend == BlobGridFS || c.Metadata.Backend == MetadataMongo) && (c.Mongo.URI == "" || c.Mongo.Database == "") {
		return fmt.Errorf("mongo.uri and mongo.database are required")
	}
	switch c.Quota.Backend {
	case QuotaMemory, QuotaRedis:
	default:
		return fmt.Errorf("quota.backend must be %q or %q", QuotaMemory, QuotaRedis)
	}
	if c.Quota.DefaultLimit < 0 || c.MaxUploadSize < 0 {
		return fmt.Errorf("sizes must not be negative")
	}
	for owner, limit := range c.Quota.Limits {
		if limit < 0 {
			return fmt.Errorf("quota.limits.%s must not be negative", owner)
		}
	}
	if c.Trash.Retention < 0 || c.GC.Interval < 0 || c.GC.Grace < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// MasterKey decodes blob.master_key.
func (c *Config) MasterKey() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(c.Blob.MasterKey))
	if err != nil || len(raw) != len(key) {
		return key, fmt.Errorf("blob.master_key must be 64 hex characters")
	}
	copy(key[:], raw)
	return key, nil
}

// QuotaLimits returns per-owner limits in bytes.
func (c *Config) QuotaLimits() (int64, map[string]int64) {
	per := make(map[string]int64, len(c.Quota.Limits))
	for owner, limit := range c.Quota.Limits {
		per[owner] = limit.Bytes()
	}
	return c.Quota.DefaultLimit.Bytes(), per
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
