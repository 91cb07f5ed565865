package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"tilecache/internal/blobstore"
	"tilecache/internal/cache"
	"tilecache/internal/store"
)

type Config struct {
	Port        int
	LogLevel    string
	LogEncoding string

	UpstreamWMSURL  string
	UpstreamTimeout time.Duration

	StoreBackend    string
	StoreFileDir    string
	StoreConfigFile string

	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	CacheEnabled        bool
	CacheProvider       string
	CacheMaxBytes       int64
	CacheMemoryFraction float64
	MemcacheServers     []string
	MemcacheReplicas    int
	MemcacheTimeoutMS   int

	SeedWorkers  int
	MetatileCols int
	MetatileRows int
	TileMaxAge   time.Duration

	VipsMaxCacheMB  int
	VipsConcurrency int
	AllowedOrigin   string
}

func Load() *Config {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		UpstreamWMSURL:  getEnv("UPSTREAM_WMS_URL", "http://localhost:8081/wms"),
		UpstreamTimeout: time.Duration(getEnvInt("UPSTREAM_TIMEOUT_MS", 30000)) * time.Millisecond,

		StoreBackend:    getEnv("STORE_BACKEND", "file"),
		StoreFileDir:    getEnv("STORE_FILE_DIR", "/data/tiles"),
		StoreConfigFile: getEnv("STORE_CONFIG_FILE", ""),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Prefix:    getEnv("S3_PREFIX", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),

		CacheEnabled:        getEnvBool("CACHE_ENABLED", true),
		CacheProvider:       getEnv("CACHE_PROVIDER", string(cache.KindLocal)),
		CacheMaxBytes:       getEnvInt64("CACHE_MAX_BYTES", 0),
		CacheMemoryFraction: getEnvFloat("CACHE_MEMORY_FRACTION", 0),
		MemcacheServers:     getEnvList("MEMCACHE_SERVERS"),
		MemcacheReplicas:    getEnvInt("MEMCACHE_REPLICAS", cache.DefaultReplicas),
		MemcacheTimeoutMS:   getEnvInt("MEMCACHE_TIMEOUT_MS", cache.DefaultTimeoutMillis),

		SeedWorkers:  getEnvInt("SEED_WORKERS", 4),
		MetatileCols: getEnvInt("METATILE_COLS", 4),
		MetatileRows: getEnvInt("METATILE_ROWS", 4),
		TileMaxAge:   time.Duration(getEnvInt("TILE_MAX_AGE_SECONDS", 3600)) * time.Second,

		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// Validate checks the settings that are not part of the store configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d is out of range", c.Port)
	}
	if c.UpstreamWMSURL == "" {
		return fmt.Errorf("UPSTREAM_WMS_URL is required")
	}
	if c.SeedWorkers <= 0 {
		return fmt.Errorf("SEED_WORKERS must be positive, got %d", c.SeedWorkers)
	}
	if c.MetatileCols <= 0 || c.MetatileRows <= 0 || c.MetatileCols*c.MetatileRows > 64 {
		return fmt.Errorf("metatile %dx%d must be positive and at most 64 tiles", c.MetatileCols, c.MetatileRows)
	}
	return nil
}

// StoreConfiguration is the store configuration described by the environment.
func (c *Config) StoreConfiguration() store.Configuration {
	return store.Configuration{
		Backend: blobstore.Kind(c.StoreBackend),
		FileDir: c.StoreFileDir,
		S3: blobstore.S3Config{
			Endpoint:  c.S3Endpoint,
			Bucket:    c.S3Bucket,
			Prefix:    c.S3Prefix,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
			UseSSL:    c.S3UseSSL,
		},
		CacheEnabled: c.CacheEnabled,
		Cache: cache.Config{
			Provider:       cache.Kind(c.CacheProvider),
			MaxBytes:       c.CacheMaxBytes,
			MemoryFraction: c.CacheMemoryFraction,
			Servers:        c.MemcacheServers,
			Replicas:       c.MemcacheReplicas,
			TimeoutMillis:  c.MemcacheTimeoutMS,
		},
	}
}

// LoadStoreConfiguration reads a YAML store configuration. Unknown fields are
// rejected so a typo does not silently fall back to a default.
func LoadStoreConfiguration(path string) (store.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Configuration{}, fmt.Errorf("read store configuration: %w", err)
	}
	var cfg store.Configuration
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return store.Configuration{}, fmt.Errorf("parse store configuration %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
