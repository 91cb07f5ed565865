package cache

import (
	"fmt"

	"go.uber.org/zap"

	"tilecache/internal/metrics"
)

// NewProvider creates a cache provider based on the configured kind
func NewProvider(cfg Config, log *zap.Logger, m metrics.Metrics) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case KindLocal:
		capacity := cfg.Capacity()
		log.Info("Using local cache", zap.Int64("max_bytes", capacity))
		return NewLocalProvider(capacity, m), nil
	case KindDistributed:
		log.Info("Using distributed cache", zap.Strings("servers", cfg.Servers), zap.Int("replicas", cfg.Replicas))
		return NewDistributedProvider(cfg, log, m)
	default:
		return nil, fmt.Errorf("unknown cache provider: %s (supported: local, distributed)", cfg.Provider)
	}
}
