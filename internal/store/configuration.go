package store

import (
	"fmt"

	"tilecache/internal/blobstore"
	"tilecache/internal/cache"
)

// State is the routing mode derived from a Configuration.
type State string

const (
	StateDisabled           State = "DISABLED"
	StateMemoryOnly         State = "MEMORY_ONLY"
	StatePersisted          State = "PERSISTED"
	StatePersistedWithCache State = "PERSISTED_WITH_CACHE"
)

// Configuration selects the durable backend and the cache in front of it. It is
// always applied as a whole value.
type Configuration struct {
	Backend blobstore.Kind `json:"backend" yaml:"backend"`

	// FileDir is the root directory of the file backend.
	FileDir string             `json:"fileDir,omitempty" yaml:"fileDir,omitempty"`
	S3      blobstore.S3Config `json:"s3" yaml:"s3,omitempty"`

	CacheEnabled bool         `json:"cacheEnabled" yaml:"cacheEnabled"`
	Cache        cache.Config `json:"cache" yaml:"cache"`
}

// ConfigurationError rejects a Configuration at apply time. The previous
// configuration stays active.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid store configuration: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid store configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (c Configuration) Validate() error {
	switch c.Backend {
	case blobstore.KindFile:
		if c.FileDir == "" {
			return &ConfigurationError{Field: "fileDir", Reason: "required by the file backend"}
		}
	case blobstore.KindS3:
		if err := c.S3.Validate(); err != nil {
			return &ConfigurationError{Field: "s3", Reason: "invalid object storage settings", Err: err}
		}
	case blobstore.KindMemory, blobstore.KindDiscard:
	default:
		return &ConfigurationError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q (supported: file, memory, s3, discard)", c.Backend)}
	}

	if c.CacheEnabled {
		if err := c.Cache.Validate(); err != nil {
			return &ConfigurationError{Field: "cache", Reason: "invalid cache settings", Err: err}
		}
	}
	return nil
}

// State reports the routing mode. The memory backend and a cache over the discard
// backend both keep tiles in memory only.
func (c Configuration) State() State {
	switch c.Backend {
	case blobstore.KindDiscard:
		if c.CacheEnabled {
			return StateMemoryOnly
		}
		return StateDisabled
	case blobstore.KindMemory:
		return StateMemoryOnly
	default:
		if c.CacheEnabled {
			return StatePersistedWithCache
		}
		return StatePersisted
	}
}

// sameBackend reports whether b addresses the same durable content as c.
func (c Configuration) sameBackend(b Configuration) bool {
	if c.Backend != b.Backend {
		return false
	}
	switch c.Backend {
	case blobstore.KindFile:
		return c.FileDir == b.FileDir
	case blobstore.KindS3:
		return c.S3 == b.S3
	default:
		return true
	}
}
