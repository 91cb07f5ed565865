package cache

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pbnjay/memory"

	"tilecache/internal/tile"
)

// Provider is a bounded in-memory cache in front of a blob store. Implementations are
// safe for concurrent use; operations on the same key resolve last-write-wins.
type Provider interface {
	Get(key tile.Key) (*tile.Object, bool)
	Put(obj *tile.Object)
	Remove(key tile.Key) bool

	// RemoveMatching drops every entry matching p and returns how many entries were
	// dropped, when the provider can tell.
	RemoveMatching(p tile.Pattern) int

	Clear()
	Stats() Stats

	// Close releases connections. The provider must not be used afterwards.
	Close() error
}

// Stats describes a provider's working set. Counters a provider cannot observe are zero.
type Stats struct {
	Provider  string `json:"provider"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Capacity  int64  `json:"capacity"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
}

// Kind names a provider family.
type Kind string

const (
	KindLocal       Kind = "local"
	KindDistributed Kind = "distributed"
)

const (
	DefaultMaxBytes      int64 = 256 * 1024 * 1024
	DefaultReplicas            = 2
	DefaultTimeoutMillis       = 500
	DefaultMaxItemBytes        = 1024 * 1024
)

// Config selects and sizes a provider.
type Config struct {
	Provider Kind `json:"provider" yaml:"provider"`

	// MaxBytes bounds the local provider. When zero, MemoryFraction of the host's
	// memory is used instead; when both are zero DefaultMaxBytes applies.
	MaxBytes       int64   `json:"maxBytes,omitempty" yaml:"maxBytes,omitempty"`
	MemoryFraction float64 `json:"memoryFraction,omitempty" yaml:"memoryFraction,omitempty"`

	// Servers are memcached host:port addresses for the distributed provider.
	Servers       []string `json:"servers,omitempty" yaml:"servers,omitempty"`
	Replicas      int      `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	TimeoutMillis int      `json:"timeoutMillis,omitempty" yaml:"timeoutMillis,omitempty"`
	MaxItemBytes  int      `json:"maxItemBytes,omitempty" yaml:"maxItemBytes,omitempty"`
}

func (c Config) Validate() error {
	if c.MaxBytes < 0 {
		return errors.New("maxBytes must not be negative")
	}
	if c.MemoryFraction < 0 || c.MemoryFraction > 1 {
		return fmt.Errorf("memoryFraction %v is outside [0, 1]", c.MemoryFraction)
	}

	switch c.Provider {
	case KindLocal:
		return nil
	case KindDistributed:
		if len(c.Servers) == 0 {
			return errors.New("distributed provider needs at least one server")
		}
		if c.Replicas < 0 {
			return errors.New("replicas must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("unknown cache provider: %q (supported: local, distributed)", c.Provider)
	}
}

// Capacity resolves the byte budget of a local provider.
func (c Config) Capacity() int64 {
	switch {
	case c.MaxBytes > 0:
		return c.MaxBytes
	case c.MemoryFraction > 0:
		if total := memory.TotalMemory(); total > 0 {
			return int64(c.MemoryFraction * float64(total))
		}
	}
	return DefaultMaxBytes
}

func (c Config) Equal(other Config) bool {
	return c.Provider == other.Provider &&
		c.MaxBytes == other.MaxBytes &&
		c.MemoryFraction == other.MemoryFraction &&
		slices.Equal(c.Servers, other.Servers) &&
		c.Replicas == other.Replicas &&
		c.TimeoutMillis == other.TimeoutMillis &&
		c.MaxItemBytes == other.MaxItemBytes
}
