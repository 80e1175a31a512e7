package grain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Describer maps a grain code to a human-readable description.
// Implementations return the code unchanged when it is unknown.
type Describer interface {
	Describe(code string) string
}

// DescriptorMap is a fixed lookup table.
type DescriptorMap map[string]string

func (m DescriptorMap) Describe(code string) string {
	code = strings.TrimSpace(code)
	if d, ok := m[code]; ok && d != "" {
		return d
	}
	return code
}

// GrainTable is the part of a RecordSource the resolver reads.
type GrainTable interface {
	Grains(ctx context.Context) ([]GrainDescriptor, error)
}

const loadedKey = "\x00loaded"

// DescriptorResolver memoizes the grain table.
//
// Descriptions never expire on their own; a marker entry with the configured
// TTL tells Ensure when the table is due for a reload. A reload fills a new
// cache and swaps it in whole, so Describe sees either the old table or the
// new one.
type DescriptorResolver struct {
	source GrainTable
	ttl    time.Duration
	log    *zap.Logger

	load  sync.Mutex // serializes reads of the source
	mu    sync.RWMutex
	table *cache.Cache
}

// NewDescriptorResolver creates a resolver over source. ttl <= 0 means the
// table is loaded once and only reloaded explicitly.
func NewDescriptorResolver(source GrainTable, ttl time.Duration, log *zap.Logger) *DescriptorResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &DescriptorResolver{
		source: source,
		ttl:    ttl,
		log:    log.Named("grains"),
		table:  newGrainCache(),
	}
}

// newGrainCache has no janitor: the only expiring entry is the marker,
// and Get already ignores it once expired.
func newGrainCache() *cache.Cache {
	return cache.New(cache.NoExpiration, 0)
}

func (r *DescriptorResolver) current() *cache.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table
}

// Describe returns the description for code, or code itself.
func (r *DescriptorResolver) Describe(code string) string {
	code = strings.TrimSpace(code)
	if v, ok := r.current().Get(code); ok {
		if desc, ok := v.(string); ok {
			return desc
		}
	}
	return code
}

// Reload replaces the memoized table with a fresh read.
// On failure the previous entries are kept.
func (r *DescriptorResolver) Reload(ctx context.Context) error {
	r.load.Lock()
	defer r.load.Unlock()
	return r.reloadLocked(ctx)
}

// Ensure reloads the table when it was never loaded or its TTL elapsed.
func (r *DescriptorResolver) Ensure(ctx context.Context) error {
	r.load.Lock()
	defer r.load.Unlock()
	if _, ok := r.current().Get(loadedKey); ok {
		return nil
	}
	return r.reloadLocked(ctx)
}

func (r *DescriptorResolver) reloadLocked(ctx context.Context) error {
	grains, err := r.source.Grains(ctx)
	if err != nil {
		r.log.Warn("grain table unavailable, keeping previous descriptions", zap.Error(err))
		return &SourceUnavailableError{Table: TableGrains, Err: err}
	}

	fresh := newGrainCache()
	for _, g := range grains {
		code := strings.TrimSpace(g.Code)
		desc := strings.TrimSpace(g.Description)
		if code == "" || desc == "" {
			continue
		}
		fresh.Set(code, desc, cache.NoExpiration)
	}

	ttl := r.ttl
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	fresh.Set(loadedKey, true, ttl)

	r.mu.Lock()
	r.table = fresh
	r.mu.Unlock()

	r.log.Debug("grain table loaded", zap.Int("grains", len(grains)))
	return nil
}
