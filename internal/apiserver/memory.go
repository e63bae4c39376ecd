package apiserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/myunla/gateway/pkg/apitypes"
)

// MemoryStore keeps configs in process memory. Used in tests and for
// running the gateway without a database file.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*apitypes.McpConfig // tenant/name → config
}

// NewMemoryStore creates an empty in-memory config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: map[string]*apitypes.McpConfig{}}
}

func storeKey(tenant, name string) string { return tenant + "/" + name }

// List returns live configs, sorted by tenant then name for stable output.
func (s *MemoryStore) List(_ context.Context, tenant string) ([]*apitypes.McpConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*apitypes.McpConfig
	for _, cfg := range s.configs {
		if cfg.Deleted() {
			continue
		}
		if tenant != "" && cfg.TenantName != tenant {
			continue
		}
		out = append(out, copyConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantName != out[j].TenantName {
			return out[i].TenantName < out[j].TenantName
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Get returns one live config.
func (s *MemoryStore) Get(_ context.Context, tenant, name string) (*apitypes.McpConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[storeKey(tenant, name)]
	if !ok || cfg.Deleted() {
		return nil, ErrConfigNotFound
	}
	return copyConfig(cfg), nil
}

// GetByID returns one live config by id.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*apitypes.McpConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cfg := range s.configs {
		if cfg.ID == id && !cfg.Deleted() {
			return copyConfig(cfg), nil
		}
	}
	return nil, ErrConfigNotFound
}

// Create stores a new config.
func (s *MemoryStore) Create(_ context.Context, cfg *apitypes.McpConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(cfg.TenantName, cfg.Name)
	if existing, ok := s.configs[key]; ok && !existing.Deleted() {
		return ErrConfigExists
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.DeletedAt = nil
	s.configs[key] = copyConfig(cfg)
	return nil
}

// Update replaces the stored document of an existing config.
func (s *MemoryStore) Update(_ context.Context, cfg *apitypes.McpConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(cfg.TenantName, cfg.Name)
	existing, ok := s.configs[key]
	if !ok || existing.Deleted() {
		return ErrConfigNotFound
	}
	cfg.ID = existing.ID
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = time.Now()
	cfg.DeletedAt = nil
	s.configs[key] = copyConfig(cfg)
	return nil
}

// Delete soft-deletes a config.
func (s *MemoryStore) Delete(_ context.Context, tenant, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[storeKey(tenant, name)]
	if !ok || cfg.Deleted() {
		return ErrConfigNotFound
	}
	now := time.Now()
	cfg.DeletedAt = &now
	return nil
}

// Close is a no-op.
func (*MemoryStore) Close() error { return nil }

// copyConfig copies the config and its top-level slices so callers cannot
// grow or reorder stored state.
func copyConfig(cfg *apitypes.McpConfig) *apitypes.McpConfig {
	out := *cfg
	out.Servers = append([]apitypes.McpServer(nil), cfg.Servers...)
	out.Routers = append([]apitypes.Router(nil), cfg.Routers...)
	out.Tools = append([]apitypes.Tool(nil), cfg.Tools...)
	out.HTTPServers = append([]apitypes.HTTPServer(nil), cfg.HTTPServers...)
	return &out
}
