// Package apiserver hosts the management REST API and the config
// persistence behind it.
package apiserver

import (
	"context"
	"errors"

	"github.com/myunla/gateway/pkg/apitypes"
)

var (
	// ErrConfigNotFound is returned for unknown (tenant, name) pairs and ids.
	ErrConfigNotFound = errors.New("config not found")
	// ErrConfigExists is returned when creating a config whose (tenant,
	// name) identity is already taken.
	ErrConfigExists = errors.New("config already exists")
)

// ConfigStore persists MCP configurations. Deletes are soft: deleted
// configs stop appearing in List/Get but their identity stays reserved
// until hard removal out of band.
type ConfigStore interface {
	// List returns live configs, optionally filtered by tenant ("" = all).
	List(ctx context.Context, tenant string) ([]*apitypes.McpConfig, error)

	// Get returns one live config by identity.
	Get(ctx context.Context, tenant, name string) (*apitypes.McpConfig, error)

	// GetByID returns one live config by its id.
	GetByID(ctx context.Context, id string) (*apitypes.McpConfig, error)

	// Create stores a new config, assigning its id and timestamps.
	Create(ctx context.Context, cfg *apitypes.McpConfig) error

	// Update replaces the stored document of an existing config.
	Update(ctx context.Context, cfg *apitypes.McpConfig) error

	// Delete soft-deletes a config.
	Delete(ctx context.Context, tenant, name string) error

	Close() error
}

// Source adapts a ConfigStore to the gateway's reload interface.
type Source struct {
	Store ConfigStore
}

// ListConfigs returns every live config across tenants.
func (s Source) ListConfigs(ctx context.Context) ([]*apitypes.McpConfig, error) {
	return s.Store.List(ctx, "")
}
