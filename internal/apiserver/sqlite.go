package apiserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/myunla/gateway/pkg/apitypes"
)

// SQLiteStore persists configs in a SQLite database. The whole McpConfig
// is stored as one JSON document per row; identity and soft-delete state
// are promoted to columns for querying.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mcp_configs (
	id          TEXT PRIMARY KEY,
	tenant_name TEXT NOT NULL,
	name        TEXT NOT NULL,
	document    TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	deleted_at  TIMESTAMP,
	UNIQUE (tenant_name, name)
);`

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a larger pool just trades
	// locking errors for waiting.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// List returns live configs, optionally filtered by tenant.
func (s *SQLiteStore) List(ctx context.Context, tenant string) ([]*apitypes.McpConfig, error) {
	query := `SELECT document FROM mcp_configs WHERE deleted_at IS NULL`
	args := []any{}
	if tenant != "" {
		query += ` AND tenant_name = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY tenant_name, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var out []*apitypes.McpConfig
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		cfg, err := decodeDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Get returns one live config by identity.
func (s *SQLiteStore) Get(ctx context.Context, tenant, name string) (*apitypes.McpConfig, error) {
	return s.one(ctx,
		`SELECT document FROM mcp_configs WHERE tenant_name = ? AND name = ? AND deleted_at IS NULL`,
		tenant, name)
}

// GetByID returns one live config by id.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*apitypes.McpConfig, error) {
	return s.one(ctx,
		`SELECT document FROM mcp_configs WHERE id = ? AND deleted_at IS NULL`, id)
}

func (s *SQLiteStore) one(ctx context.Context, query string, args ...any) (*apitypes.McpConfig, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query config: %w", err)
	}
	return decodeDocument(doc)
}

// Create stores a new config row.
func (s *SQLiteStore) Create(ctx context.Context, cfg *apitypes.McpConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.DeletedAt = nil

	doc, err := encodeDocument(cfg)
	if err != nil {
		return err
	}

	// A soft-deleted row with the same identity is revived in place.
	res, err := s.db.ExecContext(ctx,
		`UPDATE mcp_configs SET id = ?, document = ?, created_at = ?, updated_at = ?, deleted_at = NULL
		 WHERE tenant_name = ? AND name = ? AND deleted_at IS NOT NULL`,
		cfg.ID, doc, cfg.CreatedAt, cfg.UpdatedAt, cfg.TenantName, cfg.Name)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_configs (id, tenant_name, name, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.TenantName, cfg.Name, doc, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConfigExists
		}
		return fmt.Errorf("create config: %w", err)
	}
	return nil
}

// Update replaces the stored document of an existing config.
func (s *SQLiteStore) Update(ctx context.Context, cfg *apitypes.McpConfig) error {
	existing, err := s.Get(ctx, cfg.TenantName, cfg.Name)
	if err != nil {
		return err
	}
	cfg.ID = existing.ID
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = time.Now()
	cfg.DeletedAt = nil

	doc, err := encodeDocument(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE mcp_configs SET document = ?, updated_at = ? WHERE id = ?`,
		doc, cfg.UpdatedAt, cfg.ID)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	return nil
}

// Delete soft-deletes a config.
func (s *SQLiteStore) Delete(ctx context.Context, tenant, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mcp_configs SET deleted_at = ? WHERE tenant_name = ? AND name = ? AND deleted_at IS NULL`,
		time.Now(), tenant, name)
	if err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConfigNotFound
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeDocument(cfg *apitypes.McpConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config document: %w", err)
	}
	return string(data), nil
}

func decodeDocument(doc string) (*apitypes.McpConfig, error) {
	var cfg apitypes.McpConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("decode config document: %w", err)
	}
	return &cfg, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
