package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/myunla/gateway/internal/oas"
	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/notifier"
)

const (
	middlewareTimeout = 60 * time.Second
	// maxImportBytes bounds uploaded OpenAPI documents.
	maxImportBytes = 5 << 20
)

// Server is the management API: CRUD over MCP configs plus OpenAPI import.
// Every mutation notifies the gateway replicas so their runtime state
// reconciles.
type Server struct {
	store    ConfigStore
	notifier notifier.Notifier
}

// NewServer builds the management API over the given store. notifier may
// be nil, in which case mutations are persisted without fanout.
func NewServer(store ConfigStore, n notifier.Notifier) *Server {
	return &Server{store: store, notifier: n}
}

// Handler returns the API's HTTP handler. When the notifier is an API
// notifier its reload endpoint is mounted alongside the REST routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/mcp/configs", s.listConfigs)
		r.Post("/mcp/configs", s.createConfig)
		r.Put("/mcp/configs", s.updateConfig)
		r.Delete("/mcp/configs/{tenantName}/{name}", s.deleteConfig)
		r.Post("/mcp/configs/{configID}/sync", s.syncConfig)
		r.Post("/mcp/{tenantName}/{name}/active", s.activateConfig)
		r.Post("/openapi/openapi/import", s.importOpenAPI)
	})

	if receiver, ok := s.notifier.(http.Handler); ok {
		r.Handle(notifier.ReloadPath, receiver)
	}
	return r
}

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.List(r.Context(), r.URL.Query().Get("tenant_name"))
	if err != nil {
		logger.Errorf("Failed to list configs: %v", err)
		http.Error(w, "Failed to list configs", http.StatusInternalServerError)
		return
	}
	if configs == nil {
		configs = []*apitypes.McpConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) createConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeConfig(w, r)
	if !ok {
		return
	}
	if err := s.store.Create(r.Context(), cfg); err != nil {
		if errors.Is(err, ErrConfigExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Errorf("Failed to create config %s/%s: %v", cfg.TenantName, cfg.Name, err)
		http.Error(w, "Failed to create config", http.StatusInternalServerError)
		return
	}
	s.notify(r.Context(), cfg, notifier.OpCreate)
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeConfig(w, r)
	if !ok {
		return
	}
	if err := s.store.Update(r.Context(), cfg); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Errorf("Failed to update config %s/%s: %v", cfg.TenantName, cfg.Name, err)
		http.Error(w, "Failed to update config", http.StatusInternalServerError)
		return
	}
	s.notify(r.Context(), cfg, notifier.OpUpdate)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenantName")
	name := chi.URLParam(r, "name")

	if err := s.store.Delete(r.Context(), tenant, name); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Errorf("Failed to delete config %s/%s: %v", tenant, name, err)
		http.Error(w, "Failed to delete config", http.StatusInternalServerError)
		return
	}
	s.notify(r.Context(), &apitypes.McpConfig{TenantName: tenant, Name: name}, notifier.OpDelete)
	w.WriteHeader(http.StatusNoContent)
}

// syncConfig forces a reload notification for one config, addressed by id.
func (s *Server) syncConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetByID(r.Context(), chi.URLParam(r, "configID"))
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Errorf("Failed to load config for sync: %v", err)
		http.Error(w, "Failed to load config", http.StatusInternalServerError)
		return
	}
	s.notify(r.Context(), cfg, notifier.OpActivate)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) activateConfig(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenantName")
	name := chi.URLParam(r, "name")

	cfg, err := s.store.Get(r.Context(), tenant, name)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Errorf("Failed to load config %s/%s: %v", tenant, name, err)
		http.Error(w, "Failed to load config", http.StatusInternalServerError)
		return
	}
	s.notify(r.Context(), cfg, notifier.OpActivate)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// importOpenAPI accepts a multipart upload (field "file") holding an
// OpenAPI JSON document and creates one config from it.
func (s *Server) importOpenAPI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()
	if header.Size > maxImportBytes {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxImportBytes))
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}

	tenant := r.URL.Query().Get("tenant_name")
	if tenant == "" {
		tenant = "default"
	}
	cfg, err := oas.Convert(data, tenant)
	if err != nil {
		logger.Warnf("OpenAPI import of %s failed: %v", header.Filename, err)
		http.Error(w, "Invalid OpenAPI document: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Create(r.Context(), cfg); err != nil {
		logger.Errorf("Failed to store imported config %s: %v", cfg.Name, err)
		http.Error(w, "Failed to store config", http.StatusInternalServerError)
		return
	}
	s.notify(r.Context(), cfg, notifier.OpCreate)
	logger.Infof("Imported OpenAPI document %s as config %s/%s", header.Filename, tenant, cfg.Name)
	writeJSON(w, http.StatusCreated, cfg)
}

// notify fans the mutation out to gateway replicas. Failures are logged;
// persistence already succeeded and replicas reconcile on their next
// reload.
func (s *Server) notify(ctx context.Context, cfg *apitypes.McpConfig, op notifier.Op) {
	if s.notifier == nil {
		return
	}
	event := &notifier.UpdateEvent{Tenant: cfg.TenantName, Name: cfg.Name, Op: op}
	if err := s.notifier.Notify(ctx, event); err != nil {
		logger.Warnf("Failed to notify %s of %s/%s: %v", op, cfg.TenantName, cfg.Name, err)
	}
}

func decodeConfig(w http.ResponseWriter, r *http.Request) (*apitypes.McpConfig, bool) {
	var cfg apitypes.McpConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &cfg, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to write response: %v", err)
	}
}
