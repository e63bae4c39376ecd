// Package gateway hosts the client-facing MCP endpoints and the runtime
// state built from activated configs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/transport"
	"github.com/myunla/gateway/pkg/transport/manager"
)

// ErrPrefixConflict is returned when an activation claims a prefix already
// owned by a different config.
var ErrPrefixConflict = errors.New("prefix already owned by another config")

// ConfigSource lists the configs the gateway should serve. The management
// API's store implements it.
type ConfigSource interface {
	ListConfigs(ctx context.Context) ([]*apitypes.McpConfig, error)
}

// Runtime is everything needed to serve one router prefix: the owning
// config, the router binding and the shared transport manager of that
// config.
type Runtime struct {
	Config  *apitypes.McpConfig
	Router  *apitypes.Router
	Manager *manager.Manager
}

// snapshot is one immutable generation of runtime state. Readers load it
// atomically; writers build a fresh one and swap.
type snapshot struct {
	prefixes map[string]*Runtime
	configs  map[string][]string         // tenant/name → owned prefixes
	managers map[string]*manager.Manager // tenant/name → manager
	versions map[string]*apitypes.McpConfig
}

func emptySnapshot() *snapshot {
	return &snapshot{
		prefixes: map[string]*Runtime{},
		configs:  map[string][]string{},
		managers: map[string]*manager.Manager{},
		versions: map[string]*apitypes.McpConfig{},
	}
}

func (s *snapshot) clone() *snapshot {
	next := emptySnapshot()
	for k, v := range s.prefixes {
		next.prefixes[k] = v
	}
	for k, v := range s.configs {
		next.configs[k] = v
	}
	for k, v := range s.managers {
		next.managers[k] = v
	}
	for k, v := range s.versions {
		next.versions[k] = v
	}
	return next
}

func configKey(tenant, name string) string { return tenant + "/" + name }

// State is the runtime registry of activated configs. Reads are lock-free
// through an atomic snapshot pointer; writers serialize on one mutex.
type State struct {
	snap        atomic.Pointer[snapshot]
	mu          sync.Mutex
	callTimeout time.Duration

	// refMu guards session pins on managers, and managers replaced by a
	// newer activation that must outlive the swap until their sessions
	// drain.
	refMu   sync.Mutex
	refs    map[*manager.Manager]int
	retired map[*manager.Manager]map[string]bool // manager → names to keep on Stop
}

// NewState builds an empty state. callTimeout bounds HTTP-backed tool
// calls made by managers built here.
func NewState(callTimeout time.Duration) *State {
	s := &State{
		callTimeout: callTimeout,
		refs:        map[*manager.Manager]int{},
		retired:     map[*manager.Manager]map[string]bool{},
	}
	s.snap.Store(emptySnapshot())
	return s
}

// retain pins a runtime's manager for the lifetime of one session, so a
// session keeps the tool set of the config version it connected against
// even when a reload replaces that version.
func (s *State) retain(rt *Runtime) {
	s.refMu.Lock()
	s.refs[rt.Manager]++
	s.refMu.Unlock()
}

// release drops one session's pin. A retired manager whose last pinned
// session drains is stopped here.
func (s *State) release(ctx context.Context, rt *Runtime) {
	mgr := rt.Manager
	s.refMu.Lock()
	s.refs[mgr]--
	if s.refs[mgr] > 0 {
		s.refMu.Unlock()
		return
	}
	delete(s.refs, mgr)
	keep, wasRetired := s.retired[mgr]
	delete(s.retired, mgr)
	s.refMu.Unlock()

	if !wasRetired {
		return
	}
	if err := mgr.Stop(context.WithoutCancel(ctx), keep); err != nil {
		logger.Warnf("Error stopping drained manager: %v", err)
	}
}

// retire stops a manager that is no longer current. When sessions are
// still pinned to it the stop is deferred to the last release.
func (s *State) retire(ctx context.Context, mgr *manager.Manager, keep map[string]bool, key string) {
	s.refMu.Lock()
	if s.refs[mgr] > 0 {
		s.retired[mgr] = keep
		pinned := s.refs[mgr]
		s.refMu.Unlock()
		logger.Infow("deferring manager stop until sessions drain",
			"config", key, "sessions", pinned)
		return
	}
	s.refMu.Unlock()

	if err := mgr.Stop(context.WithoutCancel(ctx), keep); err != nil {
		logger.Warnf("Error stopping replaced manager for %s: %v", key, err)
	}
}

// Lookup resolves a prefix to its runtime.
func (s *State) Lookup(prefix string) (*Runtime, bool) {
	rt, ok := s.snap.Load().prefixes[prefix]
	return rt, ok
}

// Prefixes returns every active prefix.
func (s *State) Prefixes() []string {
	snap := s.snap.Load()
	out := make([]string, 0, len(snap.prefixes))
	for prefix := range snap.prefixes {
		out = append(out, prefix)
	}
	return out
}

// Activate validates the config, builds and starts its transport manager
// (reusing unchanged transports from the previous activation of the same
// config), swaps the new snapshot in and then stops the replaced manager.
// Activating the same config twice is idempotent.
func (s *State) Activate(ctx context.Context, cfg *apitypes.McpConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	key := configKey(cfg.TenantName, cfg.Name)

	// A prefix may only move between versions of the same config.
	for i := range cfg.Routers {
		for _, prefix := range routerPrefixes(&cfg.Routers[i]) {
			if owner, taken := old.prefixes[prefix]; taken {
				ownerKey := configKey(owner.Config.TenantName, owner.Config.Name)
				if ownerKey != key {
					return fmt.Errorf("%w: prefix %q owned by %s", ErrPrefixConflict, prefix, ownerKey)
				}
			}
		}
	}

	opts := []manager.Option{manager.WithCallTimeout(s.callTimeout)}
	oldManager := old.managers[key]
	if oldManager != nil {
		opts = append(opts, manager.WithReuse(oldManager.Transports(), old.versions[key]))
	}
	mgr, err := manager.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Stop(context.WithoutCancel(ctx), s.reusedNames(oldManager, mgr))
		return fmt.Errorf("activate %s: %w", key, err)
	}

	s.verifyPreinstalled(ctx, cfg, mgr)
	s.logIdleServers(cfg)

	// Warm the tool cache; unreachable servers are skipped inside.
	if _, err := mgr.FetchAllTools(ctx); err != nil {
		logger.Warnf("Initial tool fetch for %s failed: %v", key, err)
	}

	next := old.clone()
	for _, prefix := range next.configs[key] {
		delete(next.prefixes, prefix)
	}
	var prefixes []string
	for i := range cfg.Routers {
		router := &cfg.Routers[i]
		rt := &Runtime{Config: cfg, Router: router, Manager: mgr}
		for _, prefix := range routerPrefixes(router) {
			next.prefixes[prefix] = rt
			prefixes = append(prefixes, prefix)
		}
	}
	next.configs[key] = prefixes
	next.managers[key] = mgr
	next.versions[key] = cfg
	s.snap.Store(next)

	if oldManager != nil && oldManager != mgr {
		s.retire(ctx, oldManager, s.reusedNames(oldManager, mgr), key)
	}

	logger.Infow("activated config", "tenant", cfg.TenantName, "name", cfg.Name, "prefixes", prefixes)
	return nil
}

// routerPrefixes returns the prefixes a router serves: its primary prefix
// and, when configured, the alternate SSE prefix.
func routerPrefixes(router *apitypes.Router) []string {
	prefixes := []string{router.Prefix}
	if router.SSEPrefix != "" {
		prefixes = append(prefixes, router.SSEPrefix)
	}
	return prefixes
}

// reusedNames lists transports shared by both managers, which the old
// manager must leave running on Stop.
func (*State) reusedNames(oldM, newM *manager.Manager) map[string]bool {
	if oldM == nil || newM == nil {
		return nil
	}
	oldT := oldM.Transports()
	keep := map[string]bool{}
	for name, tr := range newM.Transports() {
		if oldT[name] == tr {
			keep[name] = true
		}
	}
	return keep
}

// verifyPreinstalled probes preinstalled on-demand stdio servers with a
// start-then-stop cycle so a missing binary surfaces at activation rather
// than on the first call. Probe failures are logged, not fatal.
func (s *State) verifyPreinstalled(ctx context.Context, cfg *apitypes.McpConfig, mgr *manager.Manager) {
	transports := mgr.Transports()
	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		if !srv.Preinstalled || srv.EffectivePolicy() != apitypes.PolicyOnDemand {
			continue
		}
		tr, ok := transports[srv.Name]
		if !ok || tr.Running() {
			continue
		}
		if err := tr.Start(ctx); err != nil {
			if transport.KindOf(err) == transport.KindInstall {
				logger.Errorf("Preinstalled server %s failed install verification: %v", srv.Name, err)
			} else {
				logger.Errorf("Preinstalled server %s failed to start: %v", srv.Name, err)
			}
			continue
		}
		_ = tr.Stop(ctx)
		logger.Infof("Verified preinstalled server %s", srv.Name)
	}
}

// logIdleServers reports servers no router points at.
func (*State) logIdleServers(cfg *apitypes.McpConfig) {
	referenced := map[string]bool{}
	for _, router := range cfg.Routers {
		referenced[router.Server] = true
	}
	idle := 0
	for _, srv := range cfg.Servers {
		if !referenced[srv.Name] {
			idle++
			logger.Warnf("Server %s has no router prefix, it will sit idle", srv.Name)
		}
	}
	for _, srv := range cfg.HTTPServers {
		if !referenced[srv.Name] {
			idle++
			logger.Warnf("HTTP server %s has no router prefix, it will sit idle", srv.Name)
		}
	}
	if idle > 0 {
		logger.Infof("Config %s/%s has %d idle servers", cfg.TenantName, cfg.Name, idle)
	}
}

// Deactivate removes a config's prefixes and stops its manager. Unknown
// configs are a no-op.
func (s *State) Deactivate(ctx context.Context, tenant, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	key := configKey(tenant, name)
	mgr, ok := old.managers[key]
	if !ok {
		return nil
	}

	next := old.clone()
	for _, prefix := range next.configs[key] {
		delete(next.prefixes, prefix)
	}
	delete(next.configs, key)
	delete(next.managers, key)
	delete(next.versions, key)
	s.snap.Store(next)

	s.retire(ctx, mgr, nil, key)
	logger.Infow("deactivated config", "tenant", tenant, "name", name)
	return nil
}

// Reload fetches all configs from the source and reconciles: live configs
// are re-activated (reusing unchanged transports) and configs that
// disappeared are deactivated.
func (s *State) Reload(ctx context.Context, source ConfigSource) error {
	configs, err := source.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}

	seen := map[string]bool{}
	var errs []error
	for _, cfg := range configs {
		if cfg.Deleted() {
			continue
		}
		seen[configKey(cfg.TenantName, cfg.Name)] = true
		if err := s.Activate(ctx, cfg); err != nil {
			logger.Errorf("Failed to activate %s/%s: %v", cfg.TenantName, cfg.Name, err)
			errs = append(errs, err)
		}
	}

	for key := range s.snap.Load().configs {
		if seen[key] {
			continue
		}
		tenant, name, _ := strings.Cut(key, "/")
		if err := s.Deactivate(ctx, tenant, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close deactivates everything. Managers kept alive for pinned sessions
// are stopped too; shutdown outranks session draining.
func (s *State) Close(ctx context.Context) {
	for key := range s.snap.Load().configs {
		tenant, name, _ := strings.Cut(key, "/")
		_ = s.Deactivate(ctx, tenant, name)
	}

	s.refMu.Lock()
	leftover := s.retired
	s.retired = map[*manager.Manager]map[string]bool{}
	s.refs = map[*manager.Manager]int{}
	s.refMu.Unlock()
	for mgr := range leftover {
		_ = mgr.Stop(ctx, nil)
	}
}
