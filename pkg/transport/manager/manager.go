// Package manager aggregates the transports of one McpConfig and routes
// tool calls to the transport owning each tool name.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/session"
	"github.com/myunla/gateway/pkg/transport"
)

// DefaultStopTimeout bounds how long Stop waits for each transport before
// abandoning it.
const DefaultStopTimeout = 5 * time.Second

// Manager owns the {server name → Transport} mapping of one activated
// config. It is stateless regarding individual calls and never retries a
// call across transports.
type Manager struct {
	config      *apitypes.McpConfig
	order       []string
	transports  map[string]transport.Transport
	callTimeout time.Duration
	stopTimeout time.Duration

	mu     sync.RWMutex
	routes map[string]string // tool name → server name, first registered wins
	tools  []mcp.Tool

	rootCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithCallTimeout sets the per-call timeout for HTTP-backed tools.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// WithStopTimeout overrides the per-transport shutdown timeout.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) { m.stopTimeout = d }
}

// WithReuse carries transports from a previous activation of the same
// config. A transport is reused only when its server definition is
// unchanged; reused instances keep their connections.
func WithReuse(prev map[string]transport.Transport, prevConfig *apitypes.McpConfig) Option {
	return func(m *Manager) {
		if prev == nil || prevConfig == nil {
			return
		}
		for i := range m.config.Servers {
			srv := &m.config.Servers[i]
			old := prevConfig.FindServer(srv.Name)
			if old == nil || !sameServer(old, srv) {
				continue
			}
			if tr, ok := prev[srv.Name]; ok {
				m.transports[srv.Name] = tr
				logger.Infof("Reusing transport for unchanged server %s", srv.Name)
			}
		}
	}
}

func sameServer(a, b *apitypes.McpServer) bool {
	if a.Type != b.Type || a.URL != b.URL || a.Command != b.Command {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}

// New builds a manager from one config: one transport per McpServer plus
// one HTTP-tool transport per HttpServer, in config order.
func New(config *apitypes.McpConfig, opts ...Option) (*Manager, error) {
	rootCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:      config,
		transports:  map[string]transport.Transport{},
		routes:      map[string]string{},
		stopTimeout: DefaultStopTimeout,
		rootCtx:     rootCtx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := range config.Servers {
		srv := &config.Servers[i]
		if _, reused := m.transports[srv.Name]; reused {
			m.order = append(m.order, srv.Name)
			continue
		}
		tr, err := transport.New(srv)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build transport for server %s: %w", srv.Name, err)
		}
		m.transports[srv.Name] = tr
		m.order = append(m.order, srv.Name)
	}
	for i := range config.HTTPServers {
		srv := &config.HTTPServers[i]
		m.transports[srv.Name] = transport.NewHTTPTool(srv, config.Tools, m.callTimeout)
		m.order = append(m.order, srv.Name)
	}
	return m, nil
}

// Transports exposes the live transport map so a re-activation can reuse
// unchanged instances.
func (m *Manager) Transports() map[string]transport.Transport {
	out := make(map[string]transport.Transport, len(m.transports))
	for name, tr := range m.transports {
		out[name] = tr
	}
	return out
}

// Start connects every transport whose policy is on_start (HTTP-tool
// transports always start; they hold no connection). Any connect failure
// fails the whole start, which fails activation.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.order {
		tr := m.transports[name]
		srv := m.config.FindServer(name)
		if srv != nil && srv.EffectivePolicy() != apitypes.PolicyOnStart {
			continue
		}
		g.Go(func() error {
			if err := tr.Start(ctx); err != nil {
				return fmt.Errorf("start server %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// FetchAllTools unions every transport's tool list in config order,
// applying the first-wins rule on name collisions. An unreachable upstream
// is logged and skipped so the remaining servers stay usable.
func (m *Manager) FetchAllTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, cancel := m.callContext(ctx)
	defer cancel()

	routes := map[string]string{}
	var tools []mcp.Tool
	for _, name := range m.order {
		tr := m.transports[name]
		fetched, err := tr.FetchTools(ctx)
		if err != nil {
			logger.Errorf("Failed to fetch tools from server %s: %v", name, err)
			continue
		}
		for _, tool := range fetched {
			if owner, taken := routes[tool.Name]; taken {
				logger.Warnf("Tool %s from server %s shadowed by server %s", tool.Name, name, owner)
				continue
			}
			routes[tool.Name] = name
			tools = append(tools, tool)
		}
	}

	m.mu.Lock()
	m.routes = routes
	m.tools = tools
	m.mu.Unlock()
	return tools, nil
}

// Tools returns the cached union from the last FetchAllTools.
func (m *Manager) Tools() []mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tools
}

func (m *Manager) route(ctx context.Context, toolName string) (transport.Transport, string, error) {
	m.mu.RLock()
	empty := len(m.routes) == 0
	m.mu.RUnlock()
	if empty {
		if _, err := m.FetchAllTools(ctx); err != nil {
			return nil, "", err
		}
	}

	m.mu.RLock()
	owner, ok := m.routes[toolName]
	m.mu.RUnlock()
	if !ok {
		return nil, "", &transport.Error{
			Kind: transport.KindToolNotFound,
			Err:  fmt.Errorf("no server provides tool %q", toolName),
		}
	}
	return m.transports[owner], owner, nil
}

// CallTool delegates the call to the transport owning the tool.
func (m *Manager) CallTool(
	ctx context.Context, params mcp.CallToolParams, req *session.RequestInfo,
) (*mcp.CallToolResult, error) {
	ctx, cancel := m.callContext(ctx)
	defer cancel()

	tr, _, err := m.route(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	return tr.CallTool(ctx, params, req)
}

// CallToolStreaming delegates a streaming call to the owning transport.
func (m *Manager) CallToolStreaming(
	ctx context.Context, params mcp.CallToolParams, req *session.RequestInfo,
) (<-chan transport.StreamChunk, error) {
	ctx, cancel := m.callContext(ctx)
	defer cancel()

	tr, _, err := m.route(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	return tr.CallToolStreaming(ctx, params, req)
}

// callContext ties a call to the manager lifetime so Stop cancels
// everything outstanding.
func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(m.rootCtx, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

// Stop cancels outstanding calls and closes every transport, waiting at
// most the stop timeout per transport before abandoning it. Transports
// named in keep are left running (reused by a newer manager).
func (m *Manager) Stop(ctx context.Context, keep map[string]bool) error {
	m.cancel()

	var wg sync.WaitGroup
	for _, name := range m.order {
		if keep[name] {
			continue
		}
		tr := m.transports[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- tr.Stop(stopCtx) }()
			select {
			case err := <-done:
				if err != nil {
					logger.Errorf("Error stopping transport %s: %v", name, err)
				}
			case <-stopCtx.Done():
				logger.Warnf("Abandoning slow transport %s after %s", name, m.stopTimeout)
			}
		}()
	}
	wg.Wait()
	return nil
}
