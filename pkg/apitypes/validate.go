package apitypes

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every validation failure so callers can
// classify activation errors with errors.Is.
var ErrInvalidConfig = errors.New("invalid mcp config")

// Validate checks the structural invariants required before a config may be
// activated: identity fields present, server definitions consistent with
// their type, router references resolvable, and prefixes unique within the
// config.
func (c *McpConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.TenantName == "" {
		return fmt.Errorf("%w: tenant_name is required", ErrInvalidConfig)
	}

	serverNames := make(map[string]bool, len(c.Servers)+len(c.HTTPServers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("%w: server %d has no name", ErrInvalidConfig, i)
		}
		if serverNames[s.Name] {
			return fmt.Errorf("%w: duplicate server name %q", ErrInvalidConfig, s.Name)
		}
		serverNames[s.Name] = true
		if err := s.validate(); err != nil {
			return err
		}
	}
	for i := range c.HTTPServers {
		h := &c.HTTPServers[i]
		if h.Name == "" {
			return fmt.Errorf("%w: http server %d has no name", ErrInvalidConfig, i)
		}
		if serverNames[h.Name] {
			return fmt.Errorf("%w: duplicate server name %q", ErrInvalidConfig, h.Name)
		}
		serverNames[h.Name] = true
		if h.URL == "" {
			return fmt.Errorf("%w: http server %q has no url", ErrInvalidConfig, h.Name)
		}
		for _, toolName := range h.Tools {
			if c.FindTool(toolName) == nil {
				return fmt.Errorf("%w: http server %q references unknown tool %q",
					ErrInvalidConfig, h.Name, toolName)
			}
		}
	}

	prefixes := make(map[string]bool, len(c.Routers))
	for i := range c.Routers {
		r := &c.Routers[i]
		if r.Prefix == "" {
			return fmt.Errorf("%w: router %d has no prefix", ErrInvalidConfig, i)
		}
		if prefixes[r.Prefix] {
			return fmt.Errorf("%w: duplicate router prefix %q", ErrInvalidConfig, r.Prefix)
		}
		prefixes[r.Prefix] = true
		if r.SSEPrefix != "" {
			if prefixes[r.SSEPrefix] {
				return fmt.Errorf("%w: duplicate router prefix %q", ErrInvalidConfig, r.SSEPrefix)
			}
			prefixes[r.SSEPrefix] = true
		}
		if !serverNames[r.Server] {
			return fmt.Errorf("%w: router %q references unknown server %q",
				ErrInvalidConfig, r.Prefix, r.Server)
		}
	}

	return nil
}

func (s *McpServer) validate() error {
	switch s.Type {
	case ServerTypeStdio:
		if s.Command == "" {
			return fmt.Errorf("%w: stdio server %q has no command", ErrInvalidConfig, s.Name)
		}
	case ServerTypeSSE, ServerTypeStreamable:
		if s.URL == "" {
			return fmt.Errorf("%w: %s server %q has no url", ErrInvalidConfig, s.Type, s.Name)
		}
	default:
		return fmt.Errorf("%w: server %q has unsupported type %q", ErrInvalidConfig, s.Name, s.Type)
	}
	switch s.Policy {
	case "", PolicyOnStart, PolicyOnDemand:
	default:
		return fmt.Errorf("%w: server %q has unsupported policy %q", ErrInvalidConfig, s.Name, s.Policy)
	}
	return nil
}

// EffectivePolicy returns the server's connect policy, defaulting to
// on_demand when unset.
func (s *McpServer) EffectivePolicy() ConnectPolicy {
	if s.Policy == "" {
		return PolicyOnDemand
	}
	return s.Policy
}
