package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/myunla/gateway/internal/apiserver"
	"github.com/myunla/gateway/pkg/config"
	"github.com/myunla/gateway/pkg/gateway"
	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/notifier"
	"github.com/myunla/gateway/pkg/session"
)

const readHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and management API servers",
		Long: `Start both HTTP listeners: the client-facing gateway and the
management API. Configuration is read from MYUNLA_* environment
variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	store, err := apiserver.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	n, err := notifier.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}
	defer n.Close()

	switch cfg.NotifierType {
	case "signal", "composite":
		if err := notifier.WritePIDFile(cfg.PIDFile); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer notifier.RemovePIDFile(cfg.PIDFile)
	}

	sessions, err := newSessionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build session store: %w", err)
	}
	defer sessions.Close()

	state := gateway.NewState(cfg.CallTimeout)
	source := apiserver.Source{Store: store}
	if err := state.Reload(ctx, source); err != nil {
		// Startup proceeds with whatever activated; broken configs are
		// retried on the next notification.
		logger.Warnf("Initial reload finished with errors: %v", err)
	}

	apiSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           apiserver.NewServer(store, n).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	gw := gateway.NewServer(state, sessions, cfg.IdleTimeout, cfg.CallTimeout)
	defer gw.Close()
	gwSrv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("Management API listening on %s", cfg.APIAddr)
		return serveHTTP(apiSrv)
	})
	group.Go(func() error {
		logger.Infof("Gateway listening on %s", cfg.GatewayAddr)
		return serveHTTP(gwSrv)
	})
	if notifier.Role(cfg.NotifierRole).CanReceive() {
		events, err := n.Watch(groupCtx)
		if err != nil {
			return fmt.Errorf("watch notifier: %w", err)
		}
		group.Go(func() error {
			watchEvents(groupCtx, state, store, source, events)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdown(apiSrv, cfg.ShutdownTimeout)
		shutdown(gwSrv, cfg.ShutdownTimeout)
		return nil
	})

	err = group.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	state.Close(stopCtx)
	return err
}

func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.SessionStore == "redis" {
		return session.NewRedisStore(ctx, cfg.Redis)
	}
	return session.NewMemoryStore(), nil
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown drains the server for at most timeout, then closes whatever is
// still open. Long-lived SSE streams do not count as idle, so the hard
// close is what actually ends them.
func shutdown(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}

// watchEvents applies config update notifications to the runtime state.
// An event without identity (a bare signal reload) reconciles everything
// from the store.
func watchEvents(ctx context.Context, state *gateway.State, store apiserver.ConfigStore, source apiserver.Source, events <-chan *notifier.UpdateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			applyEvent(ctx, state, store, source, event)
		}
	}
}

func applyEvent(ctx context.Context, state *gateway.State, store apiserver.ConfigStore, source apiserver.Source, event *notifier.UpdateEvent) {
	if event == nil || (event.Tenant == "" && event.Name == "") {
		logger.Info("Reloading all configurations")
		if err := state.Reload(ctx, source); err != nil {
			logger.Errorf("Reload failed: %v", err)
		}
		return
	}

	if event.Op == notifier.OpDelete {
		if err := state.Deactivate(ctx, event.Tenant, event.Name); err != nil {
			logger.Errorf("Failed to deactivate %s/%s: %v", event.Tenant, event.Name, err)
		}
		return
	}

	cfg, err := store.Get(ctx, event.Tenant, event.Name)
	if errors.Is(err, apiserver.ErrConfigNotFound) {
		// Deleted (or soft-deleted) between notification and lookup.
		if err := state.Deactivate(ctx, event.Tenant, event.Name); err != nil {
			logger.Errorf("Failed to deactivate %s/%s: %v", event.Tenant, event.Name, err)
		}
		return
	}
	if err != nil {
		logger.Errorf("Failed to load %s/%s after %s notification: %v", event.Tenant, event.Name, event.Op, err)
		return
	}
	if err := state.Activate(ctx, cfg); err != nil {
		logger.Errorf("Failed to activate %s/%s: %v", event.Tenant, event.Name, err)
	}
}
