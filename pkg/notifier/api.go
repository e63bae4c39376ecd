package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/myunla/gateway/pkg/logger"
)

// ReloadPath is the endpoint replicas expose to receive update events.
const ReloadPath = "/_reload"

const apiClientTimeout = 10 * time.Second

// APINotifier propagates update events over plain HTTP: senders POST the
// event JSON to every target's reload endpoint, receivers expose a handler
// that broadcasts incoming events to watchers. The receiving side is an
// http.Handler so the management API server mounts it on its own listener.
type APINotifier struct {
	role    Role
	targets []string
	client  *http.Client

	b broadcaster
}

// NewAPI builds an api notifier. targets are replica base URLs (the
// reload path is appended when missing); they may be empty for
// receiver-only roles.
func NewAPI(role Role, targets []string) *APINotifier {
	return &APINotifier{
		role:    role,
		targets: targets,
		client:  &http.Client{Timeout: apiClientTimeout},
	}
}

// Watch registers a watcher fed by the reload handler.
func (a *APINotifier) Watch(_ context.Context) (<-chan *UpdateEvent, error) {
	if !a.role.CanReceive() {
		return nil, ErrCannotReceive
	}
	return a.b.add()
}

// Notify POSTs the event to every configured target. A nil event is sent
// as an empty body, meaning full reload. Per-target failures are collected
// so one dead replica does not hide the others.
func (a *APINotifier) Notify(ctx context.Context, event *UpdateEvent) error {
	if !a.role.CanSend() {
		return ErrCannotSend
	}
	if len(a.targets) == 0 {
		return errors.New("api notifier has no targets configured")
	}

	var payload []byte
	if event != nil {
		var err error
		payload, err = json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal update event: %w", err)
		}
	}

	var errs []error
	for _, target := range a.targets {
		if err := a.post(ctx, reloadURL(target), payload); err != nil {
			logger.Warnw("api notify target failed", "target", target, "error", err)
			errs = append(errs, fmt.Errorf("notify %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func reloadURL(target string) string {
	if strings.HasSuffix(target, ReloadPath) {
		return target
	}
	return strings.TrimRight(target, "/") + ReloadPath
}

func (a *APINotifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// ServeHTTP implements the reload endpoint. An empty body is a full-reload
// signal; a JSON body names the changed config.
func (a *APINotifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !a.role.CanReceive() {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var event *UpdateEvent
	if len(bytes.TrimSpace(body)) > 0 {
		event = &UpdateEvent{}
		if err := json.Unmarshal(body, event); err != nil {
			logger.Warnw("rejecting malformed reload request", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
			return
		}
		logger.Infow("received config update", "tenant", event.Tenant, "name", event.Name, "op", event.Op)
	} else {
		logger.Infof("Received reload signal without payload")
	}

	a.b.publish(event)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "success", "message": "Reload triggered"})
}

// Close closes all watch channels.
func (a *APINotifier) Close() error {
	a.b.close()
	return nil
}
