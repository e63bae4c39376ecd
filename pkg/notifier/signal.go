package notifier

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/myunla/gateway/pkg/logger"
)

// SignalNotifier delivers updates inside one process and relays SIGHUP as
// a full-reload signal. With a PID file configured, Notify also sends
// SIGHUP to the process recorded there, so an out-of-band `kill -HUP`
// replacement works across processes on one host.
type SignalNotifier struct {
	role    Role
	pidFile string

	b broadcaster

	mu       sync.Mutex
	stopHUP  context.CancelFunc
	hupSetup bool
}

// NewSignal builds a signal notifier. pidFile may be empty, in which case
// Notify only reaches in-process watchers.
func NewSignal(role Role, pidFile string) *SignalNotifier {
	return &SignalNotifier{role: role, pidFile: pidFile}
}

// Watch registers a watcher and, for the first one, installs the SIGHUP
// relay.
func (s *SignalNotifier) Watch(_ context.Context) (<-chan *UpdateEvent, error) {
	if !s.role.CanReceive() {
		return nil, ErrCannotReceive
	}
	ch, err := s.b.add()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hupSetup {
		hupCtx, cancel := context.WithCancel(context.Background())
		s.stopHUP = cancel
		s.hupSetup = true

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP)
		go func() {
			defer signal.Stop(sigs)
			for {
				select {
				case <-hupCtx.Done():
					return
				case <-sigs:
					logger.Infof("Received SIGHUP, broadcasting reload")
					s.b.publish(nil)
				}
			}
		}()
	}
	return ch, nil
}

// Notify broadcasts in-process and signals the PID-file process if one is
// configured.
func (s *SignalNotifier) Notify(_ context.Context, event *UpdateEvent) error {
	if !s.role.CanSend() {
		return ErrCannotSend
	}
	s.b.publish(event)

	if s.pidFile == "" {
		return nil
	}
	raw, err := os.ReadFile(s.pidFile)
	if err != nil {
		return fmt.Errorf("read pid file %s: %w", s.pidFile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid pid in %s: %w", s.pidFile, err)
	}
	if pid == os.Getpid() {
		// Already notified in-process.
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	logger.Infof("Sent SIGHUP to pid %d", pid)
	return nil
}

// Close tears down the SIGHUP relay and all watch channels.
func (s *SignalNotifier) Close() error {
	s.mu.Lock()
	if s.stopHUP != nil {
		s.stopHUP()
		s.stopHUP = nil
		s.hupSetup = false
	}
	s.mu.Unlock()
	s.b.close()
	return nil
}

// WritePIDFile records the current process id for signal-based reloads.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile deletes the PID file, ignoring a missing one.
func RemovePIDFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Failed to remove pid file %s: %v", path, err)
	}
}
