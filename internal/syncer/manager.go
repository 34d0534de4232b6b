package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start when a sync is in flight.
var ErrAlreadyRunning = errors.New("sync already running")

// Manager supervises the single in-flight sync of one account for serve
// mode: at most one run at a time, cancellable, with the last summary kept
// for the status API.
type Manager struct {
	syncer *Syncer
	log    *zap.Logger

	mu      sync.RWMutex
	cancel  context.CancelFunc
	running bool
	lastRun *Summary
}

// NewManager wraps a Syncer for supervised use.
func NewManager(s *Syncer, log *zap.Logger) *Manager {
	return &Manager{syncer: s, log: log}
}

// Start launches one sync in the background. Returns ErrAlreadyRunning if
// a run is already in flight.
func (m *Manager) Start(ctx context.Context, full bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	go func() {
		defer cancel()
		run, err := m.syncer.Sync(runCtx, full)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("supervised sync failed", zap.Error(err))
		}

		m.mu.Lock()
		m.running = false
		m.cancel = nil
		if run != nil {
			sum := run.Summary()
			m.lastRun = &sum
		}
		m.mu.Unlock()
	}()
	return nil
}

// Stop requests cancellation of the in-flight run, if any. The run drains
// its in-flight fetches and commits a partial checkpoint on its own.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// IsRunning reports whether a sync is in flight.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastRun returns the summary of the most recently completed run, or nil.
func (m *Manager) LastRun() *Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRun
}

// RunPeriodic blocks, running an initial sync and then incremental passes
// on the given interval until ctx is cancelled. Ticks that land while a
// run is still in flight are skipped.
func (m *Manager) RunPeriodic(ctx context.Context, interval time.Duration) {
	if err := m.Start(ctx, false); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		m.log.Error("initial sync failed to start", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Start(ctx, false)
			if errors.Is(err, ErrAlreadyRunning) {
				m.log.Debug("skipping tick, sync still running")
			} else if err != nil {
				m.log.Error("periodic sync failed to start", zap.Error(err))
			}
		}
	}
}
