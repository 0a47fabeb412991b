// Package callstate turns host roster notifications into registry snapshots.
package callstate

import (
	"context"
	"sync"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Watcher forwards the active participants of the host's call to a
// Reconciler on every roster change.
type Watcher struct {
	roster domain.Roster
	target domain.Reconciler
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	stopped     bool
	syncing     bool
	dirty       bool
	unsubscribe func()
	idle        *sync.Cond
}

// NewWatcher creates a stopped watcher.
func NewWatcher(roster domain.Roster, target domain.Reconciler) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		roster: roster,
		target: target,
		logger: logging.Module("callstate"),
		ctx:    ctx,
		cancel: cancel,
	}
	w.idle = sync.NewCond(&w.mu)
	return w
}

// Start subscribes to roster changes and runs the initial sync.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	unsubscribe := w.roster.Subscribe(w.notify)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		unsubscribe()
		return
	}
	w.unsubscribe = unsubscribe
	w.mu.Unlock()

	w.logger.Info().Msg("watching roster")
	w.notify()
}

// Stop unsubscribes and waits for a running sync. Calls after the first are
// no-ops.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.dirty = false
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.cancel()
	for w.syncing {
		w.idle.Wait()
	}
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	w.logger.Info().Msg("stopped")
}

// notify runs a sync, or marks one pending if a sync is already running.
// Any number of notifications during a sync result in exactly one more.
func (w *Watcher) notify() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.syncing {
		w.dirty = true
		w.mu.Unlock()
		return
	}
	w.syncing = true
	w.mu.Unlock()

	for {
		w.sync()

		w.mu.Lock()
		if !w.dirty || w.stopped {
			w.syncing = false
			w.dirty = false
			w.idle.Broadcast()
			w.mu.Unlock()
			return
		}
		w.dirty = false
		w.mu.Unlock()
	}
}

func (w *Watcher) sync() {
	participants, err := w.roster.Participants(w.ctx)
	switch {
	case errors.Is(err, domain.ErrNoActiveCall):
		w.logger.Debug().Msg("no active call")
		participants = nil
	case err != nil:
		w.logger.Warn().Err(err).Msg("roster fetch failed, treating as empty")
		participants = nil
	}

	active := Active(participants)
	w.logger.Debug().Int("active", len(active)).Msg("roster changed")
	w.target.Reconcile(active)
}

// Active keeps the participants that are streaming: not disabled and with a
// stream id.
func Active(participants []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Disabled || p.StreamID == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
