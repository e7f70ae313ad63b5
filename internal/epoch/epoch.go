// Package epoch publishes the current reward epoch for a subject.
package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dropvault/dropclaim/internal/kv"
	"github.com/dropvault/dropclaim/internal/logging"
)

// Epoch is the validity window all claim counters are scoped to. It is
// immutable once published; rotation supersedes it with a new one.
type Epoch struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining returns the time left in the epoch, floored at zero.
func (e Epoch) Remaining(now time.Time) time.Duration {
	remaining := e.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the epoch has ended.
func (e Epoch) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Manager publishes the active epoch through the atomic store. The current
// epoch lives under a single key, so concurrent readers during a rotation
// see either the old or the new epoch in full, never a mix.
type Manager struct {
	store    kv.Store
	subject  string
	duration time.Duration
	log      *logging.Logger
	now      func() time.Time
}

// NewManager creates an epoch manager for the given subject. duration is
// used when the manager has to self-rotate an expired or missing epoch.
func NewManager(store kv.Store, subject string, duration time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDefault("epoch")
	}
	return &Manager{
		store:    store,
		subject:  subject,
		duration: duration,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) currentKey() string {
	return "epoch:current:" + m.subject
}

// Current returns the active epoch, rotating first if none is published or
// the published one has expired.
func (m *Manager) Current(ctx context.Context) (Epoch, error) {
	raw, found, err := m.store.Get(ctx, m.currentKey())
	if err != nil {
		return Epoch{}, fmt.Errorf("read current epoch: %w", err)
	}

	if found {
		var ep Epoch
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			return Epoch{}, fmt.Errorf("decode current epoch: %w", err)
		}
		if !ep.Expired(m.now()) {
			return ep, nil
		}
		return m.rotateFrom(ctx, ep.ID, "")
	}

	return m.rotateFrom(ctx, "", "")
}

// Publish installs an externally chosen epoch id as the new current epoch.
// This is the hook the out-of-band rotation trigger calls.
func (m *Manager) Publish(ctx context.Context, epochID string) (Epoch, error) {
	if epochID == "" {
		return Epoch{}, fmt.Errorf("epoch id required")
	}
	current, _, err := m.currentID(ctx)
	if err != nil {
		return Epoch{}, err
	}
	if current == epochID {
		return Epoch{}, fmt.Errorf("epoch %s is already current", epochID)
	}
	return m.rotateFrom(ctx, current, epochID)
}

func (m *Manager) currentID(ctx context.Context) (string, Epoch, error) {
	raw, found, err := m.store.Get(ctx, m.currentKey())
	if err != nil || !found {
		return "", Epoch{}, err
	}
	var ep Epoch
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return "", Epoch{}, err
	}
	return ep.ID, ep, nil
}

// rotateFrom installs a successor to prevID. A per-transition guard key makes
// exactly one caller perform the write when several observe the expiry at
// once; the rest re-read the published value.
func (m *Manager) rotateFrom(ctx context.Context, prevID, nextID string) (Epoch, error) {
	if nextID == "" {
		nextID = uuid.New().String()
	}

	guard := fmt.Sprintf("epoch:rotate:%s:%s", m.subject, prevID)
	won, err := m.store.SetNX(ctx, guard, nextID, m.duration)
	if err != nil {
		return Epoch{}, fmt.Errorf("rotation guard: %w", err)
	}

	if won {
		now := m.now()
		ep := Epoch{
			ID:        nextID,
			SubjectID: m.subject,
			StartedAt: now,
			ExpiresAt: now.Add(m.duration),
		}
		raw, err := json.Marshal(ep)
		if err != nil {
			return Epoch{}, err
		}
		if err := m.store.Set(ctx, m.currentKey(), string(raw), 0); err != nil {
			return Epoch{}, fmt.Errorf("publish epoch: %w", err)
		}
		m.log.WithFields(map[string]interface{}{
			"subject":  m.subject,
			"epoch_id": ep.ID,
			"expires":  ep.ExpiresAt,
		}).Info("epoch rotated")
		return ep, nil
	}

	// Lost the race; the winner has published by now (or will momentarily).
	raw, found, err := m.store.Get(ctx, m.currentKey())
	if err != nil {
		return Epoch{}, err
	}
	if !found {
		return Epoch{}, fmt.Errorf("epoch rotation in progress for %s", m.subject)
	}
	var ep Epoch
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return Epoch{}, err
	}
	return ep, nil
}
