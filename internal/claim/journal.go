package claim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dropvault/dropclaim/internal/kv"
	"github.com/dropvault/dropclaim/internal/logging"
)

// JournalEntry records counter decrements that must happen for a rollback.
// The entry is written before the first decrement and deleted only after the
// last one succeeds, so a store fault mid-rollback leaves a durable record
// instead of a silently over-counted entitlement.
type JournalEntry struct {
	ID        string    `json:"id"`
	Keys      []string  `json:"keys"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}

// Journal is the compensating-action log for counter rollbacks.
type Journal struct {
	store kv.Store
	log   *logging.Logger
}

// journalLeaseTTL bounds how long an entry stays invisible to Retry while
// its owner applies it. A crashed owner frees the entry when this expires.
const journalLeaseTTL = 30 * time.Second

// NewJournal creates a journal on the given store.
func NewJournal(store kv.Store, log *logging.Logger) *Journal {
	if log == nil {
		log = logging.NewDefault("claim-journal")
	}
	return &Journal{store: store, log: log}
}

// Apply journals the decrements and then applies them. Keys that decrement
// successfully are removed from the entry; only when all succeed is the
// entry deleted. On partial failure the entry remains for Retry and the
// error is returned so the caller can raise an integrity alert.
func (j *Journal) Apply(ctx context.Context, keys []string, delta int64, reason string) error {
	entry := JournalEntry{
		ID:        uuid.New().String(),
		Keys:      keys,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	// The lease is taken before the entry becomes visible, so Retry can
	// never apply the same decrements concurrently with this call.
	leaseKey := journalLeaseKey(entry.ID)
	if err := j.store.Set(ctx, leaseKey, "1", journalLeaseTTL); err != nil {
		j.log.WithError(err).Warn("failed to lease journal entry")
	}
	defer j.dropLease(ctx, leaseKey)

	if err := j.write(ctx, entry); err != nil {
		// Could not journal; still attempt the decrements directly,
		// surfacing any failure to the caller.
		return j.applyKeys(ctx, &entry)
	}

	if err := j.applyKeys(ctx, &entry); err != nil {
		if werr := j.write(ctx, entry); werr != nil {
			j.log.WithError(werr).Error("failed to persist partial journal entry")
		}
		return err
	}

	return j.store.Del(ctx, journalKey(entry.ID))
}

func (j *Journal) dropLease(ctx context.Context, leaseKey string) {
	if err := j.store.Del(ctx, leaseKey); err != nil {
		j.log.WithError(err).Warn("failed to drop journal lease")
	}
}

// applyKeys decrements the remaining keys, shrinking entry.Keys as it goes.
func (j *Journal) applyKeys(ctx context.Context, entry *JournalEntry) error {
	remaining := entry.Keys[:0]
	var firstErr error
	for _, key := range entry.Keys {
		// Never decrement a key that no longer exists: the epoch has
		// ended and the counter expired, so there is nothing to leak.
		_, found, err := j.store.Get(ctx, key)
		if err != nil {
			remaining = append(remaining, key)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !found {
			continue
		}
		value, err := j.store.IncrBy(ctx, key, entry.Delta)
		if err != nil {
			remaining = append(remaining, key)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if value < 0 {
			// The counter expired between the check and the decrement
			// and was recreated negative. Live counters are never
			// negative; drop the stray key.
			if derr := j.store.Del(ctx, key); derr != nil {
				remaining = append(remaining, key)
				if firstErr == nil {
					firstErr = derr
				}
			}
		}
	}
	entry.Keys = remaining
	entry.Attempts++
	return firstErr
}

func (j *Journal) write(ctx context.Context, entry JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.store.Set(ctx, journalKey(entry.ID), string(raw), 0)
}

// Pending returns all unfinished journal entries.
func (j *Journal) Pending(ctx context.Context) ([]JournalEntry, error) {
	keys, err := j.store.Scan(ctx, journalPrefix)
	if err != nil {
		return nil, err
	}

	entries := make([]JournalEntry, 0, len(keys))
	for _, key := range keys {
		raw, found, err := j.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			j.log.WithError(err).WithField("key", key).Warn("corrupt journal entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Retry re-applies every pending entry. Returns the number of entries that
// completed. Entries that keep failing stay pending for the next pass.
func (j *Journal) Retry(ctx context.Context) (int, error) {
	entries, err := j.Pending(ctx)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, entry := range entries {
		// Claim the entry first. A rollback still applying its own entry
		// holds the lease, and applying it here too would decrement the
		// same counters twice.
		leaseKey := journalLeaseKey(entry.ID)
		claimed, err := j.store.SetNX(ctx, leaseKey, "1", journalLeaseTTL)
		if err != nil || !claimed {
			continue
		}
		if err := j.applyKeys(ctx, &entry); err != nil || len(entry.Keys) > 0 {
			if werr := j.write(ctx, entry); werr != nil {
				j.log.WithError(werr).Error("failed to update journal entry")
			}
			j.log.IntegrityAlert(ctx, "journal_retry_failed", map[string]interface{}{
				"journal_id": entry.ID,
				"attempts":   entry.Attempts,
				"reason":     entry.Reason,
			})
			j.dropLease(ctx, leaseKey)
			continue
		}
		if err := j.store.Del(ctx, journalKey(entry.ID)); err != nil {
			j.log.WithError(err).Warn("failed to delete completed journal entry")
			j.dropLease(ctx, leaseKey)
			continue
		}
		j.dropLease(ctx, leaseKey)
		completed++
	}
	return completed, nil
}
