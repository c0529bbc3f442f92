// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package coordinator ties the object store and the lock table together into
// the one safe way to mutate state: acquire the key's lock, read the current
// version, apply the caller's transition, write the result as a new version,
// release the lock.
//
// If a holder crashes or outlives the lock TTL, the record self-expires and
// another caller can acquire it. That is a deliberate availability-over-
// strict-mutual-exclusion trade-off inherited from the lock table.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/constellaxion-ai/statestore/internal/objectstore"
	"github.com/constellaxion-ai/statestore/internal/statemgr"
)

// ObjectStore is the slice of the object store surface the coordinator needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (objectstore.VersionID, error)
	Get(ctx context.Context, key string, versionID objectstore.VersionID) ([]byte, error)
}

// ErrLockTimeout reports that the lock could not be acquired within the
// configured attempt budget. The resource is busy; retry later or escalate.
var ErrLockTimeout = errors.New("timed out waiting for state lock")

// OperationError wraps a failure of the caller-supplied state transition
// function. The lock has already been released by the time this is returned,
// and no new version was written.
type OperationError struct {
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("state operation failed: %s", e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Config holds the operational tuning values for lock acquisition. The zero
// value selects the defaults; all of these are deployment-specific knobs with
// no single correct setting.
type Config struct {
	// LockTTL is how long an acquisition lasts before the record
	// self-expires. It bounds how long a crashed holder can block others.
	LockTTL time.Duration

	// MaxAttempts caps the number of TryAcquire calls per WithLock.
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt; it doubles
	// per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultLockTTL        = 30 * time.Second
	defaultMaxAttempts    = 8
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
)

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Coordinator owns the lifecycle of lock records and mediates every write to
// the state store. Locks are key-scoped: WithLock calls on different keys
// never contend.
type Coordinator struct {
	store ObjectStore
	locks statemgr.Locker
	cfg   Config
}

// New returns a Coordinator using the given store and locker. Passing a nil
// locker selects the no-op variant: WithLock then degrades to an unguarded
// read-modify-write, which is a reduced guarantee rather than an error.
func New(store ObjectStore, locks statemgr.Locker, cfg Config) *Coordinator {
	if locks == nil {
		locks = statemgr.NoopLocker{}
	}
	return &Coordinator{
		store: store,
		locks: locks,
		cfg:   cfg.withDefaults(),
	}
}

// lockName derives the lock record name for a state key.
func lockName(key string) string {
	return key + "-lock"
}

// WithLock acquires the lock for key, reads the current state (nil when no
// version was ever written), applies op, writes the result as a new version,
// and releases the lock. The release happens in a deferred block, so the lock
// is let go even when op or the write fails; an op failure is surfaced as an
// *OperationError after the release. On return with a non-nil error and a
// non-empty VersionID the new version was committed but the release failed.
func (c *Coordinator) WithLock(ctx context.Context, key string, op func(current []byte) ([]byte, error)) (versionID objectstore.VersionID, err error) {
	info := statemgr.NewLockInfo()
	info.Path = key
	info.Operation = "state update"

	name := lockName(key)

	if err := c.acquire(ctx, name, info); err != nil {
		return "", err
	}

	defer func() {
		// Release must run even when the surrounding ctx is already
		// canceled, otherwise every abandoned call would leave the lock
		// pinned until its TTL.
		relErr := c.locks.Release(context.WithoutCancel(ctx), name, info.ID)
		if relErr == nil {
			return
		}
		relErr = fmt.Errorf("failed to release lock %q: %w", name, relErr)
		if err == nil {
			err = relErr
		} else {
			err = multierror.Append(err, relErr)
		}
	}()

	current, err := c.store.Get(ctx, key, "")
	if err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			return "", err
		}
		// First write for this key: an empty initial state is valid.
		current = nil
		err = nil
	}

	next, opErr := op(current)
	if opErr != nil {
		return "", &OperationError{Err: opErr}
	}

	versionID, err = c.store.Put(ctx, key, next)
	if err != nil {
		return "", err
	}
	return versionID, nil
}

// acquire runs the bounded retry loop around TryAcquire. The wait between
// attempts doubles from InitialBackoff up to MaxBackoff and is cut short when
// ctx is canceled; abandoning here has no side effects because no acquisition
// has succeeded yet.
func (c *Coordinator) acquire(ctx context.Context, name string, info *statemgr.LockInfo) error {
	backoff := c.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		ok, err := c.locks.TryAcquire(ctx, name, info, c.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquiring lock %q: %w", name, err)
		}
		if ok {
			return nil
		}
		if attempt >= c.cfg.MaxAttempts {
			return fmt.Errorf("%w: lock %q still held after %d attempts", ErrLockTimeout, name, attempt)
		}

		log.Printf("[TRACE] coordinator: lock %q busy, retrying in %s (attempt %d of %d)",
			name, backoff, attempt, c.cfg.MaxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}
