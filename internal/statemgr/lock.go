// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package statemgr defines the locking vocabulary shared by the lock table
// client and the state coordinator: lock metadata, the Locker contract, and
// the no-op variant used when locking is disabled.
package statemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/constellaxion-ai/statestore/version"
)

// Locker is the mutual-exclusion contract over a named lock. Implementations
// must guarantee that between two concurrent TryAcquire calls for the same
// unexpired lock name, exactly one succeeds.
type Locker interface {
	// TryAcquire attempts a single conditional acquisition. It returns true
	// on success and false, with no side effects, when the lock is held by a
	// different unexpired holder. Errors are reserved for infrastructure
	// failures, not contention.
	TryAcquire(ctx context.Context, lockName string, info *LockInfo, ttl time.Duration) (bool, error)

	// Release clears the lock when holderID is the current holder. Releasing
	// a lock that is already gone or expired is a no-op, not an error.
	// Releasing a lock owned by someone else fails with ErrNotHolder.
	Release(ctx context.Context, lockName, holderID string) error

	// Renew extends the expiry of a lock currently held by holderID.
	// Renewing a lock that is absent, expired, or owned by someone else
	// fails with ErrNotHolder.
	Renew(ctx context.Context, lockName, holderID string, ttl time.Duration) error
}

// ErrNotHolder reports a release or renew attempted against a lock owned by a
// different holder. This is a programming error on the caller's side and is
// never retried or swallowed.
var ErrNotHolder = errors.New("not the current lock holder")

// LockInfo stores metadata alongside a lock record so that a blocked operator
// can see who is holding the lock and since when.
type LockInfo struct {
	// Unique ID for the lock, doubling as the holder identity used for
	// conditional release. NewLockInfo generates this.
	ID string

	// Operation describes what the holder is doing, e.g. "state update".
	Operation string

	// Info is extra caller-supplied context about the lock.
	Info string

	// Who is holding the lock, in user@hostname form.
	Who string

	// Version of the tooling that created the lock.
	Version string

	// Created is when the lock was acquired.
	Created time.Time

	// Path to the state object this lock guards.
	Path string
}

// NewLockInfo creates a LockInfo object populated with a fresh ID and the
// identity of the current process.
func NewLockInfo() *LockInfo {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic(fmt.Errorf("failed to generate lock id: %w", err))
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	username := "unknown"
	if userInfo, err := user.Current(); err == nil {
		username = userInfo.Username
	}

	return &LockInfo{
		ID:      id,
		Who:     fmt.Sprintf("%s@%s", username, host),
		Version: version.Version,
		Created: time.Now().UTC(),
	}
}

// Marshal returns a string json representation of the LockInfo.
func (l *LockInfo) Marshal() []byte {
	js, err := json.Marshal(l)
	if err != nil {
		panic(fmt.Errorf("failed to marshal lock info: %#v", l))
	}
	return js
}

// String returns a multi-line string representation of LockInfo.
func (l *LockInfo) String() string {
	tmpl := `Lock Info:
  ID:        %s
  Path:      %s
  Operation: %s
  Who:       %s
  Version:   %s
  Created:   %s
  Info:      %s
`
	return fmt.Sprintf(tmpl, l.ID, l.Path, l.Operation, l.Who, l.Version, l.Created, l.Info)
}

// LockError is returned by Locker implementations to pass along information
// about an existing lock on the same resource.
type LockError struct {
	Info *LockInfo
	Err  error
}

func (e *LockError) Error() string {
	var out string
	if e.Err != nil {
		out = e.Err.Error()
	}
	if e.Info != nil {
		out = fmt.Sprintf("%s\n%s", out, e.Info.String())
	}
	return out
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// NoopLocker implements Locker but holds no locks at all. It stands in for a
// real lock table when locking is disabled, degrading the coordinator to an
// unguarded read-modify-write. This is a reduced guarantee, not an error.
type NoopLocker struct{}

var _ Locker = (*NoopLocker)(nil)

func (NoopLocker) TryAcquire(context.Context, string, *LockInfo, time.Duration) (bool, error) {
	return true, nil
}

func (NoopLocker) Release(context.Context, string, string) error {
	return nil
}

func (NoopLocker) Renew(context.Context, string, string, time.Duration) error {
	return nil
}
