// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/constellaxion-ai/statestore/internal/objectstore"
	"github.com/constellaxion-ai/statestore/internal/statemgr"
)

// inmemStore is a versioned object store held in memory. Versions append in
// write order, so the history doubles as the commit order for assertions.
type inmemStore struct {
	mu          sync.Mutex
	data        map[string][]inmemVersion
	nextVersion int

	// putErr, when set, fails the next Put.
	putErr error
}

type inmemVersion struct {
	id   objectstore.VersionID
	data []byte
}

func newInmemStore() *inmemStore {
	return &inmemStore{data: map[string][]inmemVersion{}}
}

func (s *inmemStore) Put(_ context.Context, key string, data []byte) (objectstore.VersionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putErr != nil {
		err := s.putErr
		s.putErr = nil
		return "", err
	}

	s.nextVersion++
	v := inmemVersion{
		id:   objectstore.VersionID(fmt.Sprintf("ver%06d", s.nextVersion)),
		data: append([]byte(nil), data...),
	}
	s.data[key] = append(s.data[key], v)
	return v.id, nil
}

func (s *inmemStore) Get(_ context.Context, key string, versionID objectstore.VersionID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.data[key]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", objectstore.ErrNotFound, key)
	}
	if versionID == "" {
		return append([]byte(nil), versions[len(versions)-1].data...), nil
	}
	for _, v := range versions {
		if v.id == versionID {
			return append([]byte(nil), v.data...), nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", objectstore.ErrNotFound, key, versionID)
}

func (s *inmemStore) versions(key string) []inmemVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inmemVersion(nil), s.data[key]...)
}

// inmemLocker is a Locker over a mutex-guarded map, honoring holder identity
// and TTL expiry the way the lock table does.
type inmemLocker struct {
	mu    sync.Mutex
	locks map[string]inmemLock

	// releaseErr, when set, is returned by every Release call.
	releaseErr error
}

type inmemLock struct {
	holder  string
	expires time.Time
}

func newInmemLocker() *inmemLocker {
	return &inmemLocker{locks: map[string]inmemLock{}}
}

var _ statemgr.Locker = (*inmemLocker)(nil)

func (l *inmemLocker) TryAcquire(_ context.Context, lockName string, info *statemgr.LockInfo, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.locks[lockName]; ok && time.Now().Before(existing.expires) {
		return false, nil
	}
	l.locks[lockName] = inmemLock{holder: info.ID, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *inmemLocker) Release(_ context.Context, lockName, holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.releaseErr != nil {
		return l.releaseErr
	}

	existing, ok := l.locks[lockName]
	if !ok || time.Now().After(existing.expires) {
		return nil
	}
	if existing.holder != holderID {
		return fmt.Errorf("releasing %q: %w", lockName, statemgr.ErrNotHolder)
	}
	delete(l.locks, lockName)
	return nil
}

func (l *inmemLocker) Renew(_ context.Context, lockName, holderID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.locks[lockName]
	if !ok || time.Now().After(existing.expires) || existing.holder != holderID {
		return statemgr.ErrNotHolder
	}
	existing.expires = time.Now().Add(ttl)
	l.locks[lockName] = existing
	return nil
}

func (l *inmemLocker) held(lockName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.locks[lockName]
	return ok && time.Now().Before(existing.expires)
}
