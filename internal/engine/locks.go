package engine

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"
)

const lockShards = 64

// lockTable is a sharded table of named mutexes with bounded waits.
//
// Each held name owns a one-slot channel: sending acquires, receiving
// releases. Waiting on a channel rather than a sync.Mutex lets Acquire
// give up on context cancellation or timeout. Entries are reference
// counted and dropped when nobody holds or waits on them, so the table
// only grows with concurrency, not with the number of names ever seen.
//
// Thread-safety: all methods are safe for concurrent use.
type lockTable struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	slot chan struct{}
	refs int
}

func newLockTable() *lockTable {
	t := &lockTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*lockEntry)
	}
	return t
}

func (t *lockTable) shard(name string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(name))
	return &t.shards[h.Sum32()%lockShards]
}

func (t *lockTable) ref(name string) *lockEntry {
	s := t.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		e = &lockEntry{slot: make(chan struct{}, 1)}
		s.entries[name] = e
	}
	e.refs++
	return e
}

func (t *lockTable) unref(name string) {
	s := t.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[name]
	e.refs--
	if e.refs == 0 {
		delete(s.entries, name)
	}
}

// errLockTimeout is returned by Acquire when the wait bound passes.
type errLockTimeout struct{ name string }

func (e errLockTimeout) Error() string { return "lock " + e.name + " timed out" }

// Acquire locks name, waiting at most timeout (zero waits until ctx is
// done). The returned func releases the lock and must be called exactly
// once.
func (t *lockTable) Acquire(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	e := t.ref(name)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case e.slot <- struct{}{}:
		return func() {
			<-e.slot
			t.unref(name)
		}, nil
	case <-ctx.Done():
		t.unref(name)
		return nil, ctx.Err()
	case <-expired:
		t.unref(name)
		return nil, errLockTimeout{name: name}
	}
}

// AcquireAll locks every name in sorted order, so two callers locking
// overlapping sets cannot deadlock. Duplicates are locked once. timeout
// bounds each individual wait. On failure nothing stays locked.
func (t *lockTable) AcquireAll(ctx context.Context, names []string, timeout time.Duration) (func(), error) {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, name := range sorted {
		release, err := t.Acquire(ctx, name, timeout)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// Len returns the number of names currently held or awaited.
func (t *lockTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
