package api

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/xfeldman/cfctl/internal/protocol"
)

// LockTable hands out one mutex per instance. Entries are created on first
// use and dropped when nobody holds or waits for them.
type LockTable struct {
	mu    sync.Mutex
	locks map[protocol.InstanceID]*instanceLock
}

type instanceLock struct {
	ch   chan struct{}
	refs int
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[protocol.InstanceID]*instanceLock)}
}

// LockInstance blocks until the lock for id is held or ctx is done. The
// returned func releases the lock and is safe to call more than once.
func (t *LockTable) LockInstance(ctx context.Context, id protocol.InstanceID) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &instanceLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	default:
		if err := waitLock(ctx, l); err != nil {
			t.release(id, l)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			t.release(id, l)
		})
	}, nil
}

// waitLock blocks for a contended lock. A worker slot carried by ctx is
// given back for the wait and taken again once the lock is held, so a lock
// is never awaited while holding a slot.
func waitLock(ctx context.Context, l *instanceLock) error {
	slot, _ := ctx.Value(slotKey{}).(*workerSlot)
	gaveBack := slot != nil && slot.giveBack()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if gaveBack {
		if err := slot.take(ctx); err != nil {
			<-l.ch
			return err
		}
	}
	return nil
}

func (t *LockTable) release(id protocol.InstanceID, l *instanceLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

// Len returns the number of instances with a held or awaited lock.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// gate is a context-aware mutex.
type gate chan struct{}

func newGate() gate { return make(gate, 1) }

func (g gate) lock(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g gate) unlock() { <-g }

// workerSlot is one unit of the dispatcher's worker pool, owned by a single
// request.
type workerSlot struct {
	sem  *semaphore.Weighted
	mu   sync.Mutex
	held bool
}

type slotKey struct{}

func withWorkerSlot(ctx context.Context, slot *workerSlot) context.Context {
	return context.WithValue(ctx, slotKey{}, slot)
}

func (w *workerSlot) take(ctx context.Context) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.mu.Lock()
	w.held = true
	w.mu.Unlock()
	return nil
}

// giveBack releases the slot if it is held and reports whether it was.
func (w *workerSlot) giveBack() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.held {
		return false
	}
	w.held = false
	w.sem.Release(1)
	return true
}
