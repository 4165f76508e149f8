package service

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningGuard

// ─────────────────────────────────────────────────────────────
// runningGuard: one writer per store table
// ─────────────────────────────────────────────────────────────

// runningGuard grants exclusive access to a (store file, table) target.
// It records which source holds each target so a refused caller can say
// what it is waiting on.
type runningGuard struct {
	mu      sync.Mutex
	holders map[string]string
	wg      sync.WaitGroup
}

// storeKey identifies a store target; the path is made absolute so two
// spellings of the same file collide.
func storeKey(dbPath, table string) string {
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	return dbPath + "|" + table
}

// TryLock claims key for holder. When key is taken it returns false and
// the current holder.
func (g *runningGuard) TryLock(key, holder string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders == nil {
		g.holders = make(map[string]string)
	}
	if cur, ok := g.holders[key]; ok {
		return cur, false
	}
	g.holders[key] = holder
	g.wg.Add(1)
	return holder, true
}

// Unlock releases key. Must be called after TryLock returned true.
func (g *runningGuard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.holders[key]; !ok {
		return
	}
	delete(g.holders, key)
	g.wg.Done()
}

// Running lists the held keys.
func (g *runningGuard) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.holders))
	for k := range g.holders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WaitAll blocks until every held key is released or ctx is cancelled.
func (g *runningGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
