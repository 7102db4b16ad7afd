package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groenwerk/fieldsync/internal/backoff"
	"github.com/groenwerk/fieldsync/internal/domain"
	"github.com/groenwerk/fieldsync/internal/ratelimiter"
	"github.com/groenwerk/fieldsync/internal/store"
)

// Connectivity reports whether the device currently has a usable uplink.
// Implemented by netmon.Monitor.
type Connectivity interface {
	Online() bool
}

// Hooks carries the metric callback functions injected by main.
// Using a struct keeps the engine metrics-agnostic (same pattern as the
// change subscribers, but for counters that need latency and type labels).
type Hooks struct {
	OnCompleted func(itemType string, latency time.Duration)
	OnFailed    func(itemType string)
	OnCounts    func(counts domain.Counts)
}

func (h *Hooks) normalize() {
	if h.OnCompleted == nil {
		h.OnCompleted = func(string, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(string) {}
	}
	if h.OnCounts == nil {
		h.OnCounts = func(domain.Counts) {}
	}
}

// Engine owns all queue state. It is the only writer: items are mutated in
// memory and flushed to the store write-through on every transition. The store
// is a durable mirror, not a second writer — persistence failures are logged
// but never roll back an in-memory transition.
type Engine struct {
	store      store.Store
	net        Connectivity
	policy     *backoff.Policy
	limiter    *ratelimiter.TypeLimiters
	registry   *Registry
	maxRetries int
	logger     *zap.Logger
	hooks      Hooks

	// removeFile and now are swapped out in tests.
	removeFile func(path string) error
	now        func() int64

	mu          sync.Mutex
	items       []domain.QueueItem
	subscribers []func(domain.Counts)

	// passMu serializes sync passes: TryLock gives the
	// at-most-one-pass-in-flight guarantee without queueing callers.
	passMu  sync.Mutex
	syncing atomic.Bool
}

// DefaultMaxRetries is the automatic retry budget per item.
const DefaultMaxRetries = 3

// New constructs an Engine. Call Init before use to load persisted state.
func New(
	st store.Store,
	net Connectivity,
	policy *backoff.Policy,
	limiter *ratelimiter.TypeLimiters,
	maxRetries int,
	logger *zap.Logger,
	hooks Hooks,
) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	hooks.normalize()
	return &Engine{
		store:      st,
		net:        net,
		policy:     policy,
		limiter:    limiter,
		registry:   NewRegistry(),
		maxRetries: maxRetries,
		logger:     logger,
		hooks:      hooks,
		removeFile: os.Remove,
		now:        domain.NowMillis,
	}
}

// Init loads the persisted queue and recovers items that were mid-flight when
// the previous process died: uploading is never a stable state, so any item
// found in it reverts to pending.
func (e *Engine) Init(ctx context.Context) error {
	items, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	recovered := 0
	for i := range items {
		if items[i].Status == domain.StatusUploading {
			items[i].Status = domain.StatusPending
			recovered++
		}
	}

	e.mu.Lock()
	e.items = items
	if recovered > 0 {
		e.persistLocked(ctx)
	}
	counts, subs := e.snapshotNotifyLocked()
	e.mu.Unlock()

	if recovered > 0 {
		e.logger.Info("recovered in-flight items from previous run",
			zap.Int("count", recovered))
	}
	e.notify(counts, subs)
	return nil
}

// RegisterHandler installs the upload handler for an item type.
// The last registration for a type wins.
func (e *Engine) RegisterHandler(itemType string, h Handler) {
	e.registry.Register(itemType, h)
}

// HandlerTypes returns the item types that currently have a handler.
func (e *Engine) HandlerTypes() []string {
	return e.registry.Types()
}

// OnChange registers a subscriber invoked with fresh counts after every
// persisted state change, so UI callers can reflect queue depth live.
func (e *Engine) OnChange(fn func(domain.Counts)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Add enqueues a new pending item and opportunistically kicks off a sync pass.
func (e *Engine) Add(ctx context.Context, req domain.AddRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	item := domain.QueueItem{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Data:      req.Data,
		LocalPath: req.LocalPath,
		CreatedAt: e.now(),
		Status:    domain.StatusPending,
	}

	e.mu.Lock()
	e.items = append(e.items, item)
	e.persistLocked(ctx)
	counts, subs := e.snapshotNotifyLocked()
	e.mu.Unlock()
	e.notify(counts, subs)

	e.logger.Info("item enqueued",
		zap.String("item_id", item.ID), zap.String("type", item.Type))

	go func() {
		_ = e.Sync(context.Background())
	}()
	return item.ID, nil
}

// Snapshot returns a copy of the current ordered queue.
func (e *Engine) Snapshot() []domain.QueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.QueueItem, len(e.items))
	copy(out, e.items)
	return out
}

// Counts tallies items per status.
func (e *Engine) Counts() domain.Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countsLocked()
}

// IsSyncing reports whether a sync pass is currently in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// Remove deletes an item regardless of status.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	e.items = append(e.items[:idx], e.items[idx+1:]...)
	e.persistLocked(ctx)
	counts, subs := e.snapshotNotifyLocked()
	e.mu.Unlock()
	e.notify(counts, subs)
	return nil
}

// ClearCompleted removes all completed items, preserving the order of the
// rest. Returns the number of items removed.
func (e *Engine) ClearCompleted(ctx context.Context) int {
	e.mu.Lock()
	kept := e.items[:0]
	removed := 0
	for _, it := range e.items {
		if it.Status == domain.StatusCompleted {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	e.items = kept
	if removed > 0 {
		e.persistLocked(ctx)
	}
	counts, subs := e.snapshotNotifyLocked()
	e.mu.Unlock()
	e.notify(counts, subs)
	return removed
}

// Retry re-enqueues a failed item on explicit user action. The retry budget
// starts over: the user asking again is a fresh grant of attempts.
func (e *Engine) Retry(ctx context.Context, id string) error {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	if e.items[idx].Status != domain.StatusFailed {
		e.mu.Unlock()
		return domain.ErrNotRetryable
	}
	e.items[idx].Status = domain.StatusPending
	e.items[idx].RetryCount = 0
	e.items[idx].NextRetryAt = 0
	e.persistLocked(ctx)
	counts, subs := e.snapshotNotifyLocked()
	e.mu.Unlock()
	e.notify(counts, subs)

	go func() {
		_ = e.Sync(context.Background())
	}()
	return nil
}

// Sync runs one pass over the queue. At most one pass runs at a time: a call
// that arrives while another pass is in flight returns immediately as a no-op.
// While offline the pass returns without touching any item.
//
// The pass operates on a snapshot reloaded from the store, so items written by
// an earlier process generation are picked up. Items added mid-pass wait for
// the next pass.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.passMu.TryLock() {
		return nil
	}
	defer e.passMu.Unlock()

	e.syncing.Store(true)
	defer e.syncing.Store(false)

	if !e.net.Online() {
		e.logger.Debug("sync pass skipped: offline")
		return nil
	}

	// Reload under the state lock: every mutation persists before releasing
	// it, so the store read and the in-memory replacement see one consistent
	// view even while Add/Remove calls race the pass.
	e.mu.Lock()
	loaded, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn("snapshot reload failed, using in-memory state", zap.Error(err))
	} else {
		e.items = loaded
	}
	snapshot := make([]domain.QueueItem, len(e.items))
	copy(snapshot, e.items)
	e.mu.Unlock()

	now := e.now()
	processed := 0
	for _, it := range snapshot {
		if !eligible(it, e.maxRetries, now) {
			continue
		}

		h, ok := e.registry.Get(it.Type)
		if !ok {
			// Not an error: the item simply waits until a handler is
			// registered for its type.
			e.logger.Debug("no handler registered, skipping item",
				zap.String("item_id", it.ID), zap.String("type", it.Type))
			continue
		}

		if err := e.limiter.Wait(ctx, it.Type); err != nil {
			// ctx cancelled while throttled — the process is shutting down.
			return err
		}

		e.processItem(ctx, it.ID, h)
		processed++
	}

	if processed > 0 {
		e.logger.Info("sync pass finished", zap.Int("processed", processed))
	}
	return nil
}

// eligible selects the items a sync pass may touch: pending items whose
// backoff window has passed, plus failed items that still have budget left
// (these only occur via externally written state; the engine itself parks
// exhausted items in failed for good).
func eligible(it domain.QueueItem, maxRetries int, now int64) bool {
	due := it.NextRetryAt == 0 || it.NextRetryAt <= now
	switch it.Status {
	case domain.StatusPending:
		return due
	case domain.StatusFailed:
		return it.RetryCount < maxRetries && due
	}
	return false
}

func (e *Engine) processItem(ctx context.Context, id string, h Handler) {
	item, ok := e.transition(ctx, id, func(it *domain.QueueItem) {
		it.Status = domain.StatusUploading
	})
	if !ok {
		return // removed between snapshot and now
	}

	log := e.logger.With(
		zap.String("item_id", id),
		zap.String("type", item.Type),
	)

	start := time.Now()
	err := invoke(ctx, h, item)
	latency := time.Since(start)

	if err == nil {
		e.transition(ctx, id, func(it *domain.QueueItem) {
			it.Status = domain.StatusCompleted
			it.NextRetryAt = 0
			it.LastError = ""
		})
		e.cleanupLocalFile(item, log)
		e.hooks.OnCompleted(item.Type, latency)
		log.Info("upload completed", zap.Duration("latency", latency))
		return
	}

	permanent := errors.Is(err, domain.ErrPermanent)
	updated, ok := e.transition(ctx, id, func(it *domain.QueueItem) {
		delay := e.policy.Delay(it.RetryCount)
		it.RetryCount++
		it.LastError = err.Error()
		if permanent || it.RetryCount >= e.maxRetries {
			it.Status = domain.StatusFailed
			it.NextRetryAt = 0
		} else {
			it.Status = domain.StatusPending
			it.NextRetryAt = e.now() + delay.Milliseconds()
		}
	})
	if !ok {
		return
	}

	if updated.Status == domain.StatusFailed {
		e.hooks.OnFailed(item.Type)
		log.Warn("upload failed permanently",
			zap.Int("retry_count", updated.RetryCount),
			zap.Bool("permanent_error", permanent),
			zap.Error(err))
		return
	}
	log.Warn("upload failed, retry scheduled",
		zap.Int("retry_count", updated.RetryCount),
		zap.Int64("next_retry_at", updated.NextRetryAt),
		zap.Error(err))
}

// invoke calls the handler, converting a panic into an ordinary error so one
// misbehaving handler can never take down the sync pass or the process.
func invoke(ctx context.Context, h Handler, item domain.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, item)
}

// cleanupLocalFile deletes the device-local file referenced by a successfully
// uploaded item. Best-effort: a failure is logged and swallowed.
func (e *Engine) cleanupLocalFile(item domain.QueueItem, log *zap.Logger) {
	if item.LocalPath == "" {
		return
	}
	if err := e.removeFile(item.LocalPath); err != nil && !os.IsNotExist(err) {
		log.Warn("local file cleanup failed",
			zap.String("path", item.LocalPath), zap.Error(err))
	}
}

// transition applies a mutation to the identified item, persists the whole
// queue, and notifies subscribers. Returns the updated item, or ok=false if
// the item no longer exists.
func (e *Engine) transition(ctx context.Context, id string, mutate func(*domain.QueueItem)) (domain.QueueItem, bool) {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return domain.QueueItem{}, false
	}
	mutate(&e.items[idx])
	updated := e.items[idx]
	e.persistLocked(ctx)
	counts, subs := e.snapshotNotifyLocked()
	e.mu.Unlock()
	e.notify(counts, subs)
	return updated, true
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.items {
		if e.items[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked flushes the queue to the store. Write failures are logged but
// never revert the in-memory state: during a single process lifetime, memory
// is the system of record and the store is best-effort durability.
func (e *Engine) persistLocked(ctx context.Context) {
	items := make([]domain.QueueItem, len(e.items))
	copy(items, e.items)
	if err := e.store.Save(ctx, items); err != nil {
		e.logger.Error("queue persistence failed", zap.Error(err))
	}
}

func (e *Engine) countsLocked() domain.Counts {
	var c domain.Counts
	for _, it := range e.items {
		switch it.Status {
		case domain.StatusPending:
			c.Pending++
		case domain.StatusUploading:
			c.Uploading++
		case domain.StatusCompleted:
			c.Completed++
		case domain.StatusFailed:
			c.Failed++
		}
	}
	return c
}

func (e *Engine) snapshotNotifyLocked() (domain.Counts, []func(domain.Counts)) {
	subs := make([]func(domain.Counts), len(e.subscribers))
	copy(subs, e.subscribers)
	return e.countsLocked(), subs
}

// notify runs outside the state lock so a subscriber may call back into the
// engine without deadlocking.
func (e *Engine) notify(counts domain.Counts, subs []func(domain.Counts)) {
	for _, fn := range subs {
		fn(counts)
	}
	e.hooks.OnCounts(counts)
}
