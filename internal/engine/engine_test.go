package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/groenwerk/fieldsync/internal/backoff"
	"github.com/groenwerk/fieldsync/internal/domain"
	"github.com/groenwerk/fieldsync/internal/netmon"
	"github.com/groenwerk/fieldsync/internal/ratelimiter"
	"github.com/groenwerk/fieldsync/internal/store"
)

type stubNet struct {
	online atomic.Bool
}

func (s *stubNet) Online() bool { return s.online.Load() }

type fakeClock struct {
	ms atomic.Int64
}

func (c *fakeClock) now() int64 { return c.ms.Load() }

func (c *fakeClock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

// newTestEngine builds an engine on a MemoryStore with a pinned jitter
// (factor 1.0) and a controllable clock, already initialized.
func newTestEngine(t *testing.T, st *store.MemoryStore, online bool) (*Engine, *stubNet, *fakeClock) {
	t.Helper()

	net := &stubNet{}
	net.online.Store(online)

	clk := &fakeClock{}
	clk.ms.Store(1_000_000)

	policy := backoff.NewWithJitter(30*time.Second, 10*time.Minute, func() float64 { return 0.5 })
	e := New(st, net, policy, ratelimiter.New(0), 3, zap.NewNop(), Hooks{})
	e.now = clk.now

	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return e, net, clk
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func itemByID(e *Engine, id string) (domain.QueueItem, bool) {
	for _, it := range e.Snapshot() {
		if it.ID == id {
			return it, true
		}
	}
	return domain.QueueItem{}, false
}

func TestAdd_GeneratesDistinctIDs(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), false)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := e.Add(context.Background(), domain.AddRequest{Type: "photo"})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestAdd_RejectsInvalidRequests(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), false)

	if _, err := e.Add(context.Background(), domain.AddRequest{}); !errors.Is(err, domain.ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}

	big := json.RawMessage(make([]byte, 300*1024))
	if _, err := e.Add(context.Background(), domain.AddRequest{Type: "photo", Data: big}); !errors.Is(err, domain.ErrDataTooLarge) {
		t.Fatalf("expected ErrDataTooLarge, got %v", err)
	}
}

func TestSync_CompletesRegisteredItem(t *testing.T) {
	st := store.NewMemoryStore()
	e, _, _ := newTestEngine(t, st, true)

	var uploads atomic.Int32
	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error {
		uploads.Add(1)
		return nil
	})

	id, err := e.Add(context.Background(), domain.AddRequest{Type: "photo"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	waitFor(t, "item to complete", func() bool {
		it, ok := itemByID(e, id)
		return ok && it.Status == domain.StatusCompleted
	})

	if got := uploads.Load(); got != 1 {
		t.Fatalf("handler invoked %d times, want 1", got)
	}

	// The completed status must have been written through to the store.
	persisted, _ := st.Load(context.Background())
	if len(persisted) != 1 || persisted[0].Status != domain.StatusCompleted {
		t.Fatalf("store not updated: %+v", persisted)
	}
}

func TestSync_SkipsUnregisteredType(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), true)

	id, err := e.Add(context.Background(), domain.AddRequest{Type: "mystery"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	it, ok := itemByID(e, id)
	if !ok {
		t.Fatal("item disappeared")
	}
	if it.Status != domain.StatusPending || it.RetryCount != 0 {
		t.Fatalf("unhandled item must stay pending untouched, got %+v", it)
	}
}

func TestSync_RetryBudgetExhaustion(t *testing.T) {
	e, net, clk := newTestEngine(t, store.NewMemoryStore(), false)

	var attempts atomic.Int32
	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error {
		return fmt.Errorf("boom %d", attempts.Add(1))
	})

	id, err := e.Add(context.Background(), domain.AddRequest{Type: "photo"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	net.online.Store(true)

	// First failure: retry scheduled exactly base*2^0 out (jitter pinned to
	// 1.0). Sync in a loop: a racing pass from Add may absorb a single call,
	// and once the item has failed once it is no longer eligible, so extra
	// passes cannot double-count.
	waitFor(t, "first attempt", func() bool {
		_ = e.Sync(context.Background())
		return attempts.Load() == 1
	})
	it, _ := itemByID(e, id)
	if it.Status != domain.StatusPending || it.RetryCount != 1 {
		t.Fatalf("after 1st failure: %+v", it)
	}
	if want := clk.now() + (30 * time.Second).Milliseconds(); it.NextRetryAt != want {
		t.Fatalf("next_retry_at = %d, want %d", it.NextRetryAt, want)
	}

	// Before the backoff window passes the item is not eligible.
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync (early): %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("backoff window ignored: %d attempts", got)
	}

	clk.advance(31 * time.Second)
	waitFor(t, "second attempt", func() bool {
		_ = e.Sync(context.Background())
		return attempts.Load() == 2
	})
	it, _ = itemByID(e, id)
	if it.Status != domain.StatusPending || it.RetryCount != 2 {
		t.Fatalf("after 2nd failure: %+v", it)
	}

	clk.advance(61 * time.Second)
	waitFor(t, "third attempt", func() bool {
		_ = e.Sync(context.Background())
		return attempts.Load() == 3
	})
	it, _ = itemByID(e, id)
	if it.Status != domain.StatusFailed || it.RetryCount != 3 {
		t.Fatalf("after 3rd failure: %+v", it)
	}
	if it.LastError != "boom 3" {
		t.Fatalf("last_error = %q, want %q", it.LastError, "boom 3")
	}

	// Terminal: no further automatic attempts.
	clk.advance(time.Hour)
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync (terminal): %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("failed item was auto-retried: %d attempts", got)
	}
}

func TestSync_PermanentErrorFailsImmediately(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), true)

	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error {
		return fmt.Errorf("%w: backend rejected request with 404", domain.ErrPermanent)
	})

	id, _ := e.Add(context.Background(), domain.AddRequest{Type: "photo"})
	waitFor(t, "item to fail", func() bool {
		it, ok := itemByID(e, id)
		return ok && it.Status == domain.StatusFailed
	})

	it, _ := itemByID(e, id)
	if it.RetryCount != 1 {
		t.Fatalf("permanent failure should consume one attempt, got %d", it.RetryCount)
	}
}

func TestSync_HandlerPanicIsContained(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), true)

	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error {
		panic("handler bug")
	})
	var ok atomic.Int32
	e.RegisterHandler("time_entry", func(_ context.Context, _ domain.QueueItem) error {
		ok.Add(1)
		return nil
	})

	badID, _ := e.Add(context.Background(), domain.AddRequest{Type: "photo"})
	goodID, _ := e.Add(context.Background(), domain.AddRequest{Type: "time_entry"})

	waitFor(t, "panicking item retried, healthy item completed", func() bool {
		bad, _ := itemByID(e, badID)
		good, _ := itemByID(e, goodID)
		return bad.RetryCount >= 1 && good.Status == domain.StatusCompleted
	})

	bad, _ := itemByID(e, badID)
	if bad.LastError == "" {
		t.Fatal("panic should be recorded as last_error")
	}
}

func TestInit_RecoversUploadingItems(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed([]domain.QueueItem{
		{ID: "a", Type: "photo", Status: domain.StatusUploading, CreatedAt: 1},
		{ID: "b", Type: "photo", Status: domain.StatusCompleted, CreatedAt: 2},
	})

	e, _, _ := newTestEngine(t, st, false)

	it, ok := itemByID(e, "a")
	if !ok || it.Status != domain.StatusPending {
		t.Fatalf("mid-flight item not recovered to pending: %+v", it)
	}
	it, _ = itemByID(e, "b")
	if it.Status != domain.StatusCompleted {
		t.Fatalf("completed item must not be touched by recovery: %+v", it)
	}

	// Recovery is persisted, not just in memory.
	persisted, _ := st.Load(context.Background())
	if persisted[0].Status != domain.StatusPending {
		t.Fatalf("recovered status not persisted: %+v", persisted[0])
	}
}

func TestSync_SinglePassInFlight(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), true)

	release := make(chan struct{})
	var invocations atomic.Int32
	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error {
		invocations.Add(1)
		<-release
		return nil
	})

	id, _ := e.Add(context.Background(), domain.AddRequest{Type: "photo"})

	waitFor(t, "first pass to start uploading", func() bool {
		it, ok := itemByID(e, id)
		return ok && it.Status == domain.StatusUploading
	})

	// A second concurrent pass must be absorbed without touching the item.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Sync(context.Background())
		}()
	}
	wg.Wait()

	if got := invocations.Load(); got != 1 {
		t.Fatalf("overlapping passes invoked handler %d times, want 1", got)
	}

	close(release)
	waitFor(t, "item to complete", func() bool {
		it, ok := itemByID(e, id)
		return ok && it.Status == domain.StatusCompleted
	})
	waitFor(t, "syncing flag to clear", func() bool { return !e.IsSyncing() })
}

func TestSync_OfflineIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed([]domain.QueueItem{
		{ID: "a", Type: "photo", Status: domain.StatusPending, CreatedAt: 1},
		{ID: "b", Type: "photo", Status: domain.StatusFailed, RetryCount: 1, CreatedAt: 2},
	})
	e, _, _ := newTestEngine(t, st, false)

	var invoked atomic.Int32
	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error {
		invoked.Add(1)
		return nil
	})

	before := e.Snapshot()
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	after := e.Snapshot()

	if invoked.Load() != 0 {
		t.Fatal("offline pass must not invoke handlers")
	}
	for i := range before {
		if before[i].Status != after[i].Status || before[i].RetryCount != after[i].RetryCount {
			t.Fatalf("offline pass mutated item %s: %+v -> %+v", before[i].ID, before[i], after[i])
		}
	}
}

func TestSync_DeletesLocalFileOnSuccess(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), true)

	var removed []string
	var mu sync.Mutex
	e.removeFile = func(path string) error {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, path)
		return nil
	}

	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error { return nil })

	id, _ := e.Add(context.Background(), domain.AddRequest{
		Type:      "photo",
		LocalPath: "/var/mobile/photos/hedge.jpg",
	})

	waitFor(t, "item to complete", func() bool {
		it, ok := itemByID(e, id)
		return ok && it.Status == domain.StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != "/var/mobile/photos/hedge.jpg" {
		t.Fatalf("local file not cleaned up: %v", removed)
	}
}

func TestSync_CleanupFailureDoesNotFailItem(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), true)
	e.removeFile = func(string) error { return errors.New("read-only filesystem") }
	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error { return nil })

	id, _ := e.Add(context.Background(), domain.AddRequest{Type: "photo", LocalPath: "/tmp/x.jpg"})

	waitFor(t, "item to complete despite cleanup failure", func() bool {
		it, ok := itemByID(e, id)
		return ok && it.Status == domain.StatusCompleted
	})
}

func TestClearCompleted_RemovesOnlyCompleted(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed([]domain.QueueItem{
		{ID: "a", Type: "photo", Status: domain.StatusCompleted, CreatedAt: 1},
		{ID: "b", Type: "photo", Status: domain.StatusPending, CreatedAt: 2},
		{ID: "c", Type: "photo", Status: domain.StatusFailed, CreatedAt: 3},
		{ID: "d", Type: "photo", Status: domain.StatusCompleted, CreatedAt: 4},
	})
	e, _, _ := newTestEngine(t, st, false)

	if removed := e.ClearCompleted(context.Background()); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	snap := e.Snapshot()
	if len(snap) != 2 || snap[0].ID != "b" || snap[1].ID != "c" {
		t.Fatalf("unexpected remainder: %+v", snap)
	}
}

func TestRemove(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), false)
	id, _ := e.Add(context.Background(), domain.AddRequest{Type: "photo"})

	if err := e.Remove(context.Background(), id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := itemByID(e, id); ok {
		t.Fatal("item still present after remove")
	}
	if err := e.Remove(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetry_ResetsFailedItem(t *testing.T) {
	st := store.NewMemoryStore()
	st.Seed([]domain.QueueItem{
		{ID: "a", Type: "photo", Status: domain.StatusFailed, RetryCount: 3, NextRetryAt: 99, LastError: "boom", CreatedAt: 1},
		{ID: "b", Type: "photo", Status: domain.StatusPending, CreatedAt: 2},
	})
	e, _, _ := newTestEngine(t, st, false)

	if err := e.Retry(context.Background(), "a"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	it, _ := itemByID(e, "a")
	if it.Status != domain.StatusPending || it.RetryCount != 0 || it.NextRetryAt != 0 {
		t.Fatalf("retry did not reset item: %+v", it)
	}

	if err := e.Retry(context.Background(), "b"); !errors.Is(err, domain.ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if err := e.Retry(context.Background(), "zzz"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSync_ProcessesExternallyFailedItemWithBudget(t *testing.T) {
	// Failed items with budget left only occur via externally written store
	// state; the pass picks them up once their backoff window has passed.
	st := store.NewMemoryStore()
	st.Seed([]domain.QueueItem{
		{ID: "a", Type: "photo", Status: domain.StatusFailed, RetryCount: 1, NextRetryAt: 500, CreatedAt: 1},
	})
	e, _, _ := newTestEngine(t, st, true)

	var invoked atomic.Int32
	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error {
		invoked.Add(1)
		return nil
	})

	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if invoked.Load() != 1 {
		t.Fatalf("due failed item not processed: %d invocations", invoked.Load())
	}
	it, _ := itemByID(e, "a")
	if it.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %+v", it)
	}
}

func TestPersistFailureDoesNotBlockTransitions(t *testing.T) {
	st := store.NewMemoryStore()
	e, _, _ := newTestEngine(t, st, false)
	st.SaveErr = errors.New("disk full")

	id, err := e.Add(context.Background(), domain.AddRequest{Type: "photo"})
	if err != nil {
		t.Fatalf("add should survive a persist failure: %v", err)
	}
	if _, ok := itemByID(e, id); !ok {
		t.Fatal("in-memory state must keep the item despite the save error")
	}
}

func TestReconnectTriggersSync(t *testing.T) {
	// Wires the real monitor as the engine's connectivity source, the same
	// shape main uses: enqueue offline, come online, and the settle-delayed
	// trigger drains the queue.
	st := store.NewMemoryStore()

	var e *Engine
	mon := netmon.New(20*time.Millisecond, func() {
		go func() { _ = e.Sync(context.Background()) }()
	}, zap.NewNop())
	defer mon.Close()

	policy := backoff.NewWithJitter(30*time.Second, 10*time.Minute, func() float64 { return 0.5 })
	e = New(st, mon, policy, ratelimiter.New(0), 3, zap.NewNop(), Hooks{})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	e.RegisterHandler("photo", func(_ context.Context, _ domain.QueueItem) error { return nil })

	id, err := e.Add(context.Background(), domain.AddRequest{Type: "photo"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if it, _ := itemByID(e, id); it.Status != domain.StatusPending {
		t.Fatalf("offline item should stay pending, got %+v", it)
	}

	reachable := true
	mon.Handle(netmon.Event{Connected: true, InternetReachable: &reachable})

	waitFor(t, "reconnect to drain the queue", func() bool {
		it, ok := itemByID(e, id)
		return ok && it.Status == domain.StatusCompleted
	})
}

func TestOnChange_NotifiesCounts(t *testing.T) {
	e, _, _ := newTestEngine(t, store.NewMemoryStore(), false)

	var mu sync.Mutex
	var last domain.Counts
	e.OnChange(func(c domain.Counts) {
		mu.Lock()
		last = c
		mu.Unlock()
	})

	_, _ = e.Add(context.Background(), domain.AddRequest{Type: "photo"})
	_, _ = e.Add(context.Background(), domain.AddRequest{Type: "photo"})

	mu.Lock()
	defer mu.Unlock()
	if last.Pending != 2 || last.Outstanding() != 2 {
		t.Fatalf("subscriber saw %+v, want 2 pending", last)
	}
}
