package upload

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"imgbed/internal/kv"
	"imgbed/internal/notify"
	"imgbed/internal/scheduler"
)

var errBoom = errors.New("boom")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scheduledTask struct {
	delay time.Duration
	task  scheduler.Task
}

// fakeScheduler records tasks and runs them only when asked to.
type fakeScheduler struct {
	mu       sync.Mutex
	handlers map[string]scheduler.Handler
	pending  []scheduledTask
	err      error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{handlers: make(map[string]scheduler.Handler)}
}

func (f *fakeScheduler) Register(kind string, h scheduler.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
}

func (f *fakeScheduler) Schedule(ctx context.Context, delay time.Duration, task scheduler.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pending = append(f.pending, scheduledTask{delay: delay, task: task})
	return nil
}

func (f *fakeScheduler) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pending {
		if p.task.Kind == kind {
			n++
		}
	}
	return n
}

// runAll runs and clears every pending task of kind, in scheduling order.
func (f *fakeScheduler) runAll(t *testing.T, kind string) {
	t.Helper()
	f.mu.Lock()
	var run, keep []scheduledTask
	for _, p := range f.pending {
		if p.task.Kind == kind {
			run = append(run, p)
		} else {
			keep = append(keep, p)
		}
	}
	f.pending = keep
	h := f.handlers[kind]
	f.mu.Unlock()

	if h == nil {
		t.Fatalf("no handler registered for %s", kind)
	}
	for _, p := range run {
		if err := h(context.Background(), p.task.Arg); err != nil {
			t.Errorf("task %s(%s) failed: %v", kind, p.task.Arg, err)
		}
	}
}

// faultyStore fails selected operations on keys with a given prefix.
type faultyStore struct {
	kv.Store

	mu   sync.Mutex
	fail map[string]string // operation -> key prefix
}

func newFaultyStore(st kv.Store) *faultyStore {
	return &faultyStore{Store: st, fail: make(map[string]string)}
}

func (f *faultyStore) failOn(op, prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = prefix
}

func (f *faultyStore) heal(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fail, op)
}

func (f *faultyStore) failing(op, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix, ok := f.fail[op]
	return ok && strings.HasPrefix(key, prefix)
}

func (f *faultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failing("get", key) {
		return nil, errBoom
	}
	return f.Store.Get(ctx, key)
}

func (f *faultyStore) GetWithMetadata(ctx context.Context, key string) (*kv.Entry, error) {
	if f.failing("get", key) {
		return nil, errBoom
	}
	return f.Store.GetWithMetadata(ctx, key)
}

func (f *faultyStore) Put(ctx context.Context, key string, value []byte, opts kv.PutOptions) error {
	if f.failing("put", key) {
		return errBoom
	}
	return f.Store.Put(ctx, key, value, opts)
}

func (f *faultyStore) PutIfAbsent(ctx context.Context, key string, value []byte, opts kv.PutOptions) (bool, error) {
	if f.failing("put", key) {
		return false, errBoom
	}
	return f.Store.PutIfAbsent(ctx, key, value, opts)
}

func (f *faultyStore) List(ctx context.Context, prefix string) ([]kv.KeyInfo, error) {
	if f.failing("list", prefix) {
		return nil, errBoom
	}
	return f.Store.List(ctx, prefix)
}

type testEnv struct {
	svc      *Service
	mem      *kv.MemoryStore
	store    *faultyStore
	notifier *notify.Mock
	sched    *fakeScheduler
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, DefaultConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	clock := newTestClock()
	mem := kv.NewMemoryStore()
	mem.SetClock(clock.Now)
	st := newFaultyStore(mem)
	mock := notify.NewMock()
	sched := newFakeScheduler()

	svc := NewService(st, notify.Channels{"main": mock}, sched, cfg)
	svc.now = clock.Now
	svc.alloc.now = clock.Now
	svc.batches.now = clock.Now

	return &testEnv{svc: svc, mem: mem, store: st, notifier: mock, sched: sched, clock: clock}
}

func groupID(s string) *string {
	return &s
}

func photoEvent(origin string, size int64, group *string) Event {
	return Event{
		Channel:      "main",
		ChatID:       42,
		OriginFileID: origin,
		UniqueID:     "u-" + origin,
		Size:         size,
		DeclaredName: origin + ".jpg",
		MimeType:     "image/jpeg",
		MediaGroupID: group,
	}
}
