package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"imgbed/internal/kv"
	"imgbed/internal/logging"
	"imgbed/internal/metrics"
	"imgbed/internal/notify"
	"imgbed/internal/scheduler"
)

// FinalizeTask is the scheduler kind of deferred batch finalization. Its
// argument is the media group id.
const FinalizeTask = "batch.finalize"

// Finalize outcomes, also used as metric labels.
const (
	outcomeAbsent    = "absent"
	outcomeDebounced = "debounced"
	outcomeClaimed   = "claimed_elsewhere"
	outcomeSilent    = "silent"
	outcomeEdited    = "edited"
	outcomeEditError = "edit_failed"
	outcomeError     = "error"
)

// BatchState is the live record of one media group. MessageID is zero until
// the "receiving" notification was sent; once set it is never replaced.
type BatchState struct {
	GroupID   string `json:"groupId"`
	Channel   string `json:"channel,omitempty"`
	ChatID    int64  `json:"chatId"`
	MessageID int    `json:"messageId,omitempty"`
	FirstFile string `json:"firstFile"`
	LastSeen  int64  `json:"lastSeen"` // unix ms of the latest arrival
}

type batchIndexEntry struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// BatchSummary is what a finalize run computed from the batch index.
type BatchSummary struct {
	GroupID   string
	Count     int
	TotalSize int64
	FirstFile string
}

// CoalescerConfig holds the timings of the batch state machine.
type CoalescerConfig struct {
	QuietPeriod time.Duration // delay before finalize, measured from the latest arrival
	StateTTL    time.Duration // expiry of BatchState, refreshed on each arrival
	IndexTTL    time.Duration // expiry of each batch index entry
	PublicURL   string        // optional base URL for links in notifications
	Links       LinkFunc      // overrides PublicURL when set
}

// LinkFunc returns the public link of a key stored through channel, or "".
type LinkFunc func(channel, key string) string

// Coalescer folds the files of one media group into a single notification
// that is sent on the first arrival and edited once the group goes quiet.
//
// All state lives in the store. Concurrent Track calls for the same group
// within this process are serialized; across processes the design relies on
// the first-file-wins rule and on Take for exactly-once finalization.
type Coalescer struct {
	store     kv.Store
	notifiers notify.Channels
	sched     scheduler.Scheduler
	cfg       CoalescerConfig
	now       func() time.Time

	locks groupLocks
}

// NewCoalescer creates a Coalescer and registers its finalize handler on
// sched.
func NewCoalescer(st kv.Store, notifiers notify.Channels, sched scheduler.Scheduler, cfg CoalescerConfig) *Coalescer {
	c := &Coalescer{
		store:     st,
		notifiers: notifiers,
		sched:     sched,
		cfg:       cfg,
		now:       time.Now,
	}
	if c.cfg.Links == nil {
		c.cfg.Links = func(_, key string) string { return publicLink(cfg.PublicURL, key) }
	}
	sched.Register(FinalizeTask, func(ctx context.Context, group string) error {
		_, err := c.Finalize(ctx, group)
		return err
	})
	return c
}

// Track records one stored file of a media group, sends the "receiving"
// notification if none was sent yet and schedules a finalize after the
// quiet period.
func (c *Coalescer) Track(ctx context.Context, ev Event, key string, size int64) error {
	group := *ev.MediaGroupID

	entry, _ := json.Marshal(batchIndexEntry{Key: key, Size: size})
	if err := c.store.Put(ctx, batchIndexKey(group, key), entry, kv.PutOptions{TTL: c.cfg.IndexTTL}); err != nil {
		logging.Batch.Printf("group=%s: failed to index %s: %v", group, key, err)
	}

	unlock := c.locks.lock(group)
	state, err := c.loadState(ctx, group)
	if err != nil {
		unlock()
		return err
	}
	if state == nil {
		state = &BatchState{GroupID: group, Channel: ev.Channel, ChatID: ev.ChatID, FirstFile: key}
		logging.Batch.Printf("group=%s: collecting (first=%s)", group, key)
	}

	if state.MessageID == 0 {
		if n, ok := c.notifiers.For(state.Channel); ok {
			id, err := n.SendMessage(ctx, state.ChatID, receivingText())
			metrics.Notification("batch_send", err)
			if err != nil {
				logging.Batch.Printf("group=%s: receiving notification failed: %v", group, err)
			} else {
				state.MessageID = id
			}
		}
	}

	state.LastSeen = c.now().UnixMilli()
	err = c.saveState(ctx, state)
	unlock()
	if err != nil {
		return err
	}

	if err := c.sched.Schedule(ctx, c.cfg.QuietPeriod, scheduler.Task{Kind: FinalizeTask, Arg: group}); err != nil {
		return fmt.Errorf("schedule finalize for group %s: %w", group, err)
	}
	return nil
}

// Finalize closes a media group once it has been quiet for the configured
// period. It is safe to run any number of times: only the run that claims
// the BatchState does the work, every other run is a no-op. The returned
// summary is nil for no-op runs.
func (c *Coalescer) Finalize(ctx context.Context, group string) (*BatchSummary, error) {
	state, err := c.loadState(ctx, group)
	if err != nil {
		metrics.FinalizeTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}
	if state == nil {
		metrics.FinalizeTotal.WithLabelValues(outcomeAbsent).Inc()
		return nil, nil
	}
	if quiet := c.now().Sub(time.UnixMilli(state.LastSeen)); quiet < c.cfg.QuietPeriod {
		metrics.FinalizeTotal.WithLabelValues(outcomeDebounced).Inc()
		return nil, nil
	}

	taken, err := c.store.Take(ctx, batchKey(group))
	if errors.Is(err, kv.ErrNotFound) {
		metrics.FinalizeTotal.WithLabelValues(outcomeClaimed).Inc()
		return nil, nil
	}
	if err != nil {
		metrics.FinalizeTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("claim group %s: %w", group, err)
	}
	if err := json.Unmarshal(taken.Value, state); err != nil {
		logging.Batch.Printf("group=%s: claimed state unreadable, using earlier read: %v", group, err)
	}

	summary, err := c.summarize(ctx, state)
	if err != nil {
		metrics.FinalizeTotal.WithLabelValues(outcomeError).Inc()
		c.release(ctx, taken)
		if serr := c.sched.Schedule(ctx, c.cfg.QuietPeriod, scheduler.Task{Kind: FinalizeTask, Arg: group}); serr != nil {
			logging.Batch.Printf("group=%s: failed to reschedule finalize: %v", group, serr)
		}
		return nil, err
	}
	metrics.BatchSize.Observe(float64(summary.Count))

	if state.MessageID == 0 {
		logging.Batch.Printf("group=%s: closed without notification (%d files)", group, summary.Count)
		metrics.FinalizeTotal.WithLabelValues(outcomeSilent).Inc()
		return summary, nil
	}
	n, ok := c.notifiers.For(state.Channel)
	if !ok {
		logging.Batch.Printf("group=%s: no notifier for channel %q", group, state.Channel)
		metrics.FinalizeTotal.WithLabelValues(outcomeSilent).Inc()
		return summary, nil
	}
	err = n.EditMessageText(ctx, state.ChatID, state.MessageID, finalText(summary, c.cfg.Links(state.Channel, summary.FirstFile)))
	metrics.Notification("batch_edit", err)
	if err != nil {
		logging.Batch.Printf("group=%s: final edit failed: %v", group, err)
		metrics.FinalizeTotal.WithLabelValues(outcomeEditError).Inc()
		return summary, nil
	}

	logging.Batch.Printf("group=%s: finalized %d files, %d bytes", group, summary.Count, summary.TotalSize)
	metrics.FinalizeTotal.WithLabelValues(outcomeEdited).Inc()
	return summary, nil
}

// summarize recomputes count and size from the batch index entries.
func (c *Coalescer) summarize(ctx context.Context, state *BatchState) (*BatchSummary, error) {
	keys, err := c.store.List(ctx, batchIndexGroup(state.GroupID))
	if err != nil {
		return nil, fmt.Errorf("list index of group %s: %w", state.GroupID, err)
	}

	summary := &BatchSummary{GroupID: state.GroupID, FirstFile: state.FirstFile}
	for _, k := range keys {
		raw, err := c.store.Get(ctx, k.Name)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", k.Name, err)
		}
		var entry batchIndexEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			logging.Batch.Printf("skipping %s: %v", k.Name, err)
			continue
		}
		summary.Count++
		summary.TotalSize += entry.Size
	}
	return summary, nil
}

// release puts a claimed state back so a retried finalize can claim it
// again. A state written meanwhile by a new arrival is kept.
func (c *Coalescer) release(ctx context.Context, taken *kv.Entry) {
	ok, err := c.store.PutIfAbsent(ctx, taken.Key, taken.Value, kv.PutOptions{TTL: c.cfg.StateTTL})
	if err != nil {
		logging.Batch.Printf("%s: failed to release claim: %v", taken.Key, err)
		return
	}
	if !ok {
		logging.Batch.Printf("%s: replaced by a newer arrival, claim dropped", taken.Key)
	}
}

func (c *Coalescer) loadState(ctx context.Context, group string) (*BatchState, error) {
	raw, err := c.store.Get(ctx, batchKey(group))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state of group %s: %w", group, err)
	}
	var state BatchState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state of group %s: %w", group, err)
	}
	return &state, nil
}

func (c *Coalescer) saveState(ctx context.Context, state *BatchState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, batchKey(state.GroupID), raw, kv.PutOptions{TTL: c.cfg.StateTTL}); err != nil {
		return fmt.Errorf("write state of group %s: %w", state.GroupID, err)
	}
	return nil
}

func receivingText() string {
	return "📥 Receiving images..."
}

func finalText(s *BatchSummary, link string) string {
	text := fmt.Sprintf("✅ Saved %s, %s\nFirst: %s",
		english.Plural(s.Count, "image", ""), humanize.IBytes(uint64(s.TotalSize)), s.FirstFile)
	if link != "" {
		text += "\n" + link
	}
	return text
}

// groupLocks serializes work on the same group id inside one process.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	mu   sync.Mutex
	refs int
}

func (g *groupLocks) lock(group string) (unlock func()) {
	g.mu.Lock()
	if g.locks == nil {
		g.locks = make(map[string]*groupLock)
	}
	l, ok := g.locks[group]
	if !ok {
		l = &groupLock{}
		g.locks[group] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, group)
		}
		g.mu.Unlock()
	}
}
