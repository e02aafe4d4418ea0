package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"imgbed/internal/kv"
	"imgbed/internal/logging"
)

const (
	jobPrefix = "job:"

	// DefaultPollInterval is how often Run looks for due jobs.
	DefaultPollInterval = 500 * time.Millisecond

	// jobTTL bounds how long an unclaimed job survives in the store.
	jobTTL = time.Hour

	// RetryDelay is the lease of a claimed job: if its handler fails or the
	// runner dies, the job becomes due again after attempt*RetryDelay.
	RetryDelay = 5 * time.Second

	// MaxAttempts caps deliveries of one job.
	MaxAttempts = 5
)

// job is the stored form of a task.
type job struct {
	Task
	Attempt int `json:"attempt,omitempty"`
}

// Queue persists tasks in the key-value store so they survive the process
// that scheduled them. Any process running Run may execute a due job; Take
// guarantees a job is claimed by one runner. A claimed job is re-stored
// under a later due time and only removed once its handler succeeds.
type Queue struct {
	registry

	store        kv.Store
	pollInterval time.Duration
	now          func() time.Time
}

// NewQueue creates a durable scheduler over st.
func NewQueue(st kv.Store, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Queue{
		store:        st,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func jobKey(due time.Time, id string) string {
	// Zero-padded so lexical key order is due order.
	return fmt.Sprintf("%s%020d:%s", jobPrefix, due.UnixNano(), id)
}

func parseJobDue(key string) (time.Time, error) {
	rest := strings.TrimPrefix(key, jobPrefix)
	stamp, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed job key %q", key)
	}
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed job key %q: %w", key, err)
	}
	return time.Unix(0, ns), nil
}

func (q *Queue) Schedule(ctx context.Context, delay time.Duration, task Task) error {
	if err := validate(task); err != nil {
		return err
	}
	payload, err := json.Marshal(job{Task: task})
	if err != nil {
		return err
	}
	key := jobKey(q.now().Add(delay), uuid.NewString())
	return q.store.Put(ctx, key, payload, kv.PutOptions{TTL: jobTTL + delay})
}

// RunDue executes every job that is due now and returns how many succeeded.
// Handlers run with a context that is not canceled with ctx, so a job that
// started finishes even when the poller stops.
func (q *Queue) RunDue(ctx context.Context) (int, error) {
	keys, err := q.store.List(ctx, jobPrefix)
	if err != nil {
		return 0, err
	}

	now := q.now()
	ran := 0
	for _, k := range keys {
		due, err := parseJobDue(k.Name)
		if err != nil {
			logging.Sched.Printf("dropping job: %v", err)
			if err := q.store.Delete(ctx, k.Name); err != nil {
				logging.Sched.Printf("failed to delete %s: %v", k.Name, err)
			}
			continue
		}
		if due.After(now) {
			break
		}

		entry, err := q.store.Take(ctx, k.Name)
		if errors.Is(err, kv.ErrNotFound) {
			continue // claimed by another runner
		}
		if err != nil {
			return ran, err
		}

		var j job
		if err := json.Unmarshal(entry.Value, &j); err != nil {
			logging.Sched.Printf("dropping undecodable job %s: %v", k.Name, err)
			continue
		}
		if q.runJob(context.WithoutCancel(ctx), k.Name, j) {
			ran++
		}
	}
	return ran, nil
}

// runJob stores a lease for j, runs it and drops the lease on success.
func (q *Queue) runJob(ctx context.Context, name string, j job) bool {
	j.Attempt++
	if j.Attempt > MaxAttempts {
		logging.Sched.Printf("giving up on %s(%s) after %d attempts", j.Kind, j.Arg, MaxAttempts)
		return false
	}

	lease := jobKey(q.now().Add(time.Duration(j.Attempt)*RetryDelay), uuid.NewString())
	payload, err := json.Marshal(j)
	if err == nil {
		err = q.store.Put(ctx, lease, payload, kv.PutOptions{TTL: jobTTL})
	}
	if err != nil {
		logging.Sched.Printf("failed to lease %s, running without retry: %v", name, err)
		lease = ""
	}

	if err := q.run(ctx, j.Task); err != nil {
		logging.Sched.Printf("task %s(%s) attempt %d failed: %v", j.Kind, j.Arg, j.Attempt, err)
		return false
	}
	if lease != "" {
		if err := q.store.Delete(ctx, lease); err != nil {
			logging.Sched.Printf("failed to delete %s: %v", lease, err)
		}
	}
	return true
}

// Pending reports how many jobs are waiting in the store.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	keys, err := q.store.List(ctx, jobPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Run polls for due jobs until ctx is canceled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RunDue(ctx); err != nil && ctx.Err() == nil {
				logging.Sched.Printf("poll error: %v", err)
			}
		}
	}
}
