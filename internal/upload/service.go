package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"imgbed/internal/kv"
	"imgbed/internal/logging"
	"imgbed/internal/metrics"
	"imgbed/internal/notify"
	"imgbed/internal/scheduler"
)

// MirrorTask is the scheduler kind that copies a stored file's bytes into
// blob storage. Its argument is a JSON mirrorJob.
const MirrorTask = "files.mirror"

// Config holds the tunables of the upload pipeline.
type Config struct {
	QuietPeriod time.Duration
	BatchTTL    time.Duration
	IndexTTL    time.Duration
	DedupScan   bool
	PublicURL   string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QuietPeriod: 5 * time.Second,
		BatchTTL:    60 * time.Second,
		IndexTTL:    time.Hour,
		DedupScan:   true,
	}
}

// Mirror copies the bytes of an origin file to blob storage under key.
// PublicURL returns the storage's direct link for key, or "".
type Mirror interface {
	Copy(ctx context.Context, originFileID, key string) (int64, error)
	PublicURL(key string) string
}

type mirrorJob struct {
	Channel string `json:"channel"`
	Origin  string `json:"origin"`
	Key     string `json:"key"`
}

// Service processes image events: dedup, allocate, write, then batch or
// notify.
type Service struct {
	store     kv.Store
	dedup     *Deduper
	alloc     *Allocator
	indexer   Indexer
	dirs      *Directories
	batches   *Coalescer
	notifiers notify.Channels
	sched     scheduler.Scheduler
	mirrors   map[string]Mirror
	cfg       Config
	now       func() time.Time
}

// NewService wires the pipeline on st. Deferred work goes through sched,
// which gets the finalize and mirror handlers registered.
func NewService(st kv.Store, notifiers notify.Channels, sched scheduler.Scheduler, cfg Config) *Service {
	s := &Service{
		store:     st,
		dedup:     NewDeduper(st, cfg.DedupScan),
		alloc:     NewAllocator(st),
		indexer:   NewOriginIndex(st),
		dirs:      NewDirectories(st),
		notifiers: notifiers,
		sched:     sched,
		mirrors:   make(map[string]Mirror),
		cfg:       cfg,
		now:       time.Now,
	}
	s.batches = NewCoalescer(st, notifiers, sched, CoalescerConfig{
		QuietPeriod: cfg.QuietPeriod,
		StateTTL:    cfg.BatchTTL,
		IndexTTL:    cfg.IndexTTL,
		PublicURL:   cfg.PublicURL,
		Links:       s.linkFor,
	})
	sched.Register(MirrorTask, s.runMirror)
	return s
}

// SetMirror enables blob mirroring for files arriving on channel.
func (s *Service) SetMirror(channel string, m Mirror) {
	s.mirrors[channel] = m
}

// Batches exposes the coalescer, mainly for finalize runs outside the
// scheduler.
func (s *Service) Batches() *Coalescer {
	return s.batches
}

// Process stores one image event. Failures on the primary path (dedup read,
// allocation, metadata write) are reported through Result.Reason; failures
// of secondary effects are only logged.
func (s *Service) Process(ctx context.Context, ev Event) Result {
	res := s.process(ctx, ev)
	reason := string(res.Reason)
	if res.Success {
		reason = "stored"
	}
	metrics.EventsTotal.WithLabelValues(ev.Channel, reason).Inc()
	return res
}

func (s *Service) process(ctx context.Context, ev Event) Result {
	existing, err := s.dedup.FindByOrigin(ctx, ev.OriginFileID, ev.UniqueID)
	if err != nil {
		logging.Internal.Printf("dedup check failed for %s: %v", ev.OriginFileID, err)
		return Fail(ReasonReadError)
	}
	if existing != nil {
		logging.Internal.Printf("origin %s already saved as %s", ev.OriginFileID, existing.Key)
		return Fail(ReasonAlreadySaved)
	}

	folder, err := s.folderFor(ctx, ev)
	if err != nil {
		logging.Internal.Printf("folder lookup failed for chat %d: %v", ev.ChatID, err)
		return Fail(ReasonReadError)
	}

	var meta *FileMetadata
	key, err := s.alloc.Claim(ctx, ev.DeclaredName, ev.MimeType, folder, func(key string) ([]byte, error) {
		meta = newMetadata(ev, key, s.now())
		return json.Marshal(meta)
	})
	if errors.Is(err, ErrRecordWrite) {
		logging.Internal.Printf("metadata write failed for %q: %v", ev.DeclaredName, err)
		return Fail(ReasonDatabaseError)
	}
	if err != nil {
		logging.Internal.Printf("allocation failed for %q: %v", ev.DeclaredName, err)
		return Fail(ReasonAllocationError)
	}
	logging.Internal.Printf("stored %s (origin=%s, chat=%d, size=%d)", key, ev.OriginFileID, ev.ChatID, ev.Size)

	if err := s.indexer.EndUpload(ctx, key, meta); err != nil {
		logging.Internal.Printf("index update failed for %s: %v", key, err)
	}
	s.scheduleMirror(ctx, ev, key)

	if ev.Grouped() {
		if err := s.batches.Track(ctx, ev, key, ev.Size); err != nil {
			logging.Batch.Printf("tracking %s failed: %v", key, err)
		}
	} else {
		s.notifyStored(ctx, ev, meta)
	}

	return Result{
		Success:      true,
		FileID:       key,
		Metadata:     meta,
		MediaGroupID: meta.MediaGroupID,
	}
}

func (s *Service) folderFor(ctx context.Context, ev Event) (string, error) {
	folder, ok, err := s.dirs.Get(ctx, ev.ChatID)
	if err != nil {
		return "", err
	}
	if ok {
		return folder, nil
	}
	return NormalizeFolder(ev.DefaultFolder)
}

func (s *Service) notifyStored(ctx context.Context, ev Event, meta *FileMetadata) {
	n, ok := s.notifiers.For(ev.Channel)
	if !ok {
		return
	}
	text := fmt.Sprintf("✅ Saved %s, %s", meta.Key, humanize.IBytes(uint64(meta.FileSizeBytes)))
	if link := s.linkFor(ev.Channel, meta.Key); link != "" {
		text += "\n" + link
	}
	_, err := n.SendMessage(ctx, ev.ChatID, text)
	metrics.Notification("single_send", err)
	if err != nil {
		logging.Bot.Printf("notification for %s failed: %v", meta.Key, err)
	}
}

func (s *Service) scheduleMirror(ctx context.Context, ev Event, key string) {
	if _, ok := s.mirrors[ev.Channel]; !ok {
		return
	}
	arg, _ := json.Marshal(mirrorJob{Channel: ev.Channel, Origin: ev.OriginFileID, Key: key})
	if err := s.sched.Schedule(ctx, 0, scheduler.Task{Kind: MirrorTask, Arg: string(arg)}); err != nil {
		logging.Mirror.Printf("failed to schedule mirror of %s: %v", key, err)
	}
}

func (s *Service) runMirror(ctx context.Context, arg string) error {
	var job mirrorJob
	if err := json.Unmarshal([]byte(arg), &job); err != nil {
		return fmt.Errorf("decode mirror job: %w", err)
	}
	m, ok := s.mirrors[job.Channel]
	if !ok {
		return fmt.Errorf("no mirror for channel %q", job.Channel)
	}
	_, err := m.Copy(ctx, job.Origin, job.Key)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.MirrorTotal.WithLabelValues(result).Inc()
	return err
}

// HandleDirCommand answers a /dir command. An empty arg replies with the
// current folder; "/" resets to the root; anything else sets the folder.
func (s *Service) HandleDirCommand(ctx context.Context, channel string, chatID int64, arg string) Result {
	res, reply := s.dirCommand(ctx, chatID, arg)
	if n, ok := s.notifiers.For(channel); ok {
		_, err := n.SendMessage(ctx, chatID, reply)
		metrics.Notification("command_reply", err)
		if err != nil {
			logging.Bot.Printf("dir reply to chat %d failed: %v", chatID, err)
		}
	}
	return res
}

func (s *Service) dirCommand(ctx context.Context, chatID int64, arg string) (Result, string) {
	if arg == "" {
		folder, _, err := s.dirs.Get(ctx, chatID)
		if err != nil {
			logging.Internal.Printf("dir query for chat %d failed: %v", chatID, err)
			return Fail(ReasonReadError), "Could not read the upload folder, try again later."
		}
		return Result{Success: true}, "Upload folder: " + displayFolder(folder)
	}

	folder, err := NormalizeFolder(arg)
	if err != nil {
		return Fail(ReasonInvalidFolder), fmt.Sprintf("Invalid folder %q.", arg)
	}
	if err := s.dirs.Set(ctx, chatID, folder); err != nil {
		logging.Internal.Printf("dir set for chat %d failed: %v", chatID, err)
		return Fail(ReasonDatabaseError), "Could not save the upload folder, try again later."
	}
	logging.Internal.Printf("chat %d upload folder set to %q", chatID, folder)
	return Result{Success: true}, "Upload folder set to " + displayFolder(folder)
}

func displayFolder(folder string) string {
	if folder == "" {
		return "/"
	}
	return folder + "/"
}

// linkFor prefers the configured public base URL and falls back to the
// channel mirror's own link.
func (s *Service) linkFor(channel, key string) string {
	if s.cfg.PublicURL != "" {
		return publicLink(s.cfg.PublicURL, key)
	}
	if m, ok := s.mirrors[channel]; ok {
		return m.PublicURL(key)
	}
	return ""
}

func publicLink(base, key string) string {
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + key
}

// Stats summarizes what the store holds.
type Stats struct {
	Files         int
	TotalBytes    int64
	ActiveBatches int
	Directories   int
}

// Stats scans the store. It reads every file's metadata and is meant for
// the --stats report, not the request path.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.store.List(ctx, filePrefix)
	if err != nil {
		return nil, err
	}
	st := &Stats{}
	for _, k := range keys {
		meta, err := s.dedup.load(ctx, k.Name)
		if err != nil {
			return nil, err
		}
		st.Files++
		if meta != nil {
			st.TotalBytes += meta.FileSizeBytes
		}
	}

	batches, err := s.store.List(ctx, batchPrefix)
	if err != nil {
		return nil, err
	}
	st.ActiveBatches = len(batches)

	dirs, err := s.store.List(ctx, dirPrefix)
	if err != nil {
		return nil, err
	}
	st.Directories = len(dirs)
	return st, nil
}
