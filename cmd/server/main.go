package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"imgbed/internal/api"
	"imgbed/internal/config"
	"imgbed/internal/files"
	"imgbed/internal/kv"
	"imgbed/internal/logging"
	"imgbed/internal/metrics"
	"imgbed/internal/notify"
	"imgbed/internal/scheduler"
	"imgbed/internal/upload"
)

func printStats(ctx context.Context, svc *upload.Service, queue *scheduler.Queue) {
	stats, err := svc.Stats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║             imgbed Statistics            ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Stored Files:    %-22s║\n", humanize.Comma(int64(stats.Files)))
	fmt.Printf("║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Printf("║  Active Batches:  %-22d║\n", stats.ActiveBatches)
	fmt.Printf("║  Chat Folders:    %-22d║\n", stats.Directories)
	if queue != nil {
		pending, err := queue.Pending(ctx)
		if err != nil {
			logging.Internal.Printf("failed to count pending jobs: %v", err)
		}
		fmt.Printf("║  Pending Jobs:    %-22d║\n", pending)
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func newMirrorStorage(cfg *config.Config) (files.Storage, error) {
	switch cfg.Mirror {
	case "b2":
		return files.NewB2Storage(files.B2Config{
			KeyID:     cfg.B2.KeyID,
			AppKey:    cfg.B2.AppKey,
			Bucket:    cfg.B2.Bucket,
			Prefix:    cfg.B2.Prefix,
			PublicURL: cfg.B2.PublicURL,
		})
	case "fs":
		return files.NewFSStorage(cfg.MirrorPath)
	}
	return nil, nil
}

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	addr := flag.String("addr", "", "HTTP listen address (overrides IMGBED_ADDR)")
	kvDSN := flag.String("kv", "", "KV store DSN: sqlite://path, postgres://..., memory:// (overrides IMGBED_KV_DSN)")
	channelsFile := flag.String("channels", "", "YAML channels file (overrides IMGBED_CHANNELS_FILE)")
	showStats := flag.Bool("stats", false, "Show store statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables rate limiting")
	flag.Parse()

	if *channelsFile != "" {
		os.Setenv("IMGBED_CHANNELS_FILE", *channelsFile)
	}
	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.Internal.Fatalf("invalid configuration: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *kvDSN != "" {
		cfg.KVDSN = *kvDSN
	}

	// Initialize store
	st, err := kv.Open(cfg.KVDSN)
	if err != nil {
		logging.Internal.Fatalf("failed to open kv store: %v", err)
	}
	defer st.Close()

	// Initialize notifiers, one bot per enabled channel
	notifiers := notify.Channels{}
	telegrams := map[string]*notify.Telegram{}
	for _, ch := range cfg.Channels {
		if !ch.Enabled || ch.Token == "" {
			logging.Internal.Printf("channel %s is not active", ch.Name)
			continue
		}
		tg, err := notify.NewTelegram(ch.Token, ch.APIEndpoint)
		if err != nil {
			logging.Internal.Fatalf("failed to connect bot for channel %s: %v", ch.Name, err)
		}
		notifiers[ch.Name] = tg
		telegrams[ch.Name] = tg
	}
	if len(cfg.Channels) == 0 {
		logging.Internal.Println("no channels configured (set TELEGRAM_TOKEN or IMGBED_CHANNELS_FILE)")
	}

	// Initialize scheduler - durable queue in the kv store, or in-process timers
	var sched scheduler.Scheduler
	var queue *scheduler.Queue
	var timer *scheduler.Timer
	if cfg.Scheduler == "queue" {
		queue = scheduler.NewQueue(st, scheduler.DefaultPollInterval)
		sched = queue
		logging.Internal.Println("using durable job queue")
	} else {
		timer = scheduler.NewTimer()
		sched = timer
		logging.Internal.Println("using in-process timers")
	}

	uploadCfg := upload.Config{
		QuietPeriod: cfg.QuietPeriod,
		BatchTTL:    cfg.BatchTTL,
		IndexTTL:    cfg.IndexTTL,
		DedupScan:   cfg.DedupScan,
		PublicURL:   cfg.PublicURL,
	}
	svc := upload.NewService(st, notifiers, sched, uploadCfg)

	// Show stats and exit if requested
	if *showStats {
		printStats(context.Background(), svc, queue)
		return
	}

	// Blob mirror - B2 or local filesystem when configured
	storage, err := newMirrorStorage(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize mirror storage: %v", err)
	}
	if storage != nil {
		for name, tg := range telegrams {
			svc.SetMirror(name, files.NewMirror(storage, tg, nil))
		}
		logging.Internal.Printf("mirroring images to %s storage", cfg.Mirror)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if queue != nil {
		go queue.Run(ctx)
	}

	// Start cleanup goroutine for expired keys
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := st.PurgeExpired(ctx)
				if err != nil {
					logging.Internal.Printf("cleanup error: %v", err)
				} else if count > 0 {
					logging.Internal.Printf("purged %d expired keys", count)
				}
			}
		}
	}()

	// Setup HTTP handler
	handler := api.NewHandler(svc, cfg.Channels)

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)
	mux.Handle("GET /metrics", metrics.Handler())

	// Apply middleware (order: Logger -> Metrics -> RateLimit -> handler)
	var finalHandler http.Handler = mux
	var rateLimiter *api.RateLimiter
	if !*devMode {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	} else {
		logging.Internal.Println("development mode: rate limiting disabled")
	}
	finalHandler = api.Metrics(finalHandler)
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
		// Pending finalize tasks still need to edit their messages
		if timer != nil {
			if err := timer.Close(shutdownCtx); err != nil {
				logging.Internal.Printf("scheduler drain error: %v", err)
			}
		}
		cancel()
	}()

	logging.Internal.Printf("starting server on %s", cfg.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
	<-done
}
