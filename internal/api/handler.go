package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"imgbed/internal/config"
	"imgbed/internal/logging"
	"imgbed/internal/metrics"
	"imgbed/internal/upload"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// MaxUpdateSize bounds the webhook request body.
const MaxUpdateSize = 1 << 20

// Uploads is the upload pipeline the webhook feeds.
type Uploads interface {
	Process(ctx context.Context, ev upload.Event) upload.Result
	HandleDirCommand(ctx context.Context, channel string, chatID int64, arg string) upload.Result
}

// Handler handles HTTP requests.
type Handler struct {
	uploads  Uploads
	channels map[string]config.Channel
	mux      *http.ServeMux
}

// NewHandler creates a new HTTP handler serving the given channels.
func NewHandler(uploads Uploads, channels []config.Channel) *Handler {
	h := &Handler{
		uploads:  uploads,
		channels: make(map[string]config.Channel, len(channels)),
		mux:      http.NewServeMux(),
	}
	for _, ch := range channels {
		h.channels[ch.Name] = ch
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/webhook/{channel}", h.handleWebhook)
	h.mux.HandleFunc("GET /api/health", h.handleHealth)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleWebhook always answers 200 so Telegram never redelivers an update;
// the outcome is reported in the JSON body.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	res := h.webhook(r, name)
	if !res.Success {
		logging.Bot.Printf("channel=%s: %s", name, res.Reason)
	}
	writeJSON(w, res)
}

// reject reports an update turned away before reaching the pipeline.
func reject(channel string, reason upload.Reason) upload.Result {
	metrics.EventsTotal.WithLabelValues(channel, string(reason)).Inc()
	return upload.Fail(reason)
}

func (h *Handler) webhook(r *http.Request, name string) upload.Result {
	ch, ok := h.channels[name]
	if !ok {
		return reject("unknown", upload.ReasonChannelNotFound)
	}
	if ch.Token == "" {
		return reject(name, upload.ReasonWebhookNotConfigured)
	}
	if !ch.Enabled {
		return reject(name, upload.ReasonWebhookDisabled)
	}
	if ch.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(ch.Secret)) != 1 {
		logging.HTTP.Printf("channel=%s: secret mismatch from %s", name, extractIP(r))
		return reject(name, upload.ReasonUnauthorized)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxUpdateSize))
	if err != nil {
		logging.HTTP.Printf("channel=%s: failed to read body: %v", name, err)
		return reject(name, upload.ReasonNoMessage)
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		logging.HTTP.Printf("channel=%s: malformed update: %v", name, err)
		return reject(name, upload.ReasonNoMessage)
	}

	msg := messageOf(&update)
	if msg == nil {
		return reject(name, upload.ReasonNoMessage)
	}
	if arg, ok := dirCommand(msg); ok && msg.Chat != nil {
		return h.uploads.HandleDirCommand(r.Context(), name, msg.Chat.ID, arg)
	}

	ev, reason := eventFromMessage(msg)
	if reason != "" {
		return reject(name, reason)
	}
	ev.Channel = name
	ev.DefaultFolder = ch.DefaultFolder
	return h.uploads.Process(r.Context(), ev)
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok", Channels: len(h.channels)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}
