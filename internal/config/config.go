// Package config loads server settings from the environment, an optional
// .env file and an optional YAML file describing bot channels.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoChannels       = errors.New("no channels configured")
	ErrDuplicateChannel = errors.New("duplicate channel name")
)

// DefaultChannel is the name of the channel synthesized from TELEGRAM_TOKEN.
const DefaultChannel = "default"

// Channel is one bot whose webhook posts to /api/webhook/{name}.
type Channel struct {
	Name          string `yaml:"name"`
	Token         string `yaml:"token"`
	Enabled       bool   `yaml:"enabled"`
	DefaultFolder string `yaml:"default_folder"`
	Secret        string `yaml:"secret"`
	APIEndpoint   string `yaml:"api_endpoint"`
}

// B2 holds Backblaze B2 settings for the blob mirror.
type B2 struct {
	KeyID     string
	AppKey    string
	Bucket    string
	Prefix    string
	PublicURL string
}

// Config is the complete server configuration.
type Config struct {
	Addr         string
	KVDSN        string
	ChannelsFile string
	QuietPeriod  time.Duration
	BatchTTL     time.Duration
	IndexTTL     time.Duration
	Scheduler    string // "timer" or "queue"
	DedupScan    bool
	PublicURL    string
	Mirror       string // "", "fs" or "b2"
	MirrorPath   string
	B2           B2
	Channels     []Channel
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Addr:        ":8080",
		KVDSN:       "sqlite://imgbed.db",
		QuietPeriod: 5 * time.Second,
		BatchTTL:    60 * time.Second,
		IndexTTL:    time.Hour,
		Scheduler:   "timer",
		DedupScan:   true,
		MirrorPath:  "./images",
	}
}

// Load reads envFile (missing is fine), then the environment, then the
// channels file it names.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Channels come from the YAML file named
// by IMGBED_CHANNELS_FILE, or from TELEGRAM_TOKEN when no file is set.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	var err error

	setString(&cfg.Addr, getenv("IMGBED_ADDR"))
	setString(&cfg.KVDSN, getenv("IMGBED_KV_DSN"))
	setString(&cfg.ChannelsFile, getenv("IMGBED_CHANNELS_FILE"))
	setString(&cfg.Scheduler, getenv("IMGBED_SCHEDULER"))
	setString(&cfg.PublicURL, getenv("IMGBED_PUBLIC_URL"))
	setString(&cfg.Mirror, getenv("IMGBED_MIRROR"))
	setString(&cfg.MirrorPath, getenv("IMGBED_MIRROR_PATH"))

	if cfg.QuietPeriod, err = duration(getenv, "IMGBED_QUIET_PERIOD", cfg.QuietPeriod); err != nil {
		return nil, err
	}
	if cfg.BatchTTL, err = duration(getenv, "IMGBED_BATCH_TTL", cfg.BatchTTL); err != nil {
		return nil, err
	}
	if cfg.IndexTTL, err = duration(getenv, "IMGBED_INDEX_TTL", cfg.IndexTTL); err != nil {
		return nil, err
	}
	if v := getenv("IMGBED_DEDUP_SCAN"); v != "" {
		if cfg.DedupScan, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("IMGBED_DEDUP_SCAN: %w", err)
		}
	}

	cfg.B2 = B2{
		KeyID:     getenv("B2_KEY_ID"),
		AppKey:    getenv("B2_APP_KEY"),
		Bucket:    getenv("B2_BUCKET"),
		Prefix:    getenv("B2_PREFIX"),
		PublicURL: getenv("B2_PUBLIC_URL"),
	}

	if cfg.ChannelsFile != "" {
		if cfg.Channels, err = LoadChannels(cfg.ChannelsFile); err != nil {
			return nil, err
		}
	} else if token := getenv("TELEGRAM_TOKEN"); token != "" {
		cfg.Channels = []Channel{{
			Name:    DefaultChannel,
			Token:   token,
			Enabled: true,
			Secret:  getenv("TELEGRAM_WEBHOOK_SECRET"),
		}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be fixed by defaults.
func (c *Config) Validate() error {
	switch c.Scheduler {
	case "timer", "queue":
	default:
		return fmt.Errorf("IMGBED_SCHEDULER: unknown scheduler %q", c.Scheduler)
	}
	switch c.Mirror {
	case "", "fs":
	case "b2":
		if c.B2.Bucket == "" {
			return errors.New("IMGBED_MIRROR=b2 requires B2_BUCKET")
		}
	default:
		return fmt.Errorf("IMGBED_MIRROR: unknown mirror %q", c.Mirror)
	}
	if c.QuietPeriod <= 0 {
		return errors.New("IMGBED_QUIET_PERIOD must be positive")
	}
	if c.BatchTTL < c.QuietPeriod {
		return fmt.Errorf("IMGBED_BATCH_TTL (%s) must not be shorter than the quiet period (%s)", c.BatchTTL, c.QuietPeriod)
	}
	return nil
}

type channelsFile struct {
	Channels []Channel `yaml:"channels"`
}

// LoadChannels parses a YAML channels file:
//
//	channels:
//	  - name: family
//	    token: "123:abc"
//	    enabled: true
//	    default_folder: family/photos
//	    secret: s3cr3t
func LoadChannels(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return ParseChannels(data)
}

// ParseChannels decodes channel YAML and checks names are unique.
func ParseChannels(data []byte) ([]Channel, error) {
	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channels: %w", err)
	}
	if len(f.Channels) == 0 {
		return nil, ErrNoChannels
	}
	seen := make(map[string]bool, len(f.Channels))
	for i := range f.Channels {
		ch := &f.Channels[i]
		ch.Name = strings.TrimSpace(ch.Name)
		if ch.Name == "" {
			return nil, fmt.Errorf("channel %d: name is required", i)
		}
		if seen[ch.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.Name)
		}
		seen[ch.Name] = true
	}
	return f.Channels, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func duration(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
