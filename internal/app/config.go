package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/platform/envutil"
)

const Version = "0.4.0"

// Config is assembled from environment variables, optionally overlaid by a
// YAML file named in JOBSTREAM_CONFIG. File values win over env values.
type Config struct {
	Addr         string
	LogMode      string
	GinMode      string
	AllowOrigins []string

	DBPath        string
	BusyTimeoutMS int

	AuthTokens []string

	WorkspaceBase string

	ClaimTimeout         time.Duration
	MaxClaimAttempts     int
	ClaimMonitorInterval time.Duration
	WorkerPollInterval   time.Duration

	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration

	SafeMode bool

	EventTTL      time.Duration
	ErrorEventTTL time.Duration
	SweepInterval time.Duration

	RingCapacity int
	ReplayChunk  int
	PingInterval time.Duration
	RetryMillis  int
}

type fileConfig struct {
	Addr         *string  `yaml:"addr"`
	LogMode      *string  `yaml:"log_mode"`
	GinMode      *string  `yaml:"gin_mode"`
	AllowOrigins []string `yaml:"allow_origins"`

	DBPath        *string `yaml:"db_path"`
	BusyTimeoutMS *int    `yaml:"busy_timeout_ms"`

	AuthTokens []string `yaml:"auth_tokens"`

	WorkspaceBase *string `yaml:"workspace_base"`

	ClaimTimeout         *string `yaml:"claim_timeout"`
	MaxClaimAttempts     *int    `yaml:"max_claim_attempts"`
	ClaimMonitorInterval *string `yaml:"claim_monitor_interval"`
	WorkerPollInterval   *string `yaml:"worker_poll_interval"`

	HeartbeatInterval *string `yaml:"heartbeat_interval"`
	ShutdownGrace     *string `yaml:"shutdown_grace"`
	SafeMode          *bool   `yaml:"safe_mode"`

	EventTTL      *string `yaml:"event_ttl"`
	ErrorEventTTL *string `yaml:"error_event_ttl"`
	SweepInterval *string `yaml:"sweep_interval"`

	RingCapacity *int    `yaml:"ring_capacity"`
	ReplayChunk  *int    `yaml:"replay_chunk"`
	PingInterval *string `yaml:"ping_interval"`
	RetryMillis  *int    `yaml:"retry_millis"`
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := Config{
		Addr:         envutil.String("JOBSTREAM_ADDR", ":8080"),
		LogMode:      envutil.String("LOG_MODE", "development"),
		GinMode:      envutil.String("GIN_MODE", "release"),
		AllowOrigins: splitList(envutil.String("JOBSTREAM_ALLOW_ORIGINS", "")),

		DBPath:        envutil.String("JOBSTREAM_DB_PATH", "data/jobstream.db"),
		BusyTimeoutMS: envutil.Int("JOBSTREAM_BUSY_TIMEOUT_MS", 5000),

		AuthTokens: splitList(envutil.String("JOBSTREAM_TOKENS", "")),

		WorkspaceBase: envutil.String("JOBSTREAM_WORKSPACE_BASE", "data/workspaces"),

		ClaimTimeout:         envutil.Duration("JOBSTREAM_CLAIM_TIMEOUT", 30*time.Second),
		MaxClaimAttempts:     envutil.Int("JOBSTREAM_MAX_CLAIM_ATTEMPTS", 3),
		ClaimMonitorInterval: envutil.Duration("JOBSTREAM_CLAIM_MONITOR_INTERVAL", 5*time.Second),
		WorkerPollInterval:   envutil.Duration("JOBSTREAM_WORKER_POLL_INTERVAL", 1*time.Second),

		HeartbeatInterval: envutil.Duration("JOBSTREAM_HEARTBEAT_INTERVAL", 3*time.Second),
		SafeMode:          envutil.Bool("JOBSTREAM_SAFE_MODE", false),
		ShutdownGrace:     envutil.Duration("JOBSTREAM_SHUTDOWN_GRACE", 10*time.Second),

		EventTTL:      envutil.Duration("JOBSTREAM_EVENT_TTL", 24*time.Hour),
		ErrorEventTTL: envutil.Duration("JOBSTREAM_ERROR_EVENT_TTL", 7*24*time.Hour),
		SweepInterval: envutil.Duration("JOBSTREAM_SWEEP_INTERVAL", time.Hour),

		RingCapacity: envutil.Int("JOBSTREAM_RING_CAPACITY", 10000),
		ReplayChunk:  envutil.Int("STREAM_REPLAY_CHUNK", 1000),
		PingInterval: envutil.Duration("JOBSTREAM_PING_INTERVAL", 15*time.Second),
		RetryMillis:  envutil.Int("JOBSTREAM_RETRY_MILLIS", 3000),
	}

	if path := envutil.String("JOBSTREAM_CONFIG", ""); path != "" {
		log.Info("Overlaying config file", "path", path)
		if err := overlayFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.Addr, fc.Addr)
	setString(&cfg.LogMode, fc.LogMode)
	setString(&cfg.GinMode, fc.GinMode)
	if len(fc.AllowOrigins) > 0 {
		cfg.AllowOrigins = fc.AllowOrigins
	}
	setString(&cfg.DBPath, fc.DBPath)
	setInt(&cfg.BusyTimeoutMS, fc.BusyTimeoutMS)
	if len(fc.AuthTokens) > 0 {
		cfg.AuthTokens = fc.AuthTokens
	}
	setString(&cfg.WorkspaceBase, fc.WorkspaceBase)
	if err := setDuration(&cfg.ClaimTimeout, fc.ClaimTimeout); err != nil {
		return err
	}
	setInt(&cfg.MaxClaimAttempts, fc.MaxClaimAttempts)
	if err := setDuration(&cfg.ClaimMonitorInterval, fc.ClaimMonitorInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.WorkerPollInterval, fc.WorkerPollInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.HeartbeatInterval, fc.HeartbeatInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.ShutdownGrace, fc.ShutdownGrace); err != nil {
		return err
	}
	if fc.SafeMode != nil {
		cfg.SafeMode = *fc.SafeMode
	}
	if err := setDuration(&cfg.EventTTL, fc.EventTTL); err != nil {
		return err
	}
	if err := setDuration(&cfg.ErrorEventTTL, fc.ErrorEventTTL); err != nil {
		return err
	}
	if err := setDuration(&cfg.SweepInterval, fc.SweepInterval); err != nil {
		return err
	}
	setInt(&cfg.RingCapacity, fc.RingCapacity)
	setInt(&cfg.ReplayChunk, fc.ReplayChunk)
	if err := setDuration(&cfg.PingInterval, fc.PingInterval); err != nil {
		return err
	}
	setInt(&cfg.RetryMillis, fc.RetryMillis)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", *v, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
