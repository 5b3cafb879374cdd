// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Scheduler holds C5 assignment-scheduler cadence and batch sizing (spec §6).
type Scheduler struct {
	IntervalS            int `mapstructure:"interval_s"`
	BatchSize            int `mapstructure:"batch_size"`
	EligibleFetchRateQPS int `mapstructure:"eligible_fetch_rate_qps"`
}

// EligibilityWeights is the ranking-weight configuration of spec §4.2.2,
// exposed per the Open Questions in §9.
type EligibilityWeights struct {
	Performance float64 `mapstructure:"performance"`
	Headroom    float64 `mapstructure:"headroom"`
	Stake       float64 `mapstructure:"stake"`
	Freshness   float64 `mapstructure:"freshness"`
}

// Roster holds C3 worker-roster liveness and ranking configuration.
type Roster struct {
	WorkerTimeoutS     int                `mapstructure:"worker_timeout_s"`
	EligibilityWeights EligibilityWeights `mapstructure:"eligibility_weights"`
}

// Aggregator holds C6 response-aggregator buffering configuration.
type Aggregator struct {
	FlushSize           int     `mapstructure:"flush_size"`
	FlushTimeoutS       int     `mapstructure:"flush_timeout_s"`
	ScanIntervalS       int     `mapstructure:"scan_interval_s"`
	ScoreWeightAccuracy float64 `mapstructure:"score_weight_accuracy"`
	ScoreWeightSpeed    float64 `mapstructure:"score_weight_speed"`
}

// Reaper holds the cadences of C7's three loops.
type Reaper struct {
	StaleJobSweepS       int    `mapstructure:"stale_job_sweep_s"`
	StaleJobGraceS       int    `mapstructure:"stale_job_grace_s"`
	InactiveWorkerSweepS int    `mapstructure:"inactive_worker_sweep_s"`
	OldJobRetentionDays  int    `mapstructure:"old_job_retention_days"`
	OldJobCron           string `mapstructure:"old_job_cron"`
}

// Stats holds C8 statistics-reporter cadence.
type Stats struct {
	IntervalS int    `mapstructure:"interval_s"`
	Cron      string `mapstructure:"cron"`
}

// Defaults holds the job-submission defaults of spec §6. Validate checks
// them; job submission does not read them.
type Defaults struct {
	MinWorkers int `mapstructure:"min_workers"`
	MaxWorkers int `mapstructure:"max_workers"`
}

// Blob configures the S3-backed blob metadata adapter (C2).
type Blob struct {
	Region              string   `mapstructure:"region"`
	DefaultBucket       string   `mapstructure:"default_bucket"`
	Endpoint            string   `mapstructure:"endpoint"`
	AccessKeyID         string   `mapstructure:"access_key_id"`
	SecretAccessKey     string   `mapstructure:"secret_access_key"`
	ForcePathStyle      bool     `mapstructure:"force_path_style"`
	PublicURLTemplate   string   `mapstructure:"public_url_template"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
}

// Archive configures the ClickHouse long-term archive sink used by the
// old-job reaper before it deletes terminal jobs from the store.
type Archive struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// Notify configures the optional NATS push-notification enrichment.
type Notify struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	RateQPS int    `mapstructure:"rate_qps"`
}

// Schemas holds an optional per-kind JSON Schema document (raw text) that
// response outputs are validated against before the aggregator accepts
// them. Kinds absent from the map pass through unvalidated.
type Schemas struct {
	ByKind map[string]string `mapstructure:"by_kind"`
}

// Tracing configures the optional OTLP/HTTP trace exporter. Trimmed from
// the teacher's TracingConfig to the fields its tracer-provider setup
// actually reads (batching/header/allowlist knobs the teacher itself
// never wired into MaybeInitTracing are dropped, not carried as dead
// config).
type Tracing struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort int     `mapstructure:"metrics_port"`
	LogLevel    string  `mapstructure:"log_level"`
	LogFile     string  `mapstructure:"log_file"`
	Tracing     Tracing `mapstructure:"tracing"`
}

type Config struct {
	Redis         Redis               `mapstructure:"redis"`
	Scheduler     Scheduler           `mapstructure:"scheduler"`
	Roster        Roster              `mapstructure:"roster"`
	Aggregator    Aggregator          `mapstructure:"aggregator"`
	Reaper        Reaper              `mapstructure:"reaper"`
	Stats         Stats               `mapstructure:"stats"`
	Defaults      Defaults            `mapstructure:"defaults"`
	Blob          Blob                `mapstructure:"blob"`
	Archive       Archive             `mapstructure:"archive"`
	Notify        Notify              `mapstructure:"notify"`
	Schemas       Schemas             `mapstructure:"schemas"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Scheduler: Scheduler{
			IntervalS:            180,
			BatchSize:            10,
			EligibleFetchRateQPS: 20,
		},
		Roster: Roster{
			WorkerTimeoutS: 900,
			EligibilityWeights: EligibilityWeights{
				Performance: 0.4,
				Headroom:    0.3,
				Stake:       0.2,
				Freshness:   0.1,
			},
		},
		Aggregator: Aggregator{
			FlushSize:           3,
			FlushTimeoutS:       60,
			ScanIntervalS:       30,
			ScoreWeightAccuracy: 0.7,
			ScoreWeightSpeed:    0.3,
		},
		Reaper: Reaper{
			StaleJobSweepS:       900,
			StaleJobGraceS:       3600,
			InactiveWorkerSweepS: 300,
			OldJobRetentionDays:  7,
			OldJobCron:           "0 3 * * *",
		},
		Stats: Stats{
			IntervalS: 60,
		},
		Defaults: Defaults{
			MinWorkers: 1,
			MaxWorkers: 3,
		},
		Blob: Blob{
			Region:              "us-east-1",
			DefaultBucket:       "dispatch-blobs",
			PublicURLTemplate:   "https://%s.s3.amazonaws.com/%s",
			AllowedContentTypes: []string{"audio/*", "text/*", "video/*", "application/*"},
		},
		Archive: Archive{
			Enabled: false,
			Table:   "dispatch_archived_jobs",
		},
		Notify: Notify{
			Enabled: false,
			Subject: "dispatch.assignments",
			RateQPS: 50,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing: Tracing{
				Enabled:          false,
				SamplingStrategy: "probabilistic",
				SamplingRate:     0.1,
			},
		},
	}
}

// Load reads configuration from a YAML file (optional) and env overrides,
// exactly as the teacher's config.Load, generalized to the dispatch core's
// option set (spec §6).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("scheduler.interval_s", def.Scheduler.IntervalS)
	v.SetDefault("scheduler.batch_size", def.Scheduler.BatchSize)
	v.SetDefault("scheduler.eligible_fetch_rate_qps", def.Scheduler.EligibleFetchRateQPS)

	v.SetDefault("roster.worker_timeout_s", def.Roster.WorkerTimeoutS)
	v.SetDefault("roster.eligibility_weights.performance", def.Roster.EligibilityWeights.Performance)
	v.SetDefault("roster.eligibility_weights.headroom", def.Roster.EligibilityWeights.Headroom)
	v.SetDefault("roster.eligibility_weights.stake", def.Roster.EligibilityWeights.Stake)
	v.SetDefault("roster.eligibility_weights.freshness", def.Roster.EligibilityWeights.Freshness)

	v.SetDefault("aggregator.flush_size", def.Aggregator.FlushSize)
	v.SetDefault("aggregator.flush_timeout_s", def.Aggregator.FlushTimeoutS)
	v.SetDefault("aggregator.scan_interval_s", def.Aggregator.ScanIntervalS)
	v.SetDefault("aggregator.score_weight_accuracy", def.Aggregator.ScoreWeightAccuracy)
	v.SetDefault("aggregator.score_weight_speed", def.Aggregator.ScoreWeightSpeed)

	v.SetDefault("reaper.stale_job_sweep_s", def.Reaper.StaleJobSweepS)
	v.SetDefault("reaper.stale_job_grace_s", def.Reaper.StaleJobGraceS)
	v.SetDefault("reaper.inactive_worker_sweep_s", def.Reaper.InactiveWorkerSweepS)
	v.SetDefault("reaper.old_job_retention_days", def.Reaper.OldJobRetentionDays)
	v.SetDefault("reaper.old_job_cron", def.Reaper.OldJobCron)

	v.SetDefault("stats.interval_s", def.Stats.IntervalS)
	v.SetDefault("stats.cron", def.Stats.Cron)

	v.SetDefault("defaults.min_workers", def.Defaults.MinWorkers)
	v.SetDefault("defaults.max_workers", def.Defaults.MaxWorkers)

	v.SetDefault("blob.region", def.Blob.Region)
	v.SetDefault("blob.default_bucket", def.Blob.DefaultBucket)
	v.SetDefault("blob.public_url_template", def.Blob.PublicURLTemplate)
	v.SetDefault("blob.allowed_content_types", def.Blob.AllowedContentTypes)

	v.SetDefault("archive.enabled", def.Archive.Enabled)
	v.SetDefault("archive.table", def.Archive.Table)

	v.SetDefault("notify.enabled", def.Notify.Enabled)
	v.SetDefault("notify.subject", def.Notify.Subject)
	v.SetDefault("notify.rate_qps", def.Notify.RateQPS)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)
}

// Validate checks config constraints, generalizing the teacher's
// config.Validate to the dispatch core's option set.
func Validate(cfg *Config) error {
	if cfg.Defaults.MinWorkers < 1 {
		return fmt.Errorf("defaults.min_workers must be >= 1")
	}
	if cfg.Defaults.MaxWorkers < cfg.Defaults.MinWorkers {
		return fmt.Errorf("defaults.max_workers must be >= defaults.min_workers")
	}
	if cfg.Scheduler.IntervalS < 1 {
		return fmt.Errorf("scheduler.interval_s must be >= 1")
	}
	if cfg.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be >= 1")
	}
	if cfg.Roster.WorkerTimeoutS < 1 {
		return fmt.Errorf("roster.worker_timeout_s must be >= 1")
	}
	if cfg.Aggregator.FlushSize < 1 {
		return fmt.Errorf("aggregator.flush_size must be >= 1")
	}
	if cfg.Aggregator.FlushTimeoutS < 1 {
		return fmt.Errorf("aggregator.flush_timeout_s must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
