// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/genfleet/internal/farm"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Browser    BrowserConfig    `mapstructure:"browser"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Errors     ErrorsConfig     `mapstructure:"errors"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Generation GenerationConfig `mapstructure:"generation"`
	Pacing     PacingConfig     `mapstructure:"pacing"`
	WorkSource WorkSourceConfig `mapstructure:"worksource"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Download   DownloadConfig   `mapstructure:"download"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrowserConfig lists the remote browsers and how to reach the provider.
type BrowserConfig struct {
	IDs                []string `mapstructure:"ids"`
	Labels             []string `mapstructure:"labels"`
	ProviderURL        string   `mapstructure:"provider_url"`
	OpenTimeoutSeconds int      `mapstructure:"open_timeout_seconds"`
	ProviderRPS        float64  `mapstructure:"provider_rps"`
	Driver             string   `mapstructure:"driver"`
}

// SchedulerConfig governs assignment pacing and run termination.
type SchedulerConfig struct {
	TaskIntervalSeconds    int  `mapstructure:"task_interval_seconds"`
	StartupDelaySeconds    int  `mapstructure:"startup_delay_seconds"`
	TickMillis             int  `mapstructure:"tick_millis"`
	MaxItemAttempts        int  `mapstructure:"max_item_attempts"`
	AbandonedReassignments int  `mapstructure:"abandoned_reassignments"`
	WaitForQuota           bool `mapstructure:"wait_for_quota"`
	ShutdownGraceSeconds   int  `mapstructure:"shutdown_grace_seconds"`
	ReportIntervalSeconds  int  `mapstructure:"report_interval_seconds"`
}

// ErrorsConfig controls the per-session restart policy.
type ErrorsConfig struct {
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`
	ErrorCooldownSeconds int `mapstructure:"error_cooldown_seconds"`
}

// QuotaConfig controls remaining-credit sampling.
type QuotaConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	MinPointsThreshold   int  `mapstructure:"min_points_threshold"`
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
}

// GenerationConfig controls the page workflow.
type GenerationConfig struct {
	AspectRatio    string `mapstructure:"aspect_ratio"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PollSeconds    int    `mapstructure:"poll_seconds"`
	ExpectedImages int    `mapstructure:"expected_images"`
	SelectorsFile  string `mapstructure:"selectors_file"`
}

// PacingConfig bounds the random pauses between remote actions, in seconds.
type PacingConfig struct {
	MinDelay float64 `mapstructure:"min_delay"`
	MaxDelay float64 `mapstructure:"max_delay"`
}

// WorkSourceConfig describes the spreadsheet layout.
type WorkSourceConfig struct {
	RootDir           string `mapstructure:"root_dir"`
	PromptColumn      int    `mapstructure:"prompt_column"`
	StatusColumn      int    `mapstructure:"status_column"`
	AspectRatioColumn int    `mapstructure:"aspect_ratio_column"`
	StartRow          int    `mapstructure:"start_row"`
	DoneMarker        string `mapstructure:"done_marker"`
	RejectedMarker    string `mapstructure:"rejected_marker"`
}

// StorageConfig sets where artifacts are persisted.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DownloadConfig controls artifact downloads.
type DownloadConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	// RPS caps requests per artifact host; 0 disables limiting.
	RPS float64 `mapstructure:"rps"`
}

// DBConfig controls access to the optional run ledger.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	RunsTable   string `mapstructure:"runs_table"`
	EventsTable string `mapstructure:"events_table"`
}

// PubSubConfig holds metadata for completion notices.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GENFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &farm.FatalConfigError{Err: fmt.Errorf("read config: %w", err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &farm.FatalConfigError{Err: fmt.Errorf("unmarshal config: %w", err)}
	}
	cfg.Browser.IDs = splitList(cfg.Browser.IDs)
	cfg.Browser.Labels = splitList(cfg.Browser.Labels)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.ids", []string{})
	v.SetDefault("browser.labels", []string{})
	v.SetDefault("browser.provider_url", "http://127.0.0.1:54345")
	v.SetDefault("browser.open_timeout_seconds", 30)
	v.SetDefault("browser.provider_rps", 2)
	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("scheduler.task_interval_seconds", 5)
	v.SetDefault("scheduler.startup_delay_seconds", 8)
	v.SetDefault("scheduler.tick_millis", 500)
	v.SetDefault("scheduler.max_item_attempts", 5)
	v.SetDefault("scheduler.abandoned_reassignments", 1)
	v.SetDefault("scheduler.wait_for_quota", false)
	v.SetDefault("scheduler.shutdown_grace_seconds", 60)
	v.SetDefault("scheduler.report_interval_seconds", 30)
	v.SetDefault("errors.max_consecutive_errors", 5)
	v.SetDefault("errors.error_cooldown_seconds", 30)
	v.SetDefault("quota.enabled", true)
	v.SetDefault("quota.min_points_threshold", 4)
	v.SetDefault("quota.check_interval_seconds", 60)
	v.SetDefault("generation.aspect_ratio", "9:16")
	v.SetDefault("generation.timeout_seconds", 600)
	v.SetDefault("generation.poll_seconds", 10)
	v.SetDefault("generation.expected_images", 4)
	v.SetDefault("pacing.min_delay", 2.0)
	v.SetDefault("pacing.max_delay", 5.0)
	v.SetDefault("worksource.root_dir", "Projects")
	v.SetDefault("worksource.prompt_column", 2)
	v.SetDefault("worksource.status_column", 3)
	v.SetDefault("worksource.aspect_ratio_column", 0)
	v.SetDefault("worksource.start_row", 2)
	v.SetDefault("worksource.done_marker", "image generated")
	v.SetDefault("worksource.rejected_marker", "prompt rejected")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "Projects")
	v.SetDefault("storage.content_type", "image/jpeg")
	v.SetDefault("download.timeout_seconds", 30)
	v.SetDefault("download.user_agent", "genfleet/0.1")
	v.SetDefault("download.rps", 4)
	v.SetDefault("db.runs_table", "generation_runs")
	v.SetDefault("db.events_table", "generation_items")
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits. Every failure is
// a *farm.FatalConfigError.
func (c Config) Validate() error {
	fatal := func(field, msg string) error {
		return &farm.FatalConfigError{Field: field, Err: errors.New(msg)}
	}
	if len(c.Browser.IDs) == 0 {
		return fatal("browser.ids", "at least one browser id is required")
	}
	if len(c.Browser.Labels) > 0 && len(c.Browser.Labels) != len(c.Browser.IDs) {
		return fatal("browser.labels", "must have one label per browser id")
	}
	if c.Browser.OpenTimeoutSeconds <= 0 {
		return fatal("browser.open_timeout_seconds", "must be > 0")
	}
	switch c.Browser.Driver {
	case "chromedp", "playwright":
	default:
		return fatal("browser.driver", fmt.Sprintf("unknown driver %q", c.Browser.Driver))
	}
	if c.Scheduler.TaskIntervalSeconds < 0 || c.Scheduler.StartupDelaySeconds < 0 {
		return fatal("scheduler", "intervals must be >= 0")
	}
	if c.Scheduler.TickMillis <= 0 {
		return fatal("scheduler.tick_millis", "must be > 0")
	}
	if c.Scheduler.MaxItemAttempts <= 0 {
		return fatal("scheduler.max_item_attempts", "must be > 0")
	}
	if c.Scheduler.AbandonedReassignments < 0 {
		return fatal("scheduler.abandoned_reassignments", "must be >= 0")
	}
	if c.Errors.MaxConsecutiveErrors <= 0 {
		return fatal("errors.max_consecutive_errors", "must be > 0")
	}
	if c.Errors.ErrorCooldownSeconds < 0 {
		return fatal("errors.error_cooldown_seconds", "must be >= 0")
	}
	if c.Quota.Enabled && c.Quota.CheckIntervalSeconds <= 0 {
		return fatal("quota.check_interval_seconds", "must be > 0 when quota is enabled")
	}
	if c.Generation.TimeoutSeconds <= 0 {
		return fatal("generation.timeout_seconds", "must be > 0")
	}
	if c.Pacing.MinDelay < 0 || c.Pacing.MaxDelay < c.Pacing.MinDelay {
		return fatal("pacing", "require 0 <= min_delay <= max_delay")
	}
	if c.WorkSource.PromptColumn <= 0 || c.WorkSource.StatusColumn <= 0 || c.WorkSource.StartRow <= 0 {
		return fatal("worksource", "columns and start_row are 1-based")
	}
	if c.WorkSource.PromptColumn == c.WorkSource.StatusColumn {
		return fatal("worksource.status_column", "must differ from prompt_column")
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fatal("storage.base_dir", "required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fatal("storage.gcs_bucket", "required for the gcs backend")
		}
	default:
		return fatal("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}
	if c.Download.RPS < 0 {
		return fatal("download.rps", "must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fatal("pubsub.project_id", "required when a topic is set")
	}
	if c.Server.Port < 0 {
		return fatal("server.port", "must be >= 0")
	}
	return nil
}

// Label returns the display label for the browser at index i.
func (c Config) Label(i int) string {
	if i < len(c.Browser.Labels) && c.Browser.Labels[i] != "" {
		return c.Browser.Labels[i]
	}
	if len(c.Browser.IDs) == 1 {
		return "main"
	}
	return fmt.Sprintf("window-%d", i+1)
}

// Seconds converts a whole-second knob into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// splitList flattens comma-separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
