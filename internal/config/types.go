package config

// Config is the whole runtime configuration. All duration-valued fields
// are Go duration strings (e.g. "500ms", "30s", "1h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	EventBus  EventBusConfig  `json:"event_bus,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// PprofConfig controls the optional profiling listener. Bind to
// localhost unless a token is set.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend: "memory" (default) or
// "sqlite" with a database path.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EventBusConfig tunes per-handler retry on the in-process bus.
type EventBusConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	DeadLetterSize int    `json:"dead_letter_size,omitempty"`
}

type SchedulerConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	SweepEvery    string  `json:"sweep_every,omitempty"`
}

type NotifierConfig struct {
	Workers        int     `json:"workers,omitempty"`
	QueueSize      int     `json:"queue_size,omitempty"`
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
	SendBurst      int     `json:"send_burst,omitempty"`
	ScopeQuota     int     `json:"scope_quota,omitempty"`
	QuotaWindow    string  `json:"quota_window,omitempty"`
	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	BatchChunkSize int     `json:"batch_chunk_size,omitempty"`
	BatchPause     string  `json:"batch_pause,omitempty"`
}

// Validate rejects configs that can never work. Duration strings are
// checked here so a bad reload is refused before it reaches components.
func (c *Config) Validate() error {
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"event_bus.retry_base", c.EventBus.RetryBase},
		{"scheduler.retry_base", c.Scheduler.RetryBase},
		{"scheduler.retry_max_delay", c.Scheduler.RetryMaxDelay},
		{"scheduler.sweep_every", c.Scheduler.SweepEvery},
		{"notifier.quota_window", c.Notifier.QuotaWindow},
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"notifier.batch_pause", c.Notifier.BatchPause},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
