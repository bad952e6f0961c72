package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// ${VAR} references are expanded from the environment at load time, so
// secrets like the bot token can live outside the file.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Pool      PoolConfig      `yaml:"pool"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workflows WorkflowsConfig `yaml:"workflows"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`

	// PollTimeout is the long-poll timeout; default "10s".
	PollTimeout string `yaml:"poll_timeout,omitempty"`

	// RatePerSec caps outbound sends at the adapter; default 25.
	RatePerSec int `yaml:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string     `yaml:"level,omitempty"`
	Console *bool      `yaml:"console,omitempty"`
	File    FileConfig `yaml:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

// PoolConfig controls the delivery execution pool.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 5
//   - interval: "5s"
type PoolConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
	Interval      string `yaml:"interval,omitempty"`
}

// DeliveryConfig controls delivery behavior shared by all workflows.
type DeliveryConfig struct {
	// SendDelay is the grace delay before the send phase; default "5s".
	SendDelay string `yaml:"send_delay,omitempty"`

	// RedirectBase is the prefix for tracked-link redirects; the shortcode
	// is appended to it. Default "https://links.campaignbot.dev/r/".
	RedirectBase string `yaml:"redirect_base,omitempty"`

	// SeedList holds recipient IDs that receive a disclosed sample copy of
	// every campaign delivery.
	SeedList []string `yaml:"seed_list,omitempty"`
}

type SchedulerConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Timezone string `yaml:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Madrid"
}

// WorkflowsConfig enables and schedules the bundled campaign workflows.
type WorkflowsConfig struct {
	Comeback     WorkflowConfig `yaml:"comeback,omitempty"`
	RaidReminder WorkflowConfig `yaml:"raid_reminder,omitempty"`
}

// WorkflowConfig is the per-workflow schedule block.
//
// Time is the anchor timestamp (RFC3339); only the weekday/hour/minute
// (and month, for monthly triggers) components are matched.
type WorkflowConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Trigger  string `yaml:"trigger,omitempty"` // once|minutely|hourly|daily|weekly|monthly
	Time     string `yaml:"time,omitempty"`
	StartNow bool   `yaml:"start_now,omitempty"`

	// Window is workflow-specific: inactivity window for comeback,
	// lookahead window for raid_reminder.
	Window string `yaml:"window,omitempty"`
}
