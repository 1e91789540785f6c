package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ops       OpsConfig       `json:"ops"`
}

// TelegramConfig configures the Bot API client used by timer callbacks and
// the alert sink. An empty token runs the service without chat access:
// reminders and room rent cannot be scheduled or recovered.
type TelegramConfig struct {
	Token string `json:"token"`
	// AlertChannel is "<chatID>" or "<chatID>/<threadID>".
	AlertChannel string `json:"alert_channel,omitempty"`
	// APIURL overrides the Bot API endpoint (local bot API server).
	APIURL     string `json:"api_url,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards records at or above MinLevel to
// telegram.alert_channel.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the timer projection store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/timers.db" }
//
// Nil or driver "none" disables persistence.
type StorageConfig struct {
	Driver string `json:"driver"`
	// Path is used by the file and sqlite drivers.
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Addr, Password and DB are used by the redis driver.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	// DSN is used by the postgres driver.
	DSN       string `json:"dsn,omitempty"` // never logged
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// SchedulerConfig controls the timer manager. Durations are Go duration
// strings.
type SchedulerConfig struct {
	PersistTimeout  string `json:"persist_timeout,omitempty"`
	RecoveryTimeout string `json:"recovery_timeout,omitempty"`
	CallbackTimeout string `json:"callback_timeout,omitempty"`
	// Tenants are initialized on boot.
	Tenants []string `json:"tenants,omitempty"`
}

// OpsConfig controls the operator HTTP API.
//
// Security note: the API can cancel timers. Bind it to localhost or a
// private network, or set a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
