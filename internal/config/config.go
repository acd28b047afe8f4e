package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix     = "BEACON_"
	ConfigPathEnv = "BEACON_CONFIG"
)

// DefaultPaths are searched in order when no config path is given.
var DefaultPaths = []string{"beacon.yaml", "beacon.yml"}

type Config struct {
	Endpoint          string          `koanf:"endpoint"`
	AccountID         int64           `koanf:"account_id"`
	ApplicationID     int64           `koanf:"application_id"`
	AppIdentity       string          `koanf:"app_identity"`
	AppName           string          `koanf:"app_name"`
	AppVersion        string          `koanf:"app_version"`
	Database          DatabaseConfig  `koanf:"database"`
	Sender            SenderConfig    `koanf:"sender"`
	Events            EventsConfig    `koanf:"events"`
	DuplicateAccounts []AccountConfig `koanf:"duplicate_accounts"`
	Settings          SettingsConfig  `koanf:"settings"`
	Log               LogConfig       `koanf:"log"`
	Tracing           TracingConfig   `koanf:"tracing"`
	Debug             DebugConfig     `koanf:"debug"`
}

type DatabaseConfig struct {
	Path        string `koanf:"path"`
	Table       string `koanf:"table"`
	SDKTable    string `koanf:"sdk_table"`
	PostgresDSN string `koanf:"postgres_dsn"`
}

type SenderConfig struct {
	BatchingDelay         time.Duration         `koanf:"batching_delay"`
	MaxUploadInterval     time.Duration         `koanf:"max_upload_interval"`
	MaxRows               int                   `koanf:"max_rows"`
	BatchSize             int                   `koanf:"batch_size"`
	RequestTimeout        time.Duration         `koanf:"request_timeout"`
	InternalSerialization bool                  `koanf:"internal_serialization"`
	UseCookies            bool                  `koanf:"use_cookies"`
	BackgroundTimer       BackgroundTimerConfig `koanf:"background_timer"`
	Breaker               BreakerConfig         `koanf:"breaker"`
}

type BackgroundTimerConfig struct {
	Enabled      bool   `koanf:"enabled"`
	StartTimeKey string `koanf:"start_time_key"`
}

// BreakerConfig tunes the upload circuit breaker. Zero failures disables it.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	OpenTimeout         time.Duration `koanf:"open_timeout"`
}

type EventsConfig struct {
	Disabled []string `koanf:"disabled"`
}

type AccountConfig struct {
	AccountID      int64    `koanf:"account_id"`
	ApplicationID  int64    `koanf:"application_id"`
	DisabledEvents []string `koanf:"disabled_events"`
}

type SettingsConfig struct {
	// Path of the badger directory. Empty keeps settings in memory.
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Output string `koanf:"output"`
	Path   string `koanf:"path"`
}

type TracingConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Collector string        `koanf:"collector"`
	URLPath   string        `koanf:"url_path"`
	Insecure  bool          `koanf:"insecure"`
	CAFile    string        `koanf:"ca_file"`
	Timeout   time.Duration `koanf:"timeout"`
}

type DebugConfig struct {
	Listen string `koanf:"listen"`
}

func Default() *Config {
	return &Config{
		AccountID:     477,
		ApplicationID: 1,
		Database: DatabaseConfig{
			Path:     "beacon.db",
			Table:    "RAKUTEN_ANALYTICS_TABLE",
			SDKTable: "RAKUTEN_ANALYTICS_SDK_TABLE",
		},
		Sender: SenderConfig{
			BatchingDelay:     time.Second,
			MaxUploadInterval: 60 * time.Second,
			MaxRows:           5000,
			BatchSize:         16,
			RequestTimeout:    30 * time.Second,
			BackgroundTimer: BackgroundTimerConfig{
				StartTimeKey: "RATGeoScheduleStartTime",
			},
			Breaker: BreakerConfig{
				OpenTimeout: time.Minute,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			URLPath: "/v1/traces",
		},
	}
}

// Load layers defaults, the YAML file at path (or the first default path
// found) and BEACON_* environment variables, then validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	res := Validate(cfg)
	if !res.OK {
		return nil, fmt.Errorf("config invalid: %s", strings.Join(res.Errors, "; "))
	}
	return cfg, nil
}

// LoadUnvalidated is Load without the final Validate call, for tooling that
// reports every problem instead of stopping at the first.
func LoadUnvalidated(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = FindFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitListFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// secretPaths are masked by Marshal.
var secretPaths = []string{"app_identity", "database.postgres_dsn"}

// Marshal renders cfg with parser. Durations are written in their string
// form and secrets are masked, so the output can be loaded again except for
// the masked values.
func Marshal(cfg *Config, parser koanf.Parser) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, err
	}
	for key, v := range k.All() {
		if d, ok := v.(time.Duration); ok {
			if err := k.Set(key, d.String()); err != nil {
				return nil, err
			}
		}
	}
	for _, p := range secretPaths {
		if s, ok := k.Get(p).(string); ok && s != "" {
			if err := k.Set(p, "***"); err != nil {
				return nil, err
			}
		}
	}
	return k.Marshal(parser)
}

// FindFile returns BEACON_CONFIG when it names an existing file, else the
// first existing default path, else "".
func FindFile() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envPaths lists the keys settable from the environment. BEACON_ plus the
// path with dots replaced by underscores, upper-cased.
var envPaths = []string{
	"endpoint",
	"account_id",
	"application_id",
	"app_identity",
	"app_name",
	"app_version",
	"database.path",
	"database.table",
	"database.sdk_table",
	"database.postgres_dsn",
	"sender.batching_delay",
	"sender.max_upload_interval",
	"sender.max_rows",
	"sender.batch_size",
	"sender.request_timeout",
	"sender.internal_serialization",
	"sender.use_cookies",
	"sender.background_timer.enabled",
	"sender.background_timer.start_time_key",
	"sender.breaker.consecutive_failures",
	"sender.breaker.open_timeout",
	"events.disabled",
	"settings.path",
	"log.level",
	"log.output",
	"log.path",
	"tracing.enabled",
	"tracing.collector",
	"tracing.url_path",
	"tracing.insecure",
	"tracing.ca_file",
	"tracing.timeout",
	"debug.listen",
}

var listPaths = []string{"events.disabled"}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	for _, p := range envPaths {
		if strings.ReplaceAll(p, ".", "_") == key {
			return p
		}
	}
	return ""
}

// splitListFields turns comma-separated env values into lists.
func splitListFields(k *koanf.Koanf) error {
	for _, path := range listPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
