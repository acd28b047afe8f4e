package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nuetzliches/beacon/internal/eventstore"
	"github.com/nuetzliches/beacon/internal/secrets"
)

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func Validate(cfg *Config) ValidationResult {
	var v validator
	if cfg == nil {
		v.errorf("config is nil")
		return v.result()
	}

	if cfg.Endpoint == "" {
		v.warnf("endpoint is empty; events stay queued until one is set")
	} else if err := ValidateEndpoint(cfg.Endpoint); err != nil {
		v.errorf("endpoint: %v", err)
	}
	if cfg.AccountID < 0 {
		v.errorf("account_id must be positive")
	}
	if cfg.ApplicationID < 0 {
		v.errorf("application_id must be positive")
	}

	db := cfg.Database
	if !eventstore.ValidTableName(db.Table) {
		v.errorf("database.table %q is not a valid table name", db.Table)
	}
	if db.SDKTable != "" && !eventstore.ValidTableName(db.SDKTable) {
		v.errorf("database.sdk_table %q is not a valid table name", db.SDKTable)
	}
	if db.SDKTable != "" && db.SDKTable == db.Table {
		v.errorf("database.sdk_table must differ from database.table")
	}
	if secrets.IsRef(db.PostgresDSN) {
		if err := secrets.ValidateRef(db.PostgresDSN); err != nil {
			v.errorf("database.postgres_dsn: %v", err)
		}
	}
	if secrets.IsRef(cfg.AppIdentity) {
		if err := secrets.ValidateRef(cfg.AppIdentity); err != nil {
			v.errorf("app_identity: %v", err)
		}
	}
	if db.PostgresDSN != "" && db.Path != "" {
		v.warnf("database.postgres_dsn set; database.path is ignored")
	}

	s := cfg.Sender
	if s.BatchingDelay < 0 {
		v.errorf("sender.batching_delay must not be negative")
	}
	if s.MaxUploadInterval <= 0 {
		v.errorf("sender.max_upload_interval must be positive")
	} else if s.BatchingDelay > s.MaxUploadInterval {
		v.warnf("sender.batching_delay %s is clamped to sender.max_upload_interval %s", s.BatchingDelay, s.MaxUploadInterval)
	}
	if s.MaxRows < 0 {
		v.errorf("sender.max_rows must not be negative")
	}
	if s.BatchSize <= 0 {
		v.errorf("sender.batch_size must be positive")
	}
	if s.RequestTimeout <= 0 {
		v.errorf("sender.request_timeout must be positive")
	}
	if s.BackgroundTimer.Enabled && strings.TrimSpace(s.BackgroundTimer.StartTimeKey) == "" {
		v.warnf("sender.background_timer.start_time_key is empty; the default key is used")
	}
	if s.Breaker.ConsecutiveFailures > 0 && s.Breaker.OpenTimeout <= 0 {
		v.errorf("sender.breaker.open_timeout must be positive when the breaker is enabled")
	}

	seen := map[[2]int64]bool{}
	for i, a := range cfg.DuplicateAccounts {
		if a.AccountID <= 0 || a.ApplicationID <= 0 {
			v.errorf("duplicate_accounts[%d]: account_id and application_id must be positive", i)
			continue
		}
		key := [2]int64{a.AccountID, a.ApplicationID}
		if seen[key] {
			v.warnf("duplicate_accounts[%d]: account %d/%d listed twice", i, a.AccountID, a.ApplicationID)
		}
		seen[key] = true
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.errorf("log.level %q must be one of debug, info, warn, error", cfg.Log.Level)
	}
	switch cfg.Log.Output {
	case "stderr", "stdout":
	case "file":
		if strings.TrimSpace(cfg.Log.Path) == "" {
			v.errorf("log.path is required when log.output is file")
		}
	default:
		v.errorf("log.output %q must be stderr, stdout or file", cfg.Log.Output)
	}

	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.Collector) == "" {
		v.errorf("tracing.collector is required when tracing is enabled")
	}
	if cfg.Tracing.Timeout < 0 {
		v.errorf("tracing.timeout must not be negative")
	}
	return v.result()
}

// ValidateEndpoint accepts absolute http and https URLs only.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

type validator struct {
	errs  []string
	warns []string
}

func (v *validator) errorf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validator) warnf(format string, args ...any) {
	v.warns = append(v.warns, fmt.Sprintf(format, args...))
}

func (v *validator) result() ValidationResult {
	return ValidationResult{OK: len(v.errs) == 0, Errors: v.errs, Warnings: v.warns}
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
