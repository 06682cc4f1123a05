package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSocket(cfg, ve)
	validateCallback(cfg, ve)
	validateFeishu(cfg, ve)
	validateStore(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSocket(cfg *Config, ve *ValidationError) {
	if cfg.Socket.Path == "" {
		ve.Add("socket.path must not be empty")
	}
	if cfg.Socket.RequestTimeout < 0 {
		ve.Add("socket.request_timeout must be >= 0 (0 disables the timeout)")
	}
	if cfg.Socket.ClientTimeoutBuffer < 0 {
		ve.Add("socket.client_timeout_buffer must be >= 0")
	}
}

func validateCallback(cfg *Config, ve *ValidationError) {
	if cfg.Callback.Port <= 0 || cfg.Callback.Port > 65535 {
		ve.Add("callback.port must be between 1 and 65535 (got %d)", cfg.Callback.Port)
	}
	if cfg.Callback.PageCloseDelay < 0 {
		ve.Add("callback.page_close_delay must be >= 0")
	}
}

var validFeishuSendModes = map[string]bool{
	"webhook": true,
	"openapi": true,
}

func validateFeishu(cfg *Config, ve *ValidationError) {
	if cfg.Feishu.SendMode != "" && !validFeishuSendModes[cfg.Feishu.SendMode] {
		ve.Add("feishu.send_mode %q is invalid (want: webhook, openapi)", cfg.Feishu.SendMode)
	}
	if cfg.Feishu.SendMode == "openapi" {
		if cfg.Feishu.AppID == "" {
			ve.Add("feishu.app_id is required when send_mode is openapi")
		}
		if cfg.Feishu.AppSecret == "" {
			ve.Add("feishu.app_secret is required when send_mode is openapi (set via FEISHU_APP_SECRET)")
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Dir == "" {
		ve.Add("store.dir must not be empty")
	}
}
