package config

import (
	"fmt"
	"net/url"
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

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// inspect all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEnvironment(cfg, ve)
	validateEndpoint(cfg, ve)
	validateProxy(cfg, ve)
	validateSession(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEnvironment(cfg *Config, ve *ValidationError) {
	switch cfg.Environment {
	case EnvProduction, EnvStaging:
	default:
		ve.Add("environment must be %q or %q, got %q", EnvProduction, EnvStaging, cfg.Environment)
	}
	if cfg.UserAgent == "" {
		ve.Add("user_agent must not be empty")
	}
}

func validateEndpoint(cfg *Config, ve *ValidationError) {
	if cfg.EndpointURL == "" {
		return
	}
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		ve.Add("endpoint_url is not a valid URL: %v", err)
		return
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		ve.Add("endpoint_url scheme must be ws or wss, got %q", u.Scheme)
	}
}

func validateProxy(cfg *Config, ve *ValidationError) {
	if !cfg.Proxy.Enabled() {
		return
	}
	if cfg.Proxy.Host == "" {
		ve.Add("proxy.host must not be empty when a proxy is configured")
	}
	if cfg.Proxy.Port < 1 || cfg.Proxy.Port > 65535 {
		ve.Add("proxy.port must be in 1..65535, got %d", cfg.Proxy.Port)
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.RequestTimeout <= 0 {
		ve.Add("session.request_timeout must be > 0")
	}
	if cfg.Session.ExpireInterval <= 0 {
		ve.Add("session.expire_interval must be > 0")
	}
	if cfg.Session.DialTimeout <= 0 {
		ve.Add("session.dial_timeout must be > 0")
	}
}
