// Package config loads and validates the chatlink configuration surface:
// target environment, user agent, credentials, proxy, and session tuning.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"chatlink/internal/infra/logger"
	"chatlink/internal/infra/tracer"
	"chatlink/internal/session"
)

// Well-known environments and their endpoints.
const (
	EnvProduction = "production"
	EnvStaging    = "staging"

	productionEndpoint = "wss://chat.chatlink.dev/v1/connect"
	stagingEndpoint    = "wss://chat.staging.chatlink.dev/v1/connect"
)

// ProxyConfig holds an optional proxy endpoint applied before connecting.
type ProxyConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Enabled reports whether a proxy has been configured at all.
func (p ProxyConfig) Enabled() bool { return p.Host != "" || p.Port != 0 }

// SessionConfig holds request and sweep tuning for the session engine.
type SessionConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ExpireInterval time.Duration `yaml:"expire_interval"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// Config is the top-level configuration.
type Config struct {
	Environment string `yaml:"environment"` // "production" or "staging"
	// EndpointURL overrides the environment's endpoint when set.
	EndpointURL string `yaml:"endpoint_url,omitempty"`
	UserAgent   string `yaml:"user_agent"`
	// AuthToken is the credential for authenticated connects. May be stored
	// encrypted with an "enc:" prefix; see DecryptValue.
	AuthToken string `yaml:"auth_token,omitempty"`

	Proxy     ProxyConfig             `yaml:"proxy"`
	Session   SessionConfig           `yaml:"session"`
	Reconnect session.ReconnectConfig `yaml:"reconnect"`
	Logger    logger.Config           `yaml:"logger"`
	Tracer    tracer.Config           `yaml:"tracer"`
}

// Endpoint resolves the effective endpoint URL.
func (c *Config) Endpoint() string {
	if c.EndpointURL != "" {
		return c.EndpointURL
	}
	switch c.Environment {
	case EnvStaging:
		return stagingEndpoint
	default:
		return productionEndpoint
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Environment: EnvProduction,
		UserAgent:   "chatlink/1.0",
		Session: SessionConfig{
			RequestTimeout: 10 * time.Second,
			ExpireInterval: 50 * time.Millisecond,
			DialTimeout:    15 * time.Second,
		},
		Reconnect: session.ReconnectConfig{
			Enabled:            true,
			RedialInterval:     2 * time.Second,
			RedialBurst:        3,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
			BreakerInterval:    60 * time.Second,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: tracer.Config{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CHATLINK_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATLINK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATLINK_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("CHATLINK_ENDPOINT_URL"); v != "" {
		cfg.EndpointURL = v
	}
	if v := os.Getenv("CHATLINK_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("CHATLINK_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("CHATLINK_PROXY_HOST"); v != "" {
		cfg.Proxy.Host = v
	}
	if v := os.Getenv("CHATLINK_PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.Port = n
		}
	}
	if v := os.Getenv("CHATLINK_SESSION_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.RequestTimeout = d
		}
	}
	if v := os.Getenv("CHATLINK_SESSION_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.DialTimeout = d
		}
	}
	if v := os.Getenv("CHATLINK_RECONNECT_ENABLED"); v == "false" {
		cfg.Reconnect.Enabled = false
	} else if v == "true" {
		cfg.Reconnect.Enabled = true
	}
	if v := os.Getenv("CHATLINK_RECONNECT_REDIAL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Reconnect.RedialInterval = d
		}
	}
	if v := os.Getenv("CHATLINK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATLINK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATLINK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATLINK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.AuthToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.AuthToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("auth_token: %w", err)
		}
		cfg.AuthToken = decrypted
	}
	return nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// EncryptValue encrypts plaintext with a passphrase-derived key, suitable
// for storing in config with an "enc:" prefix.
// Format: hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
