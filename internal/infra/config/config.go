package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the Backend and Gateway
// binaries. Either binary loads the whole document; sections the binary
// doesn't need (e.g. Socket on the Gateway) are simply unread.
type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Callback CallbackConfig `yaml:"callback"`
	Feishu   FeishuConfig   `yaml:"feishu"`
	Claude   ClaudeConfig   `yaml:"claude"`
	Store    StoreConfig    `yaml:"store"`
	Auth     AuthConfig     `yaml:"auth"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Includes []string       `yaml:"includes,omitempty"`
}

// SocketConfig controls the local Unix domain socket the hook talks to.
type SocketConfig struct {
	Path                string        `yaml:"path"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	ClientTimeoutBuffer time.Duration `yaml:"client_timeout_buffer"`
}

// CallbackConfig controls the Backend's HTTP decision surface.
type CallbackConfig struct {
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	PageCloseDelay  time.Duration `yaml:"page_close_delay"`
	VSCodeURIPrefix string        `yaml:"vscode_uri_prefix"`
}

// FeishuConfig holds Feishu/Lark app credentials and routing.
type FeishuConfig struct {
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	VerificationToken string `yaml:"verification_token"`
	SendMode          string `yaml:"send_mode"` // "webhook" or "openapi"
	GatewayURL        string `yaml:"gateway_url"`
	OwnerID           string `yaml:"owner_id"`
	ReplyInThread     bool   `yaml:"reply_in_thread"`
}

// ClaudeConfig holds the agent launch command line.
type ClaudeConfig struct {
	Command []string `yaml:"command"`
}

// StoreConfig controls where persisted JSON state lives.
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig holds the HMAC verification secret shared by Backend and Gateway.
// Secret is the master K; per-owner signing keys are derived from it (see
// internal/authtoken).
type AuthConfig struct {
	Secret string `yaml:"secret"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultStoreDir returns "./runtime", matching the project-local layout
// described for persisted state.
func defaultStoreDir() string {
	return "./runtime"
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Socket: SocketConfig{
			Path:                "/tmp/claude-permission.sock",
			RequestTimeout:      300 * time.Second,
			ClientTimeoutBuffer: 30 * time.Second,
		},
		Callback: CallbackConfig{
			Port:           8787,
			PageCloseDelay: 3 * time.Second,
		},
		Feishu: FeishuConfig{
			SendMode: "openapi",
		},
		Store: StoreConfig{
			Dir: defaultStoreDir(),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// any "enc:" secrets. A missing file is not an error: defaults plus env
// overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		ApplyEnvOverrides(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

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

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	hasIncludes := len(cfg.Includes) > 0
	if hasIncludes {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("HOOKBRIDGE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps the enumerated environment variables (plus a small
// ambient set prefixed HOOKBRIDGE_) onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PERMISSION_SOCKET_PATH"); v != "" {
		cfg.Socket.Path = v
	}
	if v := os.Getenv("PERMISSION_REQUEST_TIMEOUT"); v != "" {
		if d, ok := parseSecondsDuration(v); ok {
			cfg.Socket.RequestTimeout = d
		}
	}
	if v := os.Getenv("CLIENT_TIMEOUT_BUFFER"); v != "" {
		if d, ok := parseSecondsDuration(v); ok {
			cfg.Socket.ClientTimeoutBuffer = d
		}
	}
	if v := os.Getenv("CALLBACK_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Callback.Port = n
		}
	}
	if v := os.Getenv("CALLBACK_SERVER_URL"); v != "" {
		cfg.Callback.PublicURL = v
	}
	if v := os.Getenv("CALLBACK_PAGE_CLOSE_DELAY"); v != "" {
		if d, ok := parseSecondsDuration(v); ok {
			cfg.Callback.PageCloseDelay = d
		}
	}
	if v := os.Getenv("VSCODE_URI_PREFIX"); v != "" {
		cfg.Callback.VSCodeURIPrefix = v
	}
	if v := os.Getenv("FEISHU_APP_ID"); v != "" {
		cfg.Feishu.AppID = v
	}
	if v := os.Getenv("FEISHU_APP_SECRET"); v != "" {
		cfg.Feishu.AppSecret = v
	}
	if v := os.Getenv("FEISHU_VERIFICATION_TOKEN"); v != "" {
		cfg.Feishu.VerificationToken = v
	}
	if v := os.Getenv("FEISHU_SEND_MODE"); v != "" {
		cfg.Feishu.SendMode = v
	}
	if v := os.Getenv("FEISHU_GATEWAY_URL"); v != "" {
		cfg.Feishu.GatewayURL = v
	}
	if v := os.Getenv("FEISHU_OWNER_ID"); v != "" {
		cfg.Feishu.OwnerID = v
	}
	if v := os.Getenv("FEISHU_REPLY_IN_THREAD"); v != "" {
		cfg.Feishu.ReplyInThread = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CLAUDE_COMMAND"); v != "" {
		cfg.Claude.Command = parseClaudeCommand(v)
	}

	if v := os.Getenv("HOOKBRIDGE_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("HOOKBRIDGE_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("HOOKBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("HOOKBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("HOOKBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("HOOKBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("HOOKBRIDGE_METRICS_ENABLED"); v == "false" {
		cfg.Metrics.Enabled = false
	}
}

// parseSecondsDuration parses a plain integer (seconds) or a Go duration
// string ("30s"). The enumerated env vars (e.g. CLIENT_TIMEOUT_BUFFER=30)
// are bare integers denominated in seconds.
func parseSecondsDuration(v string) (time.Duration, bool) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	return 0, false
}

// parseClaudeCommand accepts a single command string, a bracketed list
// ("[claude, --dangerously-skip-permissions]"), or a JSON array
// ('["claude","--flag"]').
func parseClaudeCommand(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if strings.HasPrefix(v, "[") && strings.HasSuffix(v, "]") {
		var arr []string
		if err := json.Unmarshal([]byte(v), &arr); err == nil {
			return arr
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
		parts := splitAndTrim(inner, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.Trim(p, `"'`)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []string{v}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in the small set of secret fields
// and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []*string{
		&cfg.Feishu.AppSecret,
		&cfg.Feishu.VerificationToken,
		&cfg.Auth.Secret,
	}
	for _, fp := range secrets {
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("decrypt secret: %w", err)
			}
			*fp = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
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

// DecryptValue decrypts an AES-256-GCM encrypted value.
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

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o033 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
