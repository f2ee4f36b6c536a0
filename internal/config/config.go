// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and validation

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Supported transport drivers.
const (
	DriverMatrix   = "matrix"
	DriverCloudAPI = "cloudapi"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultReconnectBackoff  = 5 * time.Second
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultSweepSchedule     = "@every 5m"
	DefaultDedupeTTL         = 10 * time.Minute
	DefaultDedupeMaxEntries  = 100000
	DefaultWebhookPath       = "/webhook/whatsapp"
	DefaultCloudAPIURL       = "https://graph.facebook.com/v17.0"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Transport    TransportConfig    `yaml:"transport" toml:"transport"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Bot          BotConfig          `yaml:"bot" toml:"bot"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" validate:"required"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" validate:"required"`
}

// AuthConfig holds operator authentication configuration.
// An empty secret disables JWT verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" validate:"omitempty,min=32"`
}

// TransportConfig selects and configures the messaging transport driver
type TransportConfig struct {
	Driver           string        `yaml:"driver" toml:"driver" validate:"required,oneof=matrix cloudapi"`
	ReconnectBackoff time.Duration `yaml:"-" toml:"-"`

	// Raw string value for YAML/TOML unmarshaling
	ReconnectBackoffRaw string `yaml:"reconnect_backoff" toml:"reconnect_backoff"`

	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	CloudAPI CloudAPIConfig `yaml:"cloudapi" toml:"cloudapi"`
}

// MatrixConfig holds Matrix driver configuration
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
}

// CloudAPIConfig holds WhatsApp Cloud API driver configuration
type CloudAPIConfig struct {
	APIURL      string `yaml:"api_url" toml:"api_url"`
	PhoneID     string `yaml:"phone_id" toml:"phone_id"`
	Token       string `yaml:"token" toml:"token"`
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`
	AppSecret   string `yaml:"app_secret" toml:"app_secret"`
	WebhookPath string `yaml:"webhook_path" toml:"webhook_path"`
}

// ConversationConfig holds routing timing configuration
type ConversationConfig struct {
	InactivityTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL         time.Duration `yaml:"-" toml:"-"`
	SweepSchedule     string        `yaml:"sweep_schedule" toml:"sweep_schedule"`
	DedupeMaxEntries  int           `yaml:"dedupe_max_entries" toml:"dedupe_max_entries" validate:"gte=0"`

	// Raw string values for YAML/TOML unmarshaling
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	DedupeTTLRaw         string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// BotConfig holds bot customization
type BotConfig struct {
	// Templates overrides built-in response texts by template id.
	Templates map[string]string `yaml:"templates" toml:"templates"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
}

var validate = newValidator()

// newValidator reports field errors by their yaml key rather than the Go field name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if dbPath := os.Getenv("SWITCHBOARD_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills empty fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path != "" {
		c.Database.Path = expandHome(c.Database.Path)
	}
	if c.Transport.ReconnectBackoff == 0 {
		c.Transport.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.Transport.CloudAPI.APIURL == "" {
		c.Transport.CloudAPI.APIURL = DefaultCloudAPIURL
	}
	if c.Transport.CloudAPI.WebhookPath == "" {
		c.Transport.CloudAPI.WebhookPath = DefaultWebhookPath
	}
	if c.Conversation.InactivityTimeout == 0 {
		c.Conversation.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.Conversation.SweepSchedule == "" {
		c.Conversation.SweepSchedule = DefaultSweepSchedule
	}
	if c.Conversation.DedupeTTL == 0 {
		c.Conversation.DedupeTTL = DefaultDedupeTTL
	}
	if c.Conversation.DedupeMaxEntries == 0 {
		c.Conversation.DedupeMaxEntries = DefaultDedupeMaxEntries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Struct tags are checked first, then rules that span several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return err
	}

	switch c.Transport.Driver {
	case DriverMatrix:
		m := c.Transport.Matrix
		if m.Homeserver == "" {
			return fmt.Errorf("transport.matrix.homeserver is required for the matrix driver")
		}
		if m.UserID == "" {
			return fmt.Errorf("transport.matrix.user_id is required for the matrix driver")
		}
		if m.AccessToken == "" {
			return fmt.Errorf("transport.matrix.access_token is required for the matrix driver")
		}
	case DriverCloudAPI:
		ca := c.Transport.CloudAPI
		if ca.PhoneID == "" {
			return fmt.Errorf("transport.cloudapi.phone_id is required for the cloudapi driver")
		}
		if ca.Token == "" {
			return fmt.Errorf("transport.cloudapi.token is required for the cloudapi driver")
		}
		if ca.VerifyToken == "" {
			return fmt.Errorf("transport.cloudapi.verify_token is required for the cloudapi driver")
		}
		if ca.AppSecret == "" {
			return fmt.Errorf("transport.cloudapi.app_secret is required for the cloudapi driver")
		}
		if !strings.HasPrefix(ca.WebhookPath, "/") {
			return fmt.Errorf("transport.cloudapi.webhook_path must start with /")
		}
	}

	if c.Transport.ReconnectBackoff < 0 {
		return fmt.Errorf("transport.reconnect_backoff must be positive")
	}
	if c.Conversation.InactivityTimeout < 0 {
		return fmt.Errorf("conversation.inactivity_timeout must be positive")
	}
	if c.Conversation.DedupeTTL < 0 {
		return fmt.Errorf("conversation.dedupe_ttl must be positive")
	}

	return nil
}

// fieldPath turns a validator namespace like "Config.transport.driver" into "transport.driver".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_backoff", cfg.Transport.ReconnectBackoffRaw, &cfg.Transport.ReconnectBackoff},
		{"inactivity_timeout", cfg.Conversation.InactivityTimeoutRaw, &cfg.Conversation.InactivityTimeout},
		{"dedupe_ttl", cfg.Conversation.DedupeTTLRaw, &cfg.Conversation.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// DefaultPath returns the config file location used when none is given:
// SWITCHBOARD_CONFIG if set, otherwise $XDG_CONFIG_HOME/switchboard/config.yaml
// (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv("SWITCHBOARD_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "switchboard", "config.yaml")
}

// Starter is the config written by `switchboard init`.
const Starter = `# switchboard configuration
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "~/.local/share/switchboard/switchboard.db"

auth:
  # Leave empty to identify operators by the X-Operator-ID header instead.
  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"

transport:
  driver: matrix
  reconnect_backoff: "5s"
  matrix:
    homeserver: "https://matrix.org"
    user_id: "@switchboard:matrix.org"
    access_token: "${SWITCHBOARD_MATRIX_TOKEN}"
    allowed_rooms: []
  cloudapi:
    api_url: "https://graph.facebook.com/v17.0"
    phone_id: ""
    token: "${WHATSAPP_TOKEN}"
    verify_token: "${WHATSAPP_VERIFY_TOKEN}"
    app_secret: "${WHATSAPP_APP_SECRET}"
    webhook_path: "/webhook/whatsapp"

conversation:
  inactivity_timeout: "30m"
  sweep_schedule: "@every 5m"
  dedupe_ttl: "10m"
  dedupe_max_entries: 100000

bot:
  templates: {}

logging:
  level: "info"
  format: "text"
`
