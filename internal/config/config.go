// Package config loads the relay configuration from a YAML file with
// environment-variable overrides for secrets and sensible defaults for
// everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Duration parses YAML values like "45s" or "2m" into a time.Duration.
// Bare integers are treated as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the complete relay configuration.
type Config struct {
	Hostname     string   `yaml:"hostname"`
	RelayDomains []string `yaml:"relay_domains"`

	Listeners   []ListenerConfig   `yaml:"listeners"`
	TLS         TLSConfig          `yaml:"tls"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Access      AccessConfig       `yaml:"access"`
	Redis       RedisConfig        `yaml:"redis"`
	OAuth       OAuthConfig        `yaml:"oauth"`
	Delivery    DeliveryConfig     `yaml:"delivery"`
	Queue       QueueConfig        `yaml:"queue"`
	API         APIConfig          `yaml:"api"`
	Logging     LoggingConfig      `yaml:"logging"`

	MaxMessageSize int64 `yaml:"max_message_size"`
}

// ListenerConfig describes one SMTP endpoint.
type ListenerConfig struct {
	ID         string   `yaml:"id"`
	Listen     string   `yaml:"listen"`
	TLSMode    string   `yaml:"tls_mode"` // none, starttls, implicit
	Auth       string   `yaml:"auth"`     // required, optional, disabled
	Mechanisms []string `yaml:"mechanisms"`
}

// TLSConfig holds certificate file paths; empty paths select a generated
// self-signed certificate.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CredentialConfig is one static SMTP AUTH account, optionally pinned to
// source networks.
type CredentialConfig struct {
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	AllowedCIDRs []string `yaml:"allowed_cidrs"`
}

// AccessConfig locates the durable IP rule store and its audit trail.
type AccessConfig struct {
	StorePath     string `yaml:"store_path"`
	AuditPath     string `yaml:"audit_path"`
	AuditMaxBytes int64  `yaml:"audit_max_bytes"`
	AuditKeep     int    `yaml:"audit_keep"`
	AuthLogPath   string `yaml:"auth_log_path"`
}

// RedisConfig selects the shared counter backend used for auto-blocking.
// An empty address falls back to the in-process store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// OAuthConfig holds the upstream tenant registration and token cache.
type OAuthConfig struct {
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Authority    string   `yaml:"authority"`
	Scopes       []string `yaml:"scopes"`
	Flow         string   `yaml:"flow"` // device_code, client_credentials, authorization_code
	RedirectURL  string   `yaml:"redirect_url"`
	StorePath    string   `yaml:"store_path"`
	StoreKey     string   `yaml:"store_key"`
}

// DeliveryConfig selects the upstream transport and its settings.
type DeliveryConfig struct {
	Transport string `yaml:"transport"` // graph, smtp, ses, hybrid, logonly

	Graph  GraphConfig     `yaml:"graph"`
	SMTP   SMTPRelayConfig `yaml:"smtp"`
	SES    SESConfig       `yaml:"ses"`
	Hybrid HybridConfig    `yaml:"hybrid"`
}

// GraphConfig holds the structured submission endpoint settings.
type GraphConfig struct {
	Sender  string `yaml:"sender"`
	BaseURL string `yaml:"base_url"`
}

// SMTPRelayConfig holds the legacy SMTP submission settings.
type SMTPRelayConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	User       string   `yaml:"user"`
	DisableTLS bool     `yaml:"disable_tls"`
	Timeout    Duration `yaml:"timeout"`
}

// SESConfig holds the AWS SESv2 transport settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// HybridConfig names the primary and fallback transports.
type HybridConfig struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// QueueConfig tunes the durable retry queue.
type QueueConfig struct {
	Dir          string   `yaml:"dir"`
	BaseDelay    Duration `yaml:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	MaxAttempts  int      `yaml:"max_attempts"`
	PollInterval Duration `yaml:"poll_interval"`
}

// APIConfig holds the management REST listener settings.
type APIConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables over the built-in
// defaults. Used when no config file is given.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads a YAML file as the base layer and then applies
// environment overrides. Secrets are expected to arrive via environment
// in containerized deployments.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OAuthConfigured returns true when the tenant registration is complete
// enough to mint tokens.
func (c *Config) OAuthConfigured() bool {
	return c.OAuth.TenantID != "" && c.OAuth.ClientID != ""
}

// applyDefaults sets the built-in values: a single STARTTLS submission
// listener, file-backed state under /var/lib/smtprelay, and the dry-run
// transport.
func (c *Config) applyDefaults() {
	c.Hostname = "localhost"
	c.MaxMessageSize = defaultMaxMessageSize
	c.Listeners = []ListenerConfig{
		{ID: "submission", Listen: ":587", TLSMode: "starttls", Auth: "required"},
	}
	c.Access.StorePath = "/var/lib/smtprelay/ip-rules.json"
	c.Access.AuditPath = "/var/lib/smtprelay/ip-audit.log"
	c.OAuth.Flow = "client_credentials"
	c.OAuth.StorePath = "/var/lib/smtprelay/tokens.enc"
	c.Delivery.Transport = "logonly"
	c.Delivery.SMTP.Port = 587
	c.Queue.Dir = "/var/lib/smtprelay/queue"
	c.API.Listen = ":8081"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("RELAY_HOSTNAME"); v != "" {
		c.Hostname = v
	}
	if v := os.Getenv("RELAY_DOMAINS"); v != "" {
		c.RelayDomains = splitList(v)
	}
	if v := os.Getenv("RELAY_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxMessageSize = size
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if v := os.Getenv("OAUTH_TENANT_ID"); v != "" {
		c.OAuth.TenantID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("OAUTH_FLOW"); v != "" {
		c.OAuth.Flow = strings.ToLower(v)
	}
	if v := os.Getenv("OAUTH_STORE_KEY"); v != "" {
		c.OAuth.StoreKey = v
	}

	if v := os.Getenv("DELIVERY_TRANSPORT"); v != "" {
		c.Delivery.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Delivery.Graph.Sender = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Delivery.SES.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.Delivery.SES.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Delivery.SES.SecretAccessKey = v
	}

	if v := os.Getenv("API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate rejects configurations the daemon cannot start with.
func (c *Config) validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	seen := make(map[string]bool, len(c.Listeners))
	for i, lc := range c.Listeners {
		if lc.ID == "" {
			return fmt.Errorf("listener %d: id is required", i)
		}
		if seen[lc.ID] {
			return fmt.Errorf("listener %q: duplicate id", lc.ID)
		}
		seen[lc.ID] = true
		if lc.Listen == "" {
			return fmt.Errorf("listener %q: listen address is required", lc.ID)
		}
		switch lc.TLSMode {
		case "", "none", "starttls", "implicit":
		default:
			return fmt.Errorf("listener %q: unknown tls_mode %q", lc.ID, lc.TLSMode)
		}
		switch lc.Auth {
		case "", "required", "optional", "disabled":
		default:
			return fmt.Errorf("listener %q: unknown auth mode %q", lc.ID, lc.Auth)
		}
	}

	switch c.OAuth.Flow {
	case "", "device_code", "client_credentials", "authorization_code":
	default:
		return fmt.Errorf("unknown oauth flow %q", c.OAuth.Flow)
	}

	switch c.Delivery.Transport {
	case "", "graph", "smtp", "ses", "hybrid", "logonly":
	default:
		return fmt.Errorf("unknown delivery transport %q", c.Delivery.Transport)
	}
	if c.Delivery.Transport == "hybrid" {
		if c.Delivery.Hybrid.Primary == "" || c.Delivery.Hybrid.Fallback == "" {
			return fmt.Errorf("hybrid transport requires primary and fallback")
		}
		if c.Delivery.Hybrid.Primary == c.Delivery.Hybrid.Fallback {
			return fmt.Errorf("hybrid primary and fallback must differ")
		}
	}

	for i, cred := range c.Credentials {
		if cred.Username == "" || cred.Password == "" {
			return fmt.Errorf("credential %d: username and password are required", i)
		}
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
