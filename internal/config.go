package internal

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	App struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
		Debug       bool   `yaml:"debug"`
	} `yaml:"app"`
	// Server holds server-specific configuration.
	Server ServerConfig `yaml:"server"`
	// GitHub holds GitHub App, OAuth and webhook settings.
	GitHub GitHubConfig `yaml:"github"`
	// Session controls first-party session issuance.
	Session SessionConfig `yaml:"session"`
	// Storage selects the database backing every store.
	Storage StorageConfig `yaml:"storage"`
	// Watermill holds configuration for delivery notice publishing.
	Watermill WatermillConfig `yaml:"watermill"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	ReadTimeoutMS  int64    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int64    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int64    `yaml:"idle_timeout_ms"`
	ReadHeaderMS   int64    `yaml:"read_header_timeout_ms"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	RateLimitRPS   int64    `yaml:"rate_limit_rps"`
	RateLimitBurst int64    `yaml:"rate_limit_burst"`
	MetricsEnabled bool     `yaml:"metrics_enabled"`
	MetricsPath    string   `yaml:"metrics_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	FrontendURL    string   `yaml:"frontend_url"`
	PublicBaseURL  string   `yaml:"public_base_url"`
}

// GitHubConfig contains GitHub App credentials and endpoints.
type GitHubConfig struct {
	AppID                 int64    `yaml:"app_id"`
	AppSlug               string   `yaml:"app_slug"`
	ClientID              string   `yaml:"client_id"`
	ClientSecret          string   `yaml:"client_secret"`
	OAuthScopes           []string `yaml:"oauth_scopes"`
	WebhookSecret         string   `yaml:"webhook_secret"`
	WebhookPath           string   `yaml:"webhook_path"`
	AllowUnsignedWebhooks bool     `yaml:"allow_unsigned_webhooks"`
	PrivateKey            string   `yaml:"private_key"`
	PrivateKeyPath        string   `yaml:"private_key_path"`
	APIBaseURL            string   `yaml:"api_base_url"`
	WebBaseURL            string   `yaml:"web_base_url"`
	RequestTimeoutMS      int64    `yaml:"request_timeout_ms"`
}

// RequestTimeout bounds every outbound GitHub call.
func (c GitHubConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

type SessionConfig struct {
	SecretKey     string `yaml:"secret_key"`
	LifetimeHours int    `yaml:"lifetime_hours"`
	CookieName    string `yaml:"cookie_name"`
	CookieSecure  bool   `yaml:"cookie_secure"`
}

// Lifetime returns the configured session lifetime.
func (c SessionConfig) Lifetime() time.Duration {
	return time.Duration(c.LifetimeHours) * time.Hour
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for inserting notices as river jobs.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// envOverrides lists the environment variables that win over the YAML file.
// Each is looked up as HOOKGATE_<NAME> first and then as <NAME>.
type envOverrides struct {
	Environment          string   `envconfig:"ENVIRONMENT"`
	Debug                bool     `envconfig:"DEBUG"`
	Port                 int      `envconfig:"PORT"`
	DatabaseDriver       string   `envconfig:"DATABASE_DRIVER"`
	DatabaseURL          string   `envconfig:"DATABASE_URL"`
	GitHubAppID          int64    `envconfig:"GITHUB_APP_ID"`
	GitHubAppSlug        string   `envconfig:"GITHUB_APP_SLUG"`
	GitHubClientID       string   `envconfig:"GITHUB_CLIENT_ID"`
	GitHubClientSecret   string   `envconfig:"GITHUB_CLIENT_SECRET"`
	GitHubWebhookSecret  string   `envconfig:"GITHUB_WEBHOOK_SECRET"`
	GitHubPrivateKey     string   `envconfig:"GITHUB_PRIVATE_KEY"`
	GitHubPrivateKeyPath string   `envconfig:"GITHUB_PRIVATE_KEY_PATH"`
	SessionSecretKey     string   `envconfig:"SESSION_SECRET_KEY"`
	SessionExpiryHours   int      `envconfig:"SESSION_EXPIRY_HOURS"`
	FrontendURL          string   `envconfig:"FRONTEND_URL"`
	AllowedOrigins       []string `envconfig:"ALLOWED_ORIGINS"`
}

// LoadConfig loads the full application configuration.
// A .env file in the working directory is loaded first when present. The YAML
// file at path is optional; environment overrides are applied on top of it.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return cfg, err
			}
		}
	}

	if err := applyEnv(&cfg.AppConfig); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg.AppConfig)

	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	return cfg, nil
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *log.Logger
}

func applyEnv(cfg *AppConfig) error {
	var env envOverrides
	if err := envconfig.Process("hookgate", &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	setString(&cfg.App.Environment, env.Environment)
	cfg.App.Debug = cfg.App.Debug || env.Debug
	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	setString(&cfg.Storage.Driver, env.DatabaseDriver)
	if env.DatabaseURL != "" {
		cfg.Storage.DSN = env.DatabaseURL
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = driverFromURL(env.DatabaseURL)
		}
	}
	if env.GitHubAppID != 0 {
		cfg.GitHub.AppID = env.GitHubAppID
	}
	setString(&cfg.GitHub.AppSlug, env.GitHubAppSlug)
	setString(&cfg.GitHub.ClientID, env.GitHubClientID)
	setString(&cfg.GitHub.ClientSecret, env.GitHubClientSecret)
	setString(&cfg.GitHub.WebhookSecret, env.GitHubWebhookSecret)
	// Keys passed through a single-line variable carry escaped newlines.
	setString(&cfg.GitHub.PrivateKey, strings.ReplaceAll(env.GitHubPrivateKey, `\n`, "\n"))
	setString(&cfg.GitHub.PrivateKeyPath, env.GitHubPrivateKeyPath)
	setString(&cfg.Session.SecretKey, env.SessionSecretKey)
	if env.SessionExpiryHours != 0 {
		cfg.Session.LifetimeHours = env.SessionExpiryHours
	}
	setString(&cfg.Server.FrontendURL, env.FrontendURL)
	if len(env.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = env.AllowedOrigins
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func driverFromURL(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql"
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite"
	default:
		return ""
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.App.Name == "" {
		cfg.App.Name = "hookgate"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.FrontendURL == "" {
		cfg.Server.FrontendURL = "http://localhost:3000"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{cfg.Server.FrontendURL}
	}
	if cfg.GitHub.WebhookPath == "" {
		cfg.GitHub.WebhookPath = "/webhooks/github"
	}
	if cfg.GitHub.APIBaseURL == "" {
		cfg.GitHub.APIBaseURL = "https://api.github.com"
	}
	if cfg.GitHub.WebBaseURL == "" {
		cfg.GitHub.WebBaseURL = "https://github.com"
	}
	if len(cfg.GitHub.OAuthScopes) == 0 {
		cfg.GitHub.OAuthScopes = []string{"user:email", "read:org"}
	}
	if cfg.GitHub.RequestTimeoutMS == 0 {
		cfg.GitHub.RequestTimeoutMS = 10000
	}
	if cfg.Session.LifetimeHours == 0 {
		cfg.Session.LifetimeHours = 24
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = "session_token"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "hookgate.db"
	}
	cfg.Storage.DSN = strings.TrimPrefix(cfg.Storage.DSN, "sqlite://")
	if cfg.Watermill.Driver == "" {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.RiverQueue.Table == "" {
		cfg.Watermill.RiverQueue.Table = "river_job"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "default"
	}
	if cfg.Watermill.RiverQueue.Kind == "" {
		cfg.Watermill.RiverQueue.Kind = "hookgate.delivery"
	}
	if cfg.Watermill.RiverQueue.MaxAttempts == 0 {
		cfg.Watermill.RiverQueue.MaxAttempts = 25
	}
	if cfg.Watermill.RiverQueue.Priority == 0 {
		cfg.Watermill.RiverQueue.Priority = 1
	}
	if cfg.Watermill.PublishRetry.Attempts == 0 {
		cfg.Watermill.PublishRetry.Attempts = 3
	}
	if cfg.Watermill.PublishRetry.DelayMS == 0 {
		cfg.Watermill.PublishRetry.DelayMS = 500
	}
}

// Validate reports settings the server cannot start without.
func (c AppConfig) Validate() error {
	var err error
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx", "mysql", "memory":
	default:
		err = errors.Join(err, &ConfigurationError{Setting: "storage.driver", Reason: "unsupported driver " + c.Storage.Driver})
	}
	if c.Storage.DSN == "" && !strings.EqualFold(c.Storage.Driver, "memory") {
		err = errors.Join(err, &ConfigurationError{Setting: "storage.dsn", Reason: "required"})
	}
	if c.GitHub.WebhookSecret == "" && !c.GitHub.AllowUnsignedWebhooks {
		err = errors.Join(err, &ConfigurationError{
			Setting: "github.webhook_secret",
			Reason:  "required unless github.allow_unsigned_webhooks is set",
		})
	}
	if c.Session.SecretKey == "" {
		err = errors.Join(err, &ConfigurationError{Setting: "session.secret_key", Reason: "required"})
	}
	if c.Session.LifetimeHours <= 0 {
		err = errors.Join(err, &ConfigurationError{Setting: "session.lifetime_hours", Reason: "must be positive"})
	}
	return err
}

// Masked returns a copy that is safe to print.
func (c Config) Masked() Config {
	out := c
	out.GitHub.ClientSecret = maskSecret(c.GitHub.ClientSecret)
	out.GitHub.WebhookSecret = maskSecret(c.GitHub.WebhookSecret)
	out.GitHub.PrivateKey = maskSecret(c.GitHub.PrivateKey)
	out.Session.SecretKey = maskSecret(c.Session.SecretKey)
	out.Storage.DSN = maskDSN(c.Storage.DSN)
	out.Watermill.SQL.DSN = maskDSN(c.Watermill.SQL.DSN)
	out.Watermill.RiverQueue.DSN = maskDSN(c.Watermill.RiverQueue.DSN)
	out.Watermill.AMQP.URL = maskDSN(c.Watermill.AMQP.URL)
	return out
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	return "****"
}

// maskDSN hides the password in URL-style and user:pass@ DSNs.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
			return u.String()
		}
		return dsn
	}
	if strings.Contains(dsn, "password=") {
		fields := strings.Fields(dsn)
		for i, field := range fields {
			if strings.HasPrefix(field, "password=") {
				fields[i] = "password=****"
			}
		}
		return strings.Join(fields, " ")
	}
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	colon := strings.Index(dsn[:at], ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:colon+1] + "****" + dsn[at:]
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		emit := make(EmitList, 0, len(rule.Emit))
		for _, topic := range rule.Emit {
			if trimmed := strings.TrimSpace(topic); trimmed != "" {
				emit = append(emit, trimmed)
			}
		}
		rule.Emit = emit
		if rule.When == "" || len(rule.Emit) == 0 {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
