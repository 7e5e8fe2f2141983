// Package config loads service settings from defaults, an optional file and
// MAILBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"mailbridge/internal/email"
)

const (
	defaultHostname = "localhost"
	envPrefix       = "MAILBRIDGE"

	// DisabledDeadLetterQueue turns dead-lettering off when used as the
	// dead_letter_queue value.
	DisabledDeadLetterQueue = "-"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	ServiceName string         `mapstructure:"service_name"`
	Log         LogConfig      `mapstructure:"log"`
	Health      HealthConfig   `mapstructure:"health"`
	RabbitMQ    RabbitMQConfig `mapstructure:"rabbitmq"`
	Email       EmailConfig    `mapstructure:"email"`
	DKIM        DKIMConfig     `mapstructure:"dkim"`
	Spool       SpoolConfig    `mapstructure:"spool"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type RabbitMQConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	VHost             string        `mapstructure:"vhost"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Queue             string        `mapstructure:"queue"`
	DeadLetterQueue   string        `mapstructure:"dead_letter_queue"`
	Workers           int           `mapstructure:"workers"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	TLS               bool          `mapstructure:"tls"`
	CAFile            string        `mapstructure:"ca_file"`
}

type EmailConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	RequireAuthentication bool          `mapstructure:"require_authentication"`
	Username              string        `mapstructure:"username"`
	Password              string        `mapstructure:"password"`
	MockSend              bool          `mapstructure:"mock_send"`
	AlertSender           string        `mapstructure:"alert_sender"`
	AlertRecipient        string        `mapstructure:"alert_recipient"`
	HeloName              string        `mapstructure:"helo_name"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	SendTimeout           time.Duration `mapstructure:"send_timeout"`
	InsecureSkipVerify    bool          `mapstructure:"insecure_skip_verify"`
	CAFile                string        `mapstructure:"ca_file"`
}

type DKIMConfig struct {
	Selector   string `mapstructure:"selector"`
	Domain     string `mapstructure:"domain"`
	KeyPath    string `mapstructure:"key_path"`
	PrivateKey string `mapstructure:"private_key"`
}

type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
}

// Hostname returns the name announced in EHLO.
// Preference order: MAILBRIDGE_HOSTNAME env var, system hostname, fallback.
func Hostname() string {
	if name := prefixed("HOSTNAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "mailbridge")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("health.addr", ":8080")

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.username", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.queue", "alice-mail-service")
	v.SetDefault("rabbitmq.dead_letter_queue", "")
	v.SetDefault("rabbitmq.workers", QueueWorkers())
	v.SetDefault("rabbitmq.connect_timeout", 30*time.Second)
	v.SetDefault("rabbitmq.heartbeat", 10*time.Second)
	v.SetDefault("rabbitmq.reconnect_attempts", 0)
	v.SetDefault("rabbitmq.reconnect_backoff", time.Second)
	v.SetDefault("rabbitmq.tls", false)
	v.SetDefault("rabbitmq.ca_file", "")

	v.SetDefault("email.host", "localhost")
	v.SetDefault("email.port", 25)
	v.SetDefault("email.require_authentication", false)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.mock_send", false)
	v.SetDefault("email.alert_sender", "")
	v.SetDefault("email.alert_recipient", "")
	v.SetDefault("email.helo_name", Hostname())
	v.SetDefault("email.dial_timeout", 30*time.Second)
	v.SetDefault("email.send_timeout", 2*time.Minute)
	v.SetDefault("email.insecure_skip_verify", false)
	v.SetDefault("email.ca_file", "")

	v.SetDefault("dkim.selector", "")
	v.SetDefault("dkim.domain", "")
	v.SetDefault("dkim.key_path", "")
	v.SetDefault("dkim.private_key", "")

	v.SetDefault("spool.dir", "")
}

// Load reads a .env file when present (unless MAILBRIDGE_DOTENV=false), then
// the optional config file at path, then the environment.
func Load(path string) (*Config, error) {
	if Bool(envPrefix+"_DOTENV", true) {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.RabbitMQ.Queue = strings.TrimSpace(c.RabbitMQ.Queue)
	switch dlq := strings.TrimSpace(c.RabbitMQ.DeadLetterQueue); dlq {
	case "":
		if c.RabbitMQ.Queue != "" {
			c.RabbitMQ.DeadLetterQueue = c.RabbitMQ.Queue + ".dead"
		}
	case DisabledDeadLetterQueue:
		c.RabbitMQ.DeadLetterQueue = ""
	default:
		c.RabbitMQ.DeadLetterQueue = dlq
	}
	c.Email.AlertSender = strings.TrimSpace(c.Email.AlertSender)
	c.Email.AlertRecipient = strings.TrimSpace(c.Email.AlertRecipient)
}

// Validate reports every problem found, each wrapped with ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.RabbitMQ.Queue == "" {
		invalid("rabbitmq.queue must not be empty")
	}
	if c.RabbitMQ.DeadLetterQueue != "" && c.RabbitMQ.DeadLetterQueue == c.RabbitMQ.Queue {
		invalid("rabbitmq.dead_letter_queue must differ from rabbitmq.queue")
	}
	if !validPort(c.RabbitMQ.Port) {
		invalid("rabbitmq.port %d out of range", c.RabbitMQ.Port)
	}
	if c.RabbitMQ.Workers < 1 {
		invalid("rabbitmq.workers must be at least 1")
	}
	if c.RabbitMQ.ReconnectAttempts < 0 {
		invalid("rabbitmq.reconnect_attempts must not be negative")
	}
	if !validPort(c.Email.Port) {
		invalid("email.port %d out of range", c.Email.Port)
	}
	if c.Email.RequireAuthentication && (c.Email.Username == "" || c.Email.Password == "") {
		invalid("email.username and email.password are required when email.require_authentication is set")
	}
	if c.Email.AlertSender != "" {
		if _, err := email.ParseAddress(c.Email.AlertSender); err != nil {
			invalid("email.alert_sender: %v", err)
		}
	}
	if c.Email.AlertRecipient != "" {
		if _, err := email.ParseAddress(c.Email.AlertRecipient); err != nil {
			invalid("email.alert_recipient: %v", err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		invalid("log.format %q must be json or console", c.Log.Format)
	}
	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
