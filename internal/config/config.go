package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the transformer. Values come
// from the environment, optionally seeded from a .env file.
type Config struct {
	App        AppConfig
	API        APIConfig
	AMQP       AMQPConfig
	Batch      BatchConfig
	Validation ValidationConfig
	Kafka      KafkaConfig
	Worker     WorkerConfig
	Health     HealthConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// APIConfig holds the record import API endpoint and credentials.
type APIConfig struct {
	URL            string
	Username       string
	Password       string
	UserAgent      string
	TimeoutSeconds int
}

// AMQPConfig holds the broker the passed records are published to.
type AMQPConfig struct {
	URL string
}

// BatchConfig names the single batch processed by the run command.
type BatchConfig struct {
	BlobID         string
	ProfileID      string
	AbortOnInvalid bool
}

// ValidationConfig controls how records are validated.
type ValidationConfig struct {
	Fix            bool
	Concurrency    int
	RequiredFields []string
}

// KafkaConfig defines the brokers and topics used in worker mode and for
// batch status events.
type KafkaConfig struct {
	Brokers       []string
	JobTopic      string
	StatusTopic   string
	ConsumerGroup string
}

// WorkerConfig controls job consumption, concurrency and caller level retry.
type WorkerConfig struct {
	Concurrency         int
	MaxAttempts         int
	BaseBackoffSeconds  int
	MaxBackoffSeconds   int
	MsgMaxBytes         int
	CommitOnSuccessOnly bool
}

// HealthConfig controls the health-check listener. Port 0 disables it.
type HealthConfig struct {
	Port int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "production", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.API.URL = ldr.getString("API_URL", "", true)
	cfg.API.Username = ldr.getString("API_USERNAME", "", true)
	cfg.API.Password = ldr.getString("API_PASSWORD", "", true)
	cfg.API.UserAgent = ldr.getString("API_CLIENT_USER_AGENT", "_RECORD-IMPORT-TRANSFORMER", false)
	cfg.API.TimeoutSeconds = ldr.getInt("API_TIMEOUT_SECONDS", 30, false)

	cfg.AMQP.URL = ldr.getString("AMQP_URL", "", true)

	cfg.Batch.BlobID = ldr.getString("BLOB_ID", "", false)
	cfg.Batch.ProfileID = ldr.getString("PROFILE_ID", "", false)
	cfg.Batch.AbortOnInvalid = ldr.getBool("ABORT_ON_INVALID", false, false)

	cfg.Validation.Fix = ldr.getBool("VALIDATION_FIX", false, false)
	cfg.Validation.Concurrency = ldr.getInt("VALIDATION_CONCURRENCY", 16, false)
	cfg.Validation.RequiredFields = ldr.getStringSlice("REQUIRED_FIELDS", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.JobTopic = ldr.getString("KAFKA_JOB_TOPIC", "", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "", false)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "record-import-transformer", false)

	cfg.Worker.Concurrency = ldr.getInt("WORKER_CONCURRENCY", 4, false)
	cfg.Worker.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 3, false)
	cfg.Worker.BaseBackoffSeconds = ldr.getInt("BASE_BACKOFF_SECONDS", 5, false)
	cfg.Worker.MaxBackoffSeconds = ldr.getInt("MAX_BACKOFF_SECONDS", 60, false)
	cfg.Worker.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 65536, false)
	cfg.Worker.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	cfg.Health.Port = ldr.getInt("HEALTH_CHECK_PORT", 8080, false)

	if cfg.Validation.Concurrency < 0 {
		ldr.addError("VALIDATION_CONCURRENCY cannot be negative")
	}
	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		ldr.addError("HEALTH_CHECK_PORT must be between 0 and 65535")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateBatch checks the settings the run command needs on top of Load.
func (c *Config) ValidateBatch() error {
	var errs []error
	if strings.TrimSpace(c.Batch.BlobID) == "" {
		errs = append(errs, errors.New("BLOB_ID is required"))
	}
	if strings.TrimSpace(c.Batch.ProfileID) == "" {
		errs = append(errs, errors.New("PROFILE_ID is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateWorker checks the settings worker mode needs on top of Load.
func (c *Config) ValidateWorker() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if strings.TrimSpace(c.Kafka.JobTopic) == "" {
		errs = append(errs, errors.New("KAFKA_JOB_TOPIC is required"))
	}
	if strings.TrimSpace(c.Kafka.ConsumerGroup) == "" {
		errs = append(errs, errors.New("KAFKA_CONSUMER_GROUP is required"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be >= 1"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be >= 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// StatusEventsEnabled reports whether batch status events should be sent to
// Kafka.
func (c *Config) StatusEventsEnabled() bool {
	return len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.StatusTopic) != ""
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
