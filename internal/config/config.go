package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSecret    string `mapstructure:"DB_SECRET_NAME"`
	DBPassword  string `mapstructure:"DB_PASSWORD"`

	AWSRegion   string `mapstructure:"AWS_REGION"`
	AWSEndpoint string `mapstructure:"AWS_ENDPOINT_URL"`

	ArtifactBackend string `mapstructure:"ARTIFACT_BACKEND"`
	ArtifactBucket  string `mapstructure:"ARTIFACT_BUCKET"`

	DispatchBackend    string        `mapstructure:"DISPATCH_BACKEND"`
	SQSQueuePrefix     string        `mapstructure:"SQS_QUEUE_PREFIX"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix   string        `mapstructure:"KAFKA_TOPIC_PREFIX"`
	KafkaGroupID       string        `mapstructure:"KAFKA_GROUP_ID"`
	StageBaseURL       string        `mapstructure:"STAGE_BASE_URL"`
	StageAuthSecret    string        `mapstructure:"STAGE_AUTH_SECRET"`
	MaxPayloadBytes    int           `mapstructure:"DISPATCH_MAX_PAYLOAD_BYTES"`
	DispatchMaxAttempt int           `mapstructure:"DISPATCH_MAX_ATTEMPTS"`
	StageTimeout       time.Duration `mapstructure:"STAGE_TIMEOUT"`

	OntologyBackend  string        `mapstructure:"ONTOLOGY_BACKEND"`
	OntologyTable    string        `mapstructure:"ONTOLOGY_TABLE"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	OntologyCacheTTL time.Duration `mapstructure:"ONTOLOGY_CACHE_TTL"`

	ExtractMaxChars int `mapstructure:"EXTRACT_MAX_CHARS"`
	TextSampleChars int `mapstructure:"TEXT_SAMPLE_CHARS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SECRET_NAME", "DB_PASSWORD",
	"AWS_REGION", "AWS_ENDPOINT_URL",
	"ARTIFACT_BACKEND", "ARTIFACT_BUCKET",
	"DISPATCH_BACKEND", "SQS_QUEUE_PREFIX", "KAFKA_BROKERS", "KAFKA_TOPIC_PREFIX", "KAFKA_GROUP_ID",
	"STAGE_BASE_URL", "STAGE_AUTH_SECRET", "DISPATCH_MAX_PAYLOAD_BYTES", "DISPATCH_MAX_ATTEMPTS", "STAGE_TIMEOUT",
	"ONTOLOGY_BACKEND", "ONTOLOGY_TABLE", "REDIS_URL", "ONTOLOGY_CACHE_TTL",
	"EXTRACT_MAX_CHARS", "TEXT_SAMPLE_CHARS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("ARTIFACT_BACKEND", "s3")
	v.SetDefault("DISPATCH_BACKEND", "local")
	v.SetDefault("SQS_QUEUE_PREFIX", "medextract-")
	v.SetDefault("KAFKA_TOPIC_PREFIX", "medextract.")
	v.SetDefault("KAFKA_GROUP_ID", "medextract")
	v.SetDefault("DISPATCH_MAX_PAYLOAD_BYTES", 256*1024)
	v.SetDefault("DISPATCH_MAX_ATTEMPTS", 3)
	v.SetDefault("STAGE_TIMEOUT", "5m")
	v.SetDefault("ONTOLOGY_BACKEND", "dynamodb")
	v.SetDefault("ONTOLOGY_TABLE", "medextract-ontology")
	v.SetDefault("ONTOLOGY_CACHE_TTL", "1h")
	v.SetDefault("EXTRACT_MAX_CHARS", 20000)
	v.SetDefault("TEXT_SAMPLE_CHARS", 10000)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}
	if cfg.KafkaBrokers == nil {
		if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.ArtifactBackend {
	case "s3":
		if c.ArtifactBucket == "" {
			return fmt.Errorf("ARTIFACT_BUCKET is required when ARTIFACT_BACKEND is \"s3\"")
		}
	case "memory":
	default:
		return fmt.Errorf("ARTIFACT_BACKEND must be \"s3\" or \"memory\", got %q", c.ArtifactBackend)
	}

	switch c.DispatchBackend {
	case "local", "sqs":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when DISPATCH_BACKEND is \"kafka\"")
		}
	case "http":
		if c.StageBaseURL == "" {
			return fmt.Errorf("STAGE_BASE_URL is required when DISPATCH_BACKEND is \"http\"")
		}
	default:
		return fmt.Errorf("DISPATCH_BACKEND must be \"local\", \"sqs\", \"kafka\", or \"http\", got %q", c.DispatchBackend)
	}

	switch c.OntologyBackend {
	case "dynamodb", "postgres", "memory":
	default:
		return fmt.Errorf("ONTOLOGY_BACKEND must be \"dynamodb\", \"postgres\", or \"memory\", got %q", c.OntologyBackend)
	}

	if !c.IsDev() && c.DispatchBackend == "http" && c.StageAuthSecret == "" {
		return fmt.Errorf("STAGE_AUTH_SECRET is required outside development when DISPATCH_BACKEND is \"http\"")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("DISPATCH_MAX_PAYLOAD_BYTES must be positive, got %d", c.MaxPayloadBytes)
	}
	if c.ExtractMaxChars <= 0 || c.TextSampleChars <= 0 {
		return fmt.Errorf("EXTRACT_MAX_CHARS and TEXT_SAMPLE_CHARS must be positive")
	}
	return nil
}

// RequireDatabase reports an error when no database is configured. Only
// commands that touch Postgres call it.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
