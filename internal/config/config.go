package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/LeventeLantos/chama-payments/internal/client"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Mpesa    MpesaConfig
	Ledger   LedgerConfig
	Auth     AuthConfig
	Kafka    KafkaConfig
	Reaper   ReaperConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level slog.Level
}

type DatabaseConfig struct {
	PostgresURL       string
	MigrationsEnabled bool
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type MpesaConfig struct {
	Env            string
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

type LedgerConfig struct {
	TTL         time.Duration
	PhonePrefix string
	PhoneLength int
	LoginAmount int64
}

type AuthConfig struct {
	JWTSecret string
	JWTTTL    time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ReaperConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// settings mirrors the environment one-to-one; Config is derived from it.
type settings struct {
	ServerAddress     string `yaml:"server_address" env:"SERVER_ADDRESS" env-default:":8080"`
	LogLevel          string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	PostgresURL       string `yaml:"postgres_url" env:"POSTGRES_URL"`
	MigrationsEnabled bool   `yaml:"migrations_enabled" env:"MIGRATIONS_ENABLED" env-default:"true"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`

	MpesaEnv            string `yaml:"mpesa_env" env:"MPESA_ENV" env-default:"sandbox"`
	MpesaBaseURL        string `yaml:"mpesa_base_url" env:"MPESA_BASE_URL"`
	MpesaConsumerKey    string `yaml:"mpesa_consumer_key" env:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string `yaml:"mpesa_consumer_secret" env:"MPESA_CONSUMER_SECRET"`
	MpesaShortCode      string `yaml:"mpesa_business_shortcode" env:"MPESA_BUSINESS_SHORTCODE" env-default:"174379"`
	MpesaPasskey        string `yaml:"mpesa_passkey" env:"MPESA_PASSKEY"`
	MpesaCallbackURL    string `yaml:"mpesa_callback_url" env:"MPESA_CALLBACK_URL"`
	MpesaTimeoutSeconds int    `yaml:"mpesa_timeout_seconds" env:"MPESA_TIMEOUT_SECONDS" env-default:"30"`

	LedgerTTLSeconds int    `yaml:"ledger_ttl_seconds" env:"LEDGER_TTL_SECONDS" env-default:"300"`
	PhonePrefix      string `yaml:"phone_prefix" env:"PHONE_PREFIX" env-default:"254"`
	PhoneLength      int    `yaml:"phone_length" env:"PHONE_LENGTH" env-default:"12"`
	LoginAmount      int64  `yaml:"login_amount" env:"LOGIN_AMOUNT" env-default:"1"`

	JWTSecretKey  string `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	JWTTTLMinutes int    `yaml:"jwt_ttl_minutes" env:"JWT_TTL_MINUTES" env-default:"30"`

	KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `yaml:"kafka_topic" env:"KAFKA_TOPIC" env-default:"chama.payments.resolved"`

	ReaperIntervalSeconds  int `yaml:"reaper_interval_seconds" env:"REAPER_INTERVAL_SECONDS" env-default:"60"`
	ReaperRetentionSeconds int `yaml:"reaper_retention_seconds" env:"REAPER_RETENTION_SECONDS" env-default:"3600"`
}

// LoadAll reads CONFIG_PATH (YAML) when set, then the environment, which wins.
func LoadAll() (*Config, error) {
	var s settings

	var err error
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		err = cleanenv.ReadConfig(path, &s)
	} else {
		err = cleanenv.ReadEnv(&s)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s.build(), nil
}

func (s *settings) validate() error {
	var errs []error

	required := []struct{ key, val string }{
		{"POSTGRES_URL", s.PostgresURL},
		{"MPESA_CALLBACK_URL", s.MpesaCallbackURL},
		{"JWT_SECRET_KEY", s.JWTSecretKey},
	}
	for _, r := range required {
		if r.val == "" {
			errs = append(errs, fmt.Errorf("missing required env var: %s", r.key))
		}
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if s.MpesaEnv != "sandbox" && s.MpesaEnv != "production" {
		errs = append(errs, fmt.Errorf("MPESA_ENV must be sandbox or production, got %q", s.MpesaEnv))
	}

	positive := []struct {
		key string
		val int64
	}{
		{"MPESA_TIMEOUT_SECONDS", int64(s.MpesaTimeoutSeconds)},
		{"LEDGER_TTL_SECONDS", int64(s.LedgerTTLSeconds)},
		{"LOGIN_AMOUNT", s.LoginAmount},
		{"JWT_TTL_MINUTES", int64(s.JWTTTLMinutes)},
		{"REAPER_INTERVAL_SECONDS", int64(s.ReaperIntervalSeconds)},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}
	if s.ReaperRetentionSeconds < 0 {
		errs = append(errs, errors.New("REAPER_RETENTION_SECONDS must be >= 0"))
	}
	if s.PhoneLength <= len(s.PhonePrefix) {
		errs = append(errs, errors.New("PHONE_LENGTH must exceed the length of PHONE_PREFIX"))
	}
	if s.RedisDB < 0 {
		errs = append(errs, errors.New("REDIS_DB must be >= 0"))
	}

	return errors.Join(errs...)
}

func (s *settings) build() *Config {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(s.LogLevel))

	baseURL := s.MpesaBaseURL
	if baseURL == "" {
		baseURL = client.SandboxBaseURL
		if s.MpesaEnv == "production" {
			baseURL = client.ProductionBaseURL
		}
	}

	var brokers []string
	for _, b := range s.KafkaBrokers {
		if b != "" {
			brokers = append(brokers, b)
		}
	}

	return &Config{
		Server: ServerConfig{Address: s.ServerAddress},
		Log:    LogConfig{Level: lvl},
		Database: DatabaseConfig{
			PostgresURL:       s.PostgresURL,
			MigrationsEnabled: s.MigrationsEnabled,
		},
		Redis: RedisConfig{
			Enabled:  s.RedisAddr != "",
			Address:  s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		},
		Mpesa: MpesaConfig{
			Env:            s.MpesaEnv,
			BaseURL:        baseURL,
			ConsumerKey:    s.MpesaConsumerKey,
			ConsumerSecret: s.MpesaConsumerSecret,
			ShortCode:      s.MpesaShortCode,
			Passkey:        s.MpesaPasskey,
			CallbackURL:    s.MpesaCallbackURL,
			Timeout:        time.Duration(s.MpesaTimeoutSeconds) * time.Second,
		},
		Ledger: LedgerConfig{
			TTL:         time.Duration(s.LedgerTTLSeconds) * time.Second,
			PhonePrefix: s.PhonePrefix,
			PhoneLength: s.PhoneLength,
			LoginAmount: s.LoginAmount,
		},
		Auth: AuthConfig{
			JWTSecret: s.JWTSecretKey,
			JWTTTL:    time.Duration(s.JWTTTLMinutes) * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled: len(brokers) > 0,
			Brokers: brokers,
			Topic:   s.KafkaTopic,
		},
		Reaper: ReaperConfig{
			Interval:  time.Duration(s.ReaperIntervalSeconds) * time.Second,
			Retention: time.Duration(s.ReaperRetentionSeconds) * time.Second,
		},
	}
}
