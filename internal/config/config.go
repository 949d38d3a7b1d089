package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/squarejellyfish/ntuber/internal/fare"
	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/storage"
)

const (
	DefaultContract = "0xa5a5d38a99dcd0863C62347337Bf90093A54eFeE"
	// SepoliaChainID is 0xaa36a7.
	SepoliaChainID = 11155111
)

// ServerConfig captures all tunable parameters for the session process.
// Defaults are overlaid by the YAML file named in CONFIG_FILE, then by
// environment variables, so the binary runs locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	// AllowedOrigins are the browser origins that may drive the session. An
	// entry without a port matches any port on that scheme and host.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Identity is only used by the memory ledger; the eth ledger derives it
	// from the private key.
	Identity string `yaml:"identity"`
	Role     string `yaml:"role"`

	LedgerBackend string `yaml:"ledger_backend"`
	EthRPCURL     string `yaml:"eth_rpc_url"`
	EthContract   string `yaml:"eth_contract"`
	EthPrivateKey string `yaml:"eth_private_key"`
	EthChainID    int64  `yaml:"eth_chain_id"`

	MirrorWindow       int           `yaml:"mirror_window"`
	MirrorPollInterval time.Duration `yaml:"mirror_poll_interval"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval"`

	FareTiers     fare.Tiers `yaml:"fare_tiers"`
	ExchangeRate  string     `yaml:"exchange_rate"`
	FarePrecision int32      `yaml:"fare_precision"`
	DefaultFare   string     `yaml:"default_fare"`

	DeferredBackend string `yaml:"deferred_backend"`
	DeferredDir     string `yaml:"deferred_dir"`
	DeferredKey     string `yaml:"deferred_key"`
	PGDSN           string `yaml:"pg_dsn"`
	RunMigrations   bool   `yaml:"run_migrations"`

	RelayBackend      string        `yaml:"relay_backend"`
	RelayPollInterval time.Duration `yaml:"relay_poll_interval"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	StrictWriter      bool          `yaml:"strict_writer"`
	PositionTTL       time.Duration `yaml:"position_ttl"`

	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
	AMQPURL       string   `yaml:"amqp_url"`
	AMQPExchange  string   `yaml:"amqp_exchange"`

	OSRMEndpoint    string  `yaml:"osrm_endpoint"`
	DefaultSpeedMps float64 `yaml:"default_speed_mps"`

	LocationMaxAge time.Duration `yaml:"location_max_age"`
}

func defaultServerConfig() ServerConfig {
	f := fare.DefaultConfig()
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		LogLevel:           "info",
		AllowedOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		Identity:           "0x0000000000000000000000000000000000000001",
		Role:               string(models.RoleRequester),
		LedgerBackend:      "memory",
		EthContract:        DefaultContract,
		EthChainID:         SepoliaChainID,
		MirrorWindow:       20,
		MirrorPollInterval: 15 * time.Second,
		MinRefreshInterval: 500 * time.Millisecond,
		FareTiers:          f.Tiers,
		ExchangeRate:       f.ExchangeRate.String(),
		FarePrecision:      f.Precision,
		DefaultFare:        f.Default.String(),
		DeferredBackend:    "file",
		DeferredDir:        ".ntuber",
		DeferredKey:        storage.DefaultDeferredKey,
		RelayBackend:       "memory",
		RelayPollInterval:  time.Second,
		PublishTimeout:     2 * time.Second,
		PollTimeout:        time.Second,
		PositionTTL:        2 * time.Hour,
		KafkaTopic:         "ride-positions",
		AMQPExchange:       "ride.positions",
		DefaultSpeedMps:    4,
		LocationMaxAge:     30 * time.Second,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if origins := os.Getenv("HTTP_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	setStringFromEnv(&cfg.Identity, "NTUBER_IDENTITY")
	if v := os.Getenv("NTUBER_ROLE"); v != "" {
		cfg.Role = strings.ToLower(strings.TrimSpace(v))
	}

	setStringFromEnv(&cfg.LedgerBackend, "LEDGER_BACKEND")
	setStringFromEnv(&cfg.EthRPCURL, "ETH_RPC_URL")
	setStringFromEnv(&cfg.EthContract, "ETH_CONTRACT")
	setStringFromEnv(&cfg.EthPrivateKey, "ETH_PRIVATE_KEY")
	setInt64FromEnv(&cfg.EthChainID, "ETH_CHAIN_ID", &errs)

	setIntFromEnv(&cfg.MirrorWindow, "MIRROR_WINDOW", &errs)
	setDurationFromEnv(&cfg.MirrorPollInterval, "MIRROR_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.MinRefreshInterval, "MIRROR_MIN_REFRESH_INTERVAL", &errs)

	setStringFromEnv(&cfg.ExchangeRate, "FARE_EXCHANGE_RATE")
	setStringFromEnv(&cfg.DefaultFare, "FARE_DEFAULT")

	setStringFromEnv(&cfg.DeferredBackend, "DEFERRED_BACKEND")
	setStringFromEnv(&cfg.DeferredDir, "DEFERRED_DIR")
	setStringFromEnv(&cfg.DeferredKey, "DEFERRED_KEY")
	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE")

	setStringFromEnv(&cfg.RelayBackend, "RELAY_BACKEND")
	setDurationFromEnv(&cfg.RelayPollInterval, "RELAY_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PublishTimeout, "RELAY_PUBLISH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.PollTimeout, "RELAY_POLL_TIMEOUT", &errs)
	setBoolFromEnv(&cfg.StrictWriter, "RELAY_STRICT_WRITER")
	setDurationFromEnv(&cfg.PositionTTL, "RELAY_POSITION_TTL", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.LocationMaxAge, "LOCATION_MAX_AGE", &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func loadFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c ServerConfig) validate() []error {
	var errs []error
	if !models.Role(c.Role).Valid() {
		errs = append(errs, fmt.Errorf("NTUBER_ROLE must be requester or fulfiller, got %q", c.Role))
	}
	switch c.LedgerBackend {
	case "memory":
	case "eth":
		if c.EthRPCURL == "" {
			errs = append(errs, fmt.Errorf("ETH_RPC_URL is required for the eth ledger"))
		}
		if c.EthPrivateKey == "" {
			errs = append(errs, fmt.Errorf("ETH_PRIVATE_KEY is required for the eth ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}
	for _, o := range c.AllowedOrigins {
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid HTTP_ALLOWED_ORIGINS entry %q", o))
		}
	}
	if c.MirrorWindow <= 0 {
		errs = append(errs, fmt.Errorf("MIRROR_WINDOW must be > 0"))
	}
	switch c.DeferredBackend {
	case "file", "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis deferred store"))
		}
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres deferred store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DEFERRED_BACKEND %q", c.DeferredBackend))
	}
	switch c.RelayBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis relay"))
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 || c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("KAFKA_BROKERS and REDIS_ADDR are required for the kafka relay"))
		}
	case "amqp":
		if c.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("AMQP_URL is required for the amqp relay"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RELAY_BACKEND %q", c.RelayBackend))
	}
	if _, err := c.Fare(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// Fare builds the estimator configuration from the decimal strings.
func (c ServerConfig) Fare() (fare.Config, error) {
	rate, err := decimal.NewFromString(c.ExchangeRate)
	if err != nil {
		return fare.Config{}, fmt.Errorf("invalid FARE_EXCHANGE_RATE: %w", err)
	}
	def, err := decimal.NewFromString(c.DefaultFare)
	if err != nil {
		return fare.Config{}, fmt.Errorf("invalid FARE_DEFAULT: %w", err)
	}
	return fare.Config{Tiers: c.FareTiers, ExchangeRate: rate, Precision: c.FarePrecision, Default: def}, nil
}

// ConsumerConfig configures the Kafka to Redis position folder.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	PositionTTL   time.Duration
	StrictWriter  bool
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "ride-positions",
		KafkaGroup:   "ntuber-position-consumer",
		RedisAddr:    "localhost:6379",
		PositionTTL:  2 * time.Hour,
		LogLevel:     "info",
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.PositionTTL, "RELAY_POSITION_TTL", &errs)
	setBoolFromEnv(&cfg.StrictWriter, "RELAY_STRICT_WRITER")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = strings.EqualFold(v, "true") || v == "1"
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
