package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const devJWTSecret = "development-secret-change-me"

// Config holds all application configuration
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	GRPC     GRPCConfig
	MySQL    MySQLConfig
	Redis    RedisConfig
	Mongo    MongoConfig
	Relay    RelayConfig
	Breaker  BreakerConfig
	Checkout CheckoutConfig
	Log      LogConfig
	JWT      JWTConfig
}

type AppConfig struct {
	Name string
	Env  string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type GRPCConfig struct {
	Addr string
}

type MySQLConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// DSN renders the go-sql-driver connection string. parseTime is always on
// because the ledger scans DATE and DATETIME columns into time.Time.
func (c MySQLConfig) DSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.MultiStatements = true
	return mc.FormatDSN()
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	PoolSize       int
	IdempotencyTTL time.Duration
}

type MongoConfig struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

type RelayConfig struct {
	Enabled          bool
	PollInterval     time.Duration
	BatchSize        int
	Workers          int
	DeliveryTimeout  time.Duration
	SettleTimeout    time.Duration
	ClaimTimeout     time.Duration
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	Interval            time.Duration
}

type CheckoutConfig struct {
	DefaultTaxRate decimal.Decimal
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type JWTConfig struct {
	Secret string
}

// Load reads configuration with this priority (highest first):
//  1. environment variables with the MARKET_ prefix (MARKET_MYSQL_HOST)
//  2. a .env file in the working directory
//  3. config.yaml, or the file at path when given
//  4. built-in defaults
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	taxRate, err := decimal.NewFromString(v.GetString("checkout.default_tax_rate"))
	if err != nil {
		return nil, fmt.Errorf("checkout.default_tax_rate: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			IdleTimeout:     v.GetDuration("http.idle_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		GRPC: GRPCConfig{
			Addr: v.GetString("grpc.addr"),
		},
		MySQL: MySQLConfig{
			Host:            v.GetString("mysql.host"),
			Port:            v.GetInt("mysql.port"),
			User:            v.GetString("mysql.user"),
			Password:        v.GetString("mysql.password"),
			Database:        v.GetString("mysql.database"),
			MaxOpenConns:    v.GetInt("mysql.max_open_conns"),
			MaxIdleConns:    v.GetInt("mysql.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("mysql.conn_max_lifetime"),
			AutoMigrate:     v.GetBool("mysql.auto_migrate"),
		},
		Redis: RedisConfig{
			Addr:           v.GetString("redis.addr"),
			Password:       v.GetString("redis.password"),
			DB:             v.GetInt("redis.db"),
			PoolSize:       v.GetInt("redis.pool_size"),
			IdempotencyTTL: v.GetDuration("redis.idempotency_ttl"),
		},
		Mongo: MongoConfig{
			URI:            v.GetString("mongo.uri"),
			Database:       v.GetString("mongo.database"),
			Collection:     v.GetString("mongo.collection"),
			ConnectTimeout: v.GetDuration("mongo.connect_timeout"),
		},
		Relay: RelayConfig{
			Enabled:          v.GetBool("relay.enabled"),
			PollInterval:     v.GetDuration("relay.poll_interval"),
			BatchSize:        v.GetInt("relay.batch_size"),
			Workers:          v.GetInt("relay.workers"),
			DeliveryTimeout:  v.GetDuration("relay.delivery_timeout"),
			SettleTimeout:    v.GetDuration("relay.settle_timeout"),
			ClaimTimeout:     v.GetDuration("relay.claim_timeout"),
			MaxRetries:       v.GetInt("relay.max_retries"),
			BaseBackoff:      v.GetDuration("relay.base_backoff"),
			MaxBackoff:       v.GetDuration("relay.max_backoff"),
			CleanupRetention: v.GetDuration("relay.cleanup_retention"),
			CleanupInterval:  v.GetDuration("relay.cleanup_interval"),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: v.GetUint32("breaker.consecutive_failures"),
			OpenTimeout:         v.GetDuration("breaker.open_timeout"),
			HalfOpenRequests:    v.GetUint32("breaker.half_open_requests"),
			Interval:            v.GetDuration("breaker.interval"),
		},
		Checkout: CheckoutConfig{
			DefaultTaxRate: taxRate,
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
	}

	if cfg.JWT.Secret == "" && !cfg.IsProduction() {
		cfg.JWT.Secret = devJWTSecret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "supermarket")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "supermarket")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 25)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("mysql.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.idempotency_ttl", 24*time.Hour)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "supermarket")
	v.SetDefault("mongo.collection", "sales_tickets")
	v.SetDefault("mongo.connect_timeout", 10*time.Second)

	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.poll_interval", 5*time.Second)
	v.SetDefault("relay.batch_size", 10)
	v.SetDefault("relay.workers", 1)
	v.SetDefault("relay.delivery_timeout", 10*time.Second)
	v.SetDefault("relay.settle_timeout", 5*time.Second)
	v.SetDefault("relay.claim_timeout", 2*time.Minute)
	v.SetDefault("relay.max_retries", 3)
	v.SetDefault("relay.base_backoff", 5*time.Second)
	v.SetDefault("relay.max_backoff", 5*time.Minute)
	v.SetDefault("relay.cleanup_retention", 7*24*time.Hour)
	v.SetDefault("relay.cleanup_interval", time.Hour)

	v.SetDefault("breaker.consecutive_failures", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_requests", 1)
	v.SetDefault("breaker.interval", time.Minute)

	v.SetDefault("checkout.default_tax_rate", "0.16")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("jwt.secret", "")
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) validate() error {
	var errs []error
	if c.MySQL.Port <= 0 || c.MySQL.Port > 65535 {
		errs = append(errs, fmt.Errorf("mysql.port %d out of range", c.MySQL.Port))
	}
	if c.MySQL.Database == "" {
		errs = append(errs, errors.New("mysql.database is required"))
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.uri and mongo.database are required"))
	}
	if c.Relay.Workers < 1 {
		errs = append(errs, fmt.Errorf("relay.workers must be at least 1, got %d", c.Relay.Workers))
	}
	if c.Relay.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("relay.batch_size must be at least 1, got %d", c.Relay.BatchSize))
	}
	if c.Relay.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("relay.max_retries must be at least 1, got %d", c.Relay.MaxRetries))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, errors.New("relay.poll_interval must be positive"))
	}
	if c.Relay.MaxBackoff < c.Relay.BaseBackoff {
		errs = append(errs, errors.New("relay.max_backoff must not be below relay.base_backoff"))
	}
	if c.Relay.ClaimTimeout > 0 && c.Relay.ClaimTimeout <= c.Relay.DeliveryTimeout+c.Relay.SettleTimeout {
		errs = append(errs, fmt.Errorf("relay.claim_timeout %s must exceed delivery_timeout + settle_timeout (%s)",
			c.Relay.ClaimTimeout, c.Relay.DeliveryTimeout+c.Relay.SettleTimeout))
	}
	rate := c.Checkout.DefaultTaxRate
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("checkout.default_tax_rate %s must be within [0, 1]", rate))
	}
	if c.IsProduction() && len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("jwt.secret must be at least 32 characters in production"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
