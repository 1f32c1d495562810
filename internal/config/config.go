package config

import (
	"fmt"
	"time"
)

// Config represents the global configuration shared by every service binary.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bus       BusConfig       `mapstructure:"bus"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Coupon    CouponConfig    `mapstructure:"coupon"`
	Email     EmailConfig     `mapstructure:"email"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// NodeID distinguishes replicas in generated order ids; 0-1023.
	NodeID int64 `mapstructure:"node_id"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// BusConfig selects the broker driver and names the destinations.
type BusConfig struct {
	Driver            string        `mapstructure:"driver"` // memory, redis, kafka
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	BufferSize        int           `mapstructure:"buffer_size"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"`
	Concurrency       int           `mapstructure:"concurrency"`
	StreamMaxLen      int64         `mapstructure:"stream_max_len"`

	OrderCreatedTopic   string `mapstructure:"order_created_topic"`
	RewardsSubscription string `mapstructure:"rewards_subscription"`
	EmailSubscription   string `mapstructure:"email_subscription"`
	EmailCartQueue      string `mapstructure:"email_cart_queue"`
	RegisterUserQueue   string `mapstructure:"register_user_queue"`
}

// PaymentConfig configures the checkout gateway.
type PaymentConfig struct {
	Provider  string        `mapstructure:"provider"` // stripe
	SecretKey string        `mapstructure:"secret_key"`
	Currency  string        `mapstructure:"currency"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig represents circuit breaker configuration
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// CouponConfig points at the coupon service, or lists coupons statically when BaseURL is empty.
type CouponConfig struct {
	BaseURL  string         `mapstructure:"base_url"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	CacheTTL time.Duration  `mapstructure:"cache_ttl"`
	Static   []StaticCoupon `mapstructure:"static"`
}

// StaticCoupon is a coupon defined in configuration.
type StaticCoupon struct {
	Code           string  `mapstructure:"code"`
	DiscountAmount float64 `mapstructure:"discount_amount"`
	MinAmount      float64 `mapstructure:"min_amount"`
}

// EmailConfig configures notification delivery.
type EmailConfig struct {
	OperatorAddress string     `mapstructure:"operator_address"`
	From            string     `mapstructure:"from"`
	SMTP            SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig enables real delivery; when disabled messages are only logged.
type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// TLSPolicy is mandatory, opportunistic or none
	TLSPolicy string        `mapstructure:"tls_policy"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OutboxConfig drives the relay that republishes unsent events.
type OutboxConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	// MaxAttempts parks an event after this many failed publishes
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ReconcileConfig drives the poller that re-validates pending payments.
type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	MinAge   time.Duration `mapstructure:"min_age"`
	// MaxAge stops polling orders whose checkout can no longer complete; 0 polls forever
	MaxAge    time.Duration `mapstructure:"max_age"`
	BatchSize int           `mapstructure:"batch_size"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	RPS     int           `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	Window  time.Duration `mapstructure:"window"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	JWT struct {
		Secret string        `mapstructure:"secret"`
		Expire time.Duration `mapstructure:"expire"`
		Issuer string        `mapstructure:"issuer"`
	} `mapstructure:"jwt"`
	CORS struct {
		Enabled          bool     `mapstructure:"enabled"`
		AllowOrigins     []string `mapstructure:"allow_origins"`
		AllowMethods     []string `mapstructure:"allow_methods"`
		AllowHeaders     []string `mapstructure:"allow_headers"`
		AllowCredentials bool     `mapstructure:"allow_credentials"`
		MaxAge           int      `mapstructure:"max_age"`
	} `mapstructure:"cors"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// GetAddr returns the server address
func (s ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetAddr returns the Redis address
func (r RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		return fmt.Errorf("invalid server node_id: %d", c.Server.NodeID)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Bus.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("bus driver redis requires redis.enabled")
		}
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("bus driver kafka requires at least one broker")
		}
	default:
		return fmt.Errorf("unknown bus driver: %q", c.Bus.Driver)
	}
	if c.Bus.MaxDeliveries < 1 {
		return fmt.Errorf("bus max_deliveries must be at least 1")
	}

	switch c.Email.SMTP.TLSPolicy {
	case "mandatory", "opportunistic", "none":
	default:
		return fmt.Errorf("unknown smtp tls_policy: %q", c.Email.SMTP.TLSPolicy)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox max_attempts must be at least 1")
	}
	if c.Reconcile.MaxAge != 0 && c.Reconcile.MaxAge <= c.Reconcile.MinAge {
		return fmt.Errorf("reconcile max_age must be greater than min_age")
	}

	if c.Security.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.PoolTimeout == 0 {
		c.Redis.PoolTimeout = 4 * time.Second
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.ClientID == "" {
		c.Bus.ClientID = "shop"
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = 1000
	}
	if c.Bus.PublishTimeout == 0 {
		c.Bus.PublishTimeout = 5 * time.Second
	}
	if c.Bus.VisibilityTimeout == 0 {
		c.Bus.VisibilityTimeout = 30 * time.Second
	}
	if c.Bus.BlockTimeout == 0 {
		c.Bus.BlockTimeout = 2 * time.Second
	}
	if c.Bus.MaxDeliveries == 0 {
		c.Bus.MaxDeliveries = 10
	}
	if c.Bus.Concurrency == 0 {
		c.Bus.Concurrency = 4
	}
	if c.Bus.StreamMaxLen == 0 {
		c.Bus.StreamMaxLen = 100000
	}
	if c.Bus.OrderCreatedTopic == "" {
		c.Bus.OrderCreatedTopic = "order-created"
	}
	if c.Bus.RewardsSubscription == "" {
		c.Bus.RewardsSubscription = "rewards"
	}
	if c.Bus.EmailSubscription == "" {
		c.Bus.EmailSubscription = "email"
	}
	if c.Bus.EmailCartQueue == "" {
		c.Bus.EmailCartQueue = "email-cart"
	}
	if c.Bus.RegisterUserQueue == "" {
		c.Bus.RegisterUserQueue = "register-user"
	}

	if c.Payment.Provider == "" {
		c.Payment.Provider = "stripe"
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "usd"
	}
	if c.Payment.Timeout == 0 {
		c.Payment.Timeout = 10 * time.Second
	}
	if c.Payment.Breaker.MaxRequests == 0 {
		c.Payment.Breaker.MaxRequests = 1
	}
	if c.Payment.Breaker.Interval == 0 {
		c.Payment.Breaker.Interval = time.Minute
	}
	if c.Payment.Breaker.Timeout == 0 {
		c.Payment.Breaker.Timeout = 30 * time.Second
	}
	if c.Payment.Breaker.ConsecutiveFailures == 0 {
		c.Payment.Breaker.ConsecutiveFailures = 5
	}

	if c.Coupon.Timeout == 0 {
		c.Coupon.Timeout = 3 * time.Second
	}
	if c.Coupon.CacheTTL == 0 {
		c.Coupon.CacheTTL = 5 * time.Minute
	}

	if c.Email.From == "" {
		c.Email.From = "no-reply@shop.local"
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}
	if c.Email.SMTP.TLSPolicy == "" {
		c.Email.SMTP.TLSPolicy = "mandatory"
	}
	if c.Email.SMTP.Timeout == 0 {
		c.Email.SMTP.Timeout = 10 * time.Second
	}

	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = 10 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.LockTTL == 0 {
		c.Outbox.LockTTL = 30 * time.Second
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 10
	}

	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = time.Minute
	}
	if c.Reconcile.MinAge == 0 {
		c.Reconcile.MinAge = 5 * time.Minute
	}
	if c.Reconcile.BatchSize == 0 {
		c.Reconcile.BatchSize = 50
	}
	if c.Reconcile.MaxAge == 0 {
		c.Reconcile.MaxAge = 48 * time.Hour
	}
	if c.Reconcile.LockTTL == 0 {
		c.Reconcile.LockTTL = time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "shop"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}

	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}

	if c.Security.JWT.Expire == 0 {
		c.Security.JWT.Expire = 2 * time.Hour
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "shop-auth"
	}
	if c.Security.IdempotencyTTL == 0 {
		c.Security.IdempotencyTTL = 24 * time.Hour
	}
}
