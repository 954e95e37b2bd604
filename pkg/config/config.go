package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `env:", prefix=SERVER_"`
	Tracker   TrackerConfig   `env:", prefix=TRACKER_"`
	Stream    StreamConfig    `env:", prefix=STREAM_"`
	Resume    ResumeConfig    `env:", prefix=RESUME_"`
	Redis     RedisConfig     `env:", prefix=REDIS_"`
	NATS      NATSConfig      `env:", prefix=NATS_"`
	MySQL     MySQLConfig     `env:", prefix=MYSQL_"`
	InfluxDB  InfluxConfig    `env:", prefix=INFLUXDB_"`
	Bolt      BoltConfig      `env:", prefix=BOLT_"`
	Security  SecurityConfig  `env:", prefix=SECURITY_"`
	WebSocket WebSocketConfig `env:", prefix=WEBSOCKET_"`
	Logging   LoggingConfig   `env:", prefix=LOG_"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `env:"HOST, default=0.0.0.0"`
	Port         int           `env:"PORT, default=8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT, default=120s"`
}

// TrackerConfig holds sync tracker policy
type TrackerConfig struct {
	// MaxRetries applies to every domain alike
	MaxRetries        int           `env:"MAX_RETRIES, default=3"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL, default=15s"`
	// HeartbeatTimeout defaults to twice the interval when unset
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT"`
	ReconnectInitial time.Duration `env:"RECONNECT_INITIAL, default=1s"`
	ReconnectMax     time.Duration `env:"RECONNECT_MAX, default=30s"`
	PersistInterval  time.Duration `env:"PERSIST_INTERVAL, default=30s"`
	TickInterval     time.Duration `env:"TICK_INTERVAL, default=1s"`
	Domains          []string      `env:"DOMAINS, default=crypto,banking,integration"`
	// SnapshotStore selects persistence: none, redis or bolt
	SnapshotStore    string `env:"SNAPSHOT_STORE, default=bolt"`
	HistoryEnabled   bool   `env:"HISTORY_ENABLED, default=false"`
	MetricsEnabled   bool   `env:"METRICS_ENABLED, default=false"`
	BroadcastEnabled bool   `env:"BROADCAST_ENABLED, default=false"`
}

// StreamConfig selects the push-event transport per domain
type StreamConfig struct {
	Transport        string        `env:"TRANSPORT, default=sse"` // sse, websocket or nats
	CryptoURL        string        `env:"CRYPTO_URL, default=http://localhost:3000/api/v1/crypto/sync/stream"`
	BankingURL       string        `env:"BANKING_URL, default=http://localhost:3000/api/v1/banking/sync/stream"`
	IntegrationURL   string        `env:"INTEGRATION_URL"` // empty shares the banking channel
	Token            string        `env:"TOKEN"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT, default=10s"`
}

// ResumeConfig holds the resume-sync RPC settings
type ResumeConfig struct {
	Transport  string        `env:"TRANSPORT, default=http"` // http or nats
	BaseURL    string        `env:"BASE_URL, default=http://localhost:3000"`
	Token      string        `env:"TOKEN"`
	Timeout    time.Duration `env:"TIMEOUT, default=15s"`
	MaxRetries int           `env:"MAX_RETRIES, default=2"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `env:"HOST, default=localhost"`
	Port         int           `env:"PORT, default=6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB, default=0"`
	PoolSize     int           `env:"POOL_SIZE, default=10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS, default=2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT, default=5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=3s"`
	SnapshotTTL  time.Duration `env:"SNAPSHOT_TTL, default=168h"`
	KeyPrefix    string        `env:"KEY_PREFIX, default=synctracker"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL            string        `env:"URL, default=nats://localhost:4222"`
	MaxReconnect   int           `env:"MAX_RECONNECT, default=-1"`
	ReconnectWait  time.Duration `env:"RECONNECT_WAIT, default=2s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT, default=5s"`
}

// MySQLConfig holds MySQL configuration for the sync history log
type MySQLConfig struct {
	Host            string        `env:"HOST, default=localhost"`
	Port            int           `env:"PORT, default=3306"`
	Database        string        `env:"DATABASE, default=synctracker"`
	User            string        `env:"USER, default=synctracker"`
	Password        string        `env:"PASSWORD"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS, default=10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS, default=2"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME, default=5m"`
}

// InfluxConfig holds InfluxDB configuration for sync metrics
type InfluxConfig struct {
	URL      string        `env:"URL, default=http://localhost:8086"`
	Token    string        `env:"TOKEN"`
	Org      string        `env:"ORG, default=synctracker"`
	Bucket   string        `env:"BUCKET, default=sync"`
	Timeout  time.Duration `env:"TIMEOUT, default=10s"`
	Interval time.Duration `env:"INTERVAL, default=15s"`
}

// BoltConfig holds the local snapshot file settings
type BoltConfig struct {
	Path string `env:"PATH, default=~/.sync-tracker/snapshots.db"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	CORSEnabled bool     `env:"CORS_ENABLED, default=true"`
	CORSOrigins []string `env:"CORS_ORIGINS, default=*"`
	CORSMethods []string `env:"CORS_METHODS, default=GET,POST,DELETE,OPTIONS"`
	CORSHeaders []string `env:"CORS_HEADERS, default=*"`
}

// WebSocketConfig holds UI push channel configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `env:"READ_BUFFER_SIZE, default=1024"`
	WriteBufferSize int           `env:"WRITE_BUFFER_SIZE, default=1024"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE, default=4096"`
	PingInterval    time.Duration `env:"PING_INTERVAL, default=30s"`
	PongTimeout     time.Duration `env:"PONG_TIMEOUT, default=60s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT, default=10s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=text"`
	Output string `env:"OUTPUT, default=stdout"`
}

// Load loads configuration from environment variables using go-envconfig
func Load() (*Config, error) {
	return LoadWithLookuper(envconfig.OsLookuper())
}

// LoadWithLookuper loads configuration from an arbitrary source, used by tests
func LoadWithLookuper(lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if cfg.Tracker.HeartbeatTimeout == 0 {
		cfg.Tracker.HeartbeatTimeout = 2 * cfg.Tracker.HeartbeatInterval
	}
	cfg.Stream.Transport = strings.ToLower(strings.TrimSpace(cfg.Stream.Transport))
	cfg.Resume.Transport = strings.ToLower(strings.TrimSpace(cfg.Resume.Transport))
	cfg.Tracker.SnapshotStore = strings.ToLower(strings.TrimSpace(cfg.Tracker.SnapshotStore))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Tracker.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative: %d", c.Tracker.MaxRetries)
	}

	if c.Tracker.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.Tracker.HeartbeatTimeout < c.Tracker.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s is shorter than the interval %s",
			c.Tracker.HeartbeatTimeout, c.Tracker.HeartbeatInterval)
	}

	if c.Tracker.ReconnectInitial <= 0 || c.Tracker.ReconnectMax < c.Tracker.ReconnectInitial {
		return fmt.Errorf("invalid reconnect backoff %s..%s", c.Tracker.ReconnectInitial, c.Tracker.ReconnectMax)
	}

	switch c.Stream.Transport {
	case "sse", "websocket", "nats":
	default:
		return fmt.Errorf("unknown stream transport %q", c.Stream.Transport)
	}

	switch c.Resume.Transport {
	case "http", "nats":
	default:
		return fmt.Errorf("unknown resume transport %q", c.Resume.Transport)
	}

	switch c.Tracker.SnapshotStore {
	case "none", "redis", "bolt":
	default:
		return fmt.Errorf("unknown snapshot store %q", c.Tracker.SnapshotStore)
	}

	if c.Tracker.SnapshotStore == "redis" && c.Redis.Host == "" {
		return fmt.Errorf("Redis host is required")
	}

	if (c.Stream.Transport == "nats" || c.Resume.Transport == "nats" || c.Tracker.BroadcastEnabled) && c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}

	if c.Tracker.HistoryEnabled && c.MySQL.Host == "" {
		return fmt.Errorf("MySQL host is required")
	}

	if c.Tracker.MetricsEnabled && c.InfluxDB.URL == "" {
		return fmt.Errorf("InfluxDB URL is required")
	}

	return nil
}

// NeedsNATS reports whether any component talks to NATS
func (c *Config) NeedsNATS() bool {
	return c.Stream.Transport == "nats" || c.Resume.Transport == "nats" || c.Tracker.BroadcastEnabled
}

// StreamURL returns the push endpoint for a domain. Integrations fall back to the
// banking channel when no dedicated URL is configured.
func (c *Config) StreamURL(domain string) string {
	switch domain {
	case "crypto":
		return c.Stream.CryptoURL
	case "banking":
		return c.Stream.BankingURL
	case "integration":
		if c.Stream.IntegrationURL != "" {
			return c.Stream.IntegrationURL
		}
		return c.Stream.BankingURL
	}
	return ""
}

// GetRedisAddr returns Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetServerAddr returns server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
