package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr          string        `yaml:"addr"` // ":7001"
		InternalToken string        `yaml:"internal_token"`
		ShutdownWait  time.Duration `yaml:"shutdown_wait"`
	} `yaml:"http"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	Store struct {
		Driver  string        `yaml:"driver"` // mysql | memory
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"store"`

	Idempotency struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"idempotency"`

	Breaker struct {
		Enabled   bool          `yaml:"enabled"`
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Auth struct {
		Algorithm     string        `yaml:"algorithm"` // HS256 | RS256
		Secret        string        `yaml:"secret"`
		PublicKeyFile string        `yaml:"public_key_file"`
		Issuer        string        `yaml:"issuer"`
		Audience      string        `yaml:"audience"`
		Leeway        time.Duration `yaml:"leeway"`

		Header       string `yaml:"header"`
		BearerPrefix string `yaml:"bearer_prefix"`
		QueryKey     string `yaml:"query_key"`

		SessionCheck bool   `yaml:"session_check"`
		RedisPrefix  string `yaml:"redis_prefix"`
	} `yaml:"auth"`

	WS struct {
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongWait       time.Duration `yaml:"pong_wait"`
		QueueSize      int           `yaml:"queue_size"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		RatePerSecond  float64       `yaml:"rate_per_second"`
		RateBurst      int           `yaml:"rate_burst"`
	} `yaml:"ws"`

	Presence struct {
		Shards int `yaml:"shards"`
	} `yaml:"presence"`

	RocketMQ struct {
		Enabled       bool              `yaml:"enabled"`
		NameServer    string            `yaml:"name_server"`
		Topic         string            `yaml:"topic"`
		Tag           string            `yaml:"tag,omitempty"`
		Tags          map[string]string `yaml:"tags,omitempty"` // event name -> tag
		ProducerGroup string            `yaml:"producer_group"`
		AccessKey     string            `yaml:"access_key"`
		SecretKey     string            `yaml:"secret_key"`
		Retries       int               `yaml:"retries"`
		SendTimeout   time.Duration     `yaml:"send_timeout"`
	} `yaml:"rocketmq"`
}

// Load supports comma-separated config files: "-c common.yml,im-relay.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-relay.yml)")
	}
	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7001"
	}
	if c.HTTP.ShutdownWait == 0 {
		c.HTTP.ShutdownWait = 10 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "mysql"
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 3 * time.Second
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 50
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 25
	}
	if c.MySQL.ConnMaxLife == 0 {
		c.MySQL.ConnMaxLife = 30 * time.Minute
	}
	if c.MySQL.ConnMaxIdle == 0 {
		c.MySQL.ConnMaxIdle = 5 * time.Minute
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 7 * 24 * time.Hour
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 10 * time.Second
	}
	if c.Breaker.OpenFor == 0 {
		c.Breaker.OpenFor = 5 * time.Second
	}

	// auth defaults
	if c.Auth.Algorithm == "" {
		c.Auth.Algorithm = "HS256"
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = 30 * time.Second
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "Authorization"
	}
	if c.Auth.BearerPrefix == "" {
		c.Auth.BearerPrefix = "Bearer "
	}
	if c.Auth.QueryKey == "" {
		c.Auth.QueryKey = "token"
	}
	if c.Auth.RedisPrefix == "" {
		c.Auth.RedisPrefix = "token:app:"
	}

	if c.WS.WriteTimeout == 0 {
		c.WS.WriteTimeout = 5 * time.Second
	}
	if c.WS.PongWait == 0 {
		c.WS.PongWait = 60 * time.Second
	}
	if c.WS.PingInterval == 0 {
		c.WS.PingInterval = c.WS.PongWait * 9 / 10
	}
	if c.WS.QueueSize <= 0 {
		c.WS.QueueSize = 256
	}
	if c.WS.MaxMessageSize <= 0 {
		c.WS.MaxMessageSize = 64 << 10
	}
	if c.WS.RatePerSecond <= 0 {
		c.WS.RatePerSecond = 20
	}
	if c.WS.RateBurst <= 0 {
		c.WS.RateBurst = 40
	}
	if c.Presence.Shards <= 0 {
		c.Presence.Shards = 64
	}
}

// Validate checks settings that have no sane default.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256":
		if c.Auth.Secret == "" {
			return errors.New("auth.secret is required for HS256")
		}
	case "RS256":
		if c.Auth.PublicKeyFile == "" {
			return errors.New("auth.public_key_file is required for RS256")
		}
	default:
		return errors.New("auth.algorithm must be HS256 or RS256")
	}
	if c.Auth.Issuer == "" || c.Auth.Audience == "" {
		return errors.New("auth.issuer and auth.audience are required")
	}
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.MySQL.DSN == "" {
			return errors.New("mysql.dsn is required for store.driver=mysql")
		}
	default:
		return errors.New("store.driver must be mysql or memory")
	}
	if c.HTTP.InternalToken == "" && c.Env != "dev" {
		return errors.New("http.internal_token is required outside env: dev")
	}
	if c.Auth.SessionCheck && !c.Redis.Enabled {
		return errors.New("auth.session_check requires redis.enabled")
	}
	if c.RocketMQ.Enabled && (c.RocketMQ.NameServer == "" || c.RocketMQ.Topic == "" || c.RocketMQ.ProducerGroup == "") {
		return errors.New("rocketmq: name_server, topic and producer_group are required when enabled")
	}
	if c.WS.PingInterval >= c.WS.PongWait {
		return errors.New("ws.ping_interval must be shorter than ws.pong_wait")
	}
	return nil
}
