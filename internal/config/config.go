// Package config holds the rdsmq process configuration: the Redis
// connection, the engine's routing table and timing, logging and metrics.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/aura-studio/rdsmq"
)

// Config is the root configuration.
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	MQ      MQConfig      `yaml:"mq"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RedisConfig describes the connection pool. One address gives a single
// node client, several give a cluster client, MasterName gives sentinel.
type RedisConfig struct {
	Addrs        []string `yaml:"addrs"`
	MasterName   string   `yaml:"master_name"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	PoolSize     int      `yaml:"pool_size"`
	MinIdleConns int      `yaml:"min_idle_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
	DialTimeout  string   `yaml:"dial_timeout"`
	ReadTimeout  string   `yaml:"read_timeout"`
	WriteTimeout string   `yaml:"write_timeout"`
	PoolTimeout  string   `yaml:"pool_timeout"`
}

type MQConfig struct {
	Prefix          string        `yaml:"prefix"`
	PoolPrefix      string        `yaml:"pool_prefix"`
	MonitorCount    int           `yaml:"monitor_count"`
	MonitorInterval string        `yaml:"monitor_interval"`
	ConsumeInterval string        `yaml:"consume_interval"`
	Timeout         string        `yaml:"timeout"`
	AtomicPromotion bool          `yaml:"atomic_promotion"`
	IDFormat        string        `yaml:"id_format"`
	Workers         int           `yaml:"workers"`
	Routes          []rdsmq.Route `yaml:"routes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config populated with working defaults.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addrs:        []string{"127.0.0.1:6379"},
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
			PoolTimeout:  "4s",
		},
		MQ: MQConfig{
			Prefix:          rdsmq.DefaultPrefix,
			PoolPrefix:      rdsmq.DefaultPoolPrefix,
			MonitorCount:    rdsmq.DefaultMonitorCount,
			MonitorInterval: "5s",
			ConsumeInterval: "5s",
			Timeout:         "3s",
			IDFormat:        "uuid",
			Workers:         4,
			Routes: []rdsmq.Route{
				{Queue: "mq:queue:first", List: "mq:consumer:first"},
				{Queue: "mq:queue:second", List: "mq:consumer:second"},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Load reads a YAML file at path over Default(). A missing file, or an
// empty path, yields the defaults. Environment overrides are applied last:
//
//	RDSMQ_REDIS_ADDR       comma-separated redis.addrs
//	RDSMQ_REDIS_PASSWORD   redis.password
//	RDSMQ_MONITOR_COUNT    mq.monitor_count
//	RDSMQ_LOG_LEVEL        log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Routes given in the file replace the sample routes.
			cfg.MQ.Routes = nil
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RDSMQ_REDIS_ADDR"); v != "" {
		var addrs []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		cfg.Redis.Addrs = addrs
	}
	if v := os.Getenv("RDSMQ_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RDSMQ_MONITOR_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MQ.MonitorCount = n
		}
	}
	if v := os.Getenv("RDSMQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate returns the first inconsistency found.
func (c *Config) Validate() error {
	if len(c.Redis.Addrs) == 0 {
		return errors.New("redis.addrs must not be empty")
	}
	if c.Redis.PoolSize < 0 {
		return errors.New("redis.pool_size must be >= 0")
	}
	if c.MQ.MonitorCount < 1 {
		return errors.New("mq.monitor_count must be at least 1")
	}
	if c.MQ.Workers < 1 {
		return errors.New("mq.workers must be at least 1")
	}
	for name, v := range map[string]string{
		"redis.dial_timeout":  c.Redis.DialTimeout,
		"redis.read_timeout":  c.Redis.ReadTimeout,
		"redis.write_timeout": c.Redis.WriteTimeout,
		"redis.pool_timeout":  c.Redis.PoolTimeout,
		"mq.timeout":          c.MQ.Timeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, v := range map[string]string{
		"mq.monitor_interval": c.MQ.MonitorInterval,
		"mq.consume_interval": c.MQ.ConsumeInterval,
	} {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.MQ.IDFormat {
	case "", "uuid", "ulid":
	default:
		return errors.New(`mq.id_format must be "uuid" or "ulid"`)
	}
	if _, err := rdsmq.NewRoutingTable(c.MQ.Routes...); err != nil {
		return fmt.Errorf("mq.routes: %w", err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.New(`log.format must be "text" or "json"`)
	}
	return nil
}

// parseDuration treats an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

func (c *Config) MonitorInterval() time.Duration { return mustDuration(c.MQ.MonitorInterval) }
func (c *Config) ConsumeInterval() time.Duration { return mustDuration(c.MQ.ConsumeInterval) }

// RedisOptions maps the redis section onto go-redis universal options.
func (c *Config) RedisOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        c.Redis.Addrs,
		MasterName:   c.Redis.MasterName,
		Username:     c.Redis.Username,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
		MaxIdleConns: c.Redis.MaxIdleConns,
		DialTimeout:  mustDuration(c.Redis.DialTimeout),
		ReadTimeout:  mustDuration(c.Redis.ReadTimeout),
		WriteTimeout: mustDuration(c.Redis.WriteTimeout),
		PoolTimeout:  mustDuration(c.Redis.PoolTimeout),
	}
}

// NewRedisClient returns a single-node, sentinel or cluster client.
func (c *Config) NewRedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(c.RedisOptions())
}

// MQOptions maps the mq section onto engine options. reg may be nil.
func (c *Config) MQOptions(logger *slog.Logger, reg prometheus.Registerer) []rdsmq.Option {
	opts := []rdsmq.Option{
		rdsmq.WithPrefix(c.MQ.Prefix),
		rdsmq.WithPoolPrefix(c.MQ.PoolPrefix),
		rdsmq.WithMonitorCount(c.MQ.MonitorCount),
		rdsmq.WithMonitorInterval(c.MonitorInterval()),
		rdsmq.WithTimeout(mustDuration(c.MQ.Timeout)),
		rdsmq.WithRoutes(c.MQ.Routes...),
		rdsmq.WithAtomicPromotion(c.MQ.AtomicPromotion),
	}
	if logger != nil {
		opts = append(opts, rdsmq.WithLogger(logger))
	}
	if reg != nil {
		opts = append(opts, rdsmq.WithMetrics(reg))
	}
	return opts
}

// IDGenerator returns the generator named by mq.id_format.
func (c *Config) IDGenerator() rdsmq.IDGenerator {
	return rdsmq.ParseIDFormat(c.MQ.IDFormat)
}
