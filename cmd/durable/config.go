package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// config is the process configuration. It is read from an optional YAML
	// file and then overridden by environment variables.
	config struct {
		Temporal   temporalConfig `yaml:"temporal"`
		Mongo      mongoConfig    `yaml:"mongo"`
		Redis      redisConfig    `yaml:"redis"`
		HealthAddr string         `yaml:"healthAddr"`
		CreateRate float64        `yaml:"createRate"`
		Debug      bool           `yaml:"debug"`
	}

	temporalConfig struct {
		HostPort    string        `yaml:"hostPort"`
		Namespace   string        `yaml:"namespace"`
		TaskQueue   string        `yaml:"taskQueue"`
		StepTimeout time.Duration `yaml:"stepTimeout"`
	}

	mongoConfig struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	redisConfig struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		StreamMaxLen int    `yaml:"streamMaxLen"`
	}
)

func defaultConfig() config {
	return config{
		Temporal: temporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "durable",
		},
		Mongo: mongoConfig{
			Database: "durable",
		},
		HealthAddr: ":8081",
	}
}

// loadConfig reads path, when set, over the defaults and applies the
// environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Temporal.HostPort = envOr("TEMPORAL_HOST_PORT", cfg.Temporal.HostPort)
	cfg.Temporal.Namespace = envOr("TEMPORAL_NAMESPACE", cfg.Temporal.Namespace)
	cfg.Temporal.TaskQueue = envOr("DURABLE_TASK_QUEUE", cfg.Temporal.TaskQueue)
	cfg.Temporal.StepTimeout = envDurationOr("DURABLE_STEP_TIMEOUT", cfg.Temporal.StepTimeout)
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Mongo.Collection = envOr("MONGO_COLLECTION", cfg.Mongo.Collection)
	cfg.Mongo.Timeout = envDurationOr("MONGO_TIMEOUT", cfg.Mongo.Timeout)
	cfg.Redis.Addr = envOr("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.StreamMaxLen = envIntOr("REDIS_STREAM_MAX_LEN", cfg.Redis.StreamMaxLen)
	cfg.HealthAddr = envOr("DURABLE_HEALTH_ADDR", cfg.HealthAddr)
	cfg.CreateRate = envFloatOr("DURABLE_CREATE_RATE", cfg.CreateRate)
	cfg.Debug = envBoolOr("DURABLE_DEBUG", cfg.Debug)
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.Temporal.HostPort == "" {
		return errors.New("temporal host port is required")
	}
	if c.Temporal.TaskQueue == "" {
		return errors.New("temporal task queue is required")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("mongo database is required when a mongo URI is set")
	}
	if c.CreateRate < 0 {
		return fmt.Errorf("create rate must not be negative, got %v", c.CreateRate)
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
