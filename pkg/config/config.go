package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kunal/graph-predictor/pkg/model"
)

// Config holds all configuration for both router and predictor services.
type Config struct {
	// Common
	WorkerID  string `yaml:"worker_id"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"

	// Router
	RouterPort      int           `yaml:"router_port"`
	WorkerEndpoints []string      `yaml:"worker_endpoints"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DashboardPort   int           `yaml:"dashboard_port"`

	// Predictor
	PredictorPort int           `yaml:"predictor_port"`
	MetricsPort   int           `yaml:"metrics_port"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxWaitTime   time.Duration `yaml:"max_wait_time"`

	// Prediction cache; disabled when RedisAddr is empty.
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	Model model.Spec `yaml:"model"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		WorkerID:      "predictor-0",
		LogLevel:      "info",
		LogFormat:     "json",
		RouterPort:    50051,
		PredictorPort: 50052,
		MetricsPort:   9090,
		DashboardPort: 8080,
		MaxBatchSize:  32,
		MaxWaitTime:   5 * time.Millisecond,
		PollInterval:  500 * time.Millisecond,
		CacheTTL:      10 * time.Minute,
		Model:         model.DefaultSpec(),
	}
}

// Load reads configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	c := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}

	c.WorkerID = envStr("WORKER_ID", c.WorkerID)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("LOG_FORMAT", c.LogFormat)
	c.RouterPort = envInt("ROUTER_PORT", c.RouterPort)
	c.PredictorPort = envInt("PREDICTOR_PORT", c.PredictorPort)
	c.MetricsPort = envInt("METRICS_PORT", c.MetricsPort)
	c.DashboardPort = envInt("DASHBOARD_PORT", c.DashboardPort)
	c.MaxBatchSize = envInt("MAX_BATCH_SIZE", c.MaxBatchSize)
	c.MaxWaitTime = envDuration("MAX_WAIT_TIME", c.MaxWaitTime)
	c.PollInterval = envDuration("POLL_INTERVAL", c.PollInterval)
	c.RedisAddr = envStr("REDIS_ADDR", c.RedisAddr)
	c.RedisDB = envInt("REDIS_DB", c.RedisDB)
	c.CacheTTL = envDuration("CACHE_TTL", c.CacheTTL)

	// Parse worker endpoints: "host1:port1,host2:port2,..."
	c.WorkerEndpoints = envList("WORKER_ENDPOINTS", c.WorkerEndpoints)

	m := &c.Model
	m.GraphFile = envStr("MODEL_GRAPH_FILE", m.GraphFile)
	m.CheckpointPrefix = envStr("MODEL_CHECKPOINT", m.CheckpointPrefix)
	m.ParamTensors = envList("MODEL_PARAM_TENSORS", m.ParamTensors)
	m.InputTensor = envStr("MODEL_INPUT_TENSOR", m.InputTensor)
	m.InferenceTensor = envStr("MODEL_INFERENCE_TENSOR", m.InferenceTensor)
	m.InputFeatures = envList("MODEL_INPUT_FEATURES", m.InputFeatures)
	m.OutputFeatures = envList("MODEL_OUTPUT_FEATURES", m.OutputFeatures)
	m.Precision = int32(envInt("MODEL_PRECISION", int(m.Precision)))

	if c.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", c.MaxBatchSize)
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("50ms") or plain milliseconds ("50").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
