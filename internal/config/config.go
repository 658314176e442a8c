// Package config 从环境变量与可选的 YAML 文件加载运行配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConcurrency = errors.New("max concurrent scans must be positive")
	ErrInvalidQueueSize   = errors.New("scan queue size must not be negative")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
	ErrUnknownScanner     = errors.New("unknown scanner backend")
	ErrCSRFKeyTooShort    = errors.New("csrf key must be at least 32 bytes")
	ErrIncompleteArchive  = errors.New("report archive needs endpoint, credentials and bucket")
)

// 可选的端口发现后端。
const (
	ScannerNaabu = "naabu"
	ScannerNmap  = "nmap"
	ScannerNone  = "none"
)

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr        string
	DatabaseURL string

	ScanTimeout        time.Duration
	MaxConcurrentScans int
	ScanQueueSize      int
	Scanner            string
	NmapPath           string

	// AllowedNetworks 为空时使用 targets.DefaultNetworks。
	AllowedNetworks []string
	AllowedHosts    []string

	AIBaseURL   string
	AIAPIKey    string
	AIModel     string
	AITimeout   time.Duration
	AIRateLimit float64

	// ChatTimeout 是 OpenAI 兼容接口等待扫描结束的上限。
	ChatTimeout time.Duration

	LogLevel string
	LogJSON  bool

	CSRFKey []byte

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	ReportsBucket string

	MetricsEnabled bool
}

// fileConfig 是 YAML 覆盖文件的结构，只覆盖策略与限额。
type fileConfig struct {
	Addr               string   `yaml:"addr"`
	DatabaseURL        string   `yaml:"database_url"`
	ScanTimeout        string   `yaml:"scan_timeout"`
	MaxConcurrentScans int      `yaml:"max_concurrent_scans"`
	ScanQueueSize      *int     `yaml:"scan_queue_size"`
	Scanner            string   `yaml:"scanner"`
	AllowedNetworks    []string `yaml:"allowed_networks"`
	AllowedHosts       []string `yaml:"allowed_hosts"`
	AIModel            string   `yaml:"ai_model"`
	AITimeout          string   `yaml:"ai_timeout"`
	AIRateLimit        float64  `yaml:"ai_rate_limit"`
}

// Default 返回未读取任何外部来源时的配置。
func Default() *Config {
	return &Config{
		Addr:               ":8080",
		DatabaseURL:        "data/postureguard.db",
		ScanTimeout:        300 * time.Second,
		MaxConcurrentScans: 5,
		ScanQueueSize:      10,
		Scanner:            ScannerNaabu,
		AIBaseURL:          "https://api.openai.com/v1",
		AIModel:            "gpt-4o-mini",
		AITimeout:          60 * time.Second,
		ChatTimeout:        120 * time.Second,
		LogLevel:           "info",
		MetricsEnabled:     true,
	}
}

// Load 依次应用默认值、POSTURE_CONFIG_FILE 指向的 YAML 文件和环境变量，后者优先。
func Load() (*Config, error) {
	cfg := Default()
	if path := getenv("POSTURE_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Addr = getenv("POSTURE_HTTP_ADDR", cfg.Addr)
	cfg.DatabaseURL = getenv("POSTURE_DATABASE_URL", cfg.DatabaseURL)
	cfg.ScanTimeout = durationEnv("POSTURE_SCAN_TIMEOUT", cfg.ScanTimeout)
	cfg.MaxConcurrentScans = intEnv("POSTURE_MAX_CONCURRENT_SCANS", cfg.MaxConcurrentScans)
	cfg.ScanQueueSize = intEnv("POSTURE_SCAN_QUEUE_SIZE", cfg.ScanQueueSize)
	cfg.Scanner = strings.ToLower(getenv("POSTURE_SCANNER", cfg.Scanner))
	cfg.NmapPath = getenv("POSTURE_NMAP_PATH", cfg.NmapPath)
	cfg.AllowedNetworks = listEnv("POSTURE_ALLOWED_NETWORKS", cfg.AllowedNetworks)
	cfg.AllowedHosts = listEnv("POSTURE_ALLOWED_HOSTS", cfg.AllowedHosts)

	cfg.AIBaseURL = getenv("POSTURE_AI_BASE_URL", cfg.AIBaseURL)
	cfg.AIAPIKey = getenv("POSTURE_AI_API_KEY", cfg.AIAPIKey)
	cfg.AIModel = getenv("POSTURE_AI_MODEL", cfg.AIModel)
	cfg.AITimeout = durationEnv("POSTURE_AI_TIMEOUT", cfg.AITimeout)
	cfg.AIRateLimit = floatEnv("POSTURE_AI_RATE_LIMIT", cfg.AIRateLimit)
	cfg.ChatTimeout = durationEnv("POSTURE_CHAT_TIMEOUT", cfg.ChatTimeout)

	cfg.LogLevel = getenv("POSTURE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = boolEnv("POSTURE_LOG_JSON", cfg.LogJSON)

	if key := getenv("POSTURE_CSRF_KEY", ""); key != "" {
		cfg.CSRFKey = []byte(key)
	}

	cfg.S3Endpoint = getenv("POSTURE_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = getenv("POSTURE_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getenv("POSTURE_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UseSSL = boolEnv("POSTURE_S3_USE_SSL", cfg.S3UseSSL)
	cfg.ReportsBucket = getenv("POSTURE_REPORTS_BUCKET", cfg.ReportsBucket)

	cfg.MetricsEnabled = boolEnv("POSTURE_METRICS_ENABLED", cfg.MetricsEnabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	if c.MaxConcurrentScans <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, c.MaxConcurrentScans)
	}
	if c.ScanQueueSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, c.ScanQueueSize)
	}
	if c.ScanTimeout <= 0 || c.AITimeout <= 0 || c.ChatTimeout <= 0 {
		return ErrInvalidTimeout
	}
	switch c.Scanner {
	case ScannerNaabu, ScannerNmap, ScannerNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScanner, c.Scanner)
	}
	if len(c.CSRFKey) > 0 && len(c.CSRFKey) < 32 {
		return fmt.Errorf("%w, got %d", ErrCSRFKeyTooShort, len(c.CSRFKey))
	}
	if c.S3Endpoint != "" && (c.S3AccessKey == "" || c.S3SecretKey == "" || c.ReportsBucket == "") {
		return ErrIncompleteArchive
	}
	return nil
}

// ArchiveEnabled 表示是否配置了报告归档。
func (c *Config) ArchiveEnabled() bool { return c.S3Endpoint != "" }

// DatabaseBackend 返回 DatabaseURL 对应的存储类型。
func (c *Config) DatabaseBackend() string {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// ReasoningEnabled 表示是否配置了推理服务凭据。
func (c *Config) ReasoningEnabled() bool { return c.AIAPIKey != "" }

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Addr != "" {
		c.Addr = fc.Addr
	}
	if fc.DatabaseURL != "" {
		c.DatabaseURL = fc.DatabaseURL
	}
	if fc.ScanTimeout != "" {
		d, err := time.ParseDuration(fc.ScanTimeout)
		if err != nil {
			return fmt.Errorf("parse scan_timeout: %w", err)
		}
		c.ScanTimeout = d
	}
	if fc.MaxConcurrentScans != 0 {
		c.MaxConcurrentScans = fc.MaxConcurrentScans
	}
	if fc.ScanQueueSize != nil {
		c.ScanQueueSize = *fc.ScanQueueSize
	}
	if fc.Scanner != "" {
		c.Scanner = strings.ToLower(fc.Scanner)
	}
	if len(fc.AllowedNetworks) > 0 {
		c.AllowedNetworks = fc.AllowedNetworks
	}
	if len(fc.AllowedHosts) > 0 {
		c.AllowedHosts = fc.AllowedHosts
	}
	if fc.AIModel != "" {
		c.AIModel = fc.AIModel
	}
	if fc.AITimeout != "" {
		d, err := time.ParseDuration(fc.AITimeout)
		if err != nil {
			return fmt.Errorf("parse ai_timeout: %w", err)
		}
		c.AITimeout = d
	}
	if fc.AIRateLimit > 0 {
		c.AIRateLimit = fc.AIRateLimit
	}
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func floatEnv(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func boolEnv(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

// listEnv 读取逗号分隔的列表。
func listEnv(key string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
