package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tradier API 默认地址
const (
	DefaultAPIBaseURL        = "https://api.tradier.com"
	DefaultSandboxBaseURL    = "https://sandbox.tradier.com"
	DefaultWSBaseURL         = "wss://ws.tradier.com"
	DefaultStreamHTTPBaseURL = "https://stream.tradier.com"

	MarketEventsPath  = "/v1/markets/events"
	AccountEventsPath = "/v1/accounts/events"
)

// CredentialsConfig API 凭证配置
type CredentialsConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	AccountID    string `yaml:"account_id"`
}

// RestAPIConfig REST API 配置
type RestAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Sandbox bool          `yaml:"sandbox"` // 使用沙盒环境（sandbox.tradier.com）
}

// RateLimitConfig 速率限制配置
type RateLimitConfig struct {
	Capacity     int `yaml:"rate_limit_capacity"`       // 令牌桶容量
	RefillPerSec int `yaml:"rate_limit_refill_per_sec"` // 每秒补充的令牌数
}

// StreamingConfig 流式数据配置
type StreamingConfig struct {
	WSBaseURL           string        `yaml:"ws_base_url"`
	HTTPBaseURL         string        `yaml:"http_base_url"`
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`            // 重连退避上限
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`                // 心跳/空闲超时
	EventBufferSize     int           `yaml:"event_buffer_size_per_subscriber"` // 每个订阅者的事件缓冲区大小
}

// Config 应用配置
type Config struct {
	Credentials             CredentialsConfig `yaml:"credentials"`
	RestAPI                 RestAPIConfig     `yaml:"rest_api"`
	RateLimit               RateLimitConfig   `yaml:"rate_limit"`
	Streaming               StreamingConfig   `yaml:"streaming"`
	CredentialRefreshMargin time.Duration     `yaml:"credential_refresh_margin"` // 提前刷新凭证的时间余量
	LogLevel                string            `yaml:"log_level"`
	LogFile                 string            `yaml:"log_file"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		RestAPI: RestAPIConfig{
			BaseURL: DefaultAPIBaseURL,
			Timeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:     120,
			RefillPerSec: 2,
		},
		Streaming: StreamingConfig{
			WSBaseURL:           DefaultWSBaseURL,
			HTTPBaseURL:         DefaultStreamHTTPBaseURL,
			MaxReconnectBackoff: 30 * time.Second,
			HeartbeatTimeout:    60 * time.Second,
			EventBufferSize:     256,
		},
		CredentialRefreshMargin: 5 * time.Minute,
		LogLevel:                "info",
	}
}

// Load 加载配置：先读 yaml 文件（可选），再用环境变量覆盖。
// 会尝试加载当前目录下的 .env 文件（不存在则忽略）。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.RestAPI.Sandbox && cfg.RestAPI.BaseURL == DefaultAPIBaseURL {
		cfg.RestAPI.BaseURL = DefaultSandboxBaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 用 TRADIER_* 环境变量覆盖配置
func (c *Config) applyEnvOverrides() {
	setString(&c.Credentials.ClientID, "TRADIER_CLIENT_ID")
	setString(&c.Credentials.ClientSecret, "TRADIER_CLIENT_SECRET")
	setString(&c.Credentials.AccessToken, "TRADIER_ACCESS_TOKEN")
	setString(&c.Credentials.RefreshToken, "TRADIER_REFRESH_TOKEN")
	setString(&c.Credentials.AccountID, "TRADIER_ACCOUNT_ID")
	setString(&c.RestAPI.BaseURL, "TRADIER_REST_BASE_URL")
	setString(&c.Streaming.WSBaseURL, "TRADIER_WS_BASE_URL")
	setString(&c.Streaming.HTTPBaseURL, "TRADIER_STREAM_HTTP_BASE_URL")
	setBool(&c.RestAPI.Sandbox, "TRADIER_SANDBOX")
	setInt(&c.RateLimit.Capacity, "TRADIER_RATE_LIMIT_CAPACITY")
	setInt(&c.RateLimit.RefillPerSec, "TRADIER_RATE_LIMIT_REFILL_PER_SEC")
	setDuration(&c.Streaming.MaxReconnectBackoff, "TRADIER_MAX_RECONNECT_BACKOFF")
	setDuration(&c.Streaming.HeartbeatTimeout, "TRADIER_HEARTBEAT_TIMEOUT")
	setInt(&c.Streaming.EventBufferSize, "TRADIER_EVENT_BUFFER_SIZE")
	setDuration(&c.CredentialRefreshMargin, "TRADIER_CREDENTIAL_REFRESH_MARGIN")
	setString(&c.LogLevel, "TRADIER_LOG_LEVEL")
	setString(&c.LogFile, "TRADIER_LOG_FILE")
}

// Validate 检查配置的合法性
func (c *Config) Validate() error {
	if c.RestAPI.BaseURL == "" {
		return fmt.Errorf("rest_api.base_url 不能为空")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit_capacity 必须大于 0")
	}
	if c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("rate_limit_refill_per_sec 必须大于 0")
	}
	if c.Streaming.EventBufferSize <= 0 {
		return fmt.Errorf("event_buffer_size_per_subscriber 必须大于 0")
	}
	if c.Streaming.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout 必须大于 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}
