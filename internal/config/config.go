// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充; LoadFile() 额外叠加 YAML 文件,
// 优先级: 环境变量 > 配置文件 > 默认值。
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/util"
)

// 传输方式。
const (
	TransportPush   = "push"   // 命令 + 事件都走 WebSocket
	TransportStream = "stream" // 事件走 SSE, 命令走 REST
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 后端
	BaseURL        string `env:"MEETSYNC_BASE_URL" default:"http://127.0.0.1:8080" yaml:"base_url"`
	Transport      string `env:"MEETSYNC_TRANSPORT" default:"stream" yaml:"transport"`
	HTTPTimeoutSec int    `env:"MEETSYNC_HTTP_TIMEOUT_SEC" default:"15" min:"1" yaml:"http_timeout_sec"`

	// 实时通道
	PushConnectTimeoutMS int `env:"MEETSYNC_PUSH_CONNECT_TIMEOUT_MS" default:"5000" min:"100" yaml:"push_connect_timeout_ms"`
	ReconnectBaseMS      int `env:"MEETSYNC_RECONNECT_BASE_MS" default:"3000" min:"1" yaml:"reconnect_base_ms"`
	ReconnectCapMS       int `env:"MEETSYNC_RECONNECT_CAP_MS" default:"30000" min:"1" yaml:"reconnect_cap_ms"`
	PollIntervalMS       int `env:"MEETSYNC_POLL_INTERVAL_MS" default:"2000" min:"100" yaml:"poll_interval_ms"`
	RunFallbackMS        int `env:"MEETSYNC_RUN_FALLBACK_MS" default:"3000" min:"0" yaml:"run_fallback_ms"`

	// PostgreSQL (快照缓存, 可选)
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING" yaml:"postgres_connection_string"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public" yaml:"postgres_schema"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1" yaml:"postgres_pool_min_size"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"4" min:"1" yaml:"postgres_pool_max_size"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO" yaml:"log_level"`
	LogEnv   string `env:"LOG_ENV" default:"production" yaml:"log_env"`
	LogDir   string `env:"LOG_DIR" yaml:"log_dir"`

	// 模拟后端
	SimListen       string `env:"MEETSIM_LISTEN" default:":8080" yaml:"sim_listen"`
	SimAgents       string `env:"MEETSIM_AGENTS" default:"Ada,Linus,Grace" yaml:"sim_agents"`
	SimMaxRounds    int    `env:"MEETSIM_MAX_ROUNDS" default:"3" min:"1" yaml:"sim_max_rounds"`
	SimMessageGapMS int    `env:"MEETSIM_MESSAGE_GAP_MS" default:"400" min:"0" yaml:"sim_message_gap_ms"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	cfg.normalize()
	return &cfg
}

// LoadFile 读取 YAML 配置文件并叠加环境变量。path 为空时等同于 Load()。
func LoadFile(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Load(), nil
	}
	var cfg Config
	util.LoadFromEnv(&cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "config.LoadFile", "read %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "config.LoadFile", "parse %s: %v", path, err)
	}
	util.OverrideFromEnv(&cfg)
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	switch strings.ToLower(strings.TrimSpace(c.Transport)) {
	case TransportPush:
		c.Transport = TransportPush
	default:
		c.Transport = TransportStream
	}
	if c.ReconnectCapMS < c.ReconnectBaseMS {
		c.ReconnectCapMS = c.ReconnectBaseMS
	}
}

// Agents 返回模拟后端的 agent 名称列表。
func (c *Config) Agents() []string {
	var out []string
	for _, name := range strings.Split(c.SimAgents, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// HTTPTimeout REST 请求超时 (不作用于长连接流)。
func (c *Config) HTTPTimeout() time.Duration { return time.Duration(c.HTTPTimeoutSec) * time.Second }

// PushConnectTimeout WebSocket 握手超时。
func (c *Config) PushConnectTimeout() time.Duration { return ms(c.PushConnectTimeoutMS) }

// ReconnectBase 退避基数。
func (c *Config) ReconnectBase() time.Duration { return ms(c.ReconnectBaseMS) }

// ReconnectCap 退避上限。
func (c *Config) ReconnectCap() time.Duration { return ms(c.ReconnectCapMS) }

// PollInterval 轮询间隔。
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMS) }

// RunFallback 运行触发降级窗口。
func (c *Config) RunFallback() time.Duration { return ms(c.RunFallbackMS) }

// SimMessageGap 模拟后端消息间隔。
func (c *Config) SimMessageGap() time.Duration { return ms(c.SimMessageGapMS) }
