package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	CDP struct {
		CommandTimeoutMS       int      `yaml:"commandTimeoutMS"`
		DialTimeoutMS          int      `yaml:"dialTimeoutMS"`
		EventBufferLimit       int      `yaml:"eventBufferLimit"`
		InterceptResourceTypes []string `yaml:"interceptResourceTypes"`
	} `yaml:"cdp"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}
	cfg.Server.Addr = ":8080"
	cfg.CDP.CommandTimeoutMS = 15000
	cfg.CDP.DialTimeoutMS = 10000
	cfg.CDP.EventBufferLimit = 10000
	cfg.CDP.InterceptResourceTypes = []string{"Document", "XHR", "Fetch"}
	cfg.Sqlite.Prefix = "cdpgateway_"
	cfg.Log.Level = "info"
	cfg.Log.Writer = []string{"console"}
	cfg.Log.File = "logs/cdpgateway.log"
	return cfg
}

// Load 依次应用默认值、配置文件（可选）与环境变量
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"CDP_COMMAND_TIMEOUT_MS", &c.CDP.CommandTimeoutMS},
		{"CDP_DIAL_TIMEOUT_MS", &c.CDP.DialTimeoutMS},
		{"CDP_EVENT_BUFFER_LIMIT", &c.CDP.EventBufferLimit},
	}
	for _, it := range ints {
		v, ok := lookup(it.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", it.key, err)
		}
		*it.dst = n
	}
	if v, ok := lookup("CDP_INTERCEPT_RESOURCE_TYPES"); ok && strings.TrimSpace(v) != "" {
		c.CDP.InterceptResourceTypes = splitList(v)
	}
	if v, ok := lookup("HTTP_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("SQLITE_DSN"); ok {
		c.Sqlite.Dsn = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.CDP.CommandTimeoutMS <= 0 {
		return fmt.Errorf("cdp.commandTimeoutMS must be positive, got %d", c.CDP.CommandTimeoutMS)
	}
	if c.CDP.DialTimeoutMS <= 0 {
		return fmt.Errorf("cdp.dialTimeoutMS must be positive, got %d", c.CDP.DialTimeoutMS)
	}
	if c.CDP.EventBufferLimit < 0 {
		return fmt.Errorf("cdp.eventBufferLimit must not be negative, got %d", c.CDP.EventBufferLimit)
	}
	return nil
}

// CommandTimeout 命令超时时长
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CDP.CommandTimeoutMS) * time.Millisecond
}

// DialTimeout 建连超时时长
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.CDP.DialTimeoutMS) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
