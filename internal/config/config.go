package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hookrelay/internal/rules"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Hook struct {
		Mode            string `yaml:"mode"`
		Repair          string `yaml:"repair"`
		RepairBaseMS    int    `yaml:"repairBaseMS"`
		RepairMaxMS     int    `yaml:"repairMaxMS"`
		RepairFailLimit int    `yaml:"repairFailLimit"`
		MaxUnwrapDepth  int    `yaml:"maxUnwrapDepth"`
	} `yaml:"hook"`

	Dedupe struct {
		WindowMS int `yaml:"windowMS"`
		Capacity int `yaml:"capacity"`
		// Exempt 命中的端点允许快速重复
		Exempt rules.Match `yaml:"exempt"`
	} `yaml:"dedupe"`

	Metrics struct {
		MaxEndpoints int `yaml:"maxEndpoints"`
	} `yaml:"metrics"`

	Resolver struct {
		LockTTLMS         int     `yaml:"lockTTLMS"`
		LastKnownTTLMS    int     `yaml:"lastKnownTTLMS"`
		MinLockConfidence float64 `yaml:"minLockConfidence"`
		MaxWalkDepth      int     `yaml:"maxWalkDepth"`
	} `yaml:"resolver"`

	CDP struct {
		DevToolsURL      string `yaml:"devToolsURL"`
		URLPattern       string `yaml:"urlPattern"`
		ProcessTimeoutMS int    `yaml:"processTimeoutMS"`
	} `yaml:"cdp"`

	Extensions []string `yaml:"extensions"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "hookrelay.sqlite3"
	c.Sqlite.Prefix = "hookrelay_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}

	c.Hook.Mode = "both"
	c.Hook.Repair = "watchdog"
	c.Hook.RepairBaseMS = 4000
	c.Hook.RepairMaxMS = 60000
	c.Hook.RepairFailLimit = 4
	c.Hook.MaxUnwrapDepth = 8

	c.Dedupe.WindowMS = 2600
	c.Dedupe.Capacity = 400
	c.Dedupe.Exempt = rules.Match{AnyOf: []rules.Condition{
		rules.URLRegex(`/graphql/[^/]+/(CreateBookmark|DeleteBookmark|bookmarkTweetToFolder)`),
	}}

	c.Metrics.MaxEndpoints = 40

	c.Resolver.LockTTLMS = 90000
	c.Resolver.LastKnownTTLMS = 30000
	c.Resolver.MinLockConfidence = 0.7
	c.Resolver.MaxWalkDepth = 6

	c.CDP.DevToolsURL = "http://127.0.0.1:9222"
	c.CDP.URLPattern = "*"
	c.CDP.ProcessTimeoutMS = 3000

	c.Extensions = []string{"bookmarks"}
	return c
}

// Load 读取 YAML 配置并覆盖默认值，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.Hook.Mode {
	case "both", "fetch", "xhr", "off":
	default:
		return fmt.Errorf("config: invalid hook.mode %q", c.Hook.Mode)
	}
	switch c.Hook.Repair {
	case "watchdog", "off":
	default:
		return fmt.Errorf("config: invalid hook.repair %q", c.Hook.Repair)
	}
	if c.Dedupe.WindowMS <= 0 || c.Dedupe.Capacity <= 0 {
		return errors.New("config: dedupe window and capacity must be positive")
	}
	if c.Resolver.MinLockConfidence < 0 || c.Resolver.MinLockConfidence > 1 {
		return errors.New("config: resolver.minLockConfidence must be within [0,1]")
	}
	return nil
}

// DedupeWindow 去重窗口
func (c *Config) DedupeWindow() time.Duration { return ms(c.Dedupe.WindowMS) }

// LockTTL 粘性锁有效期
func (c *Config) LockTTL() time.Duration { return ms(c.Resolver.LockTTLMS) }

// LastKnownTTL 最近上下文有效期
func (c *Config) LastKnownTTL() time.Duration { return ms(c.Resolver.LastKnownTTLMS) }

// RepairBase 修复循环基础间隔
func (c *Config) RepairBase() time.Duration { return ms(c.Hook.RepairBaseMS) }

// RepairMax 修复循环退避上限
func (c *Config) RepairMax() time.Duration { return ms(c.Hook.RepairMaxMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
