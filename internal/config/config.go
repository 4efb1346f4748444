package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cdpcap/pkg/domain"
)

// BrowserConfig 浏览器会话段
type BrowserConfig struct {
	CDPEndpoint     string   `yaml:"cdpEndpoint"`
	WSSEndpoint     string   `yaml:"wssEndpoint"`
	InstancePath    string   `yaml:"instancePath"`
	Headless        bool     `yaml:"headless"`
	DisableSecurity bool     `yaml:"disableSecurity"`
	ExtraArgs       []string `yaml:"extraArgs"`
	UserDataDir     string   `yaml:"userDataDir"`
	KeepAlive       bool     `yaml:"keepAlive"`
}

// ProxyConfig 代理段
type ProxyConfig struct {
	Server          string `yaml:"server"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Bypass          string `yaml:"bypass"`
	IgnoreTLSErrors bool   `yaml:"ignoreTlsErrors"`
	CACert          string `yaml:"caCert"`
}

// CaptureSection 捕获段
type CaptureSection struct {
	IncludeMIME    []string `yaml:"includeMime"`
	IncludeStatus  []string `yaml:"includeStatus"`
	MaxPayloadSize int      `yaml:"maxPayloadSize"`
	Concurrency    int      `yaml:"concurrency"`
	// OutputDir 会话归档文件输出目录
	OutputDir string `yaml:"outputDir"`
}

// SqliteConfig 数据库段
type SqliteConfig struct {
	Db     string `yaml:"db"`
	Prefix string `yaml:"prefix"`
	// RetentionDays 摘要保留天数，归档建索引时清理更早的摘要行，0 表示不清理
	RetentionDays int `yaml:"retentionDays"`
}

// LogConfig 日志段
type LogConfig struct {
	Level  string   `yaml:"level"`
	Writer []string `yaml:"writer"`
}

// Config 配置文件结构体
type Config struct {
	Version string         `yaml:"version"`
	Browser BrowserConfig  `yaml:"browser"`
	Proxy   ProxyConfig    `yaml:"proxy"`
	Capture CaptureSection `yaml:"capture"`
	Sqlite  SqliteConfig   `yaml:"sqlite"`
	Log     LogConfig      `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Browser: BrowserConfig{
			Headless: true,
		},
		Capture: CaptureSection{
			OutputDir: ".",
		},
		Sqlite: SqliteConfig{
			Db:     "data.db",
			Prefix: "cdpcap_",
		},
		Log: LogConfig{
			Level:  "info",
			Writer: []string{"console"},
		},
	}
}

// Load 读取 YAML 配置文件，缺失的字段保持默认值
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// SessionConfig 折叠 browser 与 proxy 段为会话配置
func (c *Config) SessionConfig() domain.SessionConfig {
	return domain.SessionConfig{
		CDPEndpoint:     c.Browser.CDPEndpoint,
		WSSEndpoint:     c.Browser.WSSEndpoint,
		InstancePath:    c.Browser.InstancePath,
		Headless:        c.Browser.Headless,
		DisableSecurity: c.Browser.DisableSecurity,
		ExtraArgs:       c.Browser.ExtraArgs,
		UserDataDir:     c.Browser.UserDataDir,
		KeepAlive:       c.Browser.KeepAlive,
		ProxyServer:     c.Proxy.Server,
		ProxyUsername:   c.Proxy.Username,
		ProxyPassword:   c.Proxy.Password,
		ProxyBypass:     c.Proxy.Bypass,
		IgnoreTLSErrors: c.Proxy.IgnoreTLSErrors,
		ProxyCACert:     c.Proxy.CACert,
	}
}

// CaptureConfig 提取捕获配置
func (c *Config) CaptureConfig() domain.CaptureConfig {
	return domain.CaptureConfig{
		IncludeMIME:    c.Capture.IncludeMIME,
		IncludeStatus:  c.Capture.IncludeStatus,
		MaxPayloadSize: c.Capture.MaxPayloadSize,
		Concurrency:    c.Capture.Concurrency,
	}
}
