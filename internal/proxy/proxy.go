package proxy

import (
	"fmt"

	"cdpcap/pkg/domain"
	"cdpcap/pkg/errx"
)

// Settings 代理原始配置字段
type Settings struct {
	Server          string // 代理服务器地址，如 http://localhost:3128
	Username        string
	Password        string
	Bypass          string // 逗号分隔的直连主机列表
	IgnoreTLSErrors bool   // 忽略证书错误（配合 MITM 代理）
	CACertPath      string // 自定义 CA 证书路径
}

// Policy 归一化后的代理应用配置，构造后不可变
//
// Server 为空时 New 返回 nil 策略，表示"无代理"，其余字段一律不生效；
// 各获取策略对 nil 策略必须完全省略代理参数，而不是传空值。
type Policy struct {
	server          string
	username        string
	password        string
	bypass          string
	ignoreTLSErrors bool
	caCertPath      string
}

// New 校验并归一化代理配置
//
// 用户名与密码必须成对出现，只给其中一个视为配置错误。
func New(s Settings) (*Policy, error) {
	if (s.Username == "") != (s.Password == "") {
		return nil, errx.Wrap(errx.CodeConfiguration, domain.ErrPartialProxyCredentials, "invalid proxy credentials")
	}
	if s.Server == "" {
		return nil, nil
	}
	return &Policy{
		server:          s.Server,
		username:        s.Username,
		password:        s.Password,
		bypass:          s.Bypass,
		ignoreTLSErrors: s.IgnoreTLSErrors,
		caCertPath:      s.CACertPath,
	}, nil
}

// FromSession 从会话配置中提取代理设置并归一化
func FromSession(cfg domain.SessionConfig) (*Policy, error) {
	return New(Settings{
		Server:          cfg.ProxyServer,
		Username:        cfg.ProxyUsername,
		Password:        cfg.ProxyPassword,
		Bypass:          cfg.ProxyBypass,
		IgnoreTLSErrors: cfg.IgnoreTLSErrors,
		CACertPath:      cfg.ProxyCACert,
	})
}

// Server 代理服务器地址
func (p *Policy) Server() string { return p.server }

// Credentials 返回代理认证信息，未配置时 ok 为 false
func (p *Policy) Credentials() (username, password string, ok bool) {
	if p.username == "" {
		return "", "", false
	}
	return p.username, p.password, true
}

// Bypass 直连主机列表
func (p *Policy) Bypass() string { return p.bypass }

// IgnoreTLSErrors 是否忽略证书错误
func (p *Policy) IgnoreTLSErrors() bool { return p.ignoreTLSErrors }

// CACertPath 自定义 CA 证书路径
func (p *Policy) CACertPath() string { return p.caCertPath }

// ChromiumFlags 渲染基于进程拉起的策略所需的命令行参数
//
// 只输出已配置的字段；对 nil 策略调用返回 nil。
func (p *Policy) ChromiumFlags() []string {
	if p == nil {
		return nil
	}
	args := []string{fmt.Sprintf("--proxy-server=%s", p.server)}
	if p.bypass != "" {
		args = append(args, fmt.Sprintf("--proxy-bypass-list=%s", p.bypass))
	}
	if p.ignoreTLSErrors {
		args = append(args, "--ignore-certificate-errors")
	}
	if p.caCertPath != "" {
		args = append(args, fmt.Sprintf("--ca-certificates-path=%s", p.caCertPath))
	}
	return args
}
