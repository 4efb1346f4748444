package domain

import "errors"

// 代理配置相关错误
var (
	ErrPartialProxyCredentials = errors.New("proxy username and password must both be set")
)

// 会话获取相关错误
var (
	ErrMissingCDPEndpoint  = errors.New("cdp endpoint is required")
	ErrMissingWSSEndpoint  = errors.New("wss endpoint is required")
	ErrMissingInstancePath = errors.New("browser instance path is required")
	ErrExecutableNotFound  = errors.New("browser executable not found")
	ErrDevToolsUnreachable = errors.New("devtools unreachable")
)

// 流量捕获相关错误
var (
	ErrBodyUnavailable = errors.New("response body not available")
)
