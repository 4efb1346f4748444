package domain

// SessionID 捕获运行ID
type SessionID string

// SessionConfig 浏览器会话配置
//
// 四个获取入口互斥，优先级固定为 CDPEndpoint > WSSEndpoint > InstancePath >
// 标准本地启动，由 session.Resolve 做唯一裁决。
type SessionConfig struct {
	CDPEndpoint  string `json:"cdpEndpoint" yaml:"cdpEndpoint"`
	WSSEndpoint  string `json:"wssEndpoint" yaml:"wssEndpoint"`
	InstancePath string `json:"instancePath" yaml:"instancePath"`

	Headless        bool     `json:"headless" yaml:"headless"`
	DisableSecurity bool     `json:"disableSecurity" yaml:"disableSecurity"`
	ExtraArgs       []string `json:"extraArgs" yaml:"extraArgs"`
	UserDataDir     string   `json:"userDataDir" yaml:"userDataDir"`

	// KeepAlive 置位时 Close 不回收浏览器，用于外部托管的长生命周期实例
	KeepAlive bool `json:"keepAlive" yaml:"keepAlive"`

	// 代理原始字段，由 proxy.New 归一化后统一下发给各获取策略
	ProxyServer     string `json:"proxyServer" yaml:"proxyServer"`
	ProxyUsername   string `json:"proxyUsername" yaml:"proxyUsername"`
	ProxyPassword   string `json:"proxyPassword" yaml:"proxyPassword"`
	ProxyBypass     string `json:"proxyBypass" yaml:"proxyBypass"`
	IgnoreTLSErrors bool   `json:"ignoreTlsErrors" yaml:"ignoreTlsErrors"`
	ProxyCACert     string `json:"proxyCaCert" yaml:"proxyCaCert"`
}

// CaptureConfig 流量捕获配置
type CaptureConfig struct {
	IncludeMIME    []string `json:"includeMime" yaml:"includeMime"`
	IncludeStatus  []string `json:"includeStatus" yaml:"includeStatus"`
	MaxPayloadSize int      `json:"maxPayloadSize" yaml:"maxPayloadSize"`
	Concurrency    int      `json:"concurrency" yaml:"concurrency"`
}
