package session

import "cdpcap/pkg/domain"

// Strategy 浏览器获取策略变体
type Strategy int

const (
	// StrategyRemoteCDP 通过 CDP HTTP 端点附着远端实例
	StrategyRemoteCDP Strategy = iota
	// StrategyRemoteWSS 通过 WebSocket 端点附着远端实例
	StrategyRemoteWSS
	// StrategyInstanceReuse 复用（或拉起后复用）指定路径的本地实例
	StrategyInstanceReuse
	// StrategyLaunch 标准本地启动
	StrategyLaunch
)

// String 返回策略名称
func (s Strategy) String() string {
	switch s {
	case StrategyRemoteCDP:
		return "remote_cdp"
	case StrategyRemoteWSS:
		return "remote_wss"
	case StrategyInstanceReuse:
		return "instance_reuse"
	case StrategyLaunch:
		return "launch"
	default:
		return "unknown"
	}
}

// Resolve 按固定优先级从配置中裁决唯一策略
//
// 优先级: CDP > WSS > 本地实例 > 标准启动，首个命中即生效。
// 顺序以显式匹配表达，禁止散落的条件判断导致优先级漂移。
func Resolve(cfg domain.SessionConfig) Strategy {
	switch {
	case cfg.CDPEndpoint != "":
		return StrategyRemoteCDP
	case cfg.WSSEndpoint != "":
		return StrategyRemoteWSS
	case cfg.InstancePath != "":
		return StrategyInstanceReuse
	default:
		return StrategyLaunch
	}
}
