package session

import (
	"context"
	"runtime"
	"sync"
	"time"

	"cdpcap/internal/browser"
	"cdpcap/internal/logger"
	"cdpcap/internal/proxy"
	"cdpcap/pkg/domain"
	"cdpcap/pkg/errx"
)

const (
	// connectTimeout 远端附着与最终连接的统一超时
	connectTimeout = 20 * time.Second
	// probeTimeout 单次调试端点探测超时
	probeTimeout = 2 * time.Second
	// pollAttempts 实例拉起后的就绪轮询次数上限
	pollAttempts = 10
	// pollInterval 就绪轮询间隔
	pollInterval = time.Second
)

// flight 一次进行中的获取，等待者共享同一份结果
type flight struct {
	done   chan struct{}
	handle *browser.Handle
	err    error
}

// Manager 管理单个浏览器会话的获取与释放
//
// 同一时刻至多持有一个存活句柄；Acquire 幂等且并发去重，
// Close 总是把状态复位为"无句柄"，keepAlive 时跳过引擎级关闭。
type Manager struct {
	cfg       domain.SessionConfig
	policy    *proxy.Policy
	connector browser.Connector
	log       logger.Logger

	mu       sync.Mutex
	handle   *browser.Handle
	inflight *flight

	// probe / spawn / pollEvery 可注入，测试时替换真实探测、进程拉起与轮询节奏
	probe     func(ctx context.Context) bool
	spawn     func(path string, args []string) error
	pollEvery time.Duration
}

// New 创建会话管理器，代理配置不合法时返回配置错误
func New(cfg domain.SessionConfig, l logger.Logger) (*Manager, error) {
	if l == nil {
		l = logger.NewNop()
	}
	policy, err := proxy.FromSession(cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		policy:    policy,
		connector: browser.NewConnector(l),
		log:       l,
		spawn:     browser.SpawnDetached,
		pollEvery: pollInterval,
	}
	m.probe = func(ctx context.Context) bool {
		return browser.ProbeDebugEndpoint(ctx, browser.DebugBaseURL, probeTimeout)
	}

	// GC 兜底清理，仅作防御性日志与回收，正常路径必须显式 Close
	runtime.SetFinalizer(m, (*Manager).finalize)
	return m, nil
}

// SetConnector 替换连接器实现（测试注入）
func (m *Manager) SetConnector(c browser.Connector) { m.connector = c }

// SetProbe 替换调试端点探测（测试注入）
func (m *Manager) SetProbe(probe func(ctx context.Context) bool) { m.probe = probe }

// SetSpawn 替换进程拉起（测试注入）
func (m *Manager) SetSpawn(spawn func(path string, args []string) error) { m.spawn = spawn }

// SetPollInterval 替换就绪轮询间隔（测试注入）
func (m *Manager) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollEvery = d
	}
}

// Handle 返回当前持有的句柄，未获取时为 nil
func (m *Manager) Handle() *browser.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Acquire 获取浏览器句柄
//
// 已持有句柄时直接返回；存在进行中的获取时等待并共享其结果，
// 保证并发调用不会触发第二次启动。策略失败时错误原样上抛，
// 不自动回退到其它策略。
func (m *Manager) Acquire(ctx context.Context) (*browser.Handle, error) {
	m.mu.Lock()
	if m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	if f := m.inflight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.handle, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	m.inflight = f
	m.mu.Unlock()

	h, err := m.acquire(ctx)

	m.mu.Lock()
	if err == nil {
		m.handle = h
	}
	f.handle, f.err = h, err
	m.inflight = nil
	close(f.done)
	m.mu.Unlock()

	return h, err
}

// Close 释放浏览器句柄
//
// keepAlive 置位时为空操作；否则尽力关闭句柄，关闭错误只记录日志，
// 内部状态无条件复位为"无句柄"。可安全重复调用。
func (m *Manager) Close(ctx context.Context) error {
	if m.cfg.KeepAlive {
		m.log.Debug("keepAlive 置位，跳过浏览器回收")
		return nil
	}

	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Close(ctx); err != nil {
		m.log.Err(err, "关闭浏览器句柄失败，状态已复位")
	}
	return nil
}

// finalize GC 兜底：发现未关闭的句柄时告警并尽力回收，任何错误都被吞掉
func (m *Manager) finalize() {
	defer func() { _ = recover() }()

	m.mu.Lock()
	leaked := m.handle != nil
	m.mu.Unlock()
	if !leaked {
		return
	}

	m.log.Warn("浏览器句柄未显式关闭，执行兜底回收")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.Close(ctx)
}

// acquire 裁决并执行唯一的获取策略
func (m *Manager) acquire(ctx context.Context) (*browser.Handle, error) {
	strategy := Resolve(m.cfg)
	m.log.Info("选择浏览器获取策略", "strategy", strategy.String())

	switch strategy {
	case StrategyRemoteCDP:
		return m.connectCDP(ctx)
	case StrategyRemoteWSS:
		return m.connectWSS(ctx)
	case StrategyInstanceReuse:
		return m.reuseInstance(ctx)
	default:
		return m.launch(ctx)
	}
}

// connectCDP 通过 CDP HTTP 端点附着远端实例
func (m *Manager) connectCDP(ctx context.Context) (*browser.Handle, error) {
	if m.cfg.CDPEndpoint == "" {
		return nil, errx.Wrap(errx.CodeConfiguration, domain.ErrMissingCDPEndpoint, "remote_cdp strategy")
	}
	h, err := m.connector.Connect(ctx, m.cfg.CDPEndpoint, connectTimeout, m.policy)
	if err != nil {
		return nil, errx.Wrap(errx.CodeConnection, err, "connect over cdp failed")
	}
	return h, nil
}

// connectWSS 通过 WebSocket 端点附着远端实例
func (m *Manager) connectWSS(ctx context.Context) (*browser.Handle, error) {
	if m.cfg.WSSEndpoint == "" {
		return nil, errx.Wrap(errx.CodeConfiguration, domain.ErrMissingWSSEndpoint, "remote_wss strategy")
	}
	h, err := m.connector.Connect(ctx, m.cfg.WSSEndpoint, connectTimeout, m.policy)
	if err != nil {
		return nil, errx.Wrap(errx.CodeConnection, err, "connect over wss failed")
	}
	return h, nil
}

// reuseInstance 复用本地实例：先探测，必要时拉起并轮询就绪
func (m *Manager) reuseInstance(ctx context.Context) (*browser.Handle, error) {
	if m.cfg.InstancePath == "" {
		return nil, errx.Wrap(errx.CodeConfiguration, domain.ErrMissingInstancePath, "instance_reuse strategy")
	}

	// 已有存活实例则直接附着，完全跳过进程拉起
	if m.probe(ctx) {
		m.log.Info("复用已运行的浏览器实例", "endpoint", browser.DebugBaseURL)
		h, err := m.connector.Connect(ctx, browser.DebugBaseURL, connectTimeout, m.policy)
		if err != nil {
			return nil, errx.Wrap(errx.CodeConnection, err, "connect to running instance failed")
		}
		return h, nil
	}

	args := browser.InstanceArgs(m.policy, m.cfg.UserDataDir, m.cfg.ExtraArgs)
	m.log.Info("未发现存活实例，拉起新进程", "path", m.cfg.InstancePath, "args", args)
	if err := m.spawn(m.cfg.InstancePath, args); err != nil {
		return nil, errx.Wrap(errx.CodeConnection, err, "spawn browser instance failed")
	}

	// 固定次数轮询就绪，上限到达后仍交给最终连接裁决
	for i := 0; i < pollAttempts; i++ {
		if m.probe(ctx) {
			break
		}
		select {
		case <-time.After(m.pollEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h, err := m.connector.Connect(ctx, browser.DebugBaseURL, connectTimeout, m.policy)
	if err != nil {
		// 固定端口无法被两个实例共享，失败需要用户介入而不是静默重试
		return nil, errx.Wrap(errx.CodeConnection, err,
			"connect to spawned instance failed: close all existing browser instances using the debug port and try again")
	}
	return h, nil
}

// launch 标准本地启动
func (m *Manager) launch(ctx context.Context) (*browser.Handle, error) {
	args := browser.LaunchArgs(browser.ArgsOptions{
		DisableSecurity: m.cfg.DisableSecurity,
		Headless:        m.cfg.Headless,
		UserDataDir:     m.cfg.UserDataDir,
		Policy:          m.policy,
		ExtraArgs:       m.cfg.ExtraArgs,
	})
	h, err := m.connector.Launch(ctx, browser.LaunchSpec{
		Args:        args,
		UserDataDir: m.cfg.UserDataDir,
		Policy:      m.policy,
	})
	if err != nil {
		return nil, errx.Wrap(errx.CodeConnection, err, "launch browser failed")
	}
	return h, nil
}
