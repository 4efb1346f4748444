package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cdpcap/internal/browser"
	"cdpcap/internal/proxy"
	"cdpcap/internal/session"
	"cdpcap/pkg/domain"
	"cdpcap/pkg/errx"
)

// fakeConnector 记录调用情况的连接器替身
type fakeConnector struct {
	mu          sync.Mutex
	connectN    int
	launchN     int
	endpoints   []string
	launchSpecs []browser.LaunchSpec
	connectErr  error
	delay       time.Duration
}

func (f *fakeConnector) Connect(ctx context.Context, endpoint string, timeout time.Duration, policy *proxy.Policy) (*browser.Handle, error) {
	f.mu.Lock()
	f.connectN++
	f.endpoints = append(f.endpoints, endpoint)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &browser.Handle{DevToolsURL: endpoint, Policy: policy}, nil
}

func (f *fakeConnector) Launch(ctx context.Context, spec browser.LaunchSpec) (*browser.Handle, error) {
	f.mu.Lock()
	f.launchN++
	f.launchSpecs = append(f.launchSpecs, spec)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return &browser.Handle{DevToolsURL: "http://127.0.0.1:9222"}, nil
}

// newManager 构造注入替身的管理器，默认探测永远失败、拉起为空操作
func newManager(t *testing.T, cfg domain.SessionConfig, fc *fakeConnector) *session.Manager {
	t.Helper()
	m, err := session.New(cfg, nil)
	if err != nil {
		t.Fatalf("创建管理器失败: %v", err)
	}
	m.SetConnector(fc)
	m.SetProbe(func(ctx context.Context) bool { return false })
	m.SetSpawn(func(path string, args []string) error { return nil })
	return m
}

// TestNew_InvalidProxy 代理配置不完整时创建即失败。
func TestNew_InvalidProxy(t *testing.T) {
	_, err := session.New(domain.SessionConfig{ProxyServer: "http://localhost:3128", ProxyUsername: "user"}, nil)
	if !errx.Is(err, errx.CodeConfiguration) {
		t.Fatalf("预期 CONFIGURATION 错误，实际为 %v", err)
	}
}

// TestResolve_Precedence 多个入口同时配置时按固定优先级裁决。
func TestResolve_Precedence(t *testing.T) {
	cases := []struct {
		name string
		cfg  domain.SessionConfig
		want session.Strategy
	}{
		{"cdp wins over wss", domain.SessionConfig{CDPEndpoint: "http://a:9222", WSSEndpoint: "ws://b"}, session.StrategyRemoteCDP},
		{"cdp wins over all", domain.SessionConfig{CDPEndpoint: "http://a:9222", WSSEndpoint: "ws://b", InstancePath: "/opt/chrome"}, session.StrategyRemoteCDP},
		{"wss wins over instance", domain.SessionConfig{WSSEndpoint: "ws://b", InstancePath: "/opt/chrome"}, session.StrategyRemoteWSS},
		{"instance wins over launch", domain.SessionConfig{InstancePath: "/opt/chrome"}, session.StrategyInstanceReuse},
		{"default launch", domain.SessionConfig{}, session.StrategyLaunch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := session.Resolve(tc.cfg); got != tc.want {
				t.Errorf("got %v want %v", got, tc.want)
			}
		})
	}
}

// TestAcquire_PrecedenceConnects CDP 与 WSS 同时配置时只连 CDP 端点。
func TestAcquire_PrecedenceConnects(t *testing.T) {
	fc := &fakeConnector{}
	m := newManager(t, domain.SessionConfig{
		CDPEndpoint: "http://remote:9222",
		WSSEndpoint: "ws://remote:3000",
	}, fc)

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("获取失败: %v", err)
	}
	if h.DevToolsURL != "http://remote:9222" {
		t.Errorf("预期连接 CDP 端点，实际为 %s", h.DevToolsURL)
	}
	if fc.connectN != 1 || fc.launchN != 0 {
		t.Errorf("预期恰好一次 Connect，实际 connect=%d launch=%d", fc.connectN, fc.launchN)
	}
}

// TestAcquire_Idempotent 两次获取返回同一句柄且不触发第二次策略调用。
func TestAcquire_Idempotent(t *testing.T) {
	fc := &fakeConnector{}
	m := newManager(t, domain.SessionConfig{CDPEndpoint: "http://remote:9222"}, fc)

	h1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("第一次获取失败: %v", err)
	}
	h2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("第二次获取失败: %v", err)
	}
	if h1 != h2 {
		t.Error("两次获取应返回同一句柄")
	}
	if fc.connectN != 1 {
		t.Errorf("预期策略只执行一次，实际 %d 次", fc.connectN)
	}
}

// TestAcquire_ConcurrentSingleFlight 并发获取共享同一次执行，不会重复启动。
func TestAcquire_ConcurrentSingleFlight(t *testing.T) {
	fc := &fakeConnector{delay: 50 * time.Millisecond}
	m := newManager(t, domain.SessionConfig{}, fc)

	const callers = 8
	handles := make([]*browser.Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("并发获取失败: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if fc.launchN != 1 {
		t.Errorf("预期恰好一次启动，实际 %d 次", fc.launchN)
	}
	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Errorf("第 %d 个调用者拿到了不同句柄", i)
		}
	}
}

// TestAcquire_FailureNoHandle 策略失败时不保留半初始化句柄，错误原样上抛。
func TestAcquire_FailureNoHandle(t *testing.T) {
	wantErr := errors.New("connection refused")
	fc := &fakeConnector{connectErr: wantErr}
	m := newManager(t, domain.SessionConfig{CDPEndpoint: "http://remote:9222"}, fc)

	_, err := m.Acquire(context.Background())
	if !errx.Is(err, errx.CodeConnection) {
		t.Fatalf("预期 CONNECTION 错误，实际为 %v", err)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("底层错误应原样保留: %v", err)
	}
	if m.Handle() != nil {
		t.Error("失败后不应持有句柄")
	}
}

// TestClose_KeepAlive keepAlive 置位时 Close 不触碰句柄。
func TestClose_KeepAlive(t *testing.T) {
	fc := &fakeConnector{}
	m := newManager(t, domain.SessionConfig{CDPEndpoint: "http://remote:9222", KeepAlive: true}, fc)

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("获取失败: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if m.Handle() != h {
		t.Error("keepAlive 下句柄应保持不变")
	}
	if h.Closed() {
		t.Error("keepAlive 下不应有引擎级关闭调用")
	}
}

// TestClose_ResetsState 正常关闭后状态复位，可再次获取；重复关闭安全。
func TestClose_ResetsState(t *testing.T) {
	fc := &fakeConnector{}
	m := newManager(t, domain.SessionConfig{CDPEndpoint: "http://remote:9222"}, fc)

	h, _ := m.Acquire(context.Background())
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if !h.Closed() {
		t.Error("关闭后句柄应为已关闭状态")
	}
	if m.Handle() != nil {
		t.Error("关闭后不应继续持有句柄")
	}
	// 未获取状态下重复关闭必须安全
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("重复关闭失败: %v", err)
	}

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("关闭后重新获取失败: %v", err)
	}
	if fc.connectN != 2 {
		t.Errorf("重新获取应触发第二次策略执行，实际 %d 次", fc.connectN)
	}
}

// TestReuse_RunningInstance 探测到存活实例时不拉起进程，只连一次。
func TestReuse_RunningInstance(t *testing.T) {
	fc := &fakeConnector{}
	m := newManager(t, domain.SessionConfig{InstancePath: "/opt/chrome"}, fc)
	m.SetProbe(func(ctx context.Context) bool { return true })
	spawned := false
	m.SetSpawn(func(path string, args []string) error {
		spawned = true
		return nil
	})

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("获取失败: %v", err)
	}
	if spawned {
		t.Error("存活实例复用不应拉起进程")
	}
	if fc.connectN != 1 {
		t.Errorf("预期恰好一次连接，实际 %d 次", fc.connectN)
	}
	if h.DevToolsURL != browser.DebugBaseURL {
		t.Errorf("应连接固定调试端点，实际为 %s", h.DevToolsURL)
	}
}

// TestReuse_SpawnThenPoll 无存活实例时拉起进程并恰好轮询 10 次。
func TestReuse_SpawnThenPoll(t *testing.T) {
	wantErr := errors.New("connection refused")
	fc := &fakeConnector{connectErr: wantErr}
	m := newManager(t, domain.SessionConfig{InstancePath: "/opt/chrome"}, fc)
	m.SetPollInterval(time.Millisecond)

	probes := 0
	m.SetProbe(func(ctx context.Context) bool {
		probes++
		return false
	})
	var spawnPath string
	var spawnArgs []string
	m.SetSpawn(func(path string, args []string) error {
		spawnPath = path
		spawnArgs = args
		return nil
	})

	_, err := m.Acquire(context.Background())
	if err == nil {
		t.Fatal("预期失败")
	}
	if !errx.Is(err, errx.CodeConnection) {
		t.Errorf("预期 CONNECTION 错误，实际为 %v", err)
	}
	// 失败信息必须指引用户关闭冲突实例
	if !strings.Contains(err.Error(), "close all existing browser instances") {
		t.Errorf("错误信息缺少用户指引: %v", err)
	}

	if spawnPath != "/opt/chrome" {
		t.Errorf("拉起路径不匹配: %s", spawnPath)
	}
	// 无代理配置时命令行只有调试端口参数
	if len(spawnArgs) != 1 || spawnArgs[0] != "--remote-debugging-port=9222" {
		t.Errorf("拉起参数不匹配: %v", spawnArgs)
	}

	// 1 次前置探测 + 固定 10 次就绪轮询
	if probes != 1+10 {
		t.Errorf("预期 11 次探测（1 前置 + 10 轮询），实际 %d 次", probes)
	}
}

// TestLaunch_NoProxyFlags 标准启动在无代理配置时不产生任何代理参数。
func TestLaunch_NoProxyFlags(t *testing.T) {
	fc := &fakeConnector{}
	m := newManager(t, domain.SessionConfig{Headless: true}, fc)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("获取失败: %v", err)
	}
	if fc.launchN != 1 {
		t.Fatalf("预期一次启动，实际 %d 次", fc.launchN)
	}
	for _, a := range fc.launchSpecs[0].Args {
		if strings.HasPrefix(a, "--proxy") {
			t.Errorf("无代理配置不应出现代理参数: %s", a)
		}
	}
}
