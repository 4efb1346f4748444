package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"cdpcap/internal/proxy"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"
)

// DebugPort 本地实例复用路径使用的固定调试端口
//
// 端口固定意味着同一台机器上只能有一个可复用实例；连接失败时需要
// 提示用户关闭冲突实例，而不是悄悄重试。
const DebugPort = 9222

// DebugBaseURL 固定调试端口对应的 DevTools 地址
const DebugBaseURL = "http://localhost:9222"

// Handle 已连接的可控浏览器句柄
//
// 同一时刻由唯一的 session.Manager 持有，不复制、不共享。
type Handle struct {
	DevToolsURL string
	Conn        *rpcc.Conn
	Client      *cdp.Client

	// Policy 连接或启动时应用的代理描述，nil 表示无代理
	Policy *proxy.Policy

	// proc 本地拉起且由本句柄负责回收的进程，附着复用时为 nil
	proc *os.Process

	mu     sync.Mutex
	closed bool
}

// Closed 句柄是否已关闭
func (h *Handle) Closed() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close 释放句柄，可安全重复调用
//
// 自有进程先走 CDP 的 Browser.close 优雅退出，再兜底 Kill；
// 附着复用的连接只断开 WebSocket，不动远端浏览器。
func (h *Handle) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var errs []error
	if h.proc != nil && h.Client != nil {
		if err := h.Client.Browser.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("browser close: %w", err))
		}
	}
	if h.Conn != nil {
		if err := h.Conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("conn close: %w", err))
		}
	}
	if h.proc != nil {
		if err := stopProcess(h.proc, 2*time.Second); err != nil {
			errs = append(errs, fmt.Errorf("process stop: %w", err))
		}
	}
	return errors.Join(errs...)
}

// stopProcess 终止浏览器进程并等待退出
func stopProcess(p *os.Process, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, err := p.Wait()
		done <- err
	}()
	_ = p.Kill()
	select {
	case <-time.After(timeout):
		return errors.New("browser stop timeout")
	case err := <-done:
		return err
	}
}

// ArgsOptions 标准启动参数的装配选项
type ArgsOptions struct {
	DisableSecurity bool
	Headless        bool
	UserDataDir     string
	Policy          *proxy.Policy
	ExtraArgs       []string
}

// LaunchArgs 构建标准启动的参数列表
//
// 基线参数关闭自动化指纹、后台节流、弹窗与窗口抢焦；之后按序追加
// 安全开关、代理参数、用户数据目录，调用方参数永远排在最后。
func LaunchArgs(opts ArgsOptions) []string {
	args := []string{
		"--no-sandbox",
		"--disable-blink-features=AutomationControlled",
		"--disable-infobars",
		"--disable-background-timer-throttling",
		"--disable-popup-blocking",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--disable-window-activation",
		"--disable-focus-on-load",
		"--no-first-run",
		"--no-default-browser-check",
		"--no-startup-window",
		"--window-position=0,0",
	}

	if opts.DisableSecurity {
		args = append(args,
			"--disable-web-security",
			"--disable-site-isolation-trials",
			"--disable-features=IsolateOrigins,site-per-process",
		)
	}

	args = append(args, opts.Policy.ChromiumFlags()...)

	if opts.UserDataDir != "" {
		args = append(args, fmt.Sprintf("--user-data-dir=%s", opts.UserDataDir))
	}

	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}

	args = append(args, opts.ExtraArgs...)
	return args
}

// InstanceArgs 构建本地实例复用路径的拉起参数
//
// 命令固定为: 可执行文件 + 固定调试端口 + 代理参数 + 用户数据目录 + 调用方参数。
func InstanceArgs(policy *proxy.Policy, userDataDir string, extraArgs []string) []string {
	args := []string{fmt.Sprintf("--remote-debugging-port=%d", DebugPort)}
	args = append(args, policy.ChromiumFlags()...)
	if userDataDir != "" {
		args = append(args, fmt.Sprintf("--user-data-dir=%s", userDataDir))
	}
	args = append(args, extraArgs...)
	return args
}

// SpawnDetached 以脱离方式拉起浏览器进程，不继承标准输入输出
func SpawnDetached(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	return cmd.Process.Release()
}

// ProbeDebugEndpoint 探测 DevTools 端点是否存活
//
// 通过 GET <base>/json/version 判定，200 即视为可复用。
func ProbeDebugEndpoint(ctx context.Context, base string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dt := devtool.New(base)
	_, err := dt.Version(ctx)
	return err == nil
}

// DefaultExecPath 返回系统上可用的浏览器可执行文件路径（跨平台）
func DefaultExecPath() string {
	for _, p := range execCandidates() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	for _, name := range []string{"chrome", "google-chrome", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}

	return ""
}

// execCandidates 根据操作系统返回可能的浏览器路径
func execCandidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			filepath.Join(os.Getenv("ProgramFiles"), "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Google", "Chrome", "Application", "chrome.exe"),
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			filepath.Join(os.Getenv("HOME"), "Applications", "Google Chrome.app", "Contents", "MacOS", "Google Chrome"),
		}
	case "linux":
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	default:
		return nil
	}
}

// pickPort 尝试使用指定端口，被占用时选择随机空闲端口
func pickPort(preferred int) (int, error) {
	if preferred > 0 {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred))
		if err == nil {
			_ = l.Close()
			return preferred, nil
		}
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
