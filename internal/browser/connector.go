package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"cdpcap/internal/logger"
	"cdpcap/internal/proxy"
	"cdpcap/pkg/domain"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"
)

// writeBufferSize CDP 连接写缓冲，与大响应体抓取匹配
const writeBufferSize = 16 * 1024 * 1024

// readyTimeout 本地启动后等待 DevTools 就绪的上限
const readyTimeout = 10 * time.Second

// Connector 抽象可控浏览器的获取能力
//
// Connect 附着到远端实例（http(s) 走 CDP 端点发现，ws(s) 直连），
// Launch 本地拉起并连接。两者成功时都交回一个存活句柄。
type Connector interface {
	Connect(ctx context.Context, endpoint string, timeout time.Duration, policy *proxy.Policy) (*Handle, error)
	Launch(ctx context.Context, spec LaunchSpec) (*Handle, error)
}

// LaunchSpec 本地启动描述
type LaunchSpec struct {
	// ExecPath 浏览器可执行文件路径，为空时自动探测系统浏览器
	ExecPath string
	// Args 已装配完成的启动参数（不含调试端口，由连接器按所选端口补齐）
	Args []string
	// UserDataDir 用户数据目录；为空时连接器分配临时目录避免与桌面实例冲突
	UserDataDir string
	// Policy 应用的代理描述
	Policy *proxy.Policy
}

// CDPConnector 基于 devtool + rpcc 的连接器实现
type CDPConnector struct {
	log logger.Logger
}

// NewConnector 创建连接器
func NewConnector(l logger.Logger) *CDPConnector {
	if l == nil {
		l = logger.NewNop()
	}
	return &CDPConnector{log: l}
}

// Connect 附着到已运行的浏览器实例
func (c *CDPConnector) Connect(ctx context.Context, endpoint string, timeout time.Duration, policy *proxy.Policy) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wsURL := endpoint
	if !strings.HasPrefix(endpoint, "ws") {
		version, err := devtool.New(endpoint).Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrDevToolsUnreachable, endpoint, err)
		}
		wsURL = version.WebSocketDebuggerURL
	}

	conn, err := rpcc.DialContext(ctx, wsURL,
		rpcc.WithWriteBufferSize(writeBufferSize),
		rpcc.WithCompression())
	if err != nil {
		c.log.Err(err, "CDP 连接建立失败", "wsURL", wsURL)
		return nil, err
	}

	c.log.Info("附着浏览器实例成功", "endpoint", endpoint)
	if policy != nil {
		_, _, hasAuth := policy.Credentials()
		c.log.Info("代理策略已生效", "server", policy.Server(), "bypass", policy.Bypass(),
			"auth", hasAuth, "ignoreTlsErrors", policy.IgnoreTLSErrors(), "caCert", policy.CACertPath())
	}
	return &Handle{
		DevToolsURL: endpoint,
		Conn:        conn,
		Client:      cdp.NewClient(conn),
		Policy:      policy,
	}, nil
}

// Launch 本地拉起浏览器进程并建立 CDP 连接
func (c *CDPConnector) Launch(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	exe := spec.ExecPath
	if exe == "" {
		exe = DefaultExecPath()
	}
	if exe == "" {
		return nil, domain.ErrExecutableNotFound
	}

	port, err := pickPort(DebugPort)
	if err != nil {
		return nil, fmt.Errorf("failed to pick port: %w", err)
	}

	args := []string{fmt.Sprintf("--remote-debugging-port=%d", port)}
	args = append(args, spec.Args...)
	if spec.UserDataDir == "" {
		// 带时间戳的临时目录，避免与桌面实例争用 profile
		dir := filepath.Join(os.TempDir(), fmt.Sprintf("cdpcap-browser-%d", time.Now().UnixNano()))
		_ = os.MkdirAll(dir, 0o755)
		args = append(args, fmt.Sprintf("--user-data-dir=%s", dir))
	} else {
		_ = os.MkdirAll(spec.UserDataDir, 0o755)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	c.log.Debug("浏览器进程已启动", "pid", cmd.Process.Pid, "devtools", base)

	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := waitDevToolsReady(waitCtx, base); err != nil {
		_ = stopProcess(cmd.Process, 2*time.Second)
		return nil, fmt.Errorf("devtools not ready: %w", err)
	}

	h, err := c.Connect(ctx, base, 20*time.Second, spec.Policy)
	if err != nil {
		_ = stopProcess(cmd.Process, 2*time.Second)
		return nil, err
	}
	h.proc = cmd.Process
	return h, nil
}

// waitDevToolsReady 轮询 DevTools 服务是否就绪
func waitDevToolsReady(ctx context.Context, base string) error {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("devtools not ready after timeout: %w", ctx.Err())
		case <-ticker.C:
			if ProbeDebugEndpoint(ctx, base, 500*time.Millisecond) {
				return nil
			}
		}
	}
}
