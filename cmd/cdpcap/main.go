package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"cdpcap/internal/capture"
	"cdpcap/internal/config"
	"cdpcap/internal/logger"
	"cdpcap/internal/session"
	"cdpcap/internal/storage/db"
	"cdpcap/internal/storage/model"
	"cdpcap/internal/storage/repo"
	"cdpcap/pkg/traffic"
)

const version = "1.0.0"

var (
	configPath string

	// capture 命令参数
	captureName     string
	captureURL      string
	captureDuration time.Duration
	captureOutput   string

	// show 命令参数
	showSummary bool

	// sessions 命令参数
	sessionsRun    string
	sessionsURL    string
	sessionsMethod string
	sessionsStatus int

	// redact 命令参数
	redactHeaders []string
	redactOutput  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cdpcap",
		Short:   "基于 CDP 的浏览器流量捕获工具",
		Long:    "cdpcap 通过 Chrome DevTools Protocol 附着或启动浏览器，录制页面的 HTTP 流量并归档为可重放的 JSON 会话。",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（YAML）")

	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "录制一次浏览器流量会话",
		RunE:  runCapture,
	}
	captureCmd.Flags().StringVarP(&captureName, "name", "n", "", "会话名称（默认取运行ID）")
	captureCmd.Flags().StringVarP(&captureURL, "url", "u", "", "启动后导航到的地址")
	captureCmd.Flags().DurationVarP(&captureDuration, "duration", "d", 0, "录制时长，0 表示直到 Ctrl+C")
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "", "归档文件路径（默认 <输出目录>/<运行ID>.json）")

	showCmd := &cobra.Command{
		Use:   "show <archive.json>",
		Short: "渲染归档会话为可读文本",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().BoolVar(&showSummary, "summary", false, "只输出会话名与消息计数")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "列出历史捕获会话，带过滤条件时查询逐条摘要",
		RunE:  runSessions,
	}
	sessionsCmd.Flags().StringVar(&sessionsRun, "run", "", "按运行ID过滤摘要")
	sessionsCmd.Flags().StringVar(&sessionsURL, "url", "", "按 URL 子串过滤摘要")
	sessionsCmd.Flags().StringVar(&sessionsMethod, "method", "", "按请求方法过滤摘要")
	sessionsCmd.Flags().IntVar(&sessionsStatus, "status", 0, "按响应状态码过滤摘要")

	redactCmd := &cobra.Command{
		Use:   "redact <archive.json>",
		Short: "脱敏归档中的敏感头部",
		Args:  cobra.ExactArgs(1),
		RunE:  runRedact,
	}
	redactCmd.Flags().StringSliceVar(&redactHeaders, "header", []string{"authorization", "cookie", "set-cookie"}, "需要脱敏的头部名（可重复）")
	redactCmd.Flags().StringVarP(&redactOutput, "output", "o", "", "输出路径（默认原地覆盖）")

	rootCmd.AddCommand(captureCmd, showCmd, sessionsCmd, redactCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runCapture 录制主流程：获取浏览器 -> 录制 -> 归档 -> 建索引
func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer})

	runID := uuid.NewString()
	name := captureName
	if name == "" {
		name = runID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := session.New(cfg.SessionConfig(), log)
	if err != nil {
		return err
	}
	handle, err := mgr.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Close(closeCtx)
	}()

	recorder := capture.NewRecorder(handle.Client, name, cfg.CaptureConfig(), log)
	if err := recorder.Start(ctx); err != nil {
		return err
	}

	if captureURL != "" {
		if _, err := handle.Client.Page.Navigate(ctx, page.NewNavigateArgs(captureURL)); err != nil {
			log.Err(err, "导航失败，继续录制", "url", captureURL)
		}
	}

	// 录到时长用尽或收到退出信号为止
	if captureDuration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(captureDuration):
		}
	} else {
		log.Info("录制中，Ctrl+C 结束", "run", runID)
		<-ctx.Done()
	}

	sess := recorder.Stop()

	outPath := captureOutput
	if outPath == "" {
		outPath = filepath.Join(cfg.Capture.OutputDir, runID+".json")
	}
	if err := traffic.WriteFile(sess, outPath); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	log.Info("会话归档已写入", "path", outPath, "messages", len(sess.Messages))

	if err := indexSession(cfg, log, runID, outPath, sess); err != nil {
		// 索引失败不影响归档文件
		log.Err(err, "会话索引写入失败")
	}

	fmt.Printf("captured %d messages (%d responses) -> %s\n",
		len(sess.Messages), sess.ResponseCount(), outPath)
	return nil
}

// indexSession 把会话索引与逐条摘要写入 SQLite
func indexSession(cfg *config.Config, log logger.Logger, runID, path string, sess *traffic.Session) error {
	gdb, err := db.New(db.Options{
		Name:   cfg.Sqlite.Db,
		Prefix: cfg.Sqlite.Prefix,
		Logger: db.NewLogger(log),
	})
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb, &model.SessionRecord{}, &model.ExchangeRecord{}); err != nil {
		return err
	}

	if err := repo.NewSessionRepo(gdb).Save(&model.SessionRecord{
		RunID:         runID,
		Name:          sess.Name,
		FilePath:      path,
		MessageCount:  len(sess.Messages),
		ResponseCount: sess.ResponseCount(),
		CreatedAt:     time.Now(),
	}); err != nil {
		return err
	}

	exchanges := repo.NewExchangeRepo(gdb, repo.ExchangeRepoOptions{})
	for _, msg := range sess.Messages {
		exchanges.Record(runID, msg)
	}
	exchanges.Stop()

	if cfg.Sqlite.RetentionDays > 0 {
		removed, err := exchanges.CleanupOldExchanges(cfg.Sqlite.RetentionDays)
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Info("过期摘要已清理", "retentionDays", cfg.Sqlite.RetentionDays, "removed", removed)
		}
	}
	return nil
}

// runShow 渲染归档文件
func runShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	if showSummary {
		messages, responses := traffic.PeekCounts(data)
		fmt.Printf("session: %s\nmessages: %d\nresponses: %d\n",
			traffic.PeekName(data), messages, responses)
		return nil
	}

	sess, err := traffic.UnmarshalDurable(data)
	if err != nil {
		return err
	}
	fmt.Println(sess.Render())
	return nil
}

// runSessions 列出数据库中的会话索引，带过滤条件时转为查询逐条摘要
func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gdb, err := db.New(db.Options{
		Name:   cfg.Sqlite.Db,
		Prefix: cfg.Sqlite.Prefix,
		Logger: db.NewLogger(logger.Nop()),
	})
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb, &model.SessionRecord{}, &model.ExchangeRecord{}); err != nil {
		return err
	}

	if sessionsRun != "" || sessionsURL != "" || sessionsMethod != "" || sessionsStatus != 0 {
		return listExchanges(gdb)
	}

	recs, err := repo.NewSessionRepo(gdb).List(50)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-20s  %4d msgs  %4d resps  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.Name, rec.MessageCount, rec.ResponseCount, rec.FilePath)
	}
	return nil
}

// listExchanges 按条件查询摘要行并打印
func listExchanges(gdb *gorm.DB) error {
	exchanges := repo.NewExchangeRepo(gdb, repo.ExchangeRepoOptions{})
	defer exchanges.Stop()

	recs, total, err := exchanges.Query(repo.QueryOptions{
		RunID:      sessionsRun,
		URL:        sessionsURL,
		Method:     sessionsMethod,
		StatusCode: sessionsStatus,
	})
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("no exchanges matched")
		return nil
	}
	for _, rec := range recs {
		status := fmt.Sprintf("%3d", rec.StatusCode)
		if rec.StatusCode == 0 {
			status = "  -"
		}
		fmt.Printf("%s  %-8s  %s  %-7s  %s\n",
			time.UnixMilli(rec.Timestamp).Format("2006-01-02 15:04:05"),
			rec.RunID[:min(8, len(rec.RunID))], status, rec.Method, rec.URL)
	}
	fmt.Printf("%d of %d exchanges\n", len(recs), total)
	return nil
}

// runRedact 脱敏归档中的指定头部
func runRedact(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	out, err := traffic.RedactHeaders(data, redactHeaders)
	if err != nil {
		return err
	}

	target := redactOutput
	if target == "" {
		target = args[0]
	}
	if err := os.WriteFile(target, out, 0o644); err != nil {
		return err
	}
	fmt.Printf("redacted %v -> %s\n", redactHeaders, target)
	return nil
}
