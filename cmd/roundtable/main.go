// =============================================================================
// Roundtable 主入口
// =============================================================================
// 多 Agent 群聊回合编排器的命令行入口
//
// 使用方法:
//
//	roundtable chat                       # 启动交互式会话
//	roundtable chat --config config.yaml  # 指定配置文件
//	roundtable version                    # 显示版本信息
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/roundtable"
	"github.com/BaSui01/roundtable/config"
	"github.com/BaSui01/roundtable/orchestrator"
	"github.com/BaSui01/roundtable/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "chat":
		runChat(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 💬 chat 命令
// =============================================================================

func runChat(args []string) {
	// 解析命令行参数
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Agents) == 0 {
		fmt.Fprintln(os.Stderr, "No agents configured; add an agents section to the config file")
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting Roundtable",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// 组装编排器
	orch, err := roundtable.New(cfg,
		roundtable.WithLogger(logger),
		roundtable.WithSink(&consoleSink{}),
	)
	if err != nil {
		logger.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	// 可选的 Prometheus 指标端点
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics.Port, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runREPL(ctx, orch, logger)

	// 优雅关闭：等待后台标题/摘要任务收尾
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn("Background tasks did not finish in time", zap.Error(err))
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("Roundtable stopped")
}

// runREPL 逐行读取用户输入并运行回合，直到 EOF 或收到退出信号。
func runREPL(ctx context.Context, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Println("Roundtable ready. Type a message and press Enter (Ctrl-D to quit).")
	fmt.Print("> ")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		result, err := orch.RunTurn(ctx, line)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		case len(result.SilencedAgents) > 0:
			logger.Debug("Agents stayed silent this turn",
				zap.Strings("agents", result.SilencedAgents))
		}

		fmt.Print("> ")
	}

	if err := scanner.Err(); err != nil {
		logger.Error("Input read failed", zap.Error(err))
	}
}

// consoleSink 将会话事件直接打印到标准输出。
type consoleSink struct{}

func (s *consoleSink) AppendMessage(msg types.Message) {
	if msg.IsUser {
		return
	}
	fmt.Printf("\n[%s] %s\n", msg.SenderLabel, msg.RawText)
}

func (s *consoleSink) UpdateSummary(summary string) {
	fmt.Printf("\n(conversation summarized: %s)\n", summary)
}

func (s *consoleSink) UpdateTitle(title string) {
	fmt.Printf("\n(conversation titled: %s)\n", title)
}

// startMetricsServer 在独立端口暴露 /metrics。
func startMetricsServer(port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("Metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return srv
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("Roundtable %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Roundtable - Multi-Agent Conversation Orchestrator

Usage:
  roundtable <command> [options]

Commands:
  chat      Start an interactive conversation
  version   Show version information
  help      Show this help message

Options for 'chat':
  --config <path>   Path to configuration file (YAML)

Examples:
  roundtable chat
  roundtable chat --config /etc/roundtable/config.yaml
  roundtable version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	// 构建 logger
	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
