package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ChainKeeper/internal/api"
	"ChainKeeper/internal/config"
	"ChainKeeper/internal/observability/alerting"
	"ChainKeeper/internal/observability/metrics"
	"ChainKeeper/internal/storage/mysql"
	"ChainKeeper/internal/task"
	"ChainKeeper/internal/web3/provider"
	"ChainKeeper/pkg/logger"
)

// main 是 ChainKeeper 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("keeperd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("KEEPER_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "keeper.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	taskStore, err := buildTaskStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = taskStore.Close()
	}()

	decisionRepo, err := buildDecisionRepository(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = decisionRepo.Close()
	}()

	evalQueue, err := buildEvalQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := evalQueue.Close(); err != nil {
			logger.L().Error("关闭求值队列失败", slog.Any("error", err))
		}
	}()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	var executor task.Executor
	switch cfg.Executor.Mode {
	case "", task.ExecutorModeDryRun:
		executor = task.DryRunExecutor{}
	case task.ExecutorModeChain:
		executor = task.NewChainExecutor(chainRegistry)
	default:
		return fmt.Errorf("未知的执行模式: %s", cfg.Executor.Mode)
	}

	var alerter alerting.Dispatcher
	if strings.TrimSpace(cfg.Alerting.SlackWebhook) != "" {
		alerter = alerting.NewFanout(&alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSlackSender(cfg.Alerting.SlackWebhook),
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.EvalQueue.Worker),
		task.WithDefaultBudget(cfg.Checker.BudgetUnits),
		task.WithDecisionRepository(decisionRepo),
		task.WithProcessorLogger(logger.Named("processor")),
	}
	if alerter != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(alerter))
	}
	if raw := strings.TrimSpace(cfg.Checker.DefaultGasCeilingWei); raw != "" {
		ceiling, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return fmt.Errorf("无法解析默认 gas 上限: %s", raw)
		}
		processorOpts = append(processorOpts, task.WithDefaultGasCeiling(ceiling))
	}

	processor := task.NewProcessor(taskStore, evalQueue, evalQueue, chainRegistry, executor, processorOpts...)

	scheduler := task.NewScheduler(taskStore, evalQueue, chainRegistry,
		task.WithSyncInterval(time.Duration(cfg.Scheduler.SyncIntervalSeconds)*time.Second),
		task.WithBlockPollInterval(time.Duration(cfg.Scheduler.BlockPollSeconds)*time.Second),
		task.WithSchedulerLogger(logger.Named("scheduler")),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("求值处理器异常退出", slog.Any("error", err))
		}
	}()
	go func() {
		if err := scheduler.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度器异常退出", slog.Any("error", err))
		}
	}()
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	taskService := task.NewService(taskStore, evalQueue, decisionRepo)
	server := api.NewServer(cfg.Server.Address, taskService)

	logger.L().Info("keeperd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("executor_mode", cfg.Executor.Mode),
		slog.Int("workers", cfg.EvalQueue.Worker),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildTaskStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func buildDecisionRepository(ctx context.Context, cfg *config.Config, dataDir string) (mysql.DecisionRepository, error) {
	switch cfg.Storage.DecisionLog.Driver {
	case "", "memory":
		return mysql.NewMemoryDecisionRepository(dataDir)
	case "mysql":
		return mysql.NewSQLDecisionRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.DecisionLog.DSN,
			MaxOpenConns:    cfg.Storage.TaskStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.TaskStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.TaskStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.TaskStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func buildEvalQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.EvalQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.EvalQueue.Redis.Address,
			Password:  cfg.EvalQueue.Redis.Password,
			DB:        cfg.EvalQueue.Redis.DB,
			Queue:     cfg.EvalQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.EvalQueue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.EvalQueue.RabbitMQ.URL,
			Queue:      cfg.EvalQueue.RabbitMQ.Queue,
			Prefetch:   cfg.EvalQueue.RabbitMQ.Prefetch,
			Durable:    cfg.EvalQueue.RabbitMQ.Durable,
			AutoDelete: cfg.EvalQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.EvalQueue.Driver)
	}
}
