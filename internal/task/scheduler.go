package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "ChainKeeper/internal/errors"
	"ChainKeeper/pkg/logger"
)

// logStream 是事件触发所需的最小日志订阅能力。
type logStream interface {
	Logs() <-chan gethtypes.Log
	Err() <-chan error
	Close()
}

// Scheduler 周期性地从存储同步活跃任务，并为每个任务维护一个触发循环。
// 触发循环只负责把求值请求投递到队列，真正的求值由 Processor 完成。
type Scheduler struct {
	store        Store
	producer     Producer
	chains       ChainResolver
	syncInterval time.Duration
	blockPoll    time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]*triggerLoop
}

type triggerLoop struct {
	cancel      context.CancelFunc
	fingerprint string
	done        chan struct{}
}

// SchedulerOption 定义可选配置。
type SchedulerOption func(*Scheduler)

// WithSyncInterval 设置任务同步周期。
func WithSyncInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.syncInterval = interval
		}
	}
}

// WithBlockPollInterval 设置区块触发的轮询周期。
func WithBlockPollInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.blockPoll = interval
		}
	}
}

// WithSchedulerLogger 指定日志输出。
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler 构造 Scheduler。
func NewScheduler(store Store, producer Producer, chains ChainResolver, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        store,
		producer:     producer,
		chains:       chains,
		syncInterval: 30 * time.Second,
		blockPoll:    12 * time.Second,
		running:      make(map[string]*triggerLoop),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动调度循环，直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	s.sync(ctx)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync 对齐触发循环与存储中的活跃任务集合。
func (s *Scheduler) sync(ctx context.Context) {
	tasks, err := s.listActiveTasks(ctx)
	if err != nil {
		logger.L().Error("同步活跃任务失败", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		seen[task.ID] = struct{}{}
		fingerprint := triggerFingerprint(task)
		if loop, ok := s.running[task.ID]; ok {
			if loop.fingerprint == fingerprint {
				continue
			}
			// 触发配置变化，重启循环。
			loop.cancel()
			<-loop.done
			delete(s.running, task.ID)
		}
		s.launch(ctx, task, fingerprint)
	}

	for id, loop := range s.running {
		if _, ok := seen[id]; ok {
			continue
		}
		loop.cancel()
		<-loop.done
		delete(s.running, id)
		s.logDebug("停止触发循环", slog.String("task_id", id))
	}
}

// listActiveTasks 分页拉取全部活跃任务。存储层会把单页上限钳制在 100，
// 不翻页会漏掉超出首页的任务。
func (s *Scheduler) listActiveTasks(ctx context.Context) ([]*Task, error) {
	const pageSize = 100
	var tasks []*Task
	for offset := 0; ; offset += pageSize {
		page, err := s.store.List(ctx,
			WithStatuses(StatusActive),
			WithLimit(pageSize),
			WithOffset(offset),
		)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, page...)
		if len(page) < pageSize {
			return tasks, nil
		}
	}
}

func triggerFingerprint(task *Task) string {
	raw, err := json.Marshal(task.Trigger)
	if err != nil {
		return string(task.Trigger.Type)
	}
	return string(raw)
}

func (s *Scheduler) launch(parent context.Context, task *Task, fingerprint string) {
	loopCtx, cancel := context.WithCancel(parent)
	loop := &triggerLoop{cancel: cancel, fingerprint: fingerprint, done: make(chan struct{})}
	s.running[task.ID] = loop

	taskCopy := cloneTask(task)
	go func() {
		defer close(loop.done)
		s.runTrigger(loopCtx, taskCopy)
	}()
	s.logDebug("启动触发循环",
		slog.String("task_id", task.ID),
		slog.String("trigger", string(task.Trigger.Type)))
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, loop := range s.running {
		loop.cancel()
		<-loop.done
		delete(s.running, id)
	}
}

func (s *Scheduler) runTrigger(ctx context.Context, task *Task) {
	switch task.Trigger.Type {
	case TriggerInterval:
		s.runIntervalTrigger(ctx, task)
	case TriggerCron:
		s.runCronTrigger(ctx, task)
	case TriggerBlock:
		s.runBlockTrigger(ctx, task)
	case TriggerEvent:
		s.runEventTrigger(ctx, task)
	default:
		logger.L().Error("未知触发类型",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Trigger.Type)))
	}
}

func (s *Scheduler) runIntervalTrigger(ctx context.Context, task *Task) {
	interval := task.Trigger.Interval()
	if interval <= 0 {
		logger.L().Error("周期触发缺少间隔", slog.String("task_id", task.ID))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(ctx, task, EvalRequest{TaskID: task.ID, Trigger: string(TriggerInterval)})
		}
	}
}

func (s *Scheduler) runCronTrigger(ctx context.Context, task *Task) {
	for {
		next, err := task.Trigger.NextAfter(time.Now())
		if err != nil {
			logger.L().Error("计算 cron 触发时间失败",
				slog.Any("error", err),
				slog.String("task_id", task.ID))
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.publish(ctx, task, EvalRequest{TaskID: task.ID, Trigger: string(TriggerCron)})
		}
	}
}

func (s *Scheduler) runBlockTrigger(ctx context.Context, task *Task) {
	client, ok := s.chains.Client(task.ChainName)
	if !ok {
		logger.L().Error("区块触发未找到链客户端",
			slog.String("task_id", task.ID),
			slog.String("chain", task.ChainName))
		return
	}
	ticker := time.NewTicker(s.blockPoll)
	defer ticker.Stop()

	stride := task.Trigger.BlockStride()
	var fired bool
	var lastFired uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reading, err := client.Snapshot(ctx)
			if err != nil {
				logger.L().Error("区块触发读取链头失败",
					slog.Any("error", err),
					slog.String("task_id", task.ID))
				continue
			}
			// 首次观测即触发，之后每前进 stride 个区块触发一次。
			if fired && reading.BlockNumber < lastFired+stride {
				continue
			}
			fired = true
			lastFired = reading.BlockNumber
			s.publish(ctx, task, EvalRequest{
				TaskID:      task.ID,
				Trigger:     string(TriggerBlock),
				BlockNumber: reading.BlockNumber,
			})
		}
	}
}

func (s *Scheduler) runEventTrigger(ctx context.Context, task *Task) {
	client, ok := s.chains.Client(task.ChainName)
	if !ok {
		logger.L().Error("事件触发未找到链客户端",
			slog.String("task_id", task.ID),
			slog.String("chain", task.ChainName))
		return
	}

	query := gethcore.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(task.Trigger.EventAddress)},
	}
	if topic := strings.TrimSpace(task.Trigger.EventTopic); topic != "" {
		query.Topics = [][]common.Hash{{common.HexToHash(topic)}}
	}

	for {
		sub, err := client.SubscribeLogs(ctx, query)
		if err != nil {
			logger.L().Error("订阅合约日志失败",
				slog.Any("error", err),
				slog.String("task_id", task.ID))
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
				continue
			}
		}

		if !s.consumeLogs(ctx, task, sub) {
			return
		}
	}
}

// consumeLogs 消费日志直到订阅断开。返回 false 表示应当整体退出。
func (s *Scheduler) consumeLogs(ctx context.Context, task *Task, sub logStream) bool {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-sub.Err():
			logger.L().Warn("日志订阅断开，准备重连",
				slog.Any("error", err),
				slog.String("task_id", task.ID))
			return true
		case entry, ok := <-sub.Logs():
			if !ok {
				return true
			}
			s.publish(ctx, task, EvalRequest{
				TaskID:      task.ID,
				Trigger:     string(TriggerEvent),
				BlockNumber: entry.BlockNumber,
				TxHash:      entry.TxHash.Hex(),
			})
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, task *Task, req EvalRequest) {
	req.EnqueuedAt = time.Now().Unix()
	if err := s.producer.Publish(ctx, req); err != nil {
		logger.L().Error("投递求值请求失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("trigger", req.Trigger))
		return
	}
	s.logDebug("求值请求已投递",
		slog.String("task_id", task.ID),
		slog.String("trigger", req.Trigger))
}

func (s *Scheduler) logDebug(msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		s.logger.Debug(msg, args...)
	}
}
