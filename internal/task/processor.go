package task

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainKeeper/internal/checker"
	xerrors "ChainKeeper/internal/errors"
	"ChainKeeper/internal/observability/alerting"
	"ChainKeeper/internal/observability/metrics"
	"ChainKeeper/internal/storage/mysql"
	"ChainKeeper/internal/web3"
	"ChainKeeper/pkg/logger"
)

// 构建链上快照时每次合约读取的预算开销。
const costStateRead = 1

// chainStateReader 是构建判定快照所需的最小链读取能力。
type chainStateReader interface {
	Name() string
	Snapshot(ctx context.Context) (web3.ChainReading, error)
	ReadCounter(ctx context.Context, contract common.Address, field string) (*big.Int, error)
}

// Processor 负责从队列消费求值请求，读取链上状态并交给判定器求值，
// 命中时交给执行器提交。
type Processor struct {
	store             Store
	consumer          Consumer
	producer          Producer
	chains            ChainResolver
	executor          Executor
	decisions         mysql.DecisionRepository
	workerCount       int
	defaultBudget     uint64
	defaultGasCeiling *big.Int
	logger            *slog.Logger
	alerter           alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithDefaultBudget 设置任务未指定时的求值预算。
func WithDefaultBudget(units uint64) ProcessorOption {
	return func(p *Processor) {
		if units > 0 {
			p.defaultBudget = units
		}
	}
}

// WithDefaultGasCeiling 设置任务未指定时的 gas 价格上限。
func WithDefaultGasCeiling(ceiling *big.Int) ProcessorOption {
	return func(p *Processor) {
		p.defaultGasCeiling = ceiling
	}
}

// WithDecisionRepository 配置判定历史落库。
func WithDecisionRepository(repo mysql.DecisionRepository) ProcessorOption {
	return func(p *Processor) {
		p.decisions = repo
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer Consumer, producer Producer, chains ChainResolver, executor Executor, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:         store,
		consumer:      consumer,
		producer:      producer,
		chains:        chains,
		executor:      executor,
		workerCount:   1,
		defaultBudget: checker.DefaultBudgetUnits,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动求值处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置求值消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条求值请求。
func (p *Processor) Handle(ctx context.Context, req EvalRequest) error {
	if p.store == nil || p.chains == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Get(ctx, req.TaskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			p.logDebug("跳过未知任务", slog.String("task_id", req.TaskID))
			return nil
		}
		logger.L().Error("读取任务失败", slog.Any("error", err), slog.String("task_id", req.TaskID))
		return err
	}
	if task.Status != StatusActive {
		p.logDebug("跳过非活跃任务",
			slog.String("task_id", task.ID),
			slog.String("status", string(task.Status)))
		return nil
	}

	client, ok := p.chains.Client(task.ChainName)
	if !ok {
		chainErr := xerrors.New(xerrors.CodeChainFailure, "未找到链客户端: "+task.ChainName)
		p.recordFailure(ctx, task, req, chainErr)
		return chainErr
	}

	resolver, err := task.Checker.BuildResolver()
	if err != nil {
		// 配置损坏的任务暂停而不是反复重试。
		p.quarantine(ctx, task, req, err, "invalid_checker")
		return nil
	}
	if resolver.GasCeiling == nil {
		resolver.GasCeiling = p.defaultGasCeiling
	}

	budgetUnits := task.Checker.BudgetUnits
	if budgetUnits == 0 {
		budgetUnits = p.defaultBudget
	}
	budget := checker.NewBudget(budgetUnits)

	state, err := p.buildState(ctx, client, task, budget)
	if err != nil {
		if stdErrors.Is(err, checker.ErrEvaluationTooExpensive) {
			p.handleBudgetExceeded(ctx, task, req, client.Name(), budget)
			return nil
		}
		p.recordFailure(ctx, task, req, err)
		return err
	}

	decision, err := resolver.Evaluate(ctx, budget, state)
	if err != nil {
		if stdErrors.Is(err, checker.ErrEvaluationTooExpensive) {
			p.handleBudgetExceeded(ctx, task, req, client.Name(), budget)
			return nil
		}
		p.recordFailure(ctx, task, req, err)
		return xerrors.Wrap(CodeTaskEvaluation, err, "任务求值失败")
	}

	evaluatedAt := time.Now().Unix()
	record := mysql.DecisionRecord{
		TaskID:      task.ID,
		ChainName:   client.Name(),
		CanExec:     decision.CanExec,
		Reason:      decision.Reason,
		CostUnits:   budget.Spent(),
		BlockNumber: state.BlockNumber,
		EvaluatedAt: evaluatedAt,
	}
	outcome := EvalOutcome{
		CanExec:     decision.CanExec,
		Reason:      decision.Reason,
		EvaluatedAt: evaluatedAt,
	}

	if !decision.CanExec {
		metrics.ObserveEvaluation(client.Name(), metrics.OutcomeSkip, budget.Spent())
		p.appendDecision(ctx, record)
		p.recordOutcome(ctx, task.ID, outcome)
		p.logDebug("任务未到执行条件",
			slog.String("task_id", task.ID),
			slog.String("reason", decision.Reason))
		return nil
	}

	record.PayloadHex = hex.EncodeToString(decision.Payload)
	receipt, execErr := p.executor.Execute(ctx, task, decision)
	if execErr != nil {
		metrics.ObserveEvaluation(client.Name(), metrics.OutcomeError, budget.Spent())
		record.ErrorCode = string(xerrors.CodeOf(execErr))
		record.Reason = execErr.Error()
		p.appendDecision(ctx, record)
		outcome.LastError = execErr.Error()
		outcome.ErrorCode = record.ErrorCode
		p.recordOutcome(ctx, task.ID, outcome)
		p.emitAlert(ctx, task, xerrors.CodeOf(execErr), execErr, "execute")
		return xerrors.Wrap(CodeTaskEvaluation, execErr, "提交执行失败")
	}

	metrics.ObserveEvaluation(client.Name(), metrics.OutcomeExecute, budget.Spent())
	record.TxHash = receipt.TxHash
	p.appendDecision(ctx, record)
	outcome.Executed = true
	outcome.ExecutedAt = receipt.SubmittedAt
	p.recordOutcome(ctx, task.ID, outcome)

	logger.Audit().Info("任务执行已提交",
		slog.String("task_id", task.ID),
		slog.String("chain", client.Name()),
		slog.String("mode", receipt.Mode),
		slog.String("tx_hash", receipt.TxHash),
		slog.Uint64("cost_units", budget.Spent()),
	)
	return nil
}

// buildState 读取链上快照与任务关心的状态字段。
func (p *Processor) buildState(ctx context.Context, client chainStateReader, task *Task, budget *checker.Budget) (checker.ChainState, error) {
	reading, err := client.Snapshot(ctx)
	if err != nil {
		return checker.ChainState{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取链快照失败")
	}

	now := int64(reading.BlockTime)
	if now == 0 {
		now = time.Now().Unix()
	}
	target := common.HexToAddress(task.TargetAddress)

	field := task.Checker.TimeField
	if field == "" {
		field = checker.DefaultTimeField
	}

	state := checker.ChainState{
		Now:         now,
		BlockNumber: reading.BlockNumber,
		GasPrice:    reading.GasPrice,
		Target:      target,
	}

	subAddrs := task.Checker.SubTargetAddresses()
	if len(subAddrs) == 0 {
		if err := budget.Charge(costStateRead); err != nil {
			return checker.ChainState{}, err
		}
		value, err := client.ReadCounter(ctx, target, field)
		if err != nil {
			return checker.ChainState{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取目标状态字段失败")
		}
		state.Fields = checker.FieldSet{field: value}
		return state, nil
	}

	state.SubTargets = make([]checker.SubTarget, 0, len(subAddrs))
	for _, addr := range subAddrs {
		if err := budget.Charge(costStateRead); err != nil {
			return checker.ChainState{}, err
		}
		value, err := client.ReadCounter(ctx, addr, field)
		if err != nil {
			return checker.ChainState{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取子目标状态字段失败")
		}
		state.SubTargets = append(state.SubTargets, checker.SubTarget{
			Address: addr,
			Fields:  checker.FieldSet{field: value},
		})
	}
	return state, nil
}

// handleBudgetExceeded 处理预算耗尽：任务暂停、落库并告警，不再重投。
func (p *Processor) handleBudgetExceeded(ctx context.Context, task *Task, req EvalRequest, chainName string, budget *checker.Budget) {
	metrics.ObserveEvaluation(chainName, metrics.OutcomeBudgetExceeded, budget.Spent())

	evaluatedAt := time.Now().Unix()
	p.appendDecision(ctx, mysql.DecisionRecord{
		TaskID:      task.ID,
		ChainName:   chainName,
		CanExec:     false,
		Reason:      checker.ErrEvaluationTooExpensive.Error(),
		ErrorCode:   string(checker.CodeBudgetExceeded),
		CostUnits:   budget.Spent(),
		EvaluatedAt: evaluatedAt,
	})
	p.recordOutcome(ctx, task.ID, EvalOutcome{
		Reason:      checker.ErrEvaluationTooExpensive.Error(),
		ErrorCode:   string(checker.CodeBudgetExceeded),
		LastError:   checker.ErrEvaluationTooExpensive.Error(),
		EvaluatedAt: evaluatedAt,
	})

	if _, err := p.store.UpdateStatus(ctx, task.ID, StatusPaused); err != nil {
		logger.L().Error("暂停超预算任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}

	logger.Audit().Warn("任务求值超出预算，已暂停",
		slog.String("task_id", task.ID),
		slog.String("trigger", req.Trigger),
		slog.Uint64("spent_units", budget.Spent()),
	)
	p.emitAlert(ctx, task, checker.CodeBudgetExceeded, checker.ErrEvaluationTooExpensive, "budget")
}

// quarantine 暂停配置异常的任务并告警。
func (p *Processor) quarantine(ctx context.Context, task *Task, req EvalRequest, cause error, stage string) {
	if _, err := p.store.UpdateStatus(ctx, task.ID, StatusPaused); err != nil {
		logger.L().Error("暂停异常任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	p.recordOutcome(ctx, task.ID, EvalOutcome{
		LastError:   cause.Error(),
		ErrorCode:   string(xerrors.CodeOf(cause)),
		EvaluatedAt: time.Now().Unix(),
	})
	logger.Audit().Warn("任务配置异常，已暂停",
		slog.String("task_id", task.ID),
		slog.String("trigger", req.Trigger),
		slog.String("error", cause.Error()),
	)
	p.emitAlert(ctx, task, xerrors.CodeOf(cause), cause, stage)
}

// recordFailure 记录一次求值失败，保留任务状态不变。
func (p *Processor) recordFailure(ctx context.Context, task *Task, req EvalRequest, cause error) {
	metrics.ObserveEvaluation(task.ChainName, metrics.OutcomeError, 0)
	p.recordOutcome(ctx, task.ID, EvalOutcome{
		LastError:   cause.Error(),
		ErrorCode:   string(xerrors.CodeOf(cause)),
		EvaluatedAt: time.Now().Unix(),
	})
	logger.L().Error("任务求值失败",
		slog.Any("error", cause),
		slog.String("task_id", task.ID),
		slog.String("trigger", req.Trigger),
	)
	if xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, task, xerrors.CodeOf(cause), cause, "evaluate")
	}
}

func (p *Processor) appendDecision(ctx context.Context, record mysql.DecisionRecord) {
	if p.decisions == nil {
		return
	}
	if err := p.decisions.Append(ctx, record); err != nil {
		logger.L().Error("写入判定历史失败",
			slog.Any("error", err),
			slog.String("task_id", record.TaskID))
	}
}

func (p *Processor) recordOutcome(ctx context.Context, taskID string, outcome EvalOutcome) {
	if err := p.store.RecordEvaluation(ctx, taskID, outcome); err != nil {
		logger.L().Error("回写求值结果失败",
			slog.Any("error", err),
			slog.String("task_id", taskID))
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		ChainName:  task.ChainName,
		Reason:     task.LastReason,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
