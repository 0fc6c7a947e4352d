package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainKeeper/internal/checker"
	xerrors "ChainKeeper/internal/errors"
	"ChainKeeper/internal/web3"
	"ChainKeeper/pkg/logger"
)

// 执行模式
const (
	ExecutorModeDryRun = "dry_run"
	ExecutorModeChain  = "chain"
)

// ChainResolver 根据链名称选择链客户端。
type ChainResolver interface {
	Client(name string) (web3.Client, bool)
}

// ExecutionReceipt 记录一次执行提交的结果。
type ExecutionReceipt struct {
	TxHash      string
	Mode        string
	SubmittedAt int64
}

// Executor 把命中的判定结果提交上链。
type Executor interface {
	Execute(ctx context.Context, task *Task, decision checker.ExecutionDecision) (ExecutionReceipt, error)
}

// DryRunExecutor 只记录日志不上链，用于测试和观察模式。
type DryRunExecutor struct{}

// Execute 实现 Executor 接口。
func (DryRunExecutor) Execute(_ context.Context, task *Task, decision checker.ExecutionDecision) (ExecutionReceipt, error) {
	logger.Audit().Info("dry run 执行",
		slog.String("task_id", task.ID),
		slog.String("target", task.TargetAddress),
		slog.Int("payload_bytes", len(decision.Payload)),
	)
	return ExecutionReceipt{Mode: ExecutorModeDryRun, SubmittedAt: time.Now().Unix()}, nil
}

// ChainExecutor 通过链客户端签名并广播执行交易。
type ChainExecutor struct {
	chains ChainResolver
}

// NewChainExecutor 创建 ChainExecutor。
func NewChainExecutor(chains ChainResolver) *ChainExecutor {
	return &ChainExecutor{chains: chains}
}

// Execute 实现 Executor 接口。
func (e *ChainExecutor) Execute(ctx context.Context, task *Task, decision checker.ExecutionDecision) (ExecutionReceipt, error) {
	if e == nil || e.chains == nil {
		return ExecutionReceipt{}, xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}
	client, ok := e.chains.Client(task.ChainName)
	if !ok {
		return ExecutionReceipt{}, xerrors.New(xerrors.CodeChainFailure, "未找到链客户端: "+task.ChainName)
	}
	target := common.HexToAddress(task.TargetAddress)
	hash, err := client.SubmitCall(ctx, target, decision.Payload)
	if err != nil {
		return ExecutionReceipt{}, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "提交执行交易失败")
	}
	logger.Audit().Info("执行交易已广播",
		slog.String("task_id", task.ID),
		slog.String("chain", client.Name()),
		slog.String("tx_hash", hash.Hex()),
	)
	return ExecutionReceipt{
		TxHash:      hash.Hex(),
		Mode:        ExecutorModeChain,
		SubmittedAt: time.Now().Unix(),
	}, nil
}

var (
	_ Executor = DryRunExecutor{}
	_ Executor = (*ChainExecutor)(nil)
)
