package checker

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainKeeper/internal/errors"
)

// FieldSet 保存从合约读取的数值字段，例如时间戳与计数器。
type FieldSet map[string]*big.Int

// SubTarget 描述一个受同一任务管理的子目标合约及其字段快照。
type SubTarget struct {
	Address common.Address
	Fields  FieldSet
}

// ChainState 是一次求值所依据的链上状态快照。
// 快照由外部调用方构建，求值过程只读不写；每次求值都使用新的快照。
type ChainState struct {
	Now         int64
	BlockNumber uint64
	GasPrice    *big.Int
	Target      common.Address
	Fields      FieldSet
	SubTargets  []SubTarget
}

// Field 返回目标合约的指定字段。
func (s ChainState) Field(name string) (*big.Int, bool) {
	value, ok := s.Fields[name]
	return value, ok
}

// ExecutionDecision 是求值的结果。Payload 仅在 CanExec 为真时承载
// 可执行的调用数据；为假时 Payload 携带人类可读的原因说明。
type ExecutionDecision struct {
	CanExec bool   `json:"can_exec"`
	Payload []byte `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Execute 构造一个应当执行的判定结果。
func Execute(payload []byte) ExecutionDecision {
	return ExecutionDecision{CanExec: true, Payload: payload}
}

// Skip 构造一个不执行的判定结果，原因同时写入 Payload 以便外部执行器展示。
func Skip(reason string) ExecutionDecision {
	return ExecutionDecision{CanExec: false, Payload: []byte(reason), Reason: reason}
}

// Checker 给定链上状态快照，决定是否执行以及执行什么。
// 求值不得修改快照，必须在预算之内完成。
type Checker interface {
	Evaluate(ctx context.Context, budget *Budget, state ChainState) (ExecutionDecision, error)
}

const (
	// CodeBudgetExceeded 表示求值超出计算预算。
	CodeBudgetExceeded xerrors.Code = "CHECKER_BUDGET_EXCEEDED"
	// CodeStateIncomplete 表示快照缺少求值所需的字段。
	CodeStateIncomplete xerrors.Code = "CHECKER_STATE_INCOMPLETE"
	// CodePayloadEncoding 表示执行载荷编码失败。
	CodePayloadEncoding xerrors.Code = "CHECKER_PAYLOAD_ENCODING"
)

var (
	// ErrEvaluationTooExpensive 表示求值超出预算，直接上报不重试。
	ErrEvaluationTooExpensive = xerrors.New(CodeBudgetExceeded, "evaluation exceeded its budget")
)

func init() {
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:   "evaluation exceeded its budget",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeStateIncomplete, xerrors.Attributes{
		Message:   "chain state snapshot is incomplete",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodePayloadEncoding, xerrors.Attributes{
		Message:   "failed to encode execution payload",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// DefaultBudgetUnits 是未显式配置时的求值预算。
const DefaultBudgetUnits uint64 = 1000

// Budget 是单次求值的计算预算，类似链上的 gas limit。
// 每个条件判断和载荷编码都会扣减额度，耗尽后求值失败。
type Budget struct {
	limit uint64
	spent uint64
}

// NewBudget 创建预算实例。limit 为 0 时使用默认额度。
func NewBudget(limit uint64) *Budget {
	if limit == 0 {
		limit = DefaultBudgetUnits
	}
	return &Budget{limit: limit}
}

// Charge 扣减额度，超限时返回 ErrEvaluationTooExpensive。
func (b *Budget) Charge(units uint64) error {
	if b == nil {
		return nil
	}
	if b.spent+units > b.limit {
		b.spent = b.limit
		return ErrEvaluationTooExpensive
	}
	b.spent += units
	return nil
}

// Spent 返回已消耗的额度。
func (b *Budget) Spent() uint64 {
	if b == nil {
		return 0
	}
	return b.spent
}

// Remaining 返回剩余额度。
func (b *Budget) Remaining() uint64 {
	if b == nil {
		return 0
	}
	return b.limit - b.spent
}
