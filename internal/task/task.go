package task

import (
	stdErrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ChainKeeper/internal/checker"
	xerrors "ChainKeeper/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDisabled Status = "disabled"
)

// CheckerSpec 描述一个任务的判定配置：何时到期、gas 上限、
// 命中后要打包的执行方法，以及可选的一组子目标合约。
type CheckerSpec struct {
	TimeField       string   `json:"time_field,omitempty"`
	IntervalSeconds int64    `json:"interval_seconds"`
	GasCeilingWei   string   `json:"gas_ceiling_wei,omitempty"`
	ExecABI         string   `json:"exec_abi"`
	ExecMethod      string   `json:"exec_method"`
	SubTargets      []string `json:"sub_targets,omitempty"`
	BudgetUnits     uint64   `json:"budget_units,omitempty"`
}

// Validate 检查判定配置是否完整。
func (s CheckerSpec) Validate() error {
	if s.IntervalSeconds <= 0 {
		return xerrors.New(CodeTaskValidation, "判定间隔必须大于 0")
	}
	if strings.TrimSpace(s.ExecABI) == "" || strings.TrimSpace(s.ExecMethod) == "" {
		return xerrors.New(CodeTaskValidation, "缺少执行方法的 ABI 定义")
	}
	if ceiling := strings.TrimSpace(s.GasCeilingWei); ceiling != "" {
		if _, ok := new(big.Int).SetString(ceiling, 10); !ok {
			return xerrors.New(CodeTaskValidation, "gas 上限必须是十进制整数")
		}
	}
	for _, target := range s.SubTargets {
		if !common.IsHexAddress(target) {
			return xerrors.New(CodeTaskValidation, "子目标地址格式不正确: "+target)
		}
	}
	return nil
}

// BuildResolver 根据判定配置构建内置 Resolver。
// 配置了子目标时按声明顺序轮询，命中的子目标地址作为执行参数；
// 否则对目标合约本身做到期判断，执行方法不带参数。
func (s CheckerSpec) BuildResolver() (*checker.Resolver, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	resolver := &checker.Resolver{}
	if ceiling := strings.TrimSpace(s.GasCeilingWei); ceiling != "" {
		value, _ := new(big.Int).SetString(ceiling, 10)
		resolver.GasCeiling = value
	}

	if len(s.SubTargets) > 0 {
		for i := range s.SubTargets {
			resolver.Rules = append(resolver.Rules, checker.Rule{
				Condition: checker.SubTargetElapsed{
					Index:     i,
					Field:     s.TimeField,
					Threshold: s.IntervalSeconds,
				},
				Payload: checker.SubTargetPayload(s.ExecABI, s.ExecMethod, i),
			})
		}
		return resolver, nil
	}

	resolver.Rules = append(resolver.Rules, checker.Rule{
		Condition: checker.TimeElapsed{
			Field:     s.TimeField,
			Threshold: s.IntervalSeconds,
		},
		Payload: checker.CallPayload(s.ExecABI, s.ExecMethod),
	})
	return resolver, nil
}

// SubTargetAddresses 返回解析后的子目标地址列表。
func (s CheckerSpec) SubTargetAddresses() []common.Address {
	if len(s.SubTargets) == 0 {
		return nil
	}
	addrs := make([]common.Address, 0, len(s.SubTargets))
	for _, raw := range s.SubTargets {
		addrs = append(addrs, common.HexToAddress(raw))
	}
	return addrs
}

// Task 描述一个注册在案的自动化任务：
// 触发器决定何时求值，判定配置决定是否执行以及执行什么。
type Task struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	ChainName       string      `json:"chain_name,omitempty"`
	TargetAddress   string      `json:"target_address"`
	Trigger         Trigger     `json:"trigger"`
	Checker         CheckerSpec `json:"checker"`
	Status          Status      `json:"status"`
	Evaluations     int64       `json:"evaluations"`
	Executions      int64       `json:"executions"`
	LastReason      string      `json:"last_reason,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	LastEvaluatedAt int64       `json:"last_evaluated_at,omitempty"`
	LastExecutedAt  int64       `json:"last_executed_at,omitempty"`
	CreatedAt       int64       `json:"created_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskInactive 表示任务未处于可求值状态。
	ErrTaskInactive = xerrors.New(CodeTaskInactive, "task is not active", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskInactive   xerrors.Code = "TASK_INACTIVE"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskEvaluation xerrors.Code = "TASK_EVALUATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskInactive, xerrors.Attributes{
		Message:   "task is not active",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish evaluation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskEvaluation, xerrors.Attributes{
		Message:   "task evaluation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsNotFound 判断错误是否表示任务不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrTaskNotFound)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusPaused, StatusDisabled:
		return true
	default:
		return false
	}
}
