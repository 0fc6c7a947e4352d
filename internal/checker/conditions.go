package checker

import (
	"context"
	"fmt"
	"math/big"

	xerrors "ChainKeeper/internal/errors"
)

// 求值结果为否时的标准原因说明。
const (
	ReasonTimeNotElapsed = "Time not elapsed"
	ReasonGasTooHigh     = "Gas price too high"
	ReasonNothingDue     = "No executable condition"
)

// DefaultTimeField 是约定俗成的上次执行时间字段名。
const DefaultTimeField = "lastExecuted"

// Condition 对链上状态快照做一次布尔判断。
type Condition interface {
	// Cost 返回单次判断消耗的预算单位。
	Cost() uint64
	// Check 返回条件是否成立；不成立时附带原因说明。
	Check(state ChainState) (bool, string, error)
}

// PayloadFunc 在条件成立后构建执行载荷。
type PayloadFunc func(state ChainState) ([]byte, error)

// Rule 将一个条件与其命中时的执行载荷绑定。
type Rule struct {
	Condition Condition
	Payload   PayloadFunc
}

// TimeElapsed 判断距离上次执行是否已经过了指定的时间间隔。
// 边界取闭区间：elapsed 恰好等于阈值视为满足。
type TimeElapsed struct {
	Field     string
	Threshold int64
}

// Cost 实现 Condition。
func (c TimeElapsed) Cost() uint64 { return 2 }

// Check 实现 Condition。
func (c TimeElapsed) Check(state ChainState) (bool, string, error) {
	field := c.Field
	if field == "" {
		field = DefaultTimeField
	}
	last, ok := state.Field(field)
	if !ok {
		return false, "", xerrors.New(CodeStateIncomplete,
			fmt.Sprintf("快照缺少字段 %s", field))
	}
	elapsed := state.Now - last.Int64()
	if elapsed >= c.Threshold {
		return true, "", nil
	}
	return false, ReasonTimeNotElapsed, nil
}

// SubTargetElapsed 对指定子目标应用与 TimeElapsed 相同的判断。
type SubTargetElapsed struct {
	Index     int
	Field     string
	Threshold int64
}

// Cost 实现 Condition。
func (c SubTargetElapsed) Cost() uint64 { return 2 }

// Check 实现 Condition。
func (c SubTargetElapsed) Check(state ChainState) (bool, string, error) {
	if c.Index < 0 || c.Index >= len(state.SubTargets) {
		return false, "", xerrors.New(CodeStateIncomplete,
			fmt.Sprintf("快照缺少第 %d 个子目标", c.Index))
	}
	field := c.Field
	if field == "" {
		field = DefaultTimeField
	}
	last, ok := state.SubTargets[c.Index].Fields[field]
	if !ok {
		return false, "", xerrors.New(CodeStateIncomplete,
			fmt.Sprintf("子目标 %d 缺少字段 %s", c.Index, field))
	}
	if state.Now-last.Int64() >= c.Threshold {
		return true, "", nil
	}
	return false, ReasonTimeNotElapsed, nil
}

// 各求值步骤的预算开销。
const (
	costGasGuard    uint64 = 1
	costBuildResult uint64 = 5
)

// Resolver 是内置的 Checker 实现：先做 gas 价格防护，
// 再按声明顺序逐条判断规则，第一条成立的规则决定执行载荷，
// 其后的规则不再求值。
type Resolver struct {
	// GasCeiling 为 gas 价格上限（wei），为 nil 时不做防护。
	GasCeiling *big.Int
	Rules      []Rule
}

var _ Checker = (*Resolver)(nil)

// Evaluate 实现 Checker。
func (r *Resolver) Evaluate(ctx context.Context, budget *Budget, state ChainState) (ExecutionDecision, error) {
	if r == nil {
		return ExecutionDecision{}, xerrors.New(xerrors.CodeInitializationFailure, "resolver 未初始化")
	}

	if r.GasCeiling != nil {
		if err := budget.Charge(costGasGuard); err != nil {
			return ExecutionDecision{}, err
		}
		if state.GasPrice != nil && state.GasPrice.Cmp(r.GasCeiling) > 0 {
			return Skip(ReasonGasTooHigh), nil
		}
	}

	reason := ""
	for _, rule := range r.Rules {
		select {
		case <-ctx.Done():
			return ExecutionDecision{}, ctx.Err()
		default:
		}
		if rule.Condition == nil {
			continue
		}
		if err := budget.Charge(rule.Condition.Cost()); err != nil {
			return ExecutionDecision{}, err
		}
		ok, ruleReason, err := rule.Condition.Check(state)
		if err != nil {
			return ExecutionDecision{}, err
		}
		if !ok {
			if reason == "" {
				reason = ruleReason
			}
			continue
		}
		if err := budget.Charge(costBuildResult); err != nil {
			return ExecutionDecision{}, err
		}
		if rule.Payload == nil {
			return ExecutionDecision{}, xerrors.New(CodePayloadEncoding, "规则缺少载荷构造器")
		}
		payload, err := rule.Payload(state)
		if err != nil {
			return ExecutionDecision{}, xerrors.Wrap(CodePayloadEncoding, err, "构建执行载荷失败")
		}
		return Execute(payload), nil
	}

	if reason == "" {
		reason = ReasonNothingDue
	}
	return Skip(reason), nil
}
