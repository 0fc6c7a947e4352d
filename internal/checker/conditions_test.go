package checker

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const subExecABI = `[{"type":"function","name":"exec","inputs":[{"name":"target","type":"address"}],"outputs":[],"stateMutability":"nonpayable"}]`

// countingCondition 包装另一个条件并记录调用次数，用于验证短路。
type countingCondition struct {
	inner Condition
	calls int
}

func (c *countingCondition) Cost() uint64 { return c.inner.Cost() }

func (c *countingCondition) Check(state ChainState) (bool, string, error) {
	c.calls++
	return c.inner.Check(state)
}

func subTargetState(now int64, lastExecuted ...int64) ChainState {
	state := ChainState{
		Now:      now,
		GasPrice: big.NewInt(10),
		Fields:   FieldSet{},
	}
	for i, last := range lastExecuted {
		state.SubTargets = append(state.SubTargets, SubTarget{
			Address: common.BigToAddress(big.NewInt(int64(i + 1))),
			Fields:  FieldSet{DefaultTimeField: big.NewInt(last)},
		})
	}
	return state
}

func TestSubTargetIterationShortCircuits(t *testing.T) {
	const threshold = 180
	now := int64(1_700_000_500)
	// 第 0 个未到期，第 1 个到期，第 2 个也到期但不应被求值。
	state := subTargetState(now, now-10, now-300, now-400)

	conditions := make([]*countingCondition, len(state.SubTargets))
	resolver := &Resolver{}
	for i := range state.SubTargets {
		conditions[i] = &countingCondition{
			inner: SubTargetElapsed{Index: i, Threshold: threshold},
		}
		resolver.Rules = append(resolver.Rules, Rule{
			Condition: conditions[i],
			Payload:   SubTargetPayload(subExecABI, "exec", i),
		})
	}

	budget := NewBudget(0)
	decision, err := resolver.Evaluate(context.Background(), budget, state)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.CanExec {
		t.Fatalf("expected execution, got reason %q", decision.Reason)
	}

	want, err := EncodeCall(subExecABI, "exec", state.SubTargets[1].Address)
	if err != nil {
		t.Fatalf("encode reference payload: %v", err)
	}
	if string(decision.Payload) != string(want) {
		t.Fatalf("payload should target the first due sub-target")
	}

	if conditions[0].calls != 1 || conditions[1].calls != 1 {
		t.Fatalf("expected first two conditions evaluated once, got %d/%d",
			conditions[0].calls, conditions[1].calls)
	}
	if conditions[2].calls != 0 {
		t.Fatalf("later sub-target must not be evaluated, got %d calls", conditions[2].calls)
	}

	// 短路也应体现在预算消耗上：两次条件 + 一次载荷构建。
	wantSpent := conditions[0].Cost() + conditions[1].Cost() + costBuildResult
	if budget.Spent() != wantSpent {
		t.Fatalf("unexpected budget spend: got %d want %d", budget.Spent(), wantSpent)
	}
}

func TestSubTargetNoneDue(t *testing.T) {
	now := int64(1_700_000_500)
	state := subTargetState(now, now-10, now-20)

	resolver := &Resolver{}
	for i := range state.SubTargets {
		resolver.Rules = append(resolver.Rules, Rule{
			Condition: SubTargetElapsed{Index: i, Threshold: 180},
			Payload:   SubTargetPayload(subExecABI, "exec", i),
		})
	}

	decision, err := resolver.Evaluate(context.Background(), NewBudget(0), state)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.CanExec {
		t.Fatal("no sub-target is due, expected canExec=false")
	}
	if decision.Reason != ReasonTimeNotElapsed {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestTimeElapsedMissingField(t *testing.T) {
	cond := TimeElapsed{Field: "lastHarvest", Threshold: 60}
	state := ChainState{Now: 1_700_000_000, Fields: FieldSet{}}

	if _, _, err := cond.Check(state); err == nil {
		t.Fatal("expected error for missing snapshot field")
	}
}

func TestTimeElapsedDefaultsField(t *testing.T) {
	cond := TimeElapsed{Threshold: 60}
	state := ChainState{
		Now:    1_700_000_100,
		Fields: FieldSet{DefaultTimeField: big.NewInt(1_700_000_000)},
	}
	ok, reason, err := cond.Check(state)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatalf("expected condition satisfied, reason %q", reason)
	}
}
