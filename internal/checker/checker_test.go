package checker

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const execABI = `[{"type":"function","name":"exec","inputs":[{"name":"value","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}]`

func newState(lastExecuted, now int64, gasPrice int64) ChainState {
	return ChainState{
		Now:         now,
		BlockNumber: 100,
		GasPrice:    big.NewInt(gasPrice),
		Target:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Fields: FieldSet{
			DefaultTimeField: big.NewInt(lastExecuted),
		},
	}
}

func newResolver(threshold int64, ceiling int64) *Resolver {
	return &Resolver{
		GasCeiling: big.NewInt(ceiling),
		Rules: []Rule{
			{
				Condition: TimeElapsed{Threshold: threshold},
				Payload:   CallPayload(execABI, "exec", big.NewInt(1)),
			},
		},
	}
}

func TestResolverTimeNotElapsed(t *testing.T) {
	resolver := newResolver(180, 80)
	state := newState(1_700_000_000, 1_700_000_050, 50)

	decision, err := resolver.Evaluate(context.Background(), NewBudget(0), state)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.CanExec {
		t.Fatalf("expected canExec=false, got %+v", decision)
	}
	if decision.Reason != ReasonTimeNotElapsed {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
	if string(decision.Payload) != ReasonTimeNotElapsed {
		t.Fatalf("payload should carry the reason, got %q", decision.Payload)
	}
}

func TestResolverExecutesWhenDue(t *testing.T) {
	resolver := newResolver(180, 80)
	state := newState(1_700_000_000, 1_700_000_181, 50)

	decision, err := resolver.Evaluate(context.Background(), NewBudget(0), state)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.CanExec {
		t.Fatalf("expected canExec=true, got reason %q", decision.Reason)
	}
	if len(decision.Payload) == 0 {
		t.Fatal("expected non-empty payload")
	}

	want, err := EncodeCall(execABI, "exec", big.NewInt(1))
	if err != nil {
		t.Fatalf("encode reference payload: %v", err)
	}
	if !bytes.Equal(decision.Payload, want) {
		t.Fatalf("unexpected payload: got %x want %x", decision.Payload, want)
	}
}

func TestResolverBoundaryIsInclusive(t *testing.T) {
	resolver := newResolver(180, 80)
	// elapsed 恰好等于阈值时应当执行。
	state := newState(1_700_000_000, 1_700_000_180, 50)

	decision, err := resolver.Evaluate(context.Background(), NewBudget(0), state)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.CanExec {
		t.Fatalf("elapsed == threshold should execute, got reason %q", decision.Reason)
	}
}

func TestResolverGasTooHigh(t *testing.T) {
	resolver := newResolver(180, 80)
	state := newState(1_700_000_000, 1_700_000_181, 90)

	decision, err := resolver.Evaluate(context.Background(), NewBudget(0), state)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.CanExec {
		t.Fatal("expected gas guard to block execution")
	}
	if decision.Reason != ReasonGasTooHigh {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestResolverBudgetExhaustion(t *testing.T) {
	resolver := newResolver(180, 80)
	state := newState(1_700_000_000, 1_700_000_181, 50)

	// gas 防护 1 + 条件 2 就会超出。
	_, err := resolver.Evaluate(context.Background(), NewBudget(2), state)
	if !errors.Is(err, ErrEvaluationTooExpensive) {
		t.Fatalf("expected ErrEvaluationTooExpensive, got %v", err)
	}
}

func TestBudgetCharge(t *testing.T) {
	budget := NewBudget(10)
	if err := budget.Charge(4); err != nil {
		t.Fatalf("charge within budget: %v", err)
	}
	if err := budget.Charge(6); err != nil {
		t.Fatalf("charge up to limit: %v", err)
	}
	if budget.Remaining() != 0 {
		t.Fatalf("expected no remaining budget, got %d", budget.Remaining())
	}
	if err := budget.Charge(1); !errors.Is(err, ErrEvaluationTooExpensive) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if budget.Spent() != 10 {
		t.Fatalf("unexpected spent: %d", budget.Spent())
	}
}
