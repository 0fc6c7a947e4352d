package task

import (
	"context"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"ChainKeeper/internal/checker"
	"ChainKeeper/internal/storage/mysql"
	"ChainKeeper/internal/web3"
)

// fakeChain 以固定数据实现 web3.Client，供处理器测试使用。
type fakeChain struct {
	name     string
	reading  web3.ChainReading
	counters map[common.Address]*big.Int
}

func (f *fakeChain) Name() string { return f.name }

func (f *fakeChain) Snapshot(context.Context) (web3.ChainReading, error) {
	return f.reading, nil
}

func (f *fakeChain) ReadCounter(_ context.Context, contract common.Address, _ string) (*big.Int, error) {
	if value, ok := f.counters[contract]; ok {
		return value, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) SubmitCall(context.Context, common.Address, []byte) (common.Hash, error) {
	return common.HexToHash("0xfeed"), nil
}

func (f *fakeChain) SubscribeLogs(context.Context, gethcore.FilterQuery) (*web3.LogSubscription, error) {
	return nil, context.Canceled
}

func (f *fakeChain) Close() {}

type fakeChains map[string]web3.Client

func (f fakeChains) Client(name string) (web3.Client, bool) {
	client, ok := f[name]
	return client, ok
}

const processorTarget = "0x00000000000000000000000000000000000000AA"

func newProcessorFixture(t *testing.T, lastExecutedOffset int64, budgetUnits uint64) (*Processor, *MemoryStore, *mysql.MemoryDecisionRepository, *Task) {
	t.Helper()

	now := uint64(time.Now().Unix())
	chain := &fakeChain{
		name: "local",
		reading: web3.ChainReading{
			ChainID:     big.NewInt(1337),
			BlockNumber: 100,
			BlockTime:   now,
			GasPrice:    big.NewInt(50),
		},
		counters: map[common.Address]*big.Int{
			common.HexToAddress(processorTarget): big.NewInt(int64(now) - lastExecutedOffset),
		},
	}

	store := NewMemoryStore()
	item := &Task{
		ID:            "task-1",
		Name:          "harvest",
		ChainName:     "local",
		TargetAddress: processorTarget,
		Trigger:       Trigger{Type: TriggerInterval, IntervalSeconds: 60},
		Checker: CheckerSpec{
			IntervalSeconds: 180,
			ExecABI:         testExecABI,
			ExecMethod:      "exec",
			GasCeilingWei:   "80",
			BudgetUnits:     budgetUnits,
		},
		Status: StatusActive,
	}
	if err := store.Create(context.Background(), item); err != nil {
		t.Fatalf("create task: %v", err)
	}

	decisions, err := mysql.NewMemoryDecisionRepository(t.TempDir())
	if err != nil {
		t.Fatalf("create decision repository: %v", err)
	}

	processor := NewProcessor(store, nil, NewMemoryQueue(16), fakeChains{"local": chain}, DryRunExecutor{},
		WithDecisionRepository(decisions),
	)
	return processor, store, decisions, item
}

func TestProcessorExecutesDueTask(t *testing.T) {
	processor, store, decisions, item := newProcessorFixture(t, 200, 0)
	ctx := context.Background()

	if err := processor.Handle(ctx, EvalRequest{TaskID: item.ID, Trigger: "interval"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Evaluations != 1 || got.Executions != 1 {
		t.Fatalf("unexpected counters: evals=%d execs=%d", got.Evaluations, got.Executions)
	}

	records, err := decisions.ListByTask(ctx, item.ID, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(records))
	}
	if !records[0].CanExec {
		t.Fatalf("expected executable decision: %+v", records[0])
	}
	want, err := checker.EncodeCall(testExecABI, "exec")
	if err != nil {
		t.Fatalf("encode expected payload: %v", err)
	}
	if records[0].PayloadHex != common.Bytes2Hex(want) {
		t.Fatalf("unexpected payload: %s", records[0].PayloadHex)
	}
}

func TestProcessorSkipsWhenNotElapsed(t *testing.T) {
	processor, store, decisions, item := newProcessorFixture(t, 50, 0)
	ctx := context.Background()

	if err := processor.Handle(ctx, EvalRequest{TaskID: item.ID, Trigger: "interval"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Executions != 0 {
		t.Fatalf("expected no executions, got %d", got.Executions)
	}
	if got.LastReason != checker.ReasonTimeNotElapsed {
		t.Fatalf("unexpected reason: %q", got.LastReason)
	}

	records, err := decisions.ListByTask(ctx, item.ID, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(records) != 1 || records[0].CanExec {
		t.Fatalf("unexpected decision: %+v", records)
	}
}

func TestProcessorPausesOnBudgetExhaustion(t *testing.T) {
	processor, store, decisions, item := newProcessorFixture(t, 200, 2)
	ctx := context.Background()

	// 预算耗尽不算可重试错误，Handle 应当吞掉错误避免重投。
	if err := processor.Handle(ctx, EvalRequest{TaskID: item.ID, Trigger: "interval"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPaused {
		t.Fatalf("expected task paused, got %s", got.Status)
	}
	if got.ErrorCode != string(checker.CodeBudgetExceeded) {
		t.Fatalf("unexpected error code: %q", got.ErrorCode)
	}

	records, err := decisions.ListByTask(ctx, item.ID, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(records) != 1 || records[0].ErrorCode != string(checker.CodeBudgetExceeded) {
		t.Fatalf("unexpected decision: %+v", records)
	}
}

func TestProcessorSkipsInactiveTask(t *testing.T) {
	processor, store, _, item := newProcessorFixture(t, 200, 0)
	ctx := context.Background()

	if _, err := store.UpdateStatus(ctx, item.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := processor.Handle(ctx, EvalRequest{TaskID: item.ID, Trigger: "interval"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Evaluations != 0 {
		t.Fatalf("expected no evaluations, got %d", got.Evaluations)
	}
}

func TestProcessorUnknownTaskIsDropped(t *testing.T) {
	processor, _, _, _ := newProcessorFixture(t, 200, 0)
	if err := processor.Handle(context.Background(), EvalRequest{TaskID: "ghost", Trigger: "interval"}); err != nil {
		t.Fatalf("expected unknown task to be dropped, got %v", err)
	}
}
