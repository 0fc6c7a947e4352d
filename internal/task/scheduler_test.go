package task

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainKeeper/internal/web3"
)

// steppingChain 每次快照区块高度前进一格，用于验证区块触发节奏。
type steppingChain struct {
	fakeChain
	block atomic.Uint64
}

func (c *steppingChain) Snapshot(context.Context) (web3.ChainReading, error) {
	reading := c.reading
	reading.BlockNumber = c.block.Add(1)
	return reading, nil
}

func newSchedulerFixture(t *testing.T, trigger Trigger) (*Scheduler, *MemoryStore, *MemoryQueue, *Task) {
	t.Helper()

	chain := &fakeChain{
		name: "local",
		reading: web3.ChainReading{
			ChainID:     big.NewInt(1337),
			BlockNumber: 100,
			BlockTime:   uint64(time.Now().Unix()),
			GasPrice:    big.NewInt(50),
		},
		counters: map[common.Address]*big.Int{},
	}

	store := NewMemoryStore()
	item := newInMemoryTask("sched-1", "local", StatusActive)
	item.Trigger = trigger
	if err := store.Create(context.Background(), item); err != nil {
		t.Fatalf("create task: %v", err)
	}

	queue := NewMemoryQueue(16)
	scheduler := NewScheduler(store, queue, fakeChains{"local": chain},
		WithSyncInterval(50*time.Millisecond),
		WithBlockPollInterval(10*time.Millisecond),
	)
	return scheduler, store, queue, item
}

func TestSchedulerPublishesOnNewBlock(t *testing.T) {
	scheduler, _, queue, item := newSchedulerFixture(t, Trigger{Type: TriggerBlock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = scheduler.Start(ctx)
	}()

	select {
	case req := <-queue.ch:
		if req.TaskID != item.ID {
			t.Fatalf("unexpected task id: %s", req.TaskID)
		}
		if req.Trigger != string(TriggerBlock) {
			t.Fatalf("unexpected trigger: %s", req.Trigger)
		}
		if req.BlockNumber != 100 {
			t.Fatalf("unexpected block number: %d", req.BlockNumber)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an evaluation request for the new block")
	}
}

func TestSchedulerPublishesOnInterval(t *testing.T) {
	scheduler, _, queue, item := newSchedulerFixture(t, Trigger{Type: TriggerInterval, IntervalSeconds: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = scheduler.Start(ctx)
	}()

	select {
	case req := <-queue.ch:
		if req.TaskID != item.ID || req.Trigger != string(TriggerInterval) {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected an evaluation request from the interval trigger")
	}
}

func TestSchedulerStopsLoopWhenTaskPaused(t *testing.T) {
	scheduler, store, _, item := newSchedulerFixture(t, Trigger{Type: TriggerInterval, IntervalSeconds: 3600})
	t.Cleanup(scheduler.stopAll)
	ctx := context.Background()

	scheduler.sync(ctx)
	scheduler.mu.Lock()
	running := len(scheduler.running)
	scheduler.mu.Unlock()
	if running != 1 {
		t.Fatalf("expected 1 running loop, got %d", running)
	}

	if _, err := store.UpdateStatus(ctx, item.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	scheduler.sync(ctx)
	scheduler.mu.Lock()
	running = len(scheduler.running)
	scheduler.mu.Unlock()
	if running != 0 {
		t.Fatalf("expected loop to stop after pause, got %d", running)
	}
}

func TestSchedulerBlockTriggerHonorsStride(t *testing.T) {
	chain := &steppingChain{fakeChain: fakeChain{
		name: "local",
		reading: web3.ChainReading{
			ChainID:  big.NewInt(1337),
			GasPrice: big.NewInt(50),
		},
	}}

	store := NewMemoryStore()
	item := newInMemoryTask("stride-1", "local", StatusActive)
	item.Trigger = Trigger{Type: TriggerBlock, EveryBlocks: 3}
	if err := store.Create(context.Background(), item); err != nil {
		t.Fatalf("create task: %v", err)
	}

	queue := NewMemoryQueue(16)
	scheduler := NewScheduler(store, queue, fakeChains{"local": chain},
		WithSyncInterval(50*time.Millisecond),
		WithBlockPollInterval(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = scheduler.Start(ctx)
	}()

	var published []uint64
	for len(published) < 2 {
		select {
		case req := <-queue.ch:
			published = append(published, req.BlockNumber)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 requests, got %v", published)
		}
	}
	if published[0] != 1 {
		t.Fatalf("first request should fire on first observed block, got %d", published[0])
	}
	if published[1] != 4 {
		t.Fatalf("second request should wait 3 blocks, got %d", published[1])
	}
}

func TestSchedulerSyncsBeyondSinglePage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const total = 150
	for i := 0; i < total; i++ {
		item := newInMemoryTask(fmt.Sprintf("bulk-%03d", i), "local", StatusActive)
		item.Trigger = Trigger{Type: TriggerInterval, IntervalSeconds: 3600}
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
	}

	scheduler := NewScheduler(store, NewMemoryQueue(16), fakeChains{})
	t.Cleanup(scheduler.stopAll)

	scheduler.sync(ctx)
	scheduler.mu.Lock()
	running := len(scheduler.running)
	scheduler.mu.Unlock()
	if running != total {
		t.Fatalf("expected %d running loops, got %d", total, running)
	}
}

func TestSchedulerRestartsLoopOnTriggerChange(t *testing.T) {
	scheduler, store, _, item := newSchedulerFixture(t, Trigger{Type: TriggerInterval, IntervalSeconds: 3600})
	t.Cleanup(scheduler.stopAll)
	ctx := context.Background()

	scheduler.sync(ctx)
	scheduler.mu.Lock()
	before := scheduler.running[item.ID].fingerprint
	scheduler.mu.Unlock()

	store.mu.Lock()
	store.tasks[item.ID].Trigger.IntervalSeconds = 7200
	store.mu.Unlock()

	scheduler.sync(ctx)
	scheduler.mu.Lock()
	after := scheduler.running[item.ID].fingerprint
	scheduler.mu.Unlock()
	if before == after {
		t.Fatalf("expected fingerprint to change after trigger update")
	}
}
