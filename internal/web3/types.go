package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainReading captures the ambient chain values a checker evaluation needs:
// the current block, its timestamp and the suggested gas price.
type ChainReading struct {
	ChainID     *big.Int
	BlockNumber uint64
	BlockTime   uint64
	GasPrice    *big.Int
}

// LogSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type LogSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewLogSubscription constructs a managed subscription wrapper.
func NewLogSubscription(logs <-chan types.Log, sub gethevent.Subscription) *LogSubscription {
	return &LogSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (s *LogSubscription) Logs() <-chan types.Log {
	return s.logs
}

// Err forwards the subscription error channel.
func (s *LogSubscription) Err() <-chan error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Err()
}

// Close terminates the subscription.
func (s *LogSubscription) Close() {
	if s == nil || s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
}

// Client defines the common interface that any chain implementation must
// provide so the scheduler, evaluator and executor can interact with
// different networks uniformly.
type Client interface {
	// Name returns the configured chain name.
	Name() string
	// Snapshot reads lightweight ambient chain state.
	Snapshot(ctx context.Context) (ChainReading, error)
	// ReadCounter performs a read-only call of a parameterless uint256
	// accessor (for example lastExecuted()) on the given contract.
	ReadCounter(ctx context.Context, contract common.Address, field string) (*big.Int, error)
	// SubmitCall signs and broadcasts a transaction carrying the provided
	// call data to the target contract.
	SubmitCall(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error)
	// SubscribeLogs attaches a log subscription used by event triggers.
	SubscribeLogs(ctx context.Context, query gethcore.FilterQuery) (*LogSubscription, error)
	Close()
}
