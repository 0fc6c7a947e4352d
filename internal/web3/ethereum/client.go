package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"ChainKeeper/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name       string
	RPCURL     string
	WSURL      string
	PrivateKey string
	Notes      string
}

// chainBackend mirrors the subset of ethclient methods the keeper needs,
// so tests can substitute a stub backend.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	backend     chainBackend
	eventClient logSubscriber
	key         *ecdsa.PrivateKey
	from        common.Address

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		eth:         eth,
		backend:     eth,
		eventClient: eventClient,
	}

	if keyHex := strings.TrimSpace(cfg.PrivateKey); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("解析执行私钥失败: %w", err)
		}
		client.key = key
		client.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return client, nil
}

// NewStubClient wires a client around an in-process backend for testing.
func NewStubClient(name string, backend chainBackend) *Client {
	client := &Client{name: name, backend: backend, notes: "stub backend"}
	if subscriber, ok := backend.(logSubscriber); ok {
		client.eventClient = subscriber
	}
	return client
}

// Name 返回链名称。
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Snapshot 读取当前区块高度、区块时间与建议 gas 价格。
func (c *Client) Snapshot(ctx context.Context) (web3.ChainReading, error) {
	if c == nil || c.backend == nil {
		return web3.ChainReading{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return web3.ChainReading{}, err
	}

	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainReading{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return web3.ChainReading{}, fmt.Errorf("获取建议 gas 价格失败: %w", err)
	}

	return web3.ChainReading{
		ChainID:     new(big.Int).Set(chainID),
		BlockNumber: header.Number.Uint64(),
		BlockTime:   header.Time,
		GasPrice:    gasPrice,
	}, nil
}

// ReadCounter 对合约执行一次无参 uint256 只读调用。
func (c *Client) ReadCounter(ctx context.Context, contract common.Address, field string) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, errors.New("字段名不能为空")
	}

	selector := crypto.Keccak256([]byte(field + "()"))[:4]
	ret, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: selector}, nil)
	if err != nil {
		return nil, fmt.Errorf("读取字段 %s 失败: %w", field, err)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("合约 %s 未返回字段 %s", contract.Hex(), field)
	}
	return new(big.Int).SetBytes(ret), nil
}

// SubmitCall 使用配置的私钥签名并广播携带调用数据的交易。
func (c *Client) SubmitCall(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error) {
	if c == nil || c.backend == nil {
		return common.Hash{}, errors.New("未初始化的以太坊客户端")
	}
	if c.key == nil {
		return common.Hash{}, errors.New("未配置执行私钥，无法发送交易")
	}
	if len(calldata) == 0 {
		return common.Hash{}, errors.New("调用数据不能为空")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取建议 gas 价格失败: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
		From: c.from,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("广播交易失败: %w", err)
	}
	return signed.Hash(), nil
}

// SubscribeLogs attaches a log subscription to the chain.
func (c *Client) SubscribeLogs(ctx context.Context, query gethcore.FilterQuery) (*web3.LogSubscription, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	subscriber := c.eventClient
	if subscriber == nil {
		if fallback, ok := c.backend.(logSubscriber); ok {
			subscriber = fallback
		}
	}
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewLogSubscription(logs, sub), nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return chainID, nil
}
