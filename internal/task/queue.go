package task

import (
	"context"
	"encoding/json"

	xerrors "ChainKeeper/internal/errors"
)

// EvalRequest 是投递到求值队列的消息体。
type EvalRequest struct {
	TaskID      string `json:"task_id"`
	Trigger     string `json:"trigger"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// Encode 序列化求值请求。
func (r EvalRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码求值请求失败")
	}
	return data, nil
}

// DecodeEvalRequest 反序列化求值请求。
func DecodeEvalRequest(data []byte) (EvalRequest, error) {
	var req EvalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return EvalRequest{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析求值请求失败")
	}
	if req.TaskID == "" {
		return EvalRequest{}, xerrors.New(xerrors.CodeQueueFailure, "求值请求缺少任务 ID")
	}
	return req, nil
}

// Handler 处理来自求值队列的请求。
type Handler func(ctx context.Context, req EvalRequest) error

// Producer 负责向队列投递求值请求。
type Producer interface {
	Publish(ctx context.Context, req EvalRequest) error
	Close() error
}

// Consumer 负责从队列中消费求值请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
