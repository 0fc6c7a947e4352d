package task

import "context"

// EvalOutcome 记录一次求值对任务产生的状态变化。
type EvalOutcome struct {
	CanExec     bool
	Reason      string
	ErrorCode   string
	LastError   string
	Executed    bool
	EvaluatedAt int64
	ExecutedAt  int64
}

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ...ListOption) ([]*Task, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Task, error)
	RecordEvaluation(ctx context.Context, id string, outcome EvalOutcome) error
	Stats(ctx context.Context) (TaskStats, error)
	Close() error
}
