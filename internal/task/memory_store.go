package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainKeeper/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试和单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	clone := cloneTask(task)
	m.tasks[task.ID] = clone
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// UpdateStatus 切换任务状态并返回更新后的任务。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !IsValidStatus(status) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态: "+string(status))
	}
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status == StatusDisabled && status == StatusActive {
		return cloneTask(task), ErrTaskConflict
	}
	task.Status = status
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// RecordEvaluation 把一次求值结果写回任务游标。
func (m *MemoryStore) RecordEvaluation(_ context.Context, id string, outcome EvalOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Evaluations++
	task.LastReason = outcome.Reason
	task.LastError = outcome.LastError
	task.ErrorCode = outcome.ErrorCode
	task.LastEvaluatedAt = outcome.EvaluatedAt
	if outcome.Executed {
		task.Executions++
		task.LastExecutedAt = outcome.ExecutedAt
	}
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	options := buildListOptions(opts)

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, options) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		if options.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if options.Offset > 0 {
		if options.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[options.Offset:]
	}
	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// Stats 统计任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := TaskStats{}
	for _, task := range m.tasks {
		stats.Total++
		switch task.Status {
		case StatusActive:
			stats.Active++
		case StatusPaused:
			stats.Paused++
		case StatusDisabled:
			stats.Disabled++
		}
		stats.TotalEvaluations += task.Evaluations
		stats.TotalExecutions += task.Executions
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTask(task *Task) *Task {
	clone := *task
	if len(task.Checker.SubTargets) > 0 {
		clone.Checker.SubTargets = append([]string(nil), task.Checker.SubTargets...)
	}
	return &clone
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.ChainName != "" && task.ChainName != opts.ChainName {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" && !matchesQuery(task, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(task *Task, query string) bool {
	needle := strings.ToLower(query)
	for _, field := range []string{task.Name, task.TargetAddress, task.LastReason} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
