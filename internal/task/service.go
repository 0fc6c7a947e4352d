package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "ChainKeeper/internal/errors"
	"ChainKeeper/internal/storage/mysql"
	"ChainKeeper/pkg/logger"
)

// CreateTaskRequest 描述注册任务所需的输入。
type CreateTaskRequest struct {
	ID            string      `json:"id,omitempty"`
	Name          string      `json:"name"`
	ChainName     string      `json:"chain_name,omitempty"`
	TargetAddress string      `json:"target_address"`
	Trigger       Trigger     `json:"trigger"`
	Checker       CheckerSpec `json:"checker"`
}

// Service 负责任务的注册、查询与状态切换。
type Service struct {
	store     Store
	producer  Producer
	decisions mysql.DecisionRepository
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, decisions mysql.DecisionRepository) *Service {
	return &Service{store: store, producer: producer, decisions: decisions}
}

// Create 注册一个新任务并立即投递一次求值。
func (s *Service) Create(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务名称不能为空")
	}
	if !common.IsHexAddress(req.TargetAddress) {
		return nil, xerrors.New(CodeTaskValidation, "目标合约地址格式不正确")
	}
	if err := req.Trigger.Validate(); err != nil {
		return nil, err
	}
	if err := req.Checker.Validate(); err != nil {
		return nil, err
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:            taskID,
		Name:          req.Name,
		ChainName:     strings.TrimSpace(req.ChainName),
		TargetAddress: common.HexToAddress(req.TargetAddress).Hex(),
		Trigger:       req.Trigger,
		Checker:       req.Checker,
		Status:        StatusActive,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}

	// 注册后立刻排一次求值，无需等待触发器首轮到期。
	if s.producer != nil {
		if err := s.producer.Publish(ctx, EvalRequest{TaskID: taskID, Trigger: "bootstrap"}); err != nil {
			logger.L().Warn("首次求值入队失败",
				slog.Any("error", err),
				slog.String("task_id", taskID))
		}
	}

	logger.Audit().Info("任务注册成功",
		slog.String("task_id", taskID),
		slog.String("name", task.Name),
		slog.String("target", task.TargetAddress),
		slog.String("trigger", string(task.Trigger.Type)),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, opts...)
}

// Pause 暂停任务，触发器停止投递求值请求。
func (s *Service) Pause(ctx context.Context, id string) (*Task, error) {
	return s.updateStatus(ctx, id, StatusPaused)
}

// Resume 恢复已暂停的任务。
func (s *Service) Resume(ctx context.Context, id string) (*Task, error) {
	return s.updateStatus(ctx, id, StatusActive)
}

// Disable 永久停用任务。停用后不可恢复。
func (s *Service) Disable(ctx context.Context, id string) (*Task, error) {
	return s.updateStatus(ctx, id, StatusDisabled)
}

func (s *Service) updateStatus(ctx context.Context, id string, status Status) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return task, err
	}
	logger.Audit().Info("任务状态已更新",
		slog.String("task_id", id),
		slog.String("status", string(status)),
	)
	return task, nil
}

// Decisions 返回任务最近的判定历史。
func (s *Service) Decisions(ctx context.Context, id string, limit int) ([]mysql.DecisionRecord, error) {
	if s.decisions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "判定历史存储未初始化")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.decisions.ListByTask(ctx, id, limit)
}

// Stats 返回任务统计信息。
func (s *Service) Stats(ctx context.Context) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.decisions != nil {
		if err := s.decisions.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
