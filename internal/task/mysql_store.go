package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainKeeper/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS keeper_tasks (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        chain_name VARCHAR(64) DEFAULT '',
        target_address VARCHAR(64) NOT NULL,
        trigger_config TEXT NOT NULL,
        checker_config TEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        evaluations BIGINT NOT NULL DEFAULT 0,
        executions BIGINT NOT NULL DEFAULT 0,
        last_reason TEXT,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        last_evaluated_at BIGINT NOT NULL DEFAULT 0,
        last_executed_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_keeper_task_status (status),
        INDEX idx_keeper_task_chain (chain_name),
        INDEX idx_keeper_task_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 keeper_tasks 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	triggerJSON, err := json.Marshal(task.Trigger)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码触发配置失败")
	}
	checkerJSON, err := json.Marshal(task.Checker)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码判定配置失败")
	}

	const stmt = `INSERT INTO keeper_tasks
        (id, name, chain_name, target_address, trigger_config, checker_config, status,
         evaluations, executions, last_reason, last_error, error_code,
         last_evaluated_at, last_executed_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, '', '', '', 0, 0, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Name,
		task.ChainName,
		task.TargetAddress,
		string(triggerJSON),
		string(checkerJSON),
		task.Status,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, name, chain_name, target_address, trigger_config, checker_config, status,
        evaluations, executions, last_reason, last_error, error_code,
        last_evaluated_at, last_executed_at, created_at, updated_at`

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var task Task
	var triggerJSON, checkerJSON string
	var lastReason, lastError sql.NullString

	if err := scanner.Scan(
		&task.ID,
		&task.Name,
		&task.ChainName,
		&task.TargetAddress,
		&triggerJSON,
		&checkerJSON,
		&task.Status,
		&task.Evaluations,
		&task.Executions,
		&lastReason,
		&lastError,
		&task.ErrorCode,
		&task.LastEvaluatedAt,
		&task.LastExecutedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(triggerJSON), &task.Trigger); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析触发配置失败")
	}
	if err := json.Unmarshal([]byte(checkerJSON), &task.Checker); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析判定配置失败")
	}
	task.LastReason = lastReason.String
	task.LastError = lastError.String
	return &task, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	stmt := `SELECT ` + taskColumns + ` FROM keeper_tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		var xerr *xerrors.Error
		if stdErrors.As(err, &xerr) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// UpdateStatus 切换任务状态并返回更新后的任务。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status) (*Task, error) {
	if !IsValidStatus(status) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态: "+string(status))
	}

	stmt := `UPDATE keeper_tasks SET status = ?, updated_at = ? WHERE id = ?`
	now := time.Now().Unix()
	args := []any{status, now, id}
	if status == StatusActive {
		// 已禁用的任务不能重新激活。
		stmt += ` AND status <> ?`
		args = append(args, StatusDisabled)
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if task.Status == StatusDisabled && status == StatusActive {
			return task, ErrTaskConflict
		}
		// 状态已是目标值时更新不生效，视为幂等。
		return task, nil
	}
	return s.Get(ctx, id)
}

// RecordEvaluation 把一次求值结果写回任务游标。
func (s *MySQLStore) RecordEvaluation(ctx context.Context, id string, outcome EvalOutcome) error {
	const stmt = `UPDATE keeper_tasks SET
        evaluations = evaluations + 1,
        executions = executions + ?,
        last_reason = ?,
        last_error = ?,
        error_code = ?,
        last_evaluated_at = ?,
        last_executed_at = CASE WHEN ? > 0 THEN ? ELSE last_executed_at END,
        updated_at = ?
        WHERE id = ?`

	executedDelta := 0
	executedAt := int64(0)
	if outcome.Executed {
		executedDelta = 1
		executedAt = outcome.ExecutedAt
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		executedDelta,
		outcome.Reason,
		outcome.LastError,
		outcome.ErrorCode,
		outcome.EvaluatedAt,
		executedAt,
		executedAt,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录求值结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)

	query := `SELECT ` + taskColumns + ` FROM keeper_tasks`

	clause, filterArgs := buildFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if options.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, options.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			var xerr *xerrors.Error
			if stdErrors.As(err, &xerr) {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context) (TaskStats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS paused,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS disabled,
        COALESCE(SUM(evaluations), 0) AS total_evaluations,
        COALESCE(SUM(executions), 0) AS total_executions,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM keeper_tasks`

	row := s.db.QueryRowContext(ctx, query, string(StatusActive), string(StatusPaused), string(StatusDisabled))

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Active,
		&stats.Paused,
		&stats.Disabled,
		&stats.TotalEvaluations,
		&stats.TotalExecutions,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.ChainName != "" {
		conditions = append(conditions, "chain_name = ?")
		args = append(args, opts.ChainName)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR name LIKE ? OR target_address LIKE ? OR last_reason LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
