package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// DecisionRecord 表示一次求值判定的落库结构。
type DecisionRecord struct {
	TaskID      string `json:"task_id"`
	ChainName   string `json:"chain_name,omitempty"`
	CanExec     bool   `json:"can_exec"`
	PayloadHex  string `json:"payload_hex,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	CostUnits   uint64 `json:"cost_units"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash,omitempty"`
	EvaluatedAt int64  `json:"evaluated_at"`
}

// DecisionRepository 抽象判定历史的持久化接口。
type DecisionRepository interface {
	Append(ctx context.Context, record DecisionRecord) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]DecisionRecord, error)
	Close() error
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// MemoryDecisionRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryDecisionRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []DecisionRecord
}

const memoryRepositoryCap = 512

// NewMemoryDecisionRepository 创建一个内存判定仓库。
func NewMemoryDecisionRepository(dataDir string) (*MemoryDecisionRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "decisions.log")
	repo := &MemoryDecisionRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 以追加写的方式记录判定结果。
func (m *MemoryDecisionRepository) Append(_ context.Context, record DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开判定日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化判定记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入判定日志失败: %w", err)
	}

	m.records = append([]DecisionRecord{record}, m.records...)
	if len(m.records) > memoryRepositoryCap {
		m.records = m.records[:memoryRepositoryCap]
	}
	return nil
}

// ListByTask 返回指定任务最近的判定记录，按时间倒序排列。
func (m *MemoryDecisionRepository) ListByTask(_ context.Context, taskID string, limit int) ([]DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	results := make([]DecisionRecord, 0, limit)
	for _, record := range m.records {
		if taskID != "" && record.TaskID != taskID {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Close 对内存仓库无需操作。
func (m *MemoryDecisionRepository) Close() error { return nil }

func (m *MemoryDecisionRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取判定日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []DecisionRecord
	for scanner.Scan() {
		var record DecisionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]DecisionRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析判定日志失败: %w", err)
	}
	if len(restored) > memoryRepositoryCap {
		restored = restored[:memoryRepositoryCap]
	}
	m.records = restored
	return nil
}

var _ DecisionRepository = (*MemoryDecisionRepository)(nil)

// SQLDecisionRepository 使用 MySQL 记录判定历史。
type SQLDecisionRepository struct {
	db *sql.DB
}

// NewSQLDecisionRepository 建立连接池并初始化表结构。
func NewSQLDecisionRepository(ctx context.Context, cfg Config) (*SQLDecisionRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLDecisionRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (s *SQLDecisionRepository) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS keeper_decisions (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        task_id VARCHAR(64) NOT NULL,
        chain_name VARCHAR(64) DEFAULT '',
        can_exec TINYINT(1) NOT NULL DEFAULT 0,
        payload_hex TEXT,
        reason TEXT,
        error_code VARCHAR(64) DEFAULT '',
        cost_units BIGINT NOT NULL DEFAULT 0,
        block_number BIGINT NOT NULL DEFAULT 0,
        tx_hash VARCHAR(66) DEFAULT '',
        evaluated_at BIGINT NOT NULL,
        INDEX idx_decision_task (task_id, evaluated_at)
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化 keeper_decisions 表失败: %w", err)
	}
	return nil
}

// Append 插入一条判定记录。
func (s *SQLDecisionRepository) Append(ctx context.Context, record DecisionRecord) error {
	const stmt = `INSERT INTO keeper_decisions
        (task_id, chain_name, can_exec, payload_hex, reason, error_code, cost_units, block_number, tx_hash, evaluated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.TaskID,
		record.ChainName,
		record.CanExec,
		record.PayloadHex,
		record.Reason,
		record.ErrorCode,
		record.CostUnits,
		record.BlockNumber,
		record.TxHash,
		record.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("插入判定记录失败: %w", err)
	}
	return nil
}

// ListByTask 返回指定任务最近的判定记录。
func (s *SQLDecisionRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT task_id, chain_name, can_exec, payload_hex, reason, error_code, cost_units, block_number, tx_hash, evaluated_at
        FROM keeper_decisions`
	args := make([]any, 0, 2)
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY evaluated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询判定记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]DecisionRecord, 0, limit)
	for rows.Next() {
		var record DecisionRecord
		var payload, reason sql.NullString
		if err := rows.Scan(
			&record.TaskID,
			&record.ChainName,
			&record.CanExec,
			&payload,
			&reason,
			&record.ErrorCode,
			&record.CostUnits,
			&record.BlockNumber,
			&record.TxHash,
			&record.EvaluatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析判定记录失败: %w", err)
		}
		record.PayloadHex = payload.String
		record.Reason = reason.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历判定记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLDecisionRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ DecisionRepository = (*SQLDecisionRepository)(nil)
