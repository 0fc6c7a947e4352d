package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total            int   `json:"total"`
	Active           int   `json:"active"`
	Paused           int   `json:"paused"`
	Disabled         int   `json:"disabled"`
	TotalEvaluations int64 `json:"total_evaluations"`
	TotalExecutions  int64 `json:"total_executions"`
	OldestUpdatedAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt  int64 `json:"newest_updated_at,omitempty"`
}
