package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Storage.TaskStore.Driver != "memory" || cfg.Storage.DecisionLog.Driver != "memory" {
		t.Fatalf("默认存储驱动不符: %+v", cfg.Storage)
	}
	if cfg.EvalQueue.Driver != "memory" || cfg.EvalQueue.Worker != 4 {
		t.Fatalf("默认队列配置不符: %+v", cfg.EvalQueue)
	}
	if cfg.Checker.BudgetUnits != 1000 {
		t.Fatalf("默认求值预算不符: %d", cfg.Checker.BudgetUnits)
	}
	if cfg.Scheduler.SyncIntervalSeconds != 30 || cfg.Scheduler.BlockPollSeconds != 12 {
		t.Fatalf("默认调度配置不符: %+v", cfg.Scheduler)
	}
	if cfg.Executor.Mode != "dry_run" {
		t.Fatalf("默认执行模式不符: %s", cfg.Executor.Mode)
	}
	if cfg.Runtime.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("默认数据目录不符: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfigFile(t, `{
        "web3": {"chain_config": "chains.yaml"},
        "runtime": {"data_dir": "state"}
    }`)
	baseDir := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Web3.ChainConfig != filepath.Join(baseDir, "chains.yaml") {
		t.Fatalf("链配置路径未解析: %s", cfg.Web3.ChainConfig)
	}
	if cfg.Runtime.DataDir != filepath.Join(baseDir, "state") {
		t.Fatalf("数据目录未解析: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
        "server": {"address": ":9000", "metrics_address": ":9100"},
        "eval_queue": {"driver": "redis", "worker": 8, "redis": {"address": "127.0.0.1:6379", "queue": "keeper:evals"}},
        "checker": {"budget_units": 200, "default_gas_ceiling_wei": "80000000000"},
        "executor": {"mode": "chain"}
    }`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":9000" || cfg.Server.MetricsAddress != ":9100" {
		t.Fatalf("监听地址不符: %+v", cfg.Server)
	}
	if cfg.EvalQueue.Driver != "redis" || cfg.EvalQueue.Worker != 8 {
		t.Fatalf("队列配置不符: %+v", cfg.EvalQueue)
	}
	if cfg.EvalQueue.Redis.Queue != "keeper:evals" {
		t.Fatalf("Redis 队列名不符: %s", cfg.EvalQueue.Redis.Queue)
	}
	if cfg.Checker.BudgetUnits != 200 || cfg.Checker.DefaultGasCeilingWei != "80000000000" {
		t.Fatalf("求值配置不符: %+v", cfg.Checker)
	}
	if cfg.Executor.Mode != "chain" {
		t.Fatalf("执行模式不符: %s", cfg.Executor.Mode)
	}
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应当报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("不存在的文件应当报错")
	}
	path := writeConfigFile(t, `{not-json`)
	if _, err := Load(path); err == nil {
		t.Fatal("非法 JSON 应当报错")
	}
}
