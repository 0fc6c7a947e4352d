package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ChainKeeper/internal/config"
)

func writeChainsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入链配置失败: %v", err)
	}
	return path
}

func TestNewRegistryAcceptsEthereumType(t *testing.T) {
	path := writeChainsFile(t, `
chains:
  local:
    type: ethereum
    rpc_url: http://127.0.0.1:8545
`)

	registry, err := NewRegistry(context.Background(), config.Web3Config{
		ChainConfig:  path,
		DefaultChain: "local",
	})
	if err != nil {
		t.Fatalf("期望 ethereum 类型被识别, 实际失败: %v", err)
	}
	defer registry.Close()

	if _, ok := registry.Client("local"); !ok {
		t.Fatal("期望注册表包含 local 链")
	}
}

func TestNewRegistryRejectsUnknownType(t *testing.T) {
	path := writeChainsFile(t, `
chains:
  exotic:
    type: solana
    rpc_url: http://127.0.0.1:8899
`)

	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatal("期望不支持的链类型报错")
	}
}

func TestNormalizeChainType(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", chainTypeEVM},
		{"evm", chainTypeEVM},
		{"ethereum", chainTypeEVM},
		{" Ethereum ", chainTypeEVM},
		{"solana", "solana"},
	}
	for _, tc := range cases {
		if got := normalizeChainType(tc.raw); got != tc.want {
			t.Fatalf("normalizeChainType(%q) = %q, 期望 %q", tc.raw, got, tc.want)
		}
	}
}
