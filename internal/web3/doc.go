// Package web3 定义访问区块链网络的统一抽象。
// 具体实现位于子包中，例如 ethereum 子包封装了 EVM 兼容链。
package web3
