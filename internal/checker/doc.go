// Package checker 实现链上自动化任务的执行判定：
// 给定一份只读的链上状态快照，判断目标操作是否应该执行，
// 并在应执行时给出编码后的调用载荷。判定过程受预算约束，
// 超出预算视为 EvaluationTooExpensive，由调用方上报而非重试。
package checker
