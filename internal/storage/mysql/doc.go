// Package mysql 负责判定历史的持久化，提供本地文件模拟与真正的 MySQL 两种实现。
package mysql
