// Package config 提供守护进程启动所需的配置装载能力。
package config
