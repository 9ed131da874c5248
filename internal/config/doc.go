// Package config 负责加载 SAID 守护进程的 JSON/YAML 配置并填充默认值。
package config
