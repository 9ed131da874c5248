// Package migrations 打包账本的 MySQL 表结构迁移。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
