package db

import "embed"

// MigrationFS 内嵌的 SQL 迁移文件，供 migrate 子命令使用
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
