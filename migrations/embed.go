// Package migrations 内嵌 SQL 迁移脚本, 供 database.MigrateFS 使用。
package migrations

import "embed"

// FS 全部 *.sql 迁移脚本。
//
//go:embed *.sql
var FS embed.FS
