// cmd/migrate — 应用快照缓存的数据库迁移。
//
// 默认使用内嵌脚本; --dir 指定目录时从磁盘读取。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/multi-agent/meetsync/internal/config"
	"github.com/multi-agent/meetsync/internal/database"
	"github.com/multi-agent/meetsync/migrations"
	"github.com/multi-agent/meetsync/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "YAML 配置文件")
	dir := flag.String("dir", "", "迁移脚本目录 (默认使用内嵌脚本)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogEnv)
	logger.SetLevel(cfg.LogLevel)

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.FieldError, err)
	}
	defer pool.Close()

	if *dir != "" {
		err = database.Migrate(ctx, pool, *dir)
	} else {
		var applied []string
		applied, err = database.MigrateFS(ctx, pool, migrations.FS)
		if err == nil {
			logger.Info("migrate: embedded scripts", logger.FieldCount, len(applied))
		}
	}
	if err != nil {
		pool.Close()
		logger.Fatal("migration failed", logger.FieldError, err)
	}
	fmt.Println("Migration complete.")
}
