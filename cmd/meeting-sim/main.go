// cmd/meeting-sim — 本地模拟会议后端 (REST + SSE + WebSocket)。
//
//	meeting-sim --listen :8080 --meeting demo
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/meetsync/internal/config"
	"github.com/multi-agent/meetsync/internal/meetingsim"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "YAML 配置文件")
	listen := flag.String("listen", "", "监听地址 (覆盖配置)")
	demo := flag.String("meeting", "demo", "启动时预建的会议 id (空则不建)")
	topic := flag.String("topic", "weekly sync", "预建会议的主题")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Fatal("config load failed", logger.FieldError, err)
	}
	logger.Init(cfg.LogEnv)
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	sim := meetingsim.NewServer(meetingsim.Options{
		Agents:     cfg.Agents(),
		MaxRounds:  cfg.SimMaxRounds,
		MessageGap: cfg.SimMessageGap(),
	})
	if *demo != "" {
		if _, err := sim.CreateMeeting(*demo, *topic, cfg.SimMaxRounds); err != nil {
			logger.Fatal("create demo meeting failed", logger.FieldError, err)
		}
	}

	addr := util.FirstNonEmpty(*listen, cfg.SimListen)
	util.SafeGo(func() {
		if err := sim.ListenAndServe(addr); err != nil {
			logger.Fatal("meeting-sim failed", logger.FieldError, err)
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := sim.Shutdown(shutdownCtx); err != nil {
		logger.Warn("meeting-sim shutdown", logger.FieldError, err)
	}
}
