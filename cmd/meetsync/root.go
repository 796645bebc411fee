package main

import (
	"context"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/multi-agent/meetsync/internal/api"
	"github.com/multi-agent/meetsync/internal/config"
	"github.com/multi-agent/meetsync/internal/database"
	"github.com/multi-agent/meetsync/internal/session"
	"github.com/multi-agent/meetsync/internal/store"
	"github.com/multi-agent/meetsync/migrations"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
	"github.com/multi-agent/meetsync/pkg/logger"
	"github.com/multi-agent/meetsync/pkg/util"
)

type rootFlags struct {
	configPath string
	baseURL    string
	transport  string
	logLevel   string
	noCache    bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "meetsync",
		Short:         "Live sync client for multi-agent meetings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML 配置文件")
	pf.StringVar(&f.baseURL, "base-url", "", "会议后端地址 (覆盖配置)")
	pf.StringVar(&f.transport, "transport", "", "push | stream (覆盖配置)")
	pf.StringVar(&f.logLevel, "log-level", "", "DEBUG | INFO | WARN | ERROR")
	pf.BoolVar(&f.noCache, "no-cache", false, "不使用 PostgreSQL 快照缓存")

	cmd.AddCommand(newWatchCmd(f), newRunCmd(f), newSayCmd(f), newCacheCmd(f))
	return cmd
}

// app 一次命令执行所需的依赖。
type app struct {
	cfg    *config.Config
	client *api.Client
	pool   *pgxpool.Pool
	cache  *store.SnapshotStore
}

func (f *rootFlags) setup(ctx context.Context, withCache bool) (*app, error) {
	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.baseURL != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(f.baseURL), "/")
	}
	if f.transport != "" {
		switch t := strings.ToLower(strings.TrimSpace(f.transport)); t {
		case config.TransportPush, config.TransportStream:
			cfg.Transport = t
		default:
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "meetsync", "unknown transport %q", f.transport)
		}
	}

	logger.Init(cfg.LogEnv)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warn("log file disabled", logger.FieldError, err)
		}
	}
	logger.SetLevel(util.FirstNonEmpty(f.logLevel, cfg.LogLevel))

	a := &app{
		cfg:    cfg,
		client: api.New(cfg.BaseURL, api.WithTimeout(cfg.HTTPTimeout())),
	}
	if withCache && !f.noCache && cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			// 缓存可选: 连接失败时只告警
			logger.Warn("snapshot cache unavailable", logger.FieldError, err)
			return a, nil
		}
		if _, err := database.MigrateFS(ctx, pool, migrations.FS); err != nil {
			pool.Close()
			logger.Warn("snapshot cache migration failed", logger.FieldError, err)
			return a, nil
		}
		a.pool = pool
		a.cache = store.NewSnapshotStore(pool)
	}
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	logger.ShutdownFileHandler()
}

// open 打开会话并把视图变化输出到 out。
func (a *app) open(ctx context.Context, meetingID string, out io.Writer, hooks func(*session.Options)) (*session.Session, error) {
	opts := session.OptionsFromConfig(a.cfg, meetingID, a.client)
	if a.cache != nil {
		opts.Cache = a.cache
	}
	p := newPrinter(out)
	opts.OnChange = p.change
	opts.OnSpeaking = p.speaking
	opts.OnFailure = p.failure
	opts.OnChannelState = p.channelState
	if hooks != nil {
		hooks(&opts)
	}
	return session.Open(ctx, opts)
}
