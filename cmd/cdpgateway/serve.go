package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cdpgateway/internal/cdp"
	"cdpgateway/internal/config"
	"cdpgateway/internal/devtools"
	"cdpgateway/internal/httpapi"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/service"
	"cdpgateway/internal/storage"
	"cdpgateway/pkg/api"
)

const shutdownTimeout = 10 * time.Second

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 网关",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "YAML 配置文件路径")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP 监听地址，覆盖配置文件")
}

func runServe(ctx context.Context, cfg *config.Config) error {
	l := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})

	var (
		audit  cdp.InterceptAudit
		reader service.AuditReader
	)
	if cfg.Sqlite.Dsn != "" {
		store, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l.With("component", "storage"))
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				l.Warn("关闭存储失败", "error", err)
			}
		}()
		audit, reader = store, store
	}

	tools := devtools.New()
	hub := cdp.NewHub(cdp.ConnConfig{
		CommandTimeout:   cfg.CommandTimeout(),
		DialTimeout:      cfg.DialTimeout(),
		EventBufferLimit: cfg.CDP.EventBufferLimit,
		ResourceTypes:    cfg.CDP.InterceptResourceTypes,
		Audit:            audit,
		Logger:           l.With("component", "cdp"),
	}, tools.ResolveTarget)
	defer hub.Close()

	svc := api.NewService(hub, tools, reader, l.With("component", "service"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.New(svc, l.With("component", "http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		l.Info("HTTP 服务启动", "addr", cfg.Server.Addr, "version", appVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			l.Err(err, "HTTP 服务异常退出")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("正在关闭服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("HTTP 服务关闭出错", "error", err)
	}
	l.Info("服务已停止", "pid", os.Getpid())
	return nil
}
