// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"usersync/internal/api/http"
	"usersync/internal/api/http/middleware"
	"usersync/internal/app"
	"usersync/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App syncd 应用：HTTP Router、更新订阅循环与留存扫描
type App struct {
	config       *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	logOutput    io.Closer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 创建 syncd 应用（由 cmd/syncd 调用）
func NewApp(bootstrap *app.Bootstrap, version string) (*App, error) {
	if bootstrap == nil || bootstrap.Coordinator == nil {
		return nil, fmt.Errorf("bootstrap is not initialized")
	}
	handler := http.NewHandler(bootstrap.Coordinator)
	handler.SetVersion(version)
	mw := middleware.NewMiddleware(bootstrap.Config.API.RateLimit)
	return &App{
		config: bootstrap,
		router: http.NewRouter(handler, mw),
	}, nil
}

// Run 启动后台循环与 HTTP 服务，addr 如 ":8080"；阻塞直到服务停止
func (a *App) Run(addr string) error {
	cfg := a.config.Config
	a.config.Logger.Info("syncd 启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	var output io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
		a.logOutput = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	var serverOpts []hertzconfig.Option
	var tracingCfg *hertztracing.Config
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "usersync"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			var tracerOpt hertzconfig.Option
			tracerOpt, tracingCfg = hertztracing.NewServerTracer()
			serverOpts = append(serverOpts, tracerOpt)
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		}
	}
	a.hertz = a.router.Build(addr, serverOpts...)
	if tracingCfg != nil {
		a.hertz.Use(hertztracing.ServerMiddleware(tracingCfg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.startBackground(ctx)

	return a.hertz.Run()
}

// startBackground 启动更新订阅循环与留存扫描
func (a *App) startBackground(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.config.Coordinator.Run(ctx); err != nil {
			a.config.Logger.Error("update subscription loop exited", "error", err)
		}
	}()

	if a.config.Config.Retention.Enable {
		engine := a.config.NewRetentionEngine()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			engine.Run(ctx)
		}()
		a.config.Logger.Info("留存扫描已启用",
			"max_snapshots", a.config.Config.Retention.MaxSnapshots,
			"max_age", a.config.Config.Retention.MaxAge,
			"scan_interval", a.config.Config.Retention.ScanInterval)
	}
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if err := a.config.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.logOutput != nil {
		_ = a.logOutput.Close()
	}
	return firstErr
}
