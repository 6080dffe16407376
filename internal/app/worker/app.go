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

package worker

import (
	"context"
	"fmt"
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"usersync/internal/app"
	"usersync/pkg/config"
	"usersync/pkg/retention"
	"usersync/pkg/tracing"
)

// App 留存 Worker：独立于 syncd 按策略清理历史快照
type App struct {
	bootstrap *app.Bootstrap
	engine    *retention.Engine
	tracer    *sdktrace.TracerProvider

	cancel context.CancelFunc
	done   chan struct{}
}

// NewApp 创建新的 Worker 应用
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	b, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{bootstrap: b, engine: b.NewRetentionEngine()}

	tc := b.Config.Monitoring.Tracing
	if tc.Enable {
		endpoint := tc.ExportEndpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint != "" {
			tp, err := tracing.InitTracer(tracing.OTelConfig{
				ServiceName:    tc.ServiceName + "-worker",
				ExportEndpoint: endpoint,
				Insecure:       tc.Insecure,
			})
			if err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
			}
			a.tracer = tp
		}
	}
	return a, nil
}

// RunOnce 执行一次完整扫描，返回删除的快照数
func (a *App) RunOnce(ctx context.Context) (n int, err error) {
	ctx, span := tracing.StartRetentionSpan(ctx)
	defer func() { tracing.EndSpan(span, err) }()
	n, err = a.engine.RunRetentionScan(ctx)
	if err != nil {
		return n, err
	}
	a.bootstrap.Logger.Info("retention scan completed", "pruned", n)
	return n, nil
}

// Start 立即扫描一次，然后按 scan_interval 周期扫描
func (a *App) Start() error {
	if !a.bootstrap.Config.Retention.Enable {
		return fmt.Errorf("retention.enable is false, nothing to do")
	}
	a.bootstrap.Logger.Info("启动 worker 应用")
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.bootstrap.Logger.Error("initial retention scan failed", "error", err)
		}
		a.engine.Run(ctx)
	}()
	return nil
}

// Shutdown 关闭应用
func (a *App) Shutdown(ctx context.Context) error {
	a.bootstrap.Logger.Info("关闭 worker 应用")
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	return a.bootstrap.Close()
}
