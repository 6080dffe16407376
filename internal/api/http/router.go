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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"usersync/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, middleware *middleware.Middleware) *Router {
	return &Router{
		handler:    handler,
		middleware: middleware,
	}
}

// Build 创建 Hertz 服务并注册路由；opts 可附加链路追踪等服务端选项
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	// 更新流依赖客户端断开时取消请求 ctx
	opts = append([]config.Option{server.WithHostPorts(addr), server.WithSenseClientDisconnection(true)}, opts...)
	h := server.Default(opts...)
	r.SetupRoutes(h)
	return h
}

// SetupRoutes 设置路由
func (r *Router) SetupRoutes(h *server.Hertz) {
	h.Use(r.middleware.AccessLog(), r.middleware.CORS())

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	// 长连接，不计入限速
	api.GET("/updates", r.handler.Updates)

	users := api.Group("/users/:id", r.middleware.RateLimit())
	{
		users.POST("/checkout", r.handler.CheckOut)
		users.POST("/checkin", r.handler.CheckIn)
		users.GET("/snapshot", r.handler.LatestSnapshot)
		users.POST("/snapshots", r.handler.SaveSnapshot)
		users.GET("/snapshots", r.handler.ListSnapshots)
		users.GET("/snapshots/:sid", r.handler.GetSnapshot)
		users.POST("/snapshots/:sid/restore", r.handler.RestoreSnapshot)
		users.PUT("/data/:key", r.handler.EditData)
	}
}
