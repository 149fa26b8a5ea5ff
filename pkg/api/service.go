package api

import (
	"context"
	"encoding/json"

	"cdpgateway/internal/cdp"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/service"
	"cdpgateway/pkg/model"
)

// Service 服务接口
type Service interface {
	// AddConnection 添加目标连接
	AddConnection(ctx context.Context, opts model.ConnectOptions) error

	// RemoveConnection 移除目标连接
	RemoveConnection(target model.TargetID) error

	// ListConnections 列出连接
	ListConnections() []model.ConnectionInfo

	// ExecuteCommand 执行命令
	ExecuteCommand(ctx context.Context, target model.TargetID, domain, command string, params json.RawMessage, sessionID model.SessionID) (json.RawMessage, error)

	// StartRecording 开始记录事件
	StartRecording(target model.TargetID, domain, event string, sessionID model.SessionID) error

	// StopRecording 停止记录事件
	StopRecording(target model.TargetID, domain, event string, sessionID model.SessionID) error

	// ReadEvents 读取并清空事件
	ReadEvents(target model.TargetID, domain, event string, sessionID model.SessionID) ([]json.RawMessage, error)

	// StartIntercept 启用拦截
	StartIntercept(ctx context.Context, target model.TargetID, sessionID model.SessionID, spec model.InjectionSpec) error

	// StopIntercept 停止拦截
	StopIntercept(ctx context.Context, target model.TargetID, sessionID model.SessionID) error

	// ListIntercepts 查询拦截记录
	ListIntercepts(ctx context.Context, target model.TargetID, limit int) ([]model.InterceptRecord, error)

	// DevToolsVersion 浏览器版本信息
	DevToolsVersion(ctx context.Context, opts model.ConnectOptions) (*model.VersionInfo, error)

	// ListTargets 列出可调试目标
	ListTargets(ctx context.Context, opts model.ConnectOptions) ([]model.TargetInfo, error)

	// ResolveDebuggerURL 解析调试地址
	ResolveDebuggerURL(ctx context.Context, wsURL string) (string, error)
}

// NewService 创建并返回服务接口实现
func NewService(hub *cdp.Hub, tools service.DevTools, audit service.AuditReader, l logger.Logger) Service {
	return service.New(hub, tools, audit, l)
}
