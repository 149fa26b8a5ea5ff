package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cdpgateway/internal/cdp"
	"cdpgateway/internal/logger"
	"cdpgateway/pkg/model"
)

// ErrAuditDisabled 未配置拦截记录存储
var ErrAuditDisabled = errors.New("intercept audit is disabled")

// DevTools DevTools HTTP 端点访问能力
type DevTools interface {
	Version(ctx context.Context, opts model.ConnectOptions) (*model.VersionInfo, error)
	List(ctx context.Context, opts model.ConnectOptions) ([]model.TargetInfo, error)
	ResolveDebuggerURL(ctx context.Context, raw string) (string, error)
}

// AuditReader 拦截记录查询
type AuditReader interface {
	ListIntercepts(ctx context.Context, target model.TargetID, limit int) ([]model.InterceptRecord, error)
}

// Service 服务实现
type Service struct {
	hub   *cdp.Hub
	tools DevTools
	audit AuditReader
	log   logger.Logger
}

// New 创建服务实现；audit 为空时拦截记录查询返回 ErrAuditDisabled
func New(hub *cdp.Hub, tools DevTools, audit AuditReader, l logger.Logger) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	return &Service{hub: hub, tools: tools, audit: audit, log: l}
}

// AddConnection 添加目标连接
func (s *Service) AddConnection(ctx context.Context, opts model.ConnectOptions) error {
	if opts.Target == "" {
		return fmt.Errorf("%w: empty target", cdp.ErrConnectFailed)
	}
	return s.hub.AddClient(ctx, opts)
}

// RemoveConnection 移除目标连接
func (s *Service) RemoveConnection(target model.TargetID) error {
	return s.hub.RemoveClient(target)
}

// ListConnections 按目标排序列出连接
func (s *Service) ListConnections() []model.ConnectionInfo {
	list := s.hub.ListClients()
	sort.Slice(list, func(i, j int) bool { return list[i].Target < list[j].Target })
	return list
}

// ExecuteCommand 执行 Domain.command 命令
func (s *Service) ExecuteCommand(ctx context.Context, target model.TargetID, domain, command string, params json.RawMessage, sessionID model.SessionID) (json.RawMessage, error) {
	return s.hub.ExecuteCommand(ctx, target, domain, command, params, string(sessionID))
}

// StartRecording 开始记录事件
func (s *Service) StartRecording(target model.TargetID, domain, event string, sessionID model.SessionID) error {
	c, err := s.hub.GetClient(target)
	if err != nil {
		return err
	}
	c.RecordEventData(domain, event, string(sessionID))
	return nil
}

// StopRecording 停止记录并丢弃已缓存事件
func (s *Service) StopRecording(target model.TargetID, domain, event string, sessionID model.SessionID) error {
	c, err := s.hub.GetClient(target)
	if err != nil {
		return err
	}
	c.StopRecordingEventData(domain, event, string(sessionID))
	return nil
}

// ReadEvents 取出并清空已缓存事件
func (s *Service) ReadEvents(target model.TargetID, domain, event string, sessionID model.SessionID) ([]json.RawMessage, error) {
	c, err := s.hub.GetClient(target)
	if err != nil {
		return nil, err
	}
	return c.GetEventData(domain, event, string(sessionID)), nil
}

// StartIntercept 在会话上启用请求拦截
func (s *Service) StartIntercept(ctx context.Context, target model.TargetID, sessionID model.SessionID, spec model.InjectionSpec) error {
	c, err := s.hub.GetClient(target)
	if err != nil {
		return err
	}
	return c.Intercept(ctx, string(sessionID), spec)
}

// StopIntercept 停止会话上的请求拦截
func (s *Service) StopIntercept(ctx context.Context, target model.TargetID, sessionID model.SessionID) error {
	c, err := s.hub.GetClient(target)
	if err != nil {
		return err
	}
	return c.StopIntercepting(ctx, string(sessionID))
}

// ListIntercepts 查询拦截记录
func (s *Service) ListIntercepts(ctx context.Context, target model.TargetID, limit int) ([]model.InterceptRecord, error) {
	if s.audit == nil {
		return nil, ErrAuditDisabled
	}
	return s.audit.ListIntercepts(ctx, target, limit)
}

// DevToolsVersion 读取浏览器版本信息
func (s *Service) DevToolsVersion(ctx context.Context, opts model.ConnectOptions) (*model.VersionInfo, error) {
	return s.tools.Version(ctx, opts)
}

// ListTargets 列出浏览器可调试目标
func (s *Service) ListTargets(ctx context.Context, opts model.ConnectOptions) ([]model.TargetInfo, error) {
	return s.tools.List(ctx, opts)
}

// ResolveDebuggerURL 将调试地址的主机名解析为 IP
func (s *Service) ResolveDebuggerURL(ctx context.Context, wsURL string) (string, error) {
	return s.tools.ResolveDebuggerURL(ctx, wsURL)
}
