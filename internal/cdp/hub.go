package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cdpgateway/internal/logger"
	"cdpgateway/pkg/model"
)

// Resolver 将建连参数解析为 websocket 调试地址
type Resolver func(ctx context.Context, opts model.ConnectOptions) (string, error)

// Hub 目标标识到协议连接的注册表
type Hub struct {
	mu         sync.RWMutex
	conns      map[model.TargetID]*Conn
	connecting map[model.TargetID]struct{}
	closed     bool

	cfg     ConnConfig
	resolve Resolver
	log     logger.Logger
}

// NewHub 创建连接注册表；resolve 为空时 Target 必须是 ws:// 或 wss:// 地址
func NewHub(cfg ConnConfig, resolve Resolver) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Hub{
		conns:      make(map[model.TargetID]*Conn),
		connecting: make(map[model.TargetID]struct{}),
		cfg:        cfg,
		resolve:    resolve,
		log:        cfg.Logger,
	}
}

// AddClient 打开新连接，握手完成后登记；目标已存在时返回 ErrDuplicateTarget
func (h *Hub) AddClient(ctx context.Context, opts model.ConnectOptions) error {
	id := model.TargetID(opts.Target)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s: hub is closed", ErrConnectFailed, id)
	}
	_, exists := h.conns[id]
	_, pending := h.connecting[id]
	if exists || pending {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, id)
	}
	h.connecting[id] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.connecting, id)
		h.mu.Unlock()
	}()

	wsURL, err := h.debuggerURL(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, id, err)
	}
	conn, err := Dial(ctx, opts, wsURL, h.cfg)
	if err != nil {
		h.log.Err(err, "连接目标失败", "target", string(id))
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		h.log.Warn("注册表已关闭，丢弃新建连接", "target", string(id))
		return fmt.Errorf("%w: %s: hub is closed", ErrConnectFailed, id)
	}
	h.conns[id] = conn
	h.mu.Unlock()
	h.log.Info("目标已加入", "target", string(id))
	return nil
}

func (h *Hub) debuggerURL(ctx context.Context, opts model.ConnectOptions) (string, error) {
	if strings.HasPrefix(opts.Target, "ws://") || strings.HasPrefix(opts.Target, "wss://") {
		return opts.Target, nil
	}
	if h.resolve == nil {
		return "", fmt.Errorf("target %q is not a websocket url", opts.Target)
	}
	return h.resolve(ctx, opts)
}

// RemoveClient 关闭并移除连接；进行中的命令以 ErrConnectionClosed 结束
func (h *Hub) RemoveClient(target model.TargetID) error {
	h.mu.Lock()
	conn, ok := h.conns[target]
	delete(h.conns, target)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	if err := conn.Close(); err != nil {
		h.log.Warn("关闭连接出错", "target", string(target), "error", err)
	}
	h.log.Info("目标已移除", "target", string(target))
	return nil
}

// ListClients 返回所有连接参数与状态的快照
func (h *Hub) ListClients() []model.ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]model.ConnectionInfo, 0, len(h.conns))
	for _, c := range h.conns {
		list = append(list, model.ConnectionInfo{ConnectOptions: c.Options(), State: c.State()})
	}
	return list
}

// GetClient 查找目标对应的连接
func (h *Hub) GetClient(target model.TargetID) (*Conn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return c, nil
}

// ExecuteCommand 在指定目标上执行命令
func (h *Hub) ExecuteCommand(ctx context.Context, target model.TargetID, domain, command string, params json.RawMessage, sessionID string) (json.RawMessage, error) {
	c, err := h.GetClient(target)
	if err != nil {
		return nil, err
	}
	return c.ExecuteCommand(ctx, domain, command, params, sessionID)
}

// Close 关闭并移除全部连接，之后的 AddClient 返回 ErrConnectFailed
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = make(map[model.TargetID]*Conn)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for id, c := range conns {
		wg.Add(1)
		go func(id model.TargetID, c *Conn) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				h.log.Warn("关闭连接出错", "target", string(id), "error", err)
			}
		}(id, c)
	}
	wg.Wait()
}
