package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"cdpgateway/internal/logger"
	"cdpgateway/pkg/model"
)

const (
	// DefaultCommandTimeout 命令默认超时
	DefaultCommandTimeout = 15 * time.Second
	inboundQueueSize      = 1024
	closeGracePeriod      = time.Second
)

// ConnConfig 单个连接的运行参数
type ConnConfig struct {
	CommandTimeout   time.Duration
	DialTimeout      time.Duration
	EventBufferLimit int
	ResourceTypes    []string // 拦截默认资源类型
	Audit            InterceptAudit
	Logger           logger.Logger
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan callResult
}

// Conn 与单个调试目标之间的协议连接
type Conn struct {
	target  model.TargetID
	opts    model.ConnectOptions
	wsURL   string
	ws      *websocket.Conn
	timeout time.Duration
	log     logger.Logger

	recorder    *EventRecorder
	interceptor *Interceptor

	nextID  atomic.Uint64
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]pendingCall

	stateMu sync.RWMutex
	state   model.ConnState

	inbound     chan model.Event
	closing     atomic.Bool
	closed      chan struct{}
	closeOnce   sync.Once
	readDone    chan struct{}
	dispatchEnd chan struct{}
}

// Dial 建立到 wsURL 的连接并启动读取与分发循环，握手完成后返回
func Dial(ctx context.Context, opts model.ConnectOptions, wsURL string, cfg ConnConfig) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	c := &Conn{
		target:      model.TargetID(opts.Target),
		opts:        opts,
		wsURL:       wsURL,
		timeout:     cfg.CommandTimeout,
		log:         cfg.Logger.With("target", opts.Target),
		recorder:    NewEventRecorder(cfg.EventBufferLimit),
		pending:     make(map[uint64]pendingCall),
		state:       model.StateConnecting,
		inbound:     make(chan model.Event, inboundQueueSize),
		closed:      make(chan struct{}),
		readDone:    make(chan struct{}),
		dispatchEnd: make(chan struct{}),
	}
	c.interceptor = newInterceptor(c, cfg.ResourceTypes, cfg.Audit, c.log)

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(model.StateClosed)
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, wsURL, err)
	}
	c.ws = ws
	c.setState(model.StateOpen)
	c.log.Info("连接已建立", "url", wsURL)

	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// Target 连接对应的目标标识
func (c *Conn) Target() model.TargetID { return c.target }

// Options 建连参数
func (c *Conn) Options() model.ConnectOptions { return c.opts }

// State 当前生命周期状态
func (c *Conn) State() model.ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(s model.ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Recorder 事件录制器
func (c *Conn) Recorder() *EventRecorder { return c.recorder }

// Interceptor 请求拦截控制器
func (c *Conn) Interceptor() *Interceptor { return c.interceptor }

// ExecuteCommand 发送 "<domain>.<command>" 并等待结果
func (c *Conn) ExecuteCommand(ctx context.Context, domain, command string, params json.RawMessage, sessionID string) (json.RawMessage, error) {
	return c.Call(ctx, domain+"."+command, params, sessionID)
}

// Call 发送一条协议命令，与超时竞争，先完成者生效
// 超时后不会取消远端调用，迟到的响应直接丢弃
func (c *Conn) Call(ctx context.Context, method string, params json.RawMessage, sessionID string) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, method)
	default:
	}

	id := c.nextID.Add(1)
	frame, err := buildFrame(id, method, params, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: encode params: %v", ErrCommandFailed, method, err)
	}

	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = pendingCall{method: method, ch: ch}
	c.pendingMu.Unlock()

	if err := c.write(frame); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionClosed, method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.forget(id)
		c.log.Warn("命令执行超时", "method", method, "sessionId", sessionID, "timeout", c.timeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, method, c.timeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.forget(id)
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, method)
	}
}

func buildFrame(id uint64, method string, params json.RawMessage, sessionID string) ([]byte, error) {
	frame, err := sjson.SetBytes([]byte(`{}`), "id", id)
	if err != nil {
		return nil, err
	}
	if frame, err = sjson.SetBytes(frame, "method", method); err != nil {
		return nil, err
	}
	if len(params) > 0 && string(params) != "null" {
		if !json.Valid(params) {
			return nil, errors.New("params is not valid json")
		}
		if frame, err = sjson.SetRawBytes(frame, "params", params); err != nil {
			return nil, err
		}
	}
	if sessionID != "" {
		if frame, err = sjson.SetBytes(frame, "sessionId", sessionID); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) forget(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop 读取传输层消息：响应按 id 交付给等待方，事件放入分发队列
func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.inbound)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		if !gjson.ValidBytes(msg) {
			c.log.Warn("丢弃无法解析的消息", "size", len(msg))
			continue
		}
		if id := gjson.GetBytes(msg, "id"); id.Exists() {
			c.deliver(id.Uint(), msg)
			continue
		}
		method := gjson.GetBytes(msg, "method")
		if !method.Exists() {
			continue
		}
		ev := model.Event{
			Method:    method.String(),
			SessionID: gjson.GetBytes(msg, "sessionId").String(),
			Params:    json.RawMessage(gjson.GetBytes(msg, "params").Raw),
		}
		if len(ev.Params) == 0 {
			ev.Params = json.RawMessage(`{}`)
		}
		select {
		case c.inbound <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) deliver(id uint64, msg []byte) {
	c.pendingMu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug("丢弃迟到的响应", "id", id)
		return
	}

	if e := gjson.GetBytes(msg, "error"); e.Exists() {
		call.ch <- callResult{err: &ProtocolError{
			Method:  call.method,
			Code:    e.Get("code").Int(),
			Message: e.Get("message").String(),
			Data:    e.Get("data").String(),
		}}
		return
	}
	result := json.RawMessage(gjson.GetBytes(msg, "result").Raw)
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	call.ch <- callResult{result: result}
}

// dispatchLoop 按到达顺序处理事件：写入录制器，拦截事件交给拦截控制器
func (c *Conn) dispatchLoop() {
	defer close(c.dispatchEnd)
	for ev := range c.inbound {
		key := EventKey{Method: ev.Method, SessionID: ev.SessionID}
		if c.recorder.Append(key, ev.Params) {
			c.log.Debug("事件已录制", "method", ev.Method, "sessionId", ev.SessionID)
		}
		if ev.Method == requestPausedEvent {
			c.interceptor.dispatch(ev.SessionID, ev.Params)
		}
	}
}

func (c *Conn) handleDisconnect(err error) {
	if !c.closing.Load() {
		c.log.Warn("传输层连接断开", "error", fmt.Errorf("%w: %v", ErrTransportDisconnected, err))
	}
	c.shutdown()
}

// shutdown 标记关闭并让所有等待中的命令以 ErrConnectionClosed 结束
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.setState(model.StateClosed)
		close(c.closed)
		c.pendingMu.Lock()
		for id, call := range c.pending {
			call.ch <- callResult{err: fmt.Errorf("%w: %s", ErrConnectionClosed, call.method)}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
}

// Close 主动关闭连接，等待读取、分发循环与进行中的拦截处理退出
func (c *Conn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.dispatchEnd
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	err := c.ws.Close()
	c.shutdown()
	<-c.readDone
	<-c.dispatchEnd
	c.interceptor.Wait()
	c.log.Info("连接已关闭")
	return err
}

// Done 连接关闭后被关闭的通道
func (c *Conn) Done() <-chan struct{} { return c.closed }

// RecordEventData 开始录制事件，重复调用不会清空已有数据
func (c *Conn) RecordEventData(domain, event, sessionID string) {
	c.recorder.Start(NewEventKey(domain, event, sessionID))
}

// StopRecordingEventData 停止录制并丢弃未读取的数据
func (c *Conn) StopRecordingEventData(domain, event, sessionID string) {
	c.recorder.Stop(NewEventKey(domain, event, sessionID))
}

// GetEventData 读取并清空已录制的事件
func (c *Conn) GetEventData(domain, event, sessionID string) []json.RawMessage {
	key := NewEventKey(domain, event, sessionID)
	if n := c.recorder.Dropped(key); n > 0 {
		c.log.Warn("事件缓存超限，已丢弃最旧数据", "method", key.Method, "sessionId", sessionID, "dropped", n)
	}
	return c.recorder.Drain(key)
}

// Intercept 在会话上启用请求拦截
func (c *Conn) Intercept(ctx context.Context, sessionID string, spec model.InjectionSpec) error {
	return c.interceptor.Intercept(ctx, sessionID, spec)
}

// StopIntercepting 停用会话上的请求拦截
func (c *Conn) StopIntercepting(ctx context.Context, sessionID string) error {
	return c.interceptor.StopIntercepting(ctx, sessionID)
}
