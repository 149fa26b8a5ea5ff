package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"cdpgateway/internal/logger"
	"cdpgateway/pkg/model"
)

const requestPausedEvent = "Fetch.requestPaused"

// DefaultResourceTypes 默认只拦截文档与 XHR/Fetch 请求
var DefaultResourceTypes = []string{
	string(network.ResourceTypeDocument),
	string(network.ResourceTypeXHR),
	string(network.ResourceTypeFetch),
}

// InterceptAudit 拦截改写记录的持久化接口
type InterceptAudit interface {
	RecordIntercept(ctx context.Context, rec model.InterceptRecord) error
}

// caller 拦截控制器依赖的命令通道
type caller interface {
	Call(ctx context.Context, method string, params json.RawMessage, sessionID string) (json.RawMessage, error)
	Target() model.TargetID
}

// interception 单个会话上的拦截处理器
type interception struct {
	id      uint64
	spec    model.InjectionSpec
	enabled bool
}

// Interceptor 按协议会话管理请求拦截，每个会话最多一个活动处理器
type Interceptor struct {
	conn          caller
	resourceTypes []string
	audit         InterceptAudit
	log           logger.Logger
	resumeTimeout time.Duration

	mu       sync.Mutex
	nextID   uint64
	sessions map[string]*interception
	locks    map[string]*sync.Mutex
	inflight sync.WaitGroup
}

func newInterceptor(conn caller, resourceTypes []string, audit InterceptAudit, l logger.Logger) *Interceptor {
	if len(resourceTypes) == 0 {
		resourceTypes = DefaultResourceTypes
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Interceptor{
		conn:          conn,
		resourceTypes: resourceTypes,
		audit:         audit,
		log:           l,
		resumeTimeout: 5 * time.Second,
		sessions:      make(map[string]*interception),
		locks:         make(map[string]*sync.Mutex),
	}
}

// Intercept 在会话上启用拦截，同一会话的启停操作串行执行
// 首次启用时处理器先于 Fetch.enable 注册；替换时旧处理器在新的 Fetch.enable 确认前保持生效
// 启用失败时保留旧处理器，没有旧处理器则尽力发送 Fetch.disable，避免请求停在暂停状态
func (ic *Interceptor) Intercept(ctx context.Context, sessionID string, spec model.InjectionSpec) error {
	lock := ic.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	types := spec.ResourceTypes
	if len(types) == 0 {
		types = ic.resourceTypes
	}
	params, err := json.Marshal(&fetch.EnableArgs{Patterns: buildPatterns(types)})
	if err != nil {
		return err
	}

	ic.mu.Lock()
	_, replacing := ic.sessions[sessionID]
	ic.nextID++
	it := &interception{id: ic.nextID, spec: spec}
	if !replacing {
		ic.sessions[sessionID] = it
	}
	ic.mu.Unlock()

	if _, err := ic.conn.Call(ctx, "Fetch.enable", params, sessionID); err != nil {
		if replacing {
			ic.log.Warn("重新启用拦截失败，保留原处理器", "sessionId", sessionID, "error", err)
			return err
		}
		ic.unregister(sessionID, it.id)
		ic.disableQuietly(sessionID)
		return err
	}

	ic.mu.Lock()
	it.enabled = true
	ic.sessions[sessionID] = it
	ic.mu.Unlock()
	if replacing {
		ic.log.Info("已替换拦截处理器", "sessionId", sessionID)
	}
	ic.log.Info("请求拦截已启用", "sessionId", sessionID, "resourceTypes", types,
		"query", len(spec.Query), "headers", len(spec.Headers))
	return nil
}

// StopIntercepting 注销处理器（如有）并始终发送 Fetch.disable
func (ic *Interceptor) StopIntercepting(ctx context.Context, sessionID string) error {
	lock := ic.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ic.mu.Lock()
	_, had := ic.sessions[sessionID]
	delete(ic.sessions, sessionID)
	ic.mu.Unlock()

	if _, err := ic.conn.Call(ctx, "Fetch.disable", nil, sessionID); err != nil {
		return err
	}
	ic.log.Info("请求拦截已停用", "sessionId", sessionID, "hadHandler", had)
	return nil
}

func (ic *Interceptor) sessionLock(sessionID string) *sync.Mutex {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	l, ok := ic.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		ic.locks[sessionID] = l
	}
	return l
}

// disableQuietly 启用失败后关闭会话上的 Fetch 域，超时或取消时浏览器可能已经启用
func (ic *Interceptor) disableQuietly(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ic.resumeTimeout)
	defer cancel()
	if _, err := ic.conn.Call(ctx, "Fetch.disable", nil, sessionID); err != nil {
		ic.log.Debug("启用失败后关闭拦截未成功", "sessionId", sessionID, "error", err)
	}
}

// Enabled 判断会话上的拦截是否已启用
func (ic *Interceptor) Enabled(sessionID string) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	it, ok := ic.sessions[sessionID]
	return ok && it.enabled
}

// Sessions 返回注册了处理器的会话 ID
func (ic *Interceptor) Sessions() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]string, 0, len(ic.sessions))
	for sid := range ic.sessions {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Wait 等待所有正在处理的拦截请求结束
func (ic *Interceptor) Wait() { ic.inflight.Wait() }

func (ic *Interceptor) unregister(sessionID string, id uint64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if cur, ok := ic.sessions[sessionID]; ok && cur.id == id {
		delete(ic.sessions, sessionID)
	}
}

// dispatch 由连接的分发循环调用，处理在独立 goroutine 中进行，不阻塞后续事件
func (ic *Interceptor) dispatch(sessionID string, params json.RawMessage) {
	ic.mu.Lock()
	it, ok := ic.sessions[sessionID]
	var spec model.InjectionSpec
	if ok {
		spec = it.spec
	}
	ic.mu.Unlock()
	if !ok {
		ic.log.Debug("会话无拦截处理器，忽略暂停事件", "sessionId", sessionID)
		return
	}

	var ev fetch.RequestPausedReply
	if err := json.Unmarshal(params, &ev); err != nil {
		ic.log.Err(err, "解析暂停事件失败", "sessionId", sessionID)
		return
	}
	ic.inflight.Add(1)
	go func() {
		defer ic.inflight.Done()
		ic.handle(sessionID, spec, &ev)
	}()
}

// handle 改写并恢复一个被暂停的请求；恢复失败只记录日志
func (ic *Interceptor) handle(sessionID string, spec model.InjectionSpec, ev *fetch.RequestPausedReply) {
	args := rewriteRequest(ev, spec, ic.log)
	finalURL := ev.Request.URL
	if args.URL != nil {
		finalURL = *args.URL
	}

	ctx, cancel := context.WithTimeout(context.Background(), ic.resumeTimeout)
	defer cancel()

	rec := model.InterceptRecord{
		ID:          uuid.NewString(),
		Target:      ic.conn.Target(),
		SessionID:   model.SessionID(sessionID),
		RequestID:   string(ev.RequestID),
		OriginalURL: ev.Request.URL,
		FinalURL:    finalURL,
		Headers:     sortedKeys(spec.Headers),
		Resumed:     true,
		Timestamp:   time.Now(),
	}

	params, err := json.Marshal(args)
	if err == nil {
		_, err = ic.conn.Call(ctx, "Fetch.continueRequest", params, sessionID)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInterceptResumeFailed, err)
		ic.log.Warn("恢复被拦截请求失败", "sessionId", sessionID, "requestId", ev.RequestID, "error", err)
		rec.Resumed = false
		rec.Error = err.Error()
	} else {
		ic.log.Debug("被拦截请求已恢复", "sessionId", sessionID, "requestId", ev.RequestID, "url", finalURL)
	}

	if ic.audit != nil {
		if err := ic.audit.RecordIntercept(context.Background(), rec); err != nil {
			ic.log.Err(err, "写入拦截记录失败", "requestId", ev.RequestID)
		}
	}
}

// rewriteRequest 根据注入配置计算 Fetch.continueRequest 参数
func rewriteRequest(ev *fetch.RequestPausedReply, spec model.InjectionSpec, l logger.Logger) *fetch.ContinueRequestArgs {
	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
	if len(spec.Query) > 0 {
		if u, changed := InjectQuery(ev.Request.URL, spec.Query); changed {
			args.URL = &u
		}
	}
	if len(spec.Headers) > 0 {
		headers, err := MergeHeaders(json.RawMessage(ev.Request.Headers), spec.Headers)
		if err != nil {
			l.Err(err, "解析原始请求头失败，仅使用注入头", "requestId", ev.RequestID)
			headers, _ = MergeHeaders(nil, spec.Headers)
		}
		args.Headers = headers
	}
	return args
}

func buildPatterns(types []string) []fetch.RequestPattern {
	all := "*"
	patterns := make([]fetch.RequestPattern, 0, len(types))
	for _, t := range types {
		rt := network.ResourceType(t)
		patterns = append(patterns, fetch.RequestPattern{
			URLPattern:   &all,
			ResourceType: &rt,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return patterns
}
