package cdp

import (
	"encoding/json"
	"sync"
)

// EventKey 事件流标识：方法名 + 可选的协议会话 ID
type EventKey struct {
	Method    string
	SessionID string
}

// NewEventKey 由 domain 与 event 组合出事件键
func NewEventKey(domain, event, sessionID string) EventKey {
	return EventKey{Method: domain + "." + event, SessionID: sessionID}
}

// EventRecorder 按事件键缓存事件参数，仅对已开启录制的键生效
type EventRecorder struct {
	mu      sync.Mutex
	limit   int
	buffers map[EventKey][]json.RawMessage
	dropped map[EventKey]int
}

// NewEventRecorder 创建录制器，limit 为每个键的最大缓存条数，0 表示不限制
func NewEventRecorder(limit int) *EventRecorder {
	return &EventRecorder{
		limit:   limit,
		buffers: make(map[EventKey][]json.RawMessage),
		dropped: make(map[EventKey]int),
	}
}

// Start 开启录制，已开启时不做任何改动
func (r *EventRecorder) Start(key EventKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[key]; !ok {
		r.buffers[key] = []json.RawMessage{}
	}
}

// Stop 停止录制并丢弃尚未读取的数据
func (r *EventRecorder) Stop(key EventKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, key)
	delete(r.dropped, key)
}

// Recording 判断键是否处于录制状态
func (r *EventRecorder) Recording(key EventKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.buffers[key]
	return ok
}

// Append 追加一条事件，未录制的键直接丢弃并返回 false
func (r *EventRecorder) Append(key EventKey, params json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[key]
	if !ok {
		return false
	}
	if r.limit > 0 && len(buf) >= r.limit {
		// 超出上限时丢弃最旧的一条
		buf = buf[1:]
		r.dropped[key]++
	}
	r.buffers[key] = append(buf, params)
	return true
}

// Drain 返回当前缓存并清空，未录制的键返回空切片
func (r *EventRecorder) Drain(key EventKey) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[key]
	if !ok || len(buf) == 0 {
		return []json.RawMessage{}
	}
	r.buffers[key] = []json.RawMessage{}
	delete(r.dropped, key)
	return buf
}

// Dropped 返回自上次读取以来因超限被丢弃的条数
func (r *EventRecorder) Dropped(key EventKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[key]
}

// Keys 返回所有处于录制状态的键
func (r *EventRecorder) Keys() []EventKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]EventKey, 0, len(r.buffers))
	for k := range r.buffers {
		keys = append(keys, k)
	}
	return keys
}
