package model

import (
	"encoding/json"
	"time"
)

type TargetID string
type SessionID string

// ConnState 连接生命周期状态
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
)

// ConnectOptions 建立调试连接的参数
// Target 可以是完整的 ws:// / wss:// 调试地址，也可以是 /json/list 中的目标 ID
type ConnectOptions struct {
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Secure      bool   `json:"secure,omitempty"`
	UseHostName bool   `json:"useHostName,omitempty"`
	Target      string `json:"target"`
}

// ConnectionInfo 连接列表项
type ConnectionInfo struct {
	ConnectOptions
	State ConnState `json:"state"`
}

// InjectionSpec 请求拦截注入配置
type InjectionSpec struct {
	Query         map[string]string `json:"query,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ResourceTypes []string          `json:"resourceTypes,omitempty"`
}

// Empty 是否没有任何注入内容
func (s InjectionSpec) Empty() bool {
	return len(s.Query) == 0 && len(s.Headers) == 0
}

// Event 原始协议事件
type Event struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params"`
}

type TargetInfo struct {
	ID                   TargetID `json:"id"`
	Type                 string   `json:"type"`
	URL                  string   `json:"url"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	WebSocketDebuggerURL string   `json:"webSocketDebuggerUrl,omitempty"`
}

// VersionInfo /json/version 返回的浏览器版本信息
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version,omitempty"`
	WebKitVersion        string `json:"WebKit-Version,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// InterceptRecord 一次被改写的拦截请求
type InterceptRecord struct {
	ID          string    `json:"id"`
	Target      TargetID  `json:"target"`
	SessionID   SessionID `json:"sessionId,omitempty"`
	RequestID   string    `json:"requestId"`
	OriginalURL string    `json:"originalUrl"`
	FinalURL    string    `json:"finalUrl"`
	Headers     []string  `json:"headers,omitempty"` // 注入的头部名称
	Resumed     bool      `json:"resumed"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
