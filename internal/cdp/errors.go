package cdp

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTarget 目标未注册
	ErrUnknownTarget = errors.New("unknown target")
	// ErrDuplicateTarget 目标已注册或正在建连
	ErrDuplicateTarget = errors.New("duplicate target")
	// ErrConnectFailed 解析调试地址或建立 websocket 失败
	ErrConnectFailed = errors.New("connect failed")
	// ErrConnectionClosed 连接已关闭，命令无法发送或等待被中断
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCommandTimeout 命令在超时前未收到响应
	ErrCommandTimeout = errors.New("command timeout")
	// ErrCommandFailed 远端返回错误对象或参数无法编码
	ErrCommandFailed = errors.New("command failed")
	// ErrInterceptResumeFailed 恢复被暂停的请求失败，只记录日志
	ErrInterceptResumeFailed = errors.New("intercept resume failed")
	// ErrTransportDisconnected 传输层意外断开，只记录日志
	ErrTransportDisconnected = errors.New("transport disconnected")
)

// ProtocolError 远端返回的协议级错误对象
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s: %s (%d): %s", e.Method, e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

// Unwrap 协议错误归类为命令失败
func (e *ProtocolError) Unwrap() error { return ErrCommandFailed }
