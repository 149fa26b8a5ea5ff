package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/mafredri/cdp/devtool"

	"cdpgateway/pkg/model"
)

// Client 访问浏览器 DevTools HTTP 端点
type Client struct {
	resolver *net.Resolver
}

// New 创建 DevTools HTTP 客户端
func New() *Client {
	return &Client{resolver: net.DefaultResolver}
}

// BaseURL 根据建连参数生成 http(s)://host:port
// UseHostName 为 false 且 host 不是 IP 时先解析为 IP，部分浏览器会拒绝非 IP / localhost 的 Host 头
func (c *Client) BaseURL(ctx context.Context, opts model.ConnectOptions) (string, error) {
	if opts.Host == "" || opts.Port == 0 {
		return "", fmt.Errorf("host and port are required")
	}
	host := opts.Host
	if !opts.UseHostName && net.ParseIP(host) == nil && host != "localhost" {
		ip, err := c.lookup(ctx, host)
		if err != nil {
			return "", err
		}
		host = ip
	}
	scheme := "http"
	if opts.Secure {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(opts.Port)), nil
}

// Version 读取 /json/version
func (c *Client) Version(ctx context.Context, opts model.ConnectOptions) (*model.VersionInfo, error) {
	base, err := c.BaseURL(ctx, opts)
	if err != nil {
		return nil, err
	}
	v, err := devtool.New(base).Version(ctx)
	if err != nil {
		return nil, err
	}
	// devtool.Version 与 model.VersionInfo 使用相同的 JSON 键，经 JSON 转换以保留全部字段
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	info := &model.VersionInfo{}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

// List 读取 /json/list
func (c *Client) List(ctx context.Context, opts model.ConnectOptions) ([]model.TargetInfo, error) {
	base, err := c.BaseURL(ctx, opts)
	if err != nil {
		return nil, err
	}
	targets, err := devtool.New(base).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, model.TargetInfo{
			ID:                   model.TargetID(t.ID),
			Type:                 string(t.Type),
			URL:                  t.URL,
			Title:                t.Title,
			Description:          t.Description,
			WebSocketDebuggerURL: t.WebSocketDebuggerURL,
		})
	}
	return out, nil
}

// ResolveTarget 将目标 ID 解析为 websocket 调试地址
func (c *Client) ResolveTarget(ctx context.Context, opts model.ConnectOptions) (string, error) {
	targets, err := c.List(ctx, opts)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if string(t.ID) == opts.Target {
			if t.WebSocketDebuggerURL == "" {
				return "", fmt.Errorf("target %s is already being debugged", opts.Target)
			}
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no target with id %s", opts.Target)
}

// ResolveDebuggerURL 将调试地址中的主机名替换为解析得到的 IP
func (c *Client) ResolveDebuggerURL(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" || net.ParseIP(host) != nil {
		return raw, nil
	}
	ip, err := c.lookup(ctx, host)
	if err != nil {
		return "", err
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(ip, port)
	} else if net.ParseIP(ip).To4() == nil {
		u.Host = "[" + ip + "]"
	} else {
		u.Host = ip
	}
	return u.String(), nil
}

func (c *Client) lookup(ctx context.Context, host string) (string, error) {
	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no address for %s", host)
	}
	return addrs[0], nil
}
