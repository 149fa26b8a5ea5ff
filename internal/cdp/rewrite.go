package cdp

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
)

// InjectQuery 将查询参数追加到 URL，保留原有查询串
// 只要任一参数名已出现在 URL 中即视为已注入，整体跳过，避免重定向或重试时重复注入
func InjectQuery(rawURL string, params map[string]string) (string, bool) {
	if len(params) == 0 {
		return rawURL, false
	}
	keys := sortedKeys(params)
	for _, k := range keys {
		if containsQueryKey(rawURL, url.QueryEscape(k)) {
			return rawURL, false
		}
	}

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	qs := strings.Join(pairs, "&")

	base, fragment := rawURL, ""
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		base, fragment = rawURL[:i], rawURL[i:]
	}
	switch {
	case !strings.Contains(base, "?"):
		base += "?" + qs
	case strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&"):
		base += qs
	default:
		base += "&" + qs
	}
	return base + fragment, true
}

func containsQueryKey(rawURL, escapedKey string) bool {
	i := strings.IndexByte(rawURL, '?')
	if i < 0 {
		return false
	}
	query := rawURL[i+1:]
	if j := strings.IndexByte(query, '#'); j >= 0 {
		query = query[:j]
	}
	for _, pair := range strings.Split(query, "&") {
		name, _, _ := strings.Cut(pair, "=")
		if name == escapedKey {
			return true
		}
	}
	return false
}

// MergeHeaders 以注入头覆盖原始请求头（名称大小写不敏感），输出协议需要的头部条目列表
func MergeHeaders(original json.RawMessage, injected map[string]string) ([]fetch.HeaderEntry, error) {
	merged := map[string]string{}
	if len(original) > 0 && string(original) != "null" {
		var h map[string]any
		if err := json.Unmarshal(original, &h); err != nil {
			return nil, err
		}
		for k, v := range h {
			switch x := v.(type) {
			case string:
				merged[k] = x
			default:
				b, _ := json.Marshal(x)
				merged[k] = string(b)
			}
		}
	}
	for name, value := range injected {
		for k := range merged {
			if strings.EqualFold(k, name) {
				delete(merged, k)
			}
		}
		merged[name] = value
	}

	entries := make([]fetch.HeaderEntry, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: merged[k]})
	}
	return entries, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
