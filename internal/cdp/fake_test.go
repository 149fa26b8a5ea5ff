package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cdpgateway/pkg/model"
)

// call 假浏览器收到的一条命令
type call struct {
	ID        uint64
	Method    string
	SessionID string
	Params    gjson.Result
}

// fakeBrowser 模拟 DevTools websocket 端点：记录命令、按配置应答并可主动推送事件
type fakeBrowser struct {
	srv   *httptest.Server
	calls chan call

	mu      sync.Mutex
	conn    *websocket.Conn
	held    map[string]bool
	fails   map[string]string
	results map[string]string

	writeMu sync.Mutex
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{
		calls:   make(chan call, 256),
		held:    map[string]bool{},
		fails:   map[string]string{},
		results: map[string]string{},
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/devtools/page/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = ws
		fb.mu.Unlock()
		fb.serve(ws)
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"id":"T1","type":"page","title":"blank","url":"about:blank","webSocketDebuggerUrl":%q}]`, fb.wsURL("T1"))
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/page/" + id
}

func (fb *fakeBrowser) hold(method string) {
	fb.mu.Lock()
	fb.held[method] = true
	fb.mu.Unlock()
}

func (fb *fakeBrowser) fail(method, message string) {
	fb.mu.Lock()
	fb.fails[method] = message
	fb.mu.Unlock()
}

func (fb *fakeBrowser) result(method, raw string) {
	fb.mu.Lock()
	fb.results[method] = raw
	fb.mu.Unlock()
}

func (fb *fakeBrowser) serve(ws *websocket.Conn) {
	defer ws.Close()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		c := call{
			ID:        gjson.GetBytes(msg, "id").Uint(),
			Method:    gjson.GetBytes(msg, "method").String(),
			SessionID: gjson.GetBytes(msg, "sessionId").String(),
			Params:    gjson.GetBytes(msg, "params"),
		}
		fb.calls <- c

		fb.mu.Lock()
		held := fb.held[c.Method]
		errMsg, failing := fb.fails[c.Method]
		res, ok := fb.results[c.Method]
		fb.mu.Unlock()
		switch {
		case held:
		case failing:
			fb.send(fmt.Sprintf(`{"id":%d,"error":{"code":-32000,"message":%q}}`, c.ID, errMsg))
		default:
			if !ok {
				res = `{}`
			}
			fb.reply(c.ID, res)
		}
	}
}

func (fb *fakeBrowser) send(frame string) {
	fb.mu.Lock()
	ws := fb.conn
	fb.mu.Unlock()
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (fb *fakeBrowser) reply(id uint64, result string) {
	fb.send(fmt.Sprintf(`{"id":%d,"result":%s}`, id, result))
}

func (fb *fakeBrowser) emit(method, sessionID, params string) {
	if sessionID == "" {
		fb.send(fmt.Sprintf(`{"method":%q,"params":%s}`, method, params))
		return
	}
	fb.send(fmt.Sprintf(`{"method":%q,"params":%s,"sessionId":%q}`, method, params, sessionID))
}

// dropConnection 模拟浏览器侧断开
func (fb *fakeBrowser) dropConnection() {
	fb.mu.Lock()
	ws := fb.conn
	fb.mu.Unlock()
	_ = ws.Close()
}

// waitCall 等待指定方法的命令，跳过其他命令
func (fb *fakeBrowser) waitCall(t *testing.T, method string) call {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-fb.calls:
			if c.Method == method {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", method)
			return call{}
		}
	}
}

func dialFake(t *testing.T, fb *fakeBrowser, cfg ConnConfig) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), model.ConnectOptions{Target: "T1"}, fb.wsURL("T1"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// collectEvents 反复读取直到累计 n 条事件
func collectEvents(t *testing.T, c *Conn, domain, event, sessionID string, n int) []json.RawMessage {
	t.Helper()
	var got []json.RawMessage
	require.Eventually(t, func() bool {
		got = append(got, c.GetEventData(domain, event, sessionID)...)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

// flushEvents 推送一个标记事件并等待其被录制，保证之前的事件已分发完毕
func flushEvents(t *testing.T, fb *fakeBrowser, c *Conn) {
	t.Helper()
	c.RecordEventData("Test", "marker", "")
	fb.emit("Test.marker", "", `{}`)
	collectEvents(t, c, "Test", "marker", "", 1)
}
