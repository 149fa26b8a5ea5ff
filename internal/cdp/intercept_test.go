package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpgateway/internal/logger"
	"cdpgateway/pkg/model"
)

type auditStub struct {
	mu   sync.Mutex
	recs []model.InterceptRecord
}

func (a *auditStub) RecordIntercept(_ context.Context, rec model.InterceptRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *auditStub) records() []model.InterceptRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.InterceptRecord(nil), a.recs...)
}

func pausedParams(requestID, url string) string {
	return `{"requestId":"` + requestID + `","frameId":"F1","resourceType":"Document",` +
		`"request":{"url":"` + url + `","method":"GET","headers":{"Accept":"*/*","X-Token":"old"},` +
		`"initialPriority":"VeryHigh","referrerPolicy":"no-referrer"}}`
}

func TestInterceptQueryInjectionScenario(t *testing.T) {
	fb := newFakeBrowser(t)
	audit := &auditStub{}
	c := dialFake(t, fb, ConnConfig{Audit: audit})

	err := c.Intercept(context.Background(), "S1", model.InjectionSpec{Query: map[string]string{"injected": "1"}})
	require.NoError(t, err)
	assert.True(t, c.Interceptor().Enabled("S1"))

	enable := fb.waitCall(t, "Fetch.enable")
	assert.Equal(t, "S1", enable.SessionID)
	patterns := enable.Params.Get("patterns").Array()
	require.Len(t, patterns, 3)
	assert.Equal(t, "Document", patterns[0].Get("resourceType").String())
	assert.Equal(t, "XHR", patterns[1].Get("resourceType").String())
	assert.Equal(t, "Fetch", patterns[2].Get("resourceType").String())
	assert.Equal(t, "Request", patterns[0].Get("requestStage").String())
	assert.Equal(t, "*", patterns[0].Get("urlPattern").String())

	fb.emit("Fetch.requestPaused", "S1", pausedParams("r1", "http://x/y?a=1"))
	first := fb.waitCall(t, "Fetch.continueRequest")
	assert.Equal(t, "S1", first.SessionID)
	assert.Equal(t, "r1", first.Params.Get("requestId").String())
	assert.Equal(t, "http://x/y?a=1&injected=1", first.Params.Get("url").String())

	fb.emit("Fetch.requestPaused", "S1", pausedParams("r2", "http://x/y?injected=1"))
	second := fb.waitCall(t, "Fetch.continueRequest")
	assert.Equal(t, "r2", second.Params.Get("requestId").String())
	assert.False(t, second.Params.Get("url").Exists())

	c.Interceptor().Wait()
	recs := audit.records()
	require.Len(t, recs, 2)
	byRequest := map[string]model.InterceptRecord{}
	for _, rec := range recs {
		byRequest[rec.RequestID] = rec
	}
	assert.Equal(t, "http://x/y?a=1&injected=1", byRequest["r1"].FinalURL)
	assert.Equal(t, "http://x/y?injected=1", byRequest["r2"].FinalURL)
	assert.Equal(t, model.TargetID("T1"), byRequest["r1"].Target)
	assert.True(t, byRequest["r1"].Resumed)
}

func TestInterceptTwiceKeepsOnlySecondInjection(t *testing.T) {
	fb := newFakeBrowser(t)
	c := dialFake(t, fb, ConnConfig{})
	ctx := context.Background()

	require.NoError(t, c.Intercept(ctx, "S1", model.InjectionSpec{Query: map[string]string{"first": "1"}}))
	require.NoError(t, c.Intercept(ctx, "S1", model.InjectionSpec{Query: map[string]string{"second": "2"}}))
	assert.Equal(t, []string{"S1"}, c.Interceptor().Sessions())

	fb.emit("Fetch.requestPaused", "S1", pausedParams("r1", "http://x/"))
	got := fb.waitCall(t, "Fetch.continueRequest")
	assert.Equal(t, "http://x/?second=2", got.Params.Get("url").String())

	// 两次启用共只产生一次恢复调用
	c.Interceptor().Wait()
	select {
	case extra := <-fb.calls:
		assert.NotEqual(t, "Fetch.continueRequest", extra.Method)
	default:
	}
}

func TestInterceptHeaderInjection(t *testing.T) {
	fb := newFakeBrowser(t)
	c := dialFake(t, fb, ConnConfig{})

	spec := model.InjectionSpec{
		Headers:       map[string]string{"x-token": "new", "X-Extra": "1"},
		ResourceTypes: []string{"XHR"},
	}
	require.NoError(t, c.Intercept(context.Background(), "", spec))
	enable := fb.waitCall(t, "Fetch.enable")
	require.Len(t, enable.Params.Get("patterns").Array(), 1)
	assert.Empty(t, enable.SessionID)

	fb.emit("Fetch.requestPaused", "", pausedParams("r1", "http://x/api"))
	got := fb.waitCall(t, "Fetch.continueRequest")
	assert.False(t, got.Params.Get("url").Exists())

	headers := map[string]string{}
	for _, h := range got.Params.Get("headers").Array() {
		headers[h.Get("name").String()] = h.Get("value").String()
	}
	assert.Equal(t, map[string]string{"Accept": "*/*", "x-token": "new", "X-Extra": "1"}, headers)
}

func TestResumeFailureIsSwallowed(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.fail("Fetch.continueRequest", "Invalid InterceptionId.")
	audit := &auditStub{}
	c := dialFake(t, fb, ConnConfig{Audit: audit})

	require.NoError(t, c.Intercept(context.Background(), "S1", model.InjectionSpec{Query: map[string]string{"k": "v"}}))

	fb.emit("Fetch.requestPaused", "S1", pausedParams("r1", "http://x/1"))
	fb.waitCall(t, "Fetch.continueRequest")
	fb.emit("Fetch.requestPaused", "S1", pausedParams("r2", "http://x/2"))
	got := fb.waitCall(t, "Fetch.continueRequest")
	assert.Equal(t, "r2", got.Params.Get("requestId").String())

	c.Interceptor().Wait()
	assert.True(t, c.Interceptor().Enabled("S1"))
	for _, rec := range audit.records() {
		assert.False(t, rec.Resumed)
		assert.Contains(t, rec.Error, "Invalid InterceptionId")
	}
}

func TestPausedEventsForOtherSessionsAreIgnored(t *testing.T) {
	fb := newFakeBrowser(t)
	c := dialFake(t, fb, ConnConfig{})
	require.NoError(t, c.Intercept(context.Background(), "S1", model.InjectionSpec{Query: map[string]string{"k": "v"}}))

	fb.emit("Fetch.requestPaused", "S2", pausedParams("other", "http://x/"))
	fb.emit("Fetch.requestPaused", "S1", pausedParams("mine", "http://x/"))

	got := fb.waitCall(t, "Fetch.continueRequest")
	assert.Equal(t, "mine", got.Params.Get("requestId").String())
}

func TestInterceptEnableFailureLeavesNoHandler(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.fail("Fetch.enable", "Fetch domain is not available")
	c := dialFake(t, fb, ConnConfig{})

	err := c.Intercept(context.Background(), "S1", model.InjectionSpec{Query: map[string]string{"k": "v"}})
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Empty(t, c.Interceptor().Sessions())
	assert.False(t, c.Interceptor().Enabled("S1"))

	// 没有可用处理器时关闭 Fetch 域，避免请求一直暂停
	disable := fb.waitCall(t, "Fetch.disable")
	assert.Equal(t, "S1", disable.SessionID)
}

func TestFailedReinterceptKeepsPreviousHandler(t *testing.T) {
	fb := newFakeBrowser(t)
	c := dialFake(t, fb, ConnConfig{})
	ctx := context.Background()

	require.NoError(t, c.Intercept(ctx, "S1", model.InjectionSpec{Query: map[string]string{"first": "1"}}))
	fb.waitCall(t, "Fetch.enable")

	fb.fail("Fetch.enable", "Invalid parameters")
	err := c.Intercept(ctx, "S1", model.InjectionSpec{Query: map[string]string{"second": "2"}, ResourceTypes: []string{"Bogus"}})
	assert.True(t, errors.Is(err, ErrCommandFailed))
	fb.waitCall(t, "Fetch.enable")
	assert.Equal(t, []string{"S1"}, c.Interceptor().Sessions())
	assert.True(t, c.Interceptor().Enabled("S1"))

	fb.emit("Fetch.requestPaused", "S1", pausedParams("r1", "http://x/"))
	got := fb.waitCall(t, "Fetch.continueRequest")
	assert.Equal(t, "r1", got.Params.Get("requestId").String())
	assert.Equal(t, "http://x/?first=1", got.Params.Get("url").String())
}

func TestConcurrentInterceptsAreSerialized(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.hold("Fetch.enable")
	c := dialFake(t, fb, ConnConfig{})
	ctx := context.Background()

	errc := make(chan error, 2)
	go func() {
		errc <- c.Intercept(ctx, "S1", model.InjectionSpec{Query: map[string]string{"a": "1"}, ResourceTypes: []string{"XHR"}})
	}()
	first := fb.waitCall(t, "Fetch.enable")
	assert.Equal(t, "XHR", first.Params.Get("patterns.0.resourceType").String())

	go func() {
		errc <- c.Intercept(ctx, "S1", model.InjectionSpec{Query: map[string]string{"b": "2"}, ResourceTypes: []string{"Document"}})
	}()
	select {
	case extra := <-fb.calls:
		t.Fatalf("second intercept sent %s before the first finished", extra.Method)
	case <-time.After(100 * time.Millisecond):
	}

	fb.reply(first.ID, `{}`)
	second := fb.waitCall(t, "Fetch.enable")
	assert.Equal(t, "Document", second.Params.Get("patterns.0.resourceType").String())
	fb.reply(second.ID, `{}`)
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	fb.emit("Fetch.requestPaused", "S1", pausedParams("r1", "http://x/"))
	got := fb.waitCall(t, "Fetch.continueRequest")
	assert.Equal(t, "http://x/?b=2", got.Params.Get("url").String())
}

func TestStopIntercepting(t *testing.T) {
	fb := newFakeBrowser(t)
	c := dialFake(t, fb, ConnConfig{})
	ctx := context.Background()

	require.NoError(t, c.StopIntercepting(ctx, "S1"))
	disable := fb.waitCall(t, "Fetch.disable")
	assert.Equal(t, "S1", disable.SessionID)

	require.NoError(t, c.Intercept(ctx, "S1", model.InjectionSpec{Query: map[string]string{"k": "v"}}))
	require.NoError(t, c.StopIntercepting(ctx, "S1"))
	fb.waitCall(t, "Fetch.disable")
	assert.Empty(t, c.Interceptor().Sessions())
	assert.False(t, c.Interceptor().Enabled("S1"))
}

func TestRewriteRequest(t *testing.T) {
	var ev fetch.RequestPausedReply
	require.NoError(t, json.Unmarshal([]byte(pausedParams("r1", "http://x/y?a=1")), &ev))

	args := rewriteRequest(&ev, model.InjectionSpec{
		Query:   map[string]string{"q": "1"},
		Headers: map[string]string{"X-Token": "new"},
	}, logger.NewNop())

	assert.Equal(t, fetch.RequestID("r1"), args.RequestID)
	require.NotNil(t, args.URL)
	assert.Equal(t, "http://x/y?a=1&q=1", *args.URL)
	assert.Equal(t, []fetch.HeaderEntry{
		{Name: "Accept", Value: "*/*"},
		{Name: "X-Token", Value: "new"},
	}, args.Headers)

	none := rewriteRequest(&ev, model.InjectionSpec{}, logger.NewNop())
	assert.Nil(t, none.URL)
	assert.Nil(t, none.Headers)
}

func TestInterceptCallsThroughClosedConnection(t *testing.T) {
	fb := newFakeBrowser(t)
	c := dialFake(t, fb, ConnConfig{CommandTimeout: time.Second})
	require.NoError(t, c.Close())

	err := c.Intercept(context.Background(), "S1", model.InjectionSpec{})
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.Empty(t, c.Interceptor().Sessions())
}
