package grab

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quickgrab/internal/fetcher"
	"quickgrab/internal/model"
	proxymodel "quickgrab/proxypool/model"
)

type reply struct {
	status int
	body   string
	err    error
}

// scriptedDoer 按路径依次返回预设的响应，最后一个响应会被重复使用。
type scriptedDoer struct {
	mu       sync.Mutex
	replies  map[string][]reply
	requests []fetcher.Request
}

func newScriptedDoer() *scriptedDoer {
	return &scriptedDoer{replies: map[string][]reply{}}
}

func (d *scriptedDoer) on(path string, replies ...reply) *scriptedDoer {
	d.replies[path] = append(d.replies[path], replies...)
	return d
}

func (d *scriptedDoer) Fetch(_ context.Context, req fetcher.Request) (*fetcher.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	queue := d.replies[u.Path]
	if len(queue) == 0 {
		return nil, errors.New("unexpected request " + req.URL)
	}
	r := queue[0]
	if len(queue) > 1 {
		d.replies[u.Path] = queue[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == 0 {
		status = 200
	}
	return &fetcher.Response{StatusCode: status, Body: []byte(r.body), URL: u}, nil
}

func (d *scriptedDoer) calls(path string) []fetcher.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []fetcher.Request
	for _, r := range d.requests {
		if strings.HasSuffix(strings.SplitN(r.URL, "?", 2)[0], path) {
			out = append(out, r)
		}
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
}

func newTestWorkflow(doer Doer, sleeper *sleepRecorder, opts ...Option) *Workflow {
	opts = append([]Option{WithSleeper(sleeper.sleep), WithWorkers(2)}, opts...)
	return New(doer, opts...)
}

func runSync(t *testing.T, w *Workflow, req model.Request) Result {
	t.Helper()
	results := make(chan Result, 2)
	w.Run(context.Background(), req, func(r Result) { results <- r })
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not deliver a result")
		return Result{}
	}
}

func testRequest() model.Request {
	return model.Request{
		ID:       7,
		BuyerID:  42,
		DeviceID: 1001,
		ThreadID: "thread-1",
		Link:     "https://weidian.com/item.html?itemID=1",
		Cookies:  "wdtoken=abc",
		Extension: model.Extension{
			"quickMode": true,
		},
	}
}

func TestRunSuccessOnFirstAttempt(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath, reply{body: `{"isSuccess":1,"status":{"code":0,"message":"ok"}}`})
	sleeper := &sleepRecorder{}
	w := newTestWorkflow(doer, sleeper)

	r := runSync(t, w, testRequest())
	assert.True(t, r.Success)
	assert.Equal(t, 1, r.Attempts)
	assert.False(t, r.ShouldContinue)
	assert.False(t, r.ShouldUpdate)
	assert.Empty(t, doer.calls(reconfirmOrderPath))
	assert.Empty(t, sleeper.sleeps)
	w.Wait()
}

func TestRunContinueReconfirmsThenRetries(t *testing.T) {
	doer := newScriptedDoer().
		on(createOrderPath,
			reply{body: `{"isSuccess":0,"isContinue":true,"status":{"code":2,"description":"busy"}}`},
			reply{body: `{"isSuccess":1}`}).
		on(reconfirmOrderPath, reply{body: `{"result":{"extra":{"token":"x1"}}}`})
	w := newTestWorkflow(doer, &sleepRecorder{})

	r := runSync(t, w, testRequest())
	require.True(t, r.Success)
	assert.Equal(t, 1, r.Attempts)
	assert.Len(t, doer.calls(reconfirmOrderPath), 1)

	creates := doer.calls(createOrderPath)
	require.Len(t, creates, 2)
	second, err := url.QueryUnescape(strings.TrimPrefix(string(creates[1].Body), "param="))
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(second), &payload))
	assert.Equal(t, map[string]any{"token": "x1"}, payload["extra"])
}

func TestRunReconfirmWithoutExtraStillRetries(t *testing.T) {
	doer := newScriptedDoer().
		on(createOrderPath,
			reply{body: `{"isSuccess":0,"status":{"message":"应付总额有变动，请再次确认"}}`},
			reply{body: `{"isSuccess":0,"status":{"message":"库存不足"}}`}).
		on(reconfirmOrderPath, reply{body: `{"result":{"extra":"text"}}`})
	w := newTestWorkflow(doer, &sleepRecorder{})

	r := runSync(t, w, testRequest())
	assert.False(t, r.Success)
	assert.Equal(t, "库存不足", r.Message)
	assert.False(t, r.ShouldContinue)
	assert.Len(t, doer.calls(createOrderPath), 2)

	body := string(doer.calls(createOrderPath)[1].Body)
	assert.NotContains(t, body, "extra")
}

func TestRunTransportFailureExhaustsRetries(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath,
		reply{err: errors.New("dial tcp: connection refused #1")},
		reply{err: errors.New("dial tcp: connection refused #2")},
		reply{err: errors.New("dial tcp: connection refused #3")},
		reply{err: errors.New("dial tcp: connection refused #4")},
	)
	sleeper := &sleepRecorder{}
	w := newTestWorkflow(doer, sleeper)

	r := runSync(t, w, testRequest())
	assert.False(t, r.Success)
	assert.Equal(t, "dial tcp: connection refused #4", r.Error)
	assert.Equal(t, 1+maxRetries, r.Attempts)
	assert.Len(t, doer.calls(createOrderPath), 1+maxRetries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, sleeper.sleeps)
}

func TestRunRecoversOnSecondAttempt(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath,
		reply{err: errors.New("i/o timeout")},
		reply{body: `{"isSuccess":1}`},
	)
	w := newTestWorkflow(doer, &sleepRecorder{})

	r := runSync(t, w, testRequest())
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.Attempts)
}

func TestRunUnknownResponseIsNotRetried(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath, reply{status: 502, body: `<html>bad gateway</html>`})
	w := newTestWorkflow(doer, &sleepRecorder{})

	r := runSync(t, w, testRequest())
	assert.False(t, r.Success)
	assert.Equal(t, unknownResponse, r.Message)
	assert.Equal(t, 502, r.StatusCode)
	assert.Len(t, doer.calls(createOrderPath), 1)
}

func TestRunProxyFailureFallsBackToDirect(t *testing.T) {
	perr := &fetcher.ProxyError{Kind: fetcher.ProxyConnectFailed, Err: errors.New("refused")}
	doer := newScriptedDoer().on(createOrderPath,
		reply{err: perr},
		reply{err: perr},
		reply{body: `{"isSuccess":1}`},
	)
	sleeper := &sleepRecorder{}
	w := newTestWorkflow(doer, sleeper)

	req := testRequest()
	req.Extension["useProxy"] = true
	req.Extension["__proxyHost"] = "10.0.0.1"
	req.Extension["__proxyPort"] = json.Number("8080")

	r := runSync(t, w, req)
	require.True(t, r.Success)
	assert.Equal(t, 3, r.Attempts)
	assert.Empty(t, sleeper.sleeps)

	calls := doer.calls(createOrderPath)
	require.Len(t, calls, 3)
	require.NotNil(t, calls[0].Proxy)
	assert.Equal(t, "10.0.0.1", calls[0].Proxy.Host)
	assert.True(t, calls[0].UseProxy)
	assert.Nil(t, calls[1].Proxy)
	assert.True(t, calls[1].UseProxy)
	assert.Equal(t, "thread-1", calls[1].AffinityKey)
	assert.False(t, calls[2].UseProxy)
}

func TestRunCancelledBeforeFireDeliversOnce(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath, reply{body: `{"isSuccess":1}`})
	w := newTestWorkflow(doer, &sleepRecorder{})

	req := testRequest()
	req.StartTime = time.Now().Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var results []Result
	delivered := make(chan struct{})
	w.Run(ctx, req, func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		close(delivered)
	})
	cancel()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run did not deliver")
	}
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.True(t, results[0].Cancelled())
	assert.Equal(t, StatusCancelled, results[0].StatusCode)
	assert.Empty(t, doer.calls(createOrderPath))
}

func TestRunDeliversExactlyOncePerRequest(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath, reply{body: `{"isSuccess":1}`})
	w := newTestWorkflow(doer, &sleepRecorder{})

	const n = 20
	var mu sync.Mutex
	counts := map[int64]int{}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		req := testRequest()
		req.ID = int64(i)
		w.Run(context.Background(), req, func(Result) {
			mu.Lock()
			counts[req.ID]++
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	w.Wait()
	require.Len(t, counts, n)
	for id, c := range counts {
		assert.Equal(t, 1, c, "request %d", id)
	}
}

func TestRunRefreshesOrderParametersOutsideQuickMode(t *testing.T) {
	doer := newScriptedDoer().
		on("/item.html", reply{body: `<html>page</html>`}).
		on(createOrderPath, reply{body: `{"isSuccess":1}`})
	parser := OrderPageParserFunc(func(req model.Request, page []byte) (map[string]any, error) {
		return map[string]any{"page_len": len(page), "buyer": req.BuyerID}, nil
	})
	w := newTestWorkflow(doer, &sleepRecorder{}, WithOrderPageParser(parser))

	req := testRequest()
	req.Extension = model.Extension{}
	r := runSync(t, w, req)
	require.True(t, r.Success)

	pages := doer.calls("/item.html")
	require.Len(t, pages, 1)
	assert.True(t, pages[0].FollowRedirects)
	assert.Equal(t, 5, pages[0].MaxRedirects)
	assert.Equal(t, desktopReferer, pages[0].Header.Get("Referer"))

	body := string(doer.calls(createOrderPath)[0].Body)
	assert.Contains(t, body, "page_len")
}

func TestRunQuickModeSkipsOrderPage(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath, reply{body: `{"isSuccess":1}`})
	called := false
	parser := OrderPageParserFunc(func(model.Request, []byte) (map[string]any, error) {
		called = true
		return nil, nil
	})
	w := newTestWorkflow(doer, &sleepRecorder{}, WithOrderPageParser(parser))

	r := runSync(t, w, testRequest())
	require.True(t, r.Success)
	assert.False(t, called)
	assert.Empty(t, doer.calls("/item.html"))
}

func TestCreateOrderRequestShape(t *testing.T) {
	doer := newScriptedDoer().on(createOrderPath, reply{body: `{"isSuccess":1}`})
	w := newTestWorkflow(doer, &sleepRecorder{}, WithPicker(func(int) int { return 1 }))

	req := testRequest()
	req.OrderParameters = json.RawMessage(`{"note":"a b+c"}`)
	req.Extension["domains"] = []any{"a.example", "b.example"}
	runSync(t, w, req)

	calls := doer.calls(createOrderPath)
	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, "https://b.example/vbuy/CreateOrder/1.0", c.URL)
	assert.Equal(t, "POST", c.Method)
	assert.Equal(t, formContentType, c.Header.Get("Content-Type"))
	assert.Equal(t, appUserAgent, c.Header.Get("User-Agent"))
	assert.Equal(t, "wdtoken=abc", c.Header.Get("Cookie"))
	assert.Equal(t, createOrderTimeout, c.Timeout)
	assert.Equal(t, "param=%7B%22note%22%3A%22a%20b%2Bc%22%7D", string(c.Body))
}

func TestReconfirmRetryBound(t *testing.T) {
	doer := newScriptedDoer().on(reconfirmOrderPath,
		reply{err: errors.New("reset #1")},
		reply{body: `{"status":{"code":1}}`},
		reply{err: errors.New("reset #3")},
		reply{body: `{}`},
	)
	sleeper := &sleepRecorder{}
	w := newTestWorkflow(doer, sleeper)
	gc := NewContext(testRequest(), nil)

	r := w.reconfirmOrder(context.Background(), gc, map[string]any{"a": 1})
	assert.False(t, r.Success)
	assert.Equal(t, "reset #3", r.Error)
	assert.Len(t, doer.calls(reconfirmOrderPath), 1+maxRetries)
	assert.Equal(t, []time.Duration{80 * time.Millisecond, 160 * time.Millisecond, 320 * time.Millisecond}, sleeper.sleeps)
}

func TestReconfirmExhaustedWithoutTransportError(t *testing.T) {
	doer := newScriptedDoer().on(reconfirmOrderPath, reply{body: `{"status":{}}`})
	w := newTestWorkflow(doer, &sleepRecorder{})

	r := w.reconfirmOrder(context.Background(), NewContext(testRequest(), nil), map[string]any{})
	assert.False(t, r.Success)
	assert.Equal(t, "ReConfirmOrder exhausted retries", r.Error)
	assert.Equal(t, 1+maxRetries, r.Attempts)
}

func TestInterpretCreateOrder(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		success  bool
		cont     bool
		update   bool
		message  string
		httpCode int
	}{
		{name: "isSuccess", body: `{"isSuccess":1}`, success: true, httpCode: 200},
		{name: "status code zero", body: `{"status":{"code":0,"message":"成功"}}`, success: true, message: "成功", httpCode: 0},
		{name: "isContinue", body: `{"isSuccess":0,"isContinue":true,"status":{"code":5}}`, cont: true, httpCode: 5},
		{name: "isUpdate implies continue", body: `{"isUpdate":true,"status":{"code":3}}`, cont: true, update: true, httpCode: 3},
		{name: "retry keyword", body: `{"status":{"code":9,"message":"人潮拥挤，请稍后重试"}}`, cont: true, message: "人潮拥挤，请稍后重试", httpCode: 9},
		{name: "update keyword", body: `{"status":{"code":9,"message":"请先填写收货人地址"}}`, cont: true, update: true, message: "请先填写收货人地址", httpCode: 9},
		{name: "description fallback", body: `{"status":{"code":4,"description":"已售罄"}}`, message: "已售罄", httpCode: 4},
		{name: "array body", body: `[1,2]`, message: unknownResponse, httpCode: 200},
		{name: "html body", status: 500, body: `oops`, message: unknownResponse, httpCode: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := tt.status
			if status == 0 {
				status = 200
			}
			r := interpretCreateOrder(&fetcher.Response{StatusCode: status, Body: []byte(tt.body)})
			assert.Equal(t, tt.success, r.Success)
			assert.Equal(t, tt.cont, r.ShouldContinue)
			assert.Equal(t, tt.update, r.ShouldUpdate)
			assert.Equal(t, tt.message, r.Message)
			assert.Equal(t, tt.httpCode, r.StatusCode)
		})
	}
}

func TestBuildPayloadFallsBackToTemplate(t *testing.T) {
	w := newTestWorkflow(newScriptedDoer(), &sleepRecorder{})
	req := testRequest()
	req.OrderParameters = json.RawMessage(`"not an object"`)

	payload := w.buildPayload(NewContext(req, nil))
	assert.Equal(t, map[string]any{
		"buyer_id":  int64(42),
		"device_id": int64(1001),
		"link":      req.Link,
		"thread_id": "thread-1",
	}, payload)
}

func TestResultPayloadJSON(t *testing.T) {
	r := Result{Success: false, ShouldContinue: true, StatusCode: 2, Message: "busy", Attempts: 3, Error: "x"}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(r.Payload(), &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, true, decoded["shouldContinue"])
	assert.Equal(t, float64(3), decoded["attempts"])
	assert.Equal(t, "x", decoded["error"])
	assert.NotContains(t, decoded, "response")
}

func TestAssignedProxyFromExtension(t *testing.T) {
	ext := model.Extension{
		"__proxyHost":     "1.2.3.4",
		"__proxyPort":     "3128",
		"__proxyUsername": "u",
		"__proxyPassword": "p",
	}
	ep := assignedProxy(ext)
	require.NotNil(t, ep)
	assert.Equal(t, proxymodel.Endpoint{Host: "1.2.3.4", Port: 3128, Username: "u", Password: "p", Source: "assigned"}, *ep)

	assert.Nil(t, assignedProxy(model.Extension{"__proxyHost": "1.2.3.4"}))
}
