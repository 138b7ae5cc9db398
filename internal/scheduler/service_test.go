package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quickgrab/internal/fetcher"
	"quickgrab/internal/grab"
	"quickgrab/internal/model"
	"quickgrab/internal/notify"
	proxymodel "quickgrab/proxypool/model"
)

type memStore struct {
	mu        sync.Mutex
	requests  map[int64]model.Request
	statuses  map[int64][]int
	results   []model.ResultRecord
	deleted   []int64
	threadIDs map[int64]string
	failWrite error
	// statusDelay 模拟缓慢的存储
	statusDelay time.Duration
}

func newMemStore(reqs ...model.Request) *memStore {
	s := &memStore{
		requests:  map[int64]model.Request{},
		statuses:  map[int64][]int{},
		threadIDs: map[int64]string{},
	}
	for _, r := range reqs {
		s.requests[r.ID] = r
	}
	return s
}

func (s *memStore) FindPending(_ context.Context, _ time.Time, limit int) ([]model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Request
	for _, r := range s.requests {
		if r.Status == model.StatusPending || r.Status == model.StatusFollowUp {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Insert(_ context.Context, req model.Request) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.ID = int64(len(s.requests) + 100)
	s.requests[req.ID] = req
	return req.ID, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id int64, status int) error {
	time.Sleep(s.statusDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	if s.failWrite != nil {
		return s.failWrite
	}
	if r, ok := s.requests[id]; ok {
		r.Status = status
		s.requests[id] = r
	}
	return nil
}

func (s *memStore) UpdateThreadID(_ context.Context, id int64, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadIDs[id] = threadID
	if s.failWrite != nil {
		return s.failWrite
	}
	if r, ok := s.requests[id]; ok {
		r.ThreadID = threadID
		s.requests[id] = r
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	if s.failWrite != nil {
		return s.failWrite
	}
	delete(s.requests, id)
	return nil
}

func (s *memStore) InsertResult(_ context.Context, rec model.ResultRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, rec)
	return int64(len(s.results)), s.failWrite
}

func (s *memStore) snapshot() (map[int64][]int, []model.ResultRecord, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := map[int64][]int{}
	for k, v := range s.statuses {
		statuses[k] = append([]int(nil), v...)
	}
	return statuses, append([]model.ResultRecord(nil), s.results...), append([]int64(nil), s.deleted...)
}

// stubRunner 记录收到的请求，并按 respond 返回结果。
type stubRunner struct {
	mu       sync.Mutex
	requests []model.Request
	respond  func(ctx context.Context, req model.Request) grab.Result
}

func (r *stubRunner) Run(ctx context.Context, req model.Request, done func(grab.Result)) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	go done(r.respond(ctx, req))
}

func (r *stubRunner) seen() []model.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Request(nil), r.requests...)
}

type chanNotifier struct {
	events chan notify.Event
	err    error
}

func (n *chanNotifier) Notify(_ context.Context, ev notify.Event) error {
	select {
	case n.events <- ev:
	default:
	}
	return n.err
}

type stubProxies struct {
	vendor bool
	ep     proxymodel.Endpoint
	err    error
	mu     sync.Mutex
	ticks  int
}

func (p *stubProxies) HasVendor() bool { return p.vendor }

func (p *stubProxies) Assign(context.Context) (proxymodel.Endpoint, error) { return p.ep, p.err }

func (p *stubProxies) Tick() {
	p.mu.Lock()
	p.ticks++
	p.mu.Unlock()
}

func (p *stubProxies) Size() int { return 3 }

func fastOptions() Options {
	return Options{PollInterval: 10 * time.Millisecond, InitialDelay: time.Millisecond, ProxyTick: 10 * time.Millisecond}
}

func startService(t *testing.T, s *Service) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func pendingRequest(id int64) model.Request {
	return model.Request{ID: id, Link: "https://weidian.com/item.html?itemID=1", Extension: model.Extension{}}
}

func TestSuccessMarksNotifiesAndDeletes(t *testing.T) {
	store := newMemStore(pendingRequest(1))
	runner := &stubRunner{respond: func(context.Context, model.Request) grab.Result {
		return grab.Result{Success: true, StatusCode: 200, Attempts: 1}
	}}
	notifier := &chanNotifier{events: make(chan notify.Event, 4)}
	s := New(store, runner, notifier, fastOptions())
	stop := startService(t, s)

	select {
	case ev := <-notifier.events:
		assert.Equal(t, notify.KindSuccess, ev.Kind)
		assert.Equal(t, int64(1), ev.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
	require.Eventually(t, func() bool {
		_, _, deleted := store.snapshot()
		return len(deleted) == 1
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	statuses, results, deleted := store.snapshot()
	assert.Equal(t, []int{model.StatusSuccess}, statuses[1])
	require.Len(t, results, 1)
	assert.Equal(t, "200", results[0].Status)
	assert.JSONEq(t, `{"success":true,"shouldContinue":false,"shouldUpdate":false,"statusCode":200,"message":"","attempts":1}`, string(results[0].Payload))
	assert.Equal(t, []int64{1}, deleted)
	assert.Len(t, runner.seen(), 1)

	threadID := runner.seen()[0].ThreadID
	assert.Regexp(t, `^grab-[0-9a-f]{8}$`, threadID)
	assert.Equal(t, threadID, store.threadIDs[1])
}

func TestFailureMarksNotifiesAndDeletes(t *testing.T) {
	store := newMemStore(pendingRequest(2))
	runner := &stubRunner{respond: func(context.Context, model.Request) grab.Result {
		return grab.Result{StatusCode: 7, Message: "已售罄", Attempts: 1}
	}}
	notifier := &chanNotifier{events: make(chan notify.Event, 4)}
	s := New(store, runner, notifier, fastOptions())
	stop := startService(t, s)

	select {
	case ev := <-notifier.events:
		assert.Equal(t, notify.KindFailure, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
	require.Eventually(t, func() bool {
		_, _, deleted := store.snapshot()
		return len(deleted) == 1
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	statuses, results, _ := store.snapshot()
	assert.Equal(t, []int{model.StatusFailed}, statuses[2])
	require.Len(t, results, 1)
	assert.Equal(t, "7", results[0].Status)
}

func TestContinueKeepsRequestForNextPoll(t *testing.T) {
	store := newMemStore(pendingRequest(3))
	var mu sync.Mutex
	calls := 0
	runner := &stubRunner{respond: func(context.Context, model.Request) grab.Result {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return grab.Result{ShouldContinue: true, StatusCode: 2, Message: "请稍后再试", Attempts: 1}
		}
		return grab.Result{Success: true, StatusCode: 200, Attempts: 1}
	}}
	notifier := &chanNotifier{events: make(chan notify.Event, 4)}
	s := New(store, runner, notifier, fastOptions())
	stop := startService(t, s)

	select {
	case ev := <-notifier.events:
		assert.Equal(t, notify.KindSuccess, ev.Kind, "the follow-up attempt is the one that notifies")
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
	require.Eventually(t, func() bool {
		_, _, deleted := store.snapshot()
		return len(deleted) == 1
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	statuses, results, _ := store.snapshot()
	assert.Equal(t, []int{model.StatusFollowUp, model.StatusSuccess}, statuses[3])
	assert.Len(t, results, 2)
	require.Len(t, runner.seen(), 2)
	assert.Equal(t, runner.seen()[0].ThreadID, runner.seen()[1].ThreadID)
	assert.Empty(t, notifier.events)
}

func TestInFlightRequestIsNotDispatchedTwice(t *testing.T) {
	store := newMemStore(pendingRequest(4))
	release := make(chan struct{})
	runner := &stubRunner{respond: func(context.Context, model.Request) grab.Result {
		<-release
		return grab.Result{Success: true, StatusCode: 200, Attempts: 1}
	}}
	s := New(store, runner, nil, fastOptions())
	stop := startService(t, s)

	require.Eventually(t, func() bool { return len(runner.seen()) == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, runner.seen(), 1)
	assert.Equal(t, 1, s.Status().InFlight)

	close(release)
	require.Eventually(t, func() bool { return s.Status().InFlight == 0 }, 5*time.Second, 5*time.Millisecond)
	stop()
	assert.Len(t, runner.seen(), 1)
}

func TestShutdownCancelsPendingTimersWith499(t *testing.T) {
	store := newMemStore(pendingRequest(5))
	runner := &stubRunner{respond: func(ctx context.Context, _ model.Request) grab.Result {
		<-ctx.Done()
		return grab.Result{StatusCode: grab.StatusCancelled, Message: "cancelled", Error: ctx.Err().Error()}
	}}
	notifier := &chanNotifier{events: make(chan notify.Event, 4)}
	s := New(store, runner, notifier, fastOptions())
	stop := startService(t, s)

	require.Eventually(t, func() bool { return len(runner.seen()) == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()

	statuses, results, deleted := store.snapshot()
	assert.Empty(t, statuses[5])
	assert.Empty(t, deleted)
	require.Len(t, results, 1)
	assert.Equal(t, "499", results[0].Status)
	assert.Empty(t, notifier.events)
	assert.Equal(t, 0, s.Status().InFlight)
}

func TestWriteFailuresDoNotBlockNotification(t *testing.T) {
	store := newMemStore(pendingRequest(6))
	store.failWrite = errors.New("db down")
	runner := &stubRunner{respond: func(context.Context, model.Request) grab.Result {
		return grab.Result{Success: true, StatusCode: 200, Attempts: 1}
	}}
	notifier := &chanNotifier{events: make(chan notify.Event, 16)}
	s := New(store, runner, notifier, fastOptions())
	stop := startService(t, s)

	select {
	case ev := <-notifier.events:
		assert.Equal(t, notify.KindSuccess, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
	stop()
}

func TestPrepareInjectsEstimatesAndProxy(t *testing.T) {
	now := time.UnixMilli(1714557600000)
	proxies := &stubProxies{vendor: true, ep: proxymodel.Endpoint{Host: "9.9.9.9", Port: 3128, Username: "u", Password: "p", Latency: 42 * time.Millisecond}}
	s := New(newMemStore(), &stubRunner{}, nil, fastOptions(), WithProxies(proxies), WithClock(func() time.Time { return now }))

	req := pendingRequest(7)
	req.ThreadID = "keep-me"
	req.Extension = model.Extension{"useProxy": true, "networkDelay": int64(60), "processingTime": int64(25)}
	out := s.prepare(context.Background(), req)

	assert.Equal(t, "keep-me", out.ThreadID)
	ext := out.Extension
	assert.Equal(t, int64(60), ext["__adjustedFactor"])
	assert.Equal(t, int64(25), ext["__processingTime"])
	assert.Equal(t, int64(2), ext["__schedulingTime"])
	assert.Equal(t, now.UnixMilli(), ext["__updatedAt"])
	assert.Equal(t, "9.9.9.9", ext["__proxyHost"])
	assert.Equal(t, int64(3128), ext["__proxyPort"])
	assert.Equal(t, int64(42), ext["__proxyLatency"])
	assert.Equal(t, "kdl", ext["__proxySource"])
	assert.Equal(t, true, ext["__proxyAssigned"])
	assert.Equal(t, "u", ext["__proxyUsername"])
	assert.False(t, req.Extension.Has("__proxyHost"), "input request must not be mutated")

	gc := grab.NewContext(out, nil)
	require.NotNil(t, gc.AssignedProxy)
	assert.Equal(t, int64(60), gc.AdjustedFactor)
	assert.Equal(t, int64(25), gc.ProcessingTime)
}

func TestPrepareVendorFailureDisablesProxy(t *testing.T) {
	proxies := &stubProxies{vendor: true, err: errors.New("KDL proxy API returned status 403")}
	s := New(newMemStore(), &stubRunner{}, nil, fastOptions(), WithProxies(proxies))

	req := pendingRequest(8)
	req.Extension = model.Extension{"use_proxy": "true"}
	out := s.prepare(context.Background(), req)

	ext := out.Extension
	assert.Equal(t, false, ext["__proxyAssigned"])
	assert.Equal(t, "fetch_failed", ext["__proxyError"])
	for _, key := range []string{"useProxy", "use_proxy", "proxy", "proxyEnabled"} {
		assert.Equal(t, false, ext[key], key)
	}
	assert.False(t, grab.NewContext(out, nil).UseProxy)
}

func TestPrepareWithoutVendorLeavesProxyFlags(t *testing.T) {
	s := New(newMemStore(), &stubRunner{}, nil, fastOptions(), WithProxies(&stubProxies{}))
	req := pendingRequest(9)
	req.ThreadID = "t"
	req.Extension = model.Extension{"useProxy": true}
	out := s.prepare(context.Background(), req)

	assert.False(t, out.Extension.Has("__proxyAssigned"))
	assert.True(t, grab.NewContext(out, nil).UseProxy)
}

func TestProxyTickRuns(t *testing.T) {
	proxies := &stubProxies{}
	s := New(newMemStore(), &stubRunner{}, nil, fastOptions(), WithProxies(proxies))
	stop := startService(t, s)
	require.Eventually(t, func() bool {
		proxies.mu.Lock()
		defer proxies.mu.Unlock()
		return proxies.ticks >= 2
	}, 5*time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, 3, s.Status().PoolSize)
}

func TestEnqueueStoresPending(t *testing.T) {
	store := newMemStore()
	s := New(store, &stubRunner{}, nil, fastOptions())
	req := pendingRequest(0)
	req.Status = model.StatusFailed
	id, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, store.requests[id].Status)
}

// firingDoer 记录每次下单请求发出的时间。
type firingDoer struct {
	mu    sync.Mutex
	fired []time.Time
}

func (d *firingDoer) Fetch(context.Context, fetcher.Request) (*fetcher.Response, error) {
	d.mu.Lock()
	d.fired = append(d.fired, time.Now())
	d.mu.Unlock()
	return &fetcher.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(`{"isSuccess":1}`)}, nil
}

func (d *firingDoer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.fired...)
}

func TestSlowStoreDoesNotDelayDueGrabs(t *testing.T) {
	var reqs []model.Request
	for id := int64(1); id <= 3; id++ {
		req := pendingRequest(id)
		req.Extension = model.Extension{"quickMode": true}
		reqs = append(reqs, req)
	}
	store := newMemStore(reqs...)
	store.statusDelay = time.Second

	doer := &firingDoer{}
	workflow := grab.New(doer, grab.WithWorkers(1))
	s := New(store, workflow, nil, fastOptions())
	stop := startService(t, s)

	require.Eventually(t, func() bool { return len(doer.times()) == 3 }, 5*time.Second, 5*time.Millisecond)
	fired := doer.times()
	assert.Less(t, fired[2].Sub(fired[0]), 500*time.Millisecond, "persistence must not hold the worker")

	require.Eventually(t, func() bool {
		_, _, deleted := store.snapshot()
		return len(deleted) == 3
	}, 10*time.Second, 10*time.Millisecond)
	stop()
	workflow.Wait()

	statuses, results, _ := store.snapshot()
	assert.Len(t, results, 3)
	for id := int64(1); id <= 3; id++ {
		assert.Equal(t, []int{model.StatusSuccess}, statuses[id])
	}
}
