// Package scheduler 轮询待抢购请求，维护时间补偿估计值，并处理抢购结果。
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quickgrab/internal/grab"
	"quickgrab/internal/model"
	"quickgrab/internal/notify"
	"quickgrab/internal/shared/logger"
	"quickgrab/internal/shared/types"
	proxymodel "quickgrab/proxypool/model"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultInitialDelay = 200 * time.Millisecond
	DefaultBatchSize    = 50
	DefaultProxyTick    = 5 * time.Second

	schedulingTime = 2
	writeTimeout   = 10 * time.Second
)

// Store 是调度器需要的持久化操作。
type Store interface {
	FindPending(ctx context.Context, now time.Time, limit int) ([]model.Request, error)
	Insert(ctx context.Context, req model.Request) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status int) error
	UpdateThreadID(ctx context.Context, id int64, threadID string) error
	Delete(ctx context.Context, id int64) error
	InsertResult(ctx context.Context, rec model.ResultRecord) (int64, error)
}

// Runner 执行一次抢购，done 恰好被调用一次。*grab.Workflow 实现了该接口。
type Runner interface {
	Run(ctx context.Context, req model.Request, done func(grab.Result))
}

// ProxyAssigner 为请求分配独占代理并维护代理池。*proxypool.Service 实现了该接口。
type ProxyAssigner interface {
	HasVendor() bool
	Assign(ctx context.Context) (proxymodel.Endpoint, error)
	Tick()
	Size() int
}

type Options struct {
	PollInterval time.Duration
	InitialDelay time.Duration
	BatchSize    int
	ProxyTick    time.Duration

	DefaultAdjustedFactor int64
	DefaultProcessingTime int64
}

// OptionsFromConfig 把 [scheduler] 配置转换为 Options。
func OptionsFromConfig(cfg types.SchedulerConf) Options {
	return Options{
		PollInterval:          time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		InitialDelay:          time.Duration(cfg.InitialDelayMs) * time.Millisecond,
		BatchSize:             cfg.BatchSize,
		ProxyTick:             time.Duration(cfg.ProxyTickSeconds) * time.Second,
		DefaultAdjustedFactor: int64(cfg.DefaultAdjustedFactor),
		DefaultProcessingTime: int64(cfg.DefaultProcessingTime),
	}
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.ProxyTick <= 0 {
		o.ProxyTick = DefaultProxyTick
	}
	if o.DefaultAdjustedFactor == 0 {
		o.DefaultAdjustedFactor = grab.DefaultAdjustedFactor
	}
	if o.DefaultProcessingTime == 0 {
		o.DefaultProcessingTime = grab.DefaultProcessingTime
	}
}

type completion struct {
	request model.Request
	result  grab.Result
}

// Status 是调度器的运行状态。
type Status struct {
	Estimates EstimateSnapshot `json:"estimates"`
	InFlight  int              `json:"inFlight"`
	PoolSize  int              `json:"poolSize"`
}

// Service 把待抢购请求交给 Runner 并处理结果。
// 结果处理 (状态更新与结果写入) 都在 Run 所在的 goroutine 上串行执行。
type Service struct {
	store     Store
	runner    Runner
	notifier  notify.Notifier
	proxies   ProxyAssigner
	opts      Options
	estimates *Estimates
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}

	// 仅在 Run 的 goroutine 上访问: 记录每个请求完成时的序号，过滤完成前发起的轮询结果
	seq      uint64
	finished map[int64]uint64

	completions chan completion
	notifyWG    sync.WaitGroup
}

type Option func(*Service)

// WithProxies 设置代理池，nil 表示不使用代理。
func WithProxies(p ProxyAssigner) Option {
	return func(s *Service) { s.proxies = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store Store, runner Runner, notifier notify.Notifier, opts Options, options ...Option) *Service {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Service{
		store:       store,
		runner:      runner,
		notifier:    notifier,
		opts:        opts,
		estimates:   NewEstimates(opts.DefaultAdjustedFactor, opts.DefaultProcessingTime),
		now:         time.Now,
		newID:       func() string { return "grab-" + uuid.NewString()[:8] },
		logger:      logger.WithComponent("Grab/Scheduler"),
		inflight:    make(map[int64]struct{}),
		finished:    make(map[int64]uint64),
		completions: make(chan completion),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Enqueue 写入一条新的待抢购请求。
func (s *Service) Enqueue(ctx context.Context, req model.Request) (int64, error) {
	req.Status = model.StatusPending
	id, err := s.store.Insert(ctx, req)
	if err != nil {
		s.logger.Error().Err(err).Msg("插入抢购请求失败")
		return 0, err
	}
	s.logger.Info().Int64("request_id", id).Msg("抢购请求已入队")
	return id, nil
}

func (s *Service) Status() Status {
	st := Status{Estimates: s.estimates.Snapshot()}
	s.mu.Lock()
	st.InFlight = len(s.inflight)
	s.mu.Unlock()
	if s.proxies != nil {
		st.PoolSize = s.proxies.Size()
	}
	return st
}

// Run 阻塞运行调度循环直到 ctx 取消。
// 取消后尚未触发的抢购以 499 结束，Run 等待所有进行中的请求交付结果后返回。
func (s *Service) Run(ctx context.Context) {
	s.logger.Info().Dur("poll_interval", s.opts.PollInterval).Int("batch", s.opts.BatchSize).Msg("Grab scheduler started.")

	poll := time.NewTimer(s.opts.InitialDelay)
	defer poll.Stop()
	var tickC <-chan time.Time
	if s.proxies != nil {
		ticker := time.NewTicker(s.opts.ProxyTick)
		defer ticker.Stop()
		tickC = ticker.C
	}

	batches := make(chan []model.Request, 1)
	polling := false
	var pollSeq uint64
	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.logger.Info().Msg("Grab scheduler stopped.")
			return
		case <-poll.C:
			if !polling {
				polling = true
				pollSeq = s.seq
				go func() { batches <- s.poll(ctx) }()
			}
			poll.Reset(s.opts.PollInterval)
		case pending := <-batches:
			polling = false
			for _, req := range pending {
				if s.finished[req.ID] > pollSeq {
					continue
				}
				s.dispatch(ctx, req)
			}
			for id, at := range s.finished {
				if at <= pollSeq {
					delete(s.finished, id)
				}
			}
		case c := <-s.completions:
			s.seq++
			s.finished[c.request.ID] = s.seq
			s.handleResult(ctx, c.request, c.result)
		case <-tickC:
			s.proxies.Tick()
		}
	}
}

func (s *Service) poll(ctx context.Context) []model.Request {
	pending, err := s.store.FindPending(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("查询待抢购请求失败")
		}
		return nil
	}
	return pending
}

// dispatch 标记请求进行中，随后在独立 goroutine 中准备并启动抢购。
func (s *Service) dispatch(ctx context.Context, req model.Request) {
	s.mu.Lock()
	if _, busy := s.inflight[req.ID]; busy {
		s.mu.Unlock()
		return
	}
	s.inflight[req.ID] = struct{}{}
	s.mu.Unlock()

	go func() {
		prepared := s.prepare(ctx, req)
		s.runner.Run(ctx, prepared, func(r grab.Result) {
			// 不阻塞执行抢购的 worker; drain 按进行中的数量等待这些结果
			go func() { s.completions <- completion{request: prepared, result: r} }()
		})
	}()
}

// prepare 分配线程 id、更新估计值并注入扩展字段，必要时分配代理。
func (s *Service) prepare(ctx context.Context, req model.Request) model.Request {
	req = req.Clone()
	l := s.logger.With().Int64("request_id", req.ID).Logger()
	l.Info().Msg("开始处理抢购请求")

	if req.ThreadID == "" {
		req.ThreadID = s.newID()
		wctx, cancel := writeContext(ctx)
		if err := s.store.UpdateThreadID(wctx, req.ID, req.ThreadID); err != nil {
			l.Warn().Err(err).Msg("更新请求线程信息失败")
		}
		cancel()
	}

	now := s.now()
	est := s.estimates.Observe(req.Extension, now)
	ext := req.Extension

	if s.proxies != nil && s.proxies.HasVendor() && grab.WantsProxy(ext) {
		if ep, err := s.proxies.Assign(ctx); err == nil {
			ext["__proxyHost"] = ep.Host
			ext["__proxyPort"] = int64(ep.Port)
			ext["__proxyLatency"] = ep.Latency.Milliseconds()
			ext["__proxySource"] = "kdl"
			ext["__proxyAssigned"] = true
			ext["useProxy"] = true
			if ep.Username != "" {
				ext["__proxyUsername"] = ep.Username
			}
			if ep.Password != "" {
				ext["__proxyPassword"] = ep.Password
			}
			l.Info().Str("proxy", ep.Redacted()).Int64("latency_ms", ep.Latency.Milliseconds()).Msg("已分配代理")
		} else {
			l.Warn().Err(err).Msg("拉取代理失败")
			ext["__proxyAssigned"] = false
			ext["__proxyError"] = "fetch_failed"
			ext["useProxy"] = false
			ext["use_proxy"] = false
			ext["proxy"] = false
			ext["proxyEnabled"] = false
		}
	}

	ext["__adjustedFactor"] = est.AdjustedFactor
	ext["__processingTime"] = est.ProcessingTime
	ext["__schedulingTime"] = int64(schedulingTime)
	ext["__updatedAt"] = now.UnixMilli()

	l.Debug().Int64("delay", req.Delay).Int64("latency", est.AdjustedFactor).
		Int64("processing", est.ProcessingTime).Msg("估计值已注入")
	return req
}

// handleResult 按结果更新请求状态、保存结果并发送通知。所有写入失败只记录日志。
func (s *Service) handleResult(ctx context.Context, req model.Request, result grab.Result) {
	s.mu.Lock()
	delete(s.inflight, req.ID)
	s.mu.Unlock()

	l := s.logger.With().Int64("request_id", req.ID).Logger()
	wctx, cancel := writeContext(ctx)
	defer cancel()

	switch {
	case result.Cancelled():
		l.Warn().Msg("抢购已取消, 请求保留待下次调度")
		s.saveResult(wctx, l, req, result)
	case result.Success:
		l.Info().Msg("抢购完成")
		s.updateStatus(wctx, l, req.ID, model.StatusSuccess)
		s.saveResult(wctx, l, req, result)
		s.notify(ctx, req, result)
		s.delete(wctx, l, req.ID)
	case result.ShouldContinue || result.ShouldUpdate:
		l.Warn().Str("message", result.Message).Msg("抢购请求需继续")
		s.updateStatus(wctx, l, req.ID, model.StatusFollowUp)
		s.saveResult(wctx, l, req, result)
	default:
		reason := result.Message
		if reason == "" {
			reason = result.Error
		}
		l.Error().Str("reason", reason).Msg("抢购失败")
		s.updateStatus(wctx, l, req.ID, model.StatusFailed)
		s.saveResult(wctx, l, req, result)
		s.notify(ctx, req, result)
		s.delete(wctx, l, req.ID)
	}
}

func (s *Service) updateStatus(ctx context.Context, l zerolog.Logger, id int64, status int) {
	if err := s.store.UpdateStatus(ctx, id, status); err != nil {
		l.Warn().Err(err).Int("status", status).Msg("更新请求状态失败")
	}
}

func (s *Service) saveResult(ctx context.Context, l zerolog.Logger, req model.Request, result grab.Result) {
	payload := result.Payload()
	rec := model.ResultRecord{
		RequestID:       req.ID,
		Request:         req,
		Status:          strconv.Itoa(result.StatusCode),
		Payload:         payload,
		ResponseMessage: payload,
		CreatedAt:       s.now(),
	}
	if _, err := s.store.InsertResult(ctx, rec); err != nil {
		l.Warn().Err(err).Msg("保存抢购结果失败")
	}
}

func (s *Service) delete(ctx context.Context, l zerolog.Logger, id int64) {
	if err := s.store.Delete(ctx, id); err != nil {
		l.Warn().Err(err).Msg("删除请求失败")
	}
}

// notify 异步发送通知，drain 时等待全部完成。
func (s *Service) notify(ctx context.Context, req model.Request, result grab.Result) {
	event := notify.NewEvent(req, result)
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := s.notifier.Notify(nctx, event); err != nil {
			s.logger.Warn().Err(err).Int64("request_id", req.ID).Msg("发送通知失败")
		}
	}()
}

// drain 处理剩余结果直到没有进行中的请求。
func (s *Service) drain() {
	for {
		s.mu.Lock()
		n := len(s.inflight)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		c := <-s.completions
		s.handleResult(context.Background(), c.request, c.result)
	}
	s.notifyWG.Wait()
}

func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
