package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	conc "github.com/sourcegraph/conc/pool"

	"quickgrab/internal/shared/logger"
	"quickgrab/proxypool/model"
	"quickgrab/proxypool/scraper"
	"quickgrab/proxypool/storage"
	"quickgrab/proxypool/validator"
)

// DefaultRefreshInterval 是代理来源的默认刷新周期
const DefaultRefreshInterval = 5 * time.Minute

// ErrNoVendor 未配置可按需分配的代理供应商。
var ErrNoVendor = errors.New("no proxy vendor configured")

// Service 是代理池模块的总控制器: 维护最近一次获取的代理快照，
// 定期从各来源刷新并灌入 Pool。
type Service struct {
	pool      *Pool
	validator *validator.Validator
	vendor    scraper.Source
	sources   []scraper.Source
	storage   storage.Storage
	interval  time.Duration

	mu       sync.RWMutex
	snapshot []model.Endpoint

	// 调度器与生命周期管理
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ServiceOption 配置 Service。
type ServiceOption func(*Service)

// WithVendor 设置按需分配代理的供应商 (快代理)。供应商同时参与定期刷新。
func WithVendor(src scraper.Source) ServiceOption {
	return func(s *Service) { s.vendor = src }
}

// WithSources 添加只参与定期刷新的来源。
func WithSources(sources ...scraper.Source) ServiceOption {
	return func(s *Service) { s.sources = append(s.sources, sources...) }
}

// WithStorage 启动时从存储加载种子代理，停止时写回快照。
func WithStorage(st storage.Storage) ServiceOption {
	return func(s *Service) { s.storage = st }
}

// WithRefreshInterval 设置刷新周期。
func WithRefreshInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewService 创建代理服务。
func NewService(pool *Pool, v *validator.Validator, opts ...ServiceOption) *Service {
	s := &Service{
		pool:      pool,
		validator: v,
		interval:  DefaultRefreshInterval,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool 返回底层代理池。
func (s *Service) Pool() *Pool {
	return s.pool
}

// Size 返回代理池中的代理数量。
func (s *Service) Size() int {
	return s.pool.Len()
}

// HasVendor 是否可以调用 Assign。
func (s *Service) HasVendor() bool {
	return s.vendor != nil
}

// Start 加载种子代理，立即刷新一次，然后按周期刷新。
func (s *Service) Start(ctx context.Context) {
	l := logger.WithComponent("Proxy/Service")
	l.Info().Msg("Proxy service starting...")

	if s.storage != nil {
		seeds, err := s.storage.Load()
		if err != nil {
			l.Error().Err(err).Msg("Failed to load proxies from storage. Starting with an empty pool.")
		} else if len(seeds) > 0 {
			s.AddProxies(ctx, seeds)
		}
	}

	if len(s.refreshSources()) == 0 {
		l.Info().Msg("No proxy sources configured, refresh disabled.")
		return
	}

	s.wg.Add(1)
	go s.refreshLoop(ctx)
}

func (s *Service) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	l := logger.WithComponent("Proxy/Service")

	if err := s.Refresh(ctx); err != nil {
		l.Warn().Err(err).Msg("Initial proxy refresh failed.")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	l.Info().Dur("interval", s.interval).Msg("Refresh scheduler initialized.")

	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				l.Warn().Err(err).Msg("Proxy refresh failed.")
			}
		case <-ctx.Done():
			return
		case <-s.stopChan:
			l.Info().Msg("Stop signal received. Shutting down refresh scheduler.")
			return
		}
	}
}

// Refresh 从所有来源并发获取代理，测量延迟后替换快照并灌入代理池。
// 只有全部来源都失败时才返回错误。
func (s *Service) Refresh(ctx context.Context) error {
	l := logger.WithComponent("Proxy/Service")
	sources := s.refreshSources()

	p := conc.NewWithResults[[]model.Endpoint]().WithContext(ctx)
	for _, src := range sources {
		p.Go(func(ctx context.Context) ([]model.Endpoint, error) {
			proxies, err := src.Fetch(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("Source failed.")
				return nil, fmt.Errorf("%s: %w", src.Name(), err)
			}
			return proxies, nil
		})
	}
	batches, err := p.Wait()

	var fetched []model.Endpoint
	for _, batch := range batches {
		fetched = append(fetched, batch...)
	}
	if len(fetched) == 0 && err != nil {
		return err
	}

	prepared := s.prepare(ctx, dedupe(fetched))
	s.mu.Lock()
	s.snapshot = prepared
	s.mu.Unlock()

	added := s.pool.Hydrate(prepared)
	l.Info().Int("fetched", len(prepared)).Int("added", added).Int("pool_size", s.pool.Len()).Msg("Proxy refresh finished.")
	return nil
}

// AddProxies 测量未测延迟的代理，追加到快照并灌入代理池。返回新进入代理池的数量。
func (s *Service) AddProxies(ctx context.Context, proxies []model.Endpoint) int {
	valid := make([]model.Endpoint, 0, len(proxies))
	for _, ep := range proxies {
		if err := ep.Validate(); err != nil {
			l := logger.WithComponent("Proxy/Service")
			l.Warn().Err(err).Msg("Invalid proxy, skipping.")
			continue
		}
		valid = append(valid, ep)
	}
	if len(valid) == 0 {
		return 0
	}

	prepared := s.prepare(ctx, dedupe(valid))
	s.mu.Lock()
	merged := s.snapshot[:0:0]
	for _, existing := range s.snapshot {
		if indexOf(prepared, existing) < 0 {
			merged = append(merged, existing)
		}
	}
	s.snapshot = append(merged, prepared...)
	sortByLatency(s.snapshot)
	s.mu.Unlock()

	return s.pool.Hydrate(prepared)
}

// ListProxies 返回最近一次的快照，不触发刷新。
func (s *Service) ListProxies() []model.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Endpoint(nil), s.snapshot...)
}

// Assign 向供应商申请一批新代理，灌入代理池后返回其中延迟最低的一个。
func (s *Service) Assign(ctx context.Context) (model.Endpoint, error) {
	if s.vendor == nil {
		return model.Endpoint{}, ErrNoVendor
	}
	proxies, err := s.vendor.Fetch(ctx)
	if err != nil {
		return model.Endpoint{}, err
	}
	valid := proxies[:0:0]
	for _, ep := range proxies {
		if ep.Validate() == nil {
			valid = append(valid, ep)
		}
	}
	if len(valid) == 0 {
		return model.Endpoint{}, fmt.Errorf("%s returned no valid proxies", s.vendor.Name())
	}

	prepared := s.prepare(ctx, dedupe(valid))
	s.AddProxies(ctx, prepared)
	return prepared[0], nil
}

// Tick 透传给代理池。
func (s *Service) Tick() {
	s.pool.Tick()
}

// Stop 停止刷新并写回代理池快照。
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	if s.storage != nil {
		free, sticky := s.pool.Snapshot()
		all := free
		for _, eps := range sticky {
			all = append(all, eps...)
		}
		sortByLatency(all)
		if err := s.storage.Save(all); err != nil {
			logger.Error().Err(err).Msg("Failed to save proxies on shutdown.")
		}
	}
	logger.Info().Msg("Proxy service gracefully stopped.")
}

func (s *Service) refreshSources() []scraper.Source {
	sources := make([]scraper.Source, 0, len(s.sources)+1)
	if s.vendor != nil {
		sources = append(sources, s.vendor)
	}
	return append(sources, s.sources...)
}

// prepare 重置调度状态、测量延迟并按延迟排序。
func (s *Service) prepare(ctx context.Context, proxies []model.Endpoint) []model.Endpoint {
	out := make([]model.Endpoint, len(proxies))
	for i, ep := range proxies {
		ep.FailureCount = 0
		ep.NextAvailable = time.Time{}
		out[i] = ep
	}
	if s.validator != nil {
		out = s.validator.Validate(ctx, out)
	}
	sortByLatency(out)
	return out
}

func dedupe(proxies []model.Endpoint) []model.Endpoint {
	out := make([]model.Endpoint, 0, len(proxies))
	for _, ep := range proxies {
		if indexOf(out, ep) < 0 {
			out = append(out, ep)
		}
	}
	return out
}

// sortByLatency 延迟升序，相同时按主机名。
func sortByLatency(proxies []model.Endpoint) {
	sort.SliceStable(proxies, func(i, j int) bool {
		a, b := proxies[i], proxies[j]
		if a.Measured() != b.Measured() {
			return a.Measured()
		}
		if a.Latency == b.Latency {
			return a.Host < b.Host
		}
		return a.Latency < b.Latency
	})
}
