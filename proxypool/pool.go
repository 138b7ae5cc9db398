package proxypool

import (
	"sort"
	"sync"
	"time"

	"quickgrab/internal/shared/logger"
	"quickgrab/proxypool/model"
)

const (
	// DefaultCooldown 是一次分配后同一代理不得再次分配的最短间隔
	DefaultCooldown = 30 * time.Second

	// 每个亲和键最多持有的代理数
	maxStickyPerKey = 2
)

// affinityState 是一个亲和键当前 "借出" 的代理集合与轮询游标。
type affinityState struct {
	endpoints []model.Endpoint
	cursor    int
}

// Pool 以粘性亲和 + 冷却的策略分发代理。
// 某个代理位于亲和集合中时不会同时出现在空闲池里，独占性由所在位置保证。
// 所有操作共用一把锁。
type Pool struct {
	mu       sync.Mutex
	free     []model.Endpoint
	sticky   map[string]*affinityState
	cooldown time.Duration
	now      func() time.Time
}

// Option 配置 Pool。
type Option func(*Pool)

// WithClock 替换时间来源 (测试中使用)。
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool 创建代理池。cooldown <= 0 时使用 DefaultCooldown。
func NewPool(cooldown time.Duration, opts ...Option) *Pool {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	p := &Pool{
		sticky:   make(map[string]*affinityState),
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cooldown 返回冷却时长。
func (p *Pool) Cooldown() time.Duration {
	return p.cooldown
}

// Acquire 为亲和键分配一个代理。空闲池与亲和集合中都没有可用代理时返回 false，
// 调用方应直连或放弃。
func (p *Pool) Acquire(affinityKey string) (model.Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if st, ok := p.sticky[affinityKey]; ok && len(st.endpoints) > 0 {
		p.topUp(st, now)
		n := len(st.endpoints)
		for i := 0; i < n; i++ {
			idx := (st.cursor + i) % n
			ep := &st.endpoints[idx]
			if ep.NextAvailable.After(now) {
				continue
			}
			st.cursor = (idx + 1) % n
			ep.NextAvailable = now.Add(p.cooldown)
			return *ep, true
		}
		return model.Endpoint{}, false
	}

	st := &affinityState{}
	p.topUp(st, now)
	if len(st.endpoints) == 0 {
		return model.Endpoint{}, false
	}
	st.cursor = 1 % len(st.endpoints)
	st.endpoints[0].NextAvailable = now.Add(p.cooldown)
	p.sticky[affinityKey] = st
	return st.endpoints[0], true
}

// ReportSuccess 清零失败计数并顺延一个冷却周期。
func (p *Pool) ReportSuccess(affinityKey string, endpoint model.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.now().Add(p.cooldown)
	if st, ok := p.sticky[affinityKey]; ok {
		if idx := indexOf(st.endpoints, endpoint); idx >= 0 {
			st.endpoints[idx].FailureCount = 0
			st.endpoints[idx].NextAvailable = next
			return
		}
	}
	if p.residentElsewhere(affinityKey, endpoint) {
		return
	}

	updated := endpoint
	if idx := indexOf(p.free, endpoint); idx >= 0 {
		updated = p.free[idx]
		p.free = removeAt(p.free, idx)
	}
	updated.FailureCount = 0
	updated.NextAvailable = next
	p.free = append(p.free, updated)
	sortByPreference(p.free)
}

// ReportFailure 递增失败计数并按 cooldown*(1+failureCount) 退避，
// 同时把代理从亲和集合中移出并放回空闲池。
func (p *Pool) ReportFailure(affinityKey string, endpoint model.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := logger.WithComponent("Proxy/Pool")
	updated := endpoint
	found := false
	if st, ok := p.sticky[affinityKey]; ok {
		if idx := indexOf(st.endpoints, endpoint); idx >= 0 {
			updated = st.endpoints[idx]
			st.endpoints = removeAt(st.endpoints, idx)
			found = true
			if len(st.endpoints) == 0 {
				delete(p.sticky, affinityKey)
			} else {
				st.cursor %= len(st.endpoints)
			}
		}
	}
	if !found {
		if p.residentElsewhere(affinityKey, endpoint) {
			return
		}
		if idx := indexOf(p.free, endpoint); idx >= 0 {
			updated = p.free[idx]
			p.free = removeAt(p.free, idx)
		}
	}

	updated.FailureCount++
	updated.NextAvailable = p.now().Add(p.cooldown * time.Duration(1+updated.FailureCount))
	p.free = append(p.free, updated)
	sortByPreference(p.free)

	l.Debug().
		Str("affinity", affinityKey).
		Str("proxy", updated.Redacted()).
		Int("failures", updated.FailureCount).
		Time("next_available", updated.NextAvailable).
		Msg("Proxy failure reported.")
}

// Hydrate 把外部提供的代理并入空闲池。已存在的代理只更新延迟。
func (p *Pool) Hydrate(endpoints []model.Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	added := 0
	for _, ep := range endpoints {
		if ep.Validate() != nil {
			continue
		}
		if idx := indexOf(p.free, ep); idx >= 0 {
			if ep.Measured() {
				p.free[idx].Latency = ep.Latency
			}
			continue
		}
		if p.residentElsewhere("", ep) {
			continue
		}
		ep.FailureCount = 0
		ep.NextAvailable = now
		p.free = append(p.free, ep)
		added++
	}
	sortByPreference(p.free)
	return added
}

// Tick 把冷却已结束的粘性代理释放回空闲池，供其他亲和键使用。
func (p *Pool) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	released := 0
	for key, st := range p.sticky {
		kept := st.endpoints[:0]
		for _, ep := range st.endpoints {
			if !ep.NextAvailable.After(now) {
				p.free = append(p.free, ep)
				released++
				continue
			}
			kept = append(kept, ep)
		}
		st.endpoints = kept
		if len(st.endpoints) == 0 {
			delete(p.sticky, key)
			continue
		}
		st.cursor %= len(st.endpoints)
	}
	if released > 0 {
		sortByPreference(p.free)
	}
}

// Snapshot 返回空闲池与各亲和集合的副本。
func (p *Pool) Snapshot() (free []model.Endpoint, sticky map[string][]model.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free = append([]model.Endpoint(nil), p.free...)
	sticky = make(map[string][]model.Endpoint, len(p.sticky))
	for key, st := range p.sticky {
		sticky[key] = append([]model.Endpoint(nil), st.endpoints...)
	}
	return free, sticky
}

// Len 返回池中代理总数 (空闲 + 借出)。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	for _, st := range p.sticky {
		n += len(st.endpoints)
	}
	return n
}

// topUp 从空闲池中按优选顺序补充可用代理，直到集合达到上限。
// 注意：必须在持有 p.mu 时调用。
func (p *Pool) topUp(st *affinityState, now time.Time) {
	added := false
	for i := 0; i < len(p.free) && len(st.endpoints) < maxStickyPerKey; {
		if p.free[i].NextAvailable.After(now) {
			i++
			continue
		}
		st.endpoints = append(st.endpoints, p.free[i])
		p.free = removeAt(p.free, i)
		added = true
	}
	if added {
		sortByPreference(st.endpoints)
		st.cursor %= len(st.endpoints)
	}
}

// residentElsewhere 判断代理是否被 except 之外的亲和键持有。
func (p *Pool) residentElsewhere(except string, endpoint model.Endpoint) bool {
	for key, st := range p.sticky {
		if key == except {
			continue
		}
		if indexOf(st.endpoints, endpoint) >= 0 {
			return true
		}
	}
	return false
}

func sortByPreference(endpoints []model.Endpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		return model.Less(endpoints[i], endpoints[j])
	})
}

func indexOf(endpoints []model.Endpoint, target model.Endpoint) int {
	for i := range endpoints {
		if endpoints[i].SameAs(target) {
			return i
		}
	}
	return -1
}

func removeAt(endpoints []model.Endpoint, idx int) []model.Endpoint {
	return append(endpoints[:idx], endpoints[idx+1:]...)
}
