package grab

import (
	"math/rand/v2"
	"strconv"
	"time"

	"quickgrab/internal/model"
	proxymodel "quickgrab/proxypool/model"
)

const (
	DefaultDomain         = "thor.weidian.com"
	DefaultAdjustedFactor = 10
	DefaultProcessingTime = 19
)

var (
	useProxyKeys = []string{"useProxy", "use_proxy", "proxyEnabled", "proxy"}
	affinityKeys = []string{"proxyAffinity", "affinity", "proxyKey", "proxy_key"}
)

// Context 是一次抢购的不可变快照，在 Run 开始时构建。
type Context struct {
	Request   model.Request
	Extension model.Extension
	Domain    string

	QuickMode   bool
	SteadyOrder bool
	AutoPick    bool

	// 毫秒
	AdjustedFactor int64
	ProcessingTime int64

	UseProxy      bool
	ProxyAffinity string
	AssignedProxy *proxymodel.Endpoint
}

// NewContext 从请求与其扩展字段构建 Context。pick 用于从 domains 中随机选择，nil 时使用 math/rand。
func NewContext(req model.Request, pick func(n int) int) Context {
	if pick == nil {
		pick = rand.IntN
	}
	ext := req.Extension
	if ext == nil {
		ext = model.Extension{}
	}

	gc := Context{
		Request:        req,
		Extension:      ext,
		Domain:         DefaultDomain,
		AdjustedFactor: DefaultAdjustedFactor,
		ProcessingTime: DefaultProcessingTime,
	}
	if domains := ext.Strings("domains"); len(domains) > 0 {
		gc.Domain = domains[pick(len(domains))]
	}
	gc.QuickMode, _ = ext.Bool("quickMode")
	gc.SteadyOrder, _ = ext.Bool("steadyOrder")
	gc.AutoPick, _ = ext.Bool("autoPick")

	if ext.Has("__adjustedFactor") {
		if v, ok := ext.Number("__adjustedFactor"); ok {
			gc.AdjustedFactor = v
		}
	} else if v, ok := ext.Int("adjustedFactor"); ok {
		gc.AdjustedFactor = v
	}
	if ext.Has("__processingTime") {
		if v, ok := ext.Number("__processingTime"); ok {
			gc.ProcessingTime = v
		}
	} else if v, ok := ext.Int("processingTime"); ok {
		gc.ProcessingTime = v
	}

	gc.UseProxy = WantsProxy(ext)
	for _, key := range affinityKeys {
		if v, ok := ext.Text(key); ok && v != "" {
			gc.ProxyAffinity = v
			break
		}
	}
	if assigned, ok := ext.Bool("__proxyAssigned"); ok && !assigned {
		gc.UseProxy = false
	}
	gc.AssignedProxy = assignedProxy(ext)

	if gc.UseProxy && gc.AssignedProxy == nil {
		if gc.ProxyAffinity == "" {
			gc.ProxyAffinity = req.ThreadID
		}
		if gc.ProxyAffinity == "" {
			gc.UseProxy = false
		}
	}
	return gc
}

// WantsProxy 扩展字段 useProxy / use_proxy / proxyEnabled / proxy 任一为真。
func WantsProxy(ext model.Extension) bool {
	for _, key := range useProxyKeys {
		if ext.Truthy(key) {
			return true
		}
	}
	return false
}

// Affinity 返回向代理池取代理时使用的键。
func (gc Context) Affinity() string {
	if gc.ProxyAffinity != "" {
		return gc.ProxyAffinity
	}
	return gc.Request.ThreadID
}

// ComputeDelay = max(0, (开始时间 - now) + (delay - adjustedFactor - processingTime))
// 未设置开始时间视为 now。
func ComputeDelay(gc Context, now time.Time) time.Duration {
	start := gc.Request.StartTime
	if start.IsZero() {
		start = now
	}
	remaining := start.Sub(now).Milliseconds() + gc.Request.Delay - gc.AdjustedFactor - gc.ProcessingTime
	if remaining < 0 {
		return 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// assignedProxy 读取调度器注入的 __proxyHost / __proxyPort 等字段。
func assignedProxy(ext model.Extension) *proxymodel.Endpoint {
	host, ok := ext.String("__proxyHost")
	if !ok || host == "" {
		return nil
	}
	ep := proxymodel.Endpoint{Host: host, Source: "assigned"}
	if port, ok := ext.Int("__proxyPort"); ok {
		ep.Port = int(port)
	} else if s, ok := ext.String("__proxyPort"); ok {
		if port, err := strconv.Atoi(s); err == nil {
			ep.Port = port
		}
	}
	ep.Username, _ = ext.String("__proxyUsername")
	ep.Password, _ = ext.String("__proxyPassword")
	if latency, ok := ext.Int("__proxyLatency"); ok {
		ep.Latency = time.Duration(latency) * time.Millisecond
	}
	if ep.Validate() != nil {
		return nil
	}
	return &ep
}
