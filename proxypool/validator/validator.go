package validator

import (
	"context"
	"net"
	"time"

	"github.com/sourcegraph/conc/pool"

	"quickgrab/internal/shared/logger"
	"quickgrab/proxypool/model"
)

const (
	DefaultProbeTimeout = 1500 * time.Millisecond
)

// DialFunc 建立 TCP 连接，默认使用 net.Dialer。
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Validator 通过 TCP 建连耗时估计代理延迟。
// 建连失败或超时的代理记为 2 倍超时，排在可达代理之后。
type Validator struct {
	timeout     time.Duration
	concurrency int
	dial        DialFunc
}

func NewValidator(timeout time.Duration, concurrency int) *Validator {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	d := &net.Dialer{}
	return &Validator{
		timeout:     timeout,
		concurrency: concurrency,
		dial:        d.DialContext,
	}
}

// WithDialer 替换拨号函数 (测试中使用)。
func (v *Validator) WithDialer(dial DialFunc) *Validator {
	v.dial = dial
	return v
}

// FailureLatency 是探测失败时记录的延迟。
func (v *Validator) FailureLatency() time.Duration {
	return v.timeout * 2
}

// Validate 测量每个未测量代理的延迟，返回同序的新切片。
func (v *Validator) Validate(ctx context.Context, proxies []model.Endpoint) []model.Endpoint {
	l := logger.WithComponent("Proxy/Validator")
	out := append([]model.Endpoint(nil), proxies...)
	if len(out) == 0 {
		return out
	}

	l.Debug().Int("count", len(out)).Int("concurrency", v.concurrency).Msg("Starting latency probe batch...")

	p := pool.New().WithMaxGoroutines(v.concurrency)
	for i := range out {
		if out[i].Measured() {
			continue
		}
		p.Go(func() {
			out[i].Latency = v.Probe(ctx, out[i])
		})
	}
	p.Wait()

	return out
}

// Probe 返回单个代理的建连耗时。
func (v *Validator) Probe(ctx context.Context, ep model.Endpoint) time.Duration {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	conn, err := v.dial(ctx, "tcp", ep.Addr())
	if err != nil {
		l := logger.WithComponent("Proxy/Validator")
		l.Debug().Err(err).Str("proxy", ep.Redacted()).Msg("Probe failed.")
		return v.FailureLatency()
	}
	latency := time.Since(start)
	conn.Close()
	if latency <= 0 {
		latency = time.Millisecond
	}
	return latency
}
