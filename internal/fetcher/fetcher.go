package fetcher

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"quickgrab/internal/shared/logger"
	"quickgrab/internal/shared/types"
	"quickgrab/proxypool/model"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 5
)

// Broker 是 Fetcher 所需的代理池能力，*proxypool.Pool 实现了它。
type Broker interface {
	Acquire(affinityKey string) (model.Endpoint, bool)
	ReportSuccess(affinityKey string, endpoint model.Endpoint)
	ReportFailure(affinityKey string, endpoint model.Endpoint)
}

// Request 描述一次逻辑请求。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// AffinityKey 非空且 UseProxy 时从代理池取代理
	AffinityKey string
	UseProxy    bool
	// Proxy 指定固定代理，优先于代理池。仅在 UseProxy 时生效，且不会回报给代理池。
	Proxy *model.Endpoint

	// Timeout 约束每一跳的 连接+握手+写+读，0 表示 DefaultTimeout
	Timeout         time.Duration
	FollowRedirects bool
	// MaxRedirects 为 0 时使用 DefaultMaxRedirects
	MaxRedirects int
}

// Response 是完整读入内存的响应。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL 是最后一跳的地址
	URL *url.URL
}

// Fetcher 每一跳新建一条连接，手工完成 CONNECT 与 TLS。
type Fetcher struct {
	pool   Broker
	dialer proxy.ContextDialer
	tls    tlsDialer
}

// Option 配置 Fetcher。
type Option func(*Fetcher)

// WithPool 设置代理池。
func WithPool(pool Broker) Option {
	return func(f *Fetcher) { f.pool = pool }
}

// WithDialer 设置出站拨号器，默认 proxy.Direct。
func WithDialer(d proxy.ContextDialer) Option {
	return func(f *Fetcher) { f.dialer = d }
}

// WithFingerprint 设置 TLS 指纹: go / android / chrome。
func WithFingerprint(name string) Option {
	return func(f *Fetcher) { f.tls.fingerprint = name }
}

// WithRootCAs 替换根证书 (测试中使用)。
func WithRootCAs(pool *x509.CertPool) Option {
	return func(f *Fetcher) { f.tls.rootCAs = pool }
}

// WithInsecureSkipVerify 跳过证书校验。
func WithInsecureSkipVerify(skip bool) Option {
	return func(f *Fetcher) { f.tls.insecure = skip }
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		dialer: proxy.Direct,
		tls:    tlsDialer{fingerprint: FingerprintGo},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFromConfig 按 [fetcher] 配置创建 Fetcher。egress_socks5 非空时所有出站连接经由该 SOCKS5。
func NewFromConfig(cfg types.FetcherConf, pool Broker) (*Fetcher, error) {
	opts := []Option{
		WithFingerprint(cfg.TLSFingerprint),
		WithInsecureSkipVerify(cfg.InsecureSkipVerify),
	}
	if pool != nil {
		opts = append(opts, WithPool(pool))
	}
	if cfg.EgressSocks5 != "" {
		d, err := proxy.SOCKS5("tcp", cfg.EgressSocks5, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 egress dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 egress dialer does not support contexts")
		}
		opts = append(opts, WithDialer(cd))
	}
	return New(opts...), nil
}

// Fetch 执行请求。FollowRedirects 时跟随 301/302/303/307/308，303 之后改为无 body 的 GET。
// 超出 MaxRedirects 返回 ErrTooManyRedirects。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := parseTarget(req.URL)
	if err != nil {
		return nil, err
	}
	maxRedirects := req.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	body := req.Body

	for hop := 0; ; hop++ {
		resp, err := f.roundTrip(ctx, &req, method, target, header, body)
		if err != nil {
			return nil, err
		}
		if !req.FollowRedirects || !isRedirect(resp.StatusCode) {
			return resp, nil
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return resp, nil
		}
		if hop >= maxRedirects {
			return nil, ErrTooManyRedirects
		}

		next, err := target.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}
		if next.Scheme != "http" && next.Scheme != "https" {
			return nil, fmt.Errorf("unsupported redirect scheme %q", next.Scheme)
		}
		if resp.StatusCode == http.StatusSeeOther {
			method = http.MethodGet
			body = nil
			header.Del("Content-Type")
			header.Del("Content-Length")
		}
		l := logger.WithComponent("Fetcher")
		l.Debug().
			Int("status", resp.StatusCode).
			Str("from", target.Redacted()).
			Str("to", next.Redacted()).
			Int("hop", hop+1).
			Msg("Following redirect.")
		target = next
	}
}

// roundTrip 完成一跳。使用代理池中的代理时，把结果回报给代理池。
func (f *Fetcher) roundTrip(ctx context.Context, req *Request, method string, target *url.URL, header http.Header, body []byte) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := logger.WithComponent("Fetcher")
	var (
		ep       model.Endpoint
		viaProxy bool
		fromPool bool
	)
	if req.UseProxy {
		switch {
		case req.Proxy != nil:
			ep, viaProxy = *req.Proxy, true
		case req.AffinityKey != "" && f.pool != nil:
			if acquired, ok := f.pool.Acquire(req.AffinityKey); ok {
				ep, viaProxy, fromPool = acquired, true, true
			} else {
				l.Debug().Str("affinity", req.AffinityKey).Msg("No proxy available, fetching directly.")
			}
		}
	}

	if !viaProxy {
		return f.direct(ctx, method, target, header, body)
	}

	resp, err := f.throughProxy(ctx, ep, method, target, header, body)
	if fromPool {
		if err != nil {
			f.pool.ReportFailure(req.AffinityKey, ep)
		} else {
			f.pool.ReportSuccess(req.AffinityKey, ep)
		}
	}
	if err != nil {
		l.Warn().Err(err).Str("proxy", ep.Redacted()).Str("url", target.Redacted()).Msg("Proxy request failed.")
	}
	return resp, err
}

func (f *Fetcher) direct(ctx context.Context, method string, target *url.URL, header http.Header, body []byte) (*Response, error) {
	conn, err := f.dial(ctx, hostPort(target))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if target.Scheme == "https" {
		conn, err = f.tls.handshake(ctx, conn, target.Hostname())
		if err != nil {
			return nil, err
		}
	}
	return send(conn, newRequest(method, target, header, body), false)
}

func (f *Fetcher) throughProxy(ctx context.Context, ep model.Endpoint, method string, target *url.URL, header http.Header, body []byte) (*Response, error) {
	r := newRequest(method, target, header, body)

	if target.Scheme == "https" {
		tunnel, err := f.openTunnel(ctx, ep, hostPort(target))
		if err != nil {
			return nil, err
		}
		defer tunnel.Close()

		conn, err := f.tls.handshake(ctx, tunnel, target.Hostname())
		if err != nil {
			return nil, &ProxyError{Endpoint: ep, Kind: ProxyTransport, Err: err}
		}
		resp, err := send(conn, r, false)
		if err != nil {
			return nil, &ProxyError{Endpoint: ep, Kind: ProxyTransport, Err: err}
		}
		return resp, nil
	}

	conn, err := f.dial(ctx, ep.Addr())
	if err != nil {
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyConnectFailed, Err: err}
	}
	defer conn.Close()

	if ep.HasCredentials() {
		r.Header.Set("Proxy-Authorization", basicAuth(ep))
	}
	resp, err := send(conn, r, true)
	if err != nil {
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyTransport, Err: err}
	}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyAuthRequired, Status: resp.StatusCode}
	}
	return resp, nil
}

// dial 建立 TCP 连接，并把 ctx 的截止时间设置到连接上。
func (f *Fetcher) dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func send(conn net.Conn, r *http.Request, absolute bool) (*Response, error) {
	resp, body, err := exchange(conn, r, absolute)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        r.URL,
	}, nil
}

func newRequest(method string, target *url.URL, header http.Header, body []byte) *http.Request {
	r := &http.Request{
		Method:     method,
		URL:        target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header.Clone(),
		Host:       target.Host,
		Close:      true,
	}
	if len(body) > 0 {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}
	return r
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url has no host")
	}
	return u, nil
}

func hostPort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
