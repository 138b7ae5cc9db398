package fetcher

import (
	"errors"
	"fmt"

	"quickgrab/proxypool/model"
)

// ErrTooManyRedirects 重定向次数超过上限。
var ErrTooManyRedirects = errors.New("Maximum redirect count exceeded")

// ProxyErrorKind 区分代理失败发生的阶段。
type ProxyErrorKind int

const (
	// ProxyConnectFailed 无法连接代理，或 CONNECT 返回非 200
	ProxyConnectFailed ProxyErrorKind = iota + 1
	// ProxyAuthRequired 代理返回 407
	ProxyAuthRequired
	// ProxyTransport 隧道建立后的 TLS / 读写错误
	ProxyTransport
)

func (k ProxyErrorKind) String() string {
	switch k {
	case ProxyConnectFailed:
		return "connect failed"
	case ProxyAuthRequired:
		return "authentication required"
	case ProxyTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ProxyError 表示经由代理发送请求时出现的失败。调用方可用 errors.As 判断后改为直连。
type ProxyError struct {
	Endpoint model.Endpoint
	Kind     ProxyErrorKind
	Status   int // CONNECT 或代理响应的状态码, 0 表示没有响应
	Err      error
}

func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("proxy %s: %s", e.Endpoint.Redacted(), e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}
