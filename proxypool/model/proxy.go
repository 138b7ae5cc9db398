package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Endpoint 定义了一个上游 HTTP/HTTPS 代理，是代理池的核心数据结构。
// 身份由 (Host, Port, Username, Password) 决定，其余字段是调度状态。
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// 调度状态
	NextAvailable time.Time     `json:"next_available"` // 在此之前不得再次分配
	FailureCount  int           `json:"failure_count"`  // 连续失败次数
	Latency       time.Duration `json:"latency"`        // 最近一次测得的延迟, 0 表示未测量

	Source string `json:"source,omitempty"` // 来源, e.g. "kdl", "seed", "kuaidaili.com"
}

// Key 返回用于比较身份的键。
func (e Endpoint) Key() string {
	return e.Host + "\x00" + strconv.Itoa(e.Port) + "\x00" + e.Username + "\x00" + e.Password
}

// SameAs 按身份比较两个代理。
func (e Endpoint) SameAs(other Endpoint) bool {
	return e.Host == other.Host && e.Port == other.Port &&
		e.Username == other.Username && e.Password == other.Password
}

// Addr 返回 host:port。
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// HasCredentials 是否需要 Proxy-Authorization。
func (e Endpoint) HasCredentials() bool {
	return e.Username != "" || e.Password != ""
}

// Measured 延迟是否已测量。未测量的代理在排序中视为无穷大。
func (e Endpoint) Measured() bool {
	return e.Latency > 0
}

// Redacted 返回可安全写入日志的描述。
func (e Endpoint) Redacted() string {
	if e.HasCredentials() {
		return fmt.Sprintf("%s@%s", "***", e.Addr())
	}
	return e.Addr()
}

// Validate 检查端点是否可用。
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("proxy host is empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("proxy port %d out of range", e.Port)
	}
	return nil
}

// Less 是代理的优选顺序: 延迟升序 (未测量视为无穷大)，其次 NextAvailable 升序。
func Less(a, b Endpoint) bool {
	switch {
	case a.Measured() && !b.Measured():
		return true
	case !a.Measured() && b.Measured():
		return false
	case a.Latency != b.Latency:
		return a.Latency < b.Latency
	}
	return a.NextAvailable.Before(b.NextAvailable)
}
