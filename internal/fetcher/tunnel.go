package fetcher

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"quickgrab/proxypool/model"
)

const connectUserAgent = "quickgrab/1.0"

// bufferedConn 保留 CONNECT 响应之后已被 bufio 读入的字节。
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// openTunnel 连接代理并发送 CONNECT，返回指向 authority 的明文隧道。
func (f *Fetcher) openTunnel(ctx context.Context, ep model.Endpoint, authority string) (net.Conn, error) {
	proxyConn, err := f.dial(ctx, ep.Addr())
	if err != nil {
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyConnectFailed, Err: err}
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: authority},
		Host:   authority,
		Header: make(http.Header),
	}
	if ep.HasCredentials() {
		connectReq.Header.Set("Proxy-Authorization", basicAuth(ep))
	}
	connectReq.Header.Set("User-Agent", connectUserAgent)

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyConnectFailed, Err: fmt.Errorf("write CONNECT: %w", err)}
	}

	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyConnectFailed, Err: fmt.Errorf("read CONNECT response: %w", err)}
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusProxyAuthRequired:
		proxyConn.Close()
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyAuthRequired, Status: resp.StatusCode}
	default:
		proxyConn.Close()
		return nil, &ProxyError{Endpoint: ep, Kind: ProxyConnectFailed, Status: resp.StatusCode}
	}

	return &bufferedConn{Conn: proxyConn, r: br}, nil
}

// exchange 在 conn 上写出一个请求并读取完整响应。absolute 为 true 时使用代理所需的绝对 URI 请求行。
func exchange(conn net.Conn, req *http.Request, absolute bool) (*http.Response, []byte, error) {
	var err error
	if absolute {
		err = req.WriteProxy(conn)
	} else {
		err = req.Write(conn)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, body, nil
}

func basicAuth(ep model.Endpoint) string {
	auth := ep.Username + ":" + ep.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
}
