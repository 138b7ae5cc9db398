package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// 支持的 TLS 指纹
const (
	FingerprintGo      = "go"
	FingerprintAndroid = "android"
	FingerprintChrome  = "chrome"
)

// tlsDialer 在已建立的连接 (直连或 CONNECT 隧道) 上完成 TLS 握手，ALPN 固定为 http/1.1。
type tlsDialer struct {
	fingerprint string
	rootCAs     *x509.CertPool
	insecure    bool
}

func (d *tlsDialer) handshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	switch d.fingerprint {
	case FingerprintAndroid:
		return d.handshakeUTLS(ctx, conn, serverName, utls.HelloAndroid_11_OkHttp)
	case FingerprintChrome:
		return d.handshakeUTLS(ctx, conn, serverName, utls.HelloChrome_Auto)
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{"http/1.1"},
		RootCAs:            d.rootCAs,
		InsecureSkipVerify: d.insecure,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", serverName, err)
	}
	return tlsConn, nil
}

func (d *tlsDialer) handshakeUTLS(ctx context.Context, conn net.Conn, serverName string, id utls.ClientHelloID) (net.Conn, error) {
	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return nil, fmt.Errorf("load tls fingerprint %s: %w", id.Str(), err)
	}
	// 浏览器指纹默认协商 h2，这里只说 HTTP/1.1
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         serverName,
		RootCAs:            d.rootCAs,
		InsecureSkipVerify: d.insecure,
	}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("apply tls fingerprint %s: %w", id.Str(), err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", serverName, err)
	}
	return uconn, nil
}
