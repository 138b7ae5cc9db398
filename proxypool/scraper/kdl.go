package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quickgrab/internal/fetcher"
	"quickgrab/internal/shared/logger"
	"quickgrab/internal/shared/types"
	"quickgrab/proxypool/model"
)

const (
	kdlTimeout      = 15 * time.Second
	kdlSnippetLimit = 120
)

// KDLSource 调用快代理私密代理接口 (getdps) 获取一批带认证的代理。
type KDLSource struct {
	cfg    types.KdlConf
	client HTTPDoer
}

// NewKDLSource 创建 KDLSource。client 应为不走代理池的 Fetcher。
func NewKDLSource(cfg types.KdlConf, client HTTPDoer) *KDLSource {
	return &KDLSource{cfg: cfg, client: client}
}

func (s *KDLSource) Name() string {
	return "kdl"
}

// Fetch 请求 format=text&sep=1 的纯文本列表。
func (s *KDLSource) Fetch(ctx context.Context) ([]model.Endpoint, error) {
	l := logger.WithComponent("Proxy/KDL")

	endpoint, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid KDL endpoint: %w", err)
	}
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	q := endpoint.Query()
	q.Set("secret_id", s.cfg.SecretID)
	q.Set("signature", s.cfg.Signature)
	q.Set("num", strconv.Itoa(batch))
	q.Set("format", "text")
	q.Set("sep", "1")
	endpoint.RawQuery = q.Encode()

	resp, err := s.client.Fetch(ctx, fetcher.Request{
		Method: http.MethodGet,
		URL:    endpoint.String(),
		Header: http.Header{
			"User-Agent": {desktopUserAgent},
			"Accept":     {"text/plain"},
		},
		Timeout: kdlTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("KDL proxy API request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("KDL proxy API returned status %d", resp.StatusCode)
	}

	proxies := s.parse(string(resp.Body))
	body := strings.TrimSpace(string(resp.Body))
	if len(proxies) == 0 && body != "" {
		if len(body) > kdlSnippetLimit {
			body = body[:kdlSnippetLimit]
		}
		return nil, fmt.Errorf("KDL proxy API payload unexpected: %s", body)
	}

	if len(proxies) == 0 {
		l.Warn().Msg("KDL 代理接口未返回可用条目")
	} else {
		l.Info().Int("count", len(proxies)).Msgf("KDL 代理接口获取 %d 个代理", len(proxies))
	}
	return proxies, nil
}

func (s *KDLSource) parse(body string) []model.Endpoint {
	l := logger.WithComponent("Proxy/KDL")
	entries := strings.FieldsFunc(body, func(r rune) bool {
		return strings.ContainsRune("\r\n;,|", r)
	})

	proxies := make([]model.Endpoint, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" || !strings.Contains(entry, ":") {
			continue
		}
		host, port, ok := parseHostPort(entry)
		if !ok {
			l.Warn().Str("entry", entry).Msg("跳过非法代理条目")
			continue
		}
		proxies = append(proxies, model.Endpoint{
			Host:     host,
			Port:     port,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
			Source:   s.Name(),
		})
	}
	return proxies
}
