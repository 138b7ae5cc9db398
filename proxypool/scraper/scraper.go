package scraper

import (
	"context"
	"strconv"
	"strings"

	"quickgrab/internal/fetcher"
	"quickgrab/proxypool/model"
)

const desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Source 接口定义了从代理源获取代理的行为。
type Source interface {
	// Fetch 只负责抓取和初步解析，不测量延迟。
	Fetch(ctx context.Context) ([]model.Endpoint, error)

	// Name 返回来源名称，用于日志记录。
	Name() string
}

// HTTPDoer 是来源发起 HTTP 请求所需的能力，*fetcher.Fetcher 实现了它。
type HTTPDoer interface {
	Fetch(ctx context.Context, req fetcher.Request) (*fetcher.Response, error)
}

// parseHostPort 解析 "host:port"，端口须在 1..65535。
func parseHostPort(entry string) (string, int, bool) {
	host, portStr, found := strings.Cut(strings.TrimSpace(entry), ":")
	if !found {
		return "", 0, false
	}
	host = strings.TrimSpace(host)
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if host == "" || err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

// FromNames 按逗号分隔的名称 (kuaidaili, ip3366) 创建免费代理来源，未知名称被忽略。
func FromNames(names string, client HTTPDoer) []Source {
	var sources []Source
	for _, name := range strings.Split(names, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "kuaidaili":
			sources = append(sources, NewKuaidailiScraper())
		case "ip3366":
			sources = append(sources, NewIP3366Scraper(client))
		}
	}
	return sources
}
