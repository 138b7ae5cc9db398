package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"quickgrab/internal/fetcher"
	"quickgrab/internal/shared/logger"
	"quickgrab/proxypool/model"
)

const ip3366BaseURL = "http://www.ip3366.net"

// IP3366Scraper 抓取 http://www.ip3366.net 的免费代理表格，只保留 HTTP 类型。
type IP3366Scraper struct {
	client  HTTPDoer
	baseURL string
	pages   int
}

// NewIP3366Scraper 创建一个新的 IP3366Scraper 实例。
func NewIP3366Scraper(client HTTPDoer) *IP3366Scraper {
	return &IP3366Scraper{
		client:  client,
		baseURL: ip3366BaseURL,
		pages:   1,
	}
}

func (s *IP3366Scraper) Name() string {
	return "ip3366.net"
}

func (s *IP3366Scraper) Fetch(ctx context.Context) ([]model.Endpoint, error) {
	l := logger.WithComponent("Proxy/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var (
		proxies []model.Endpoint
		lastErr error
	)
	// 分页是 /?stype=1&page=1, /?stype=1&page=2 ...
	for i := 1; i <= s.pages; i++ {
		url := fmt.Sprintf("%s/?stype=1&page=%d", s.baseURL, i)
		l.Debug().Str("url", url).Str("source", s.Name()).Msg("Scraping page...")

		resp, err := s.client.Fetch(ctx, fetcher.Request{
			Method: http.MethodGet,
			URL:    url,
			Header: http.Header{
				"User-Agent":      {desktopUserAgent},
				"Accept-Language": {"en-US,en;q=0.9"},
			},
			Timeout:         20 * time.Second,
			FollowRedirects: true,
		})
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to fetch page.")
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			l.Warn().Int("status_code", resp.StatusCode).Str("url", url).Str("source", s.Name()).Msg("Received non-200 status code.")
			lastErr = fmt.Errorf("%s returned status %d", s.Name(), resp.StatusCode)
			continue
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to parse HTML document.")
			lastErr = err
			continue
		}
		proxies = append(proxies, s.parseTable(doc)...)
	}

	if len(proxies) == 0 && lastErr != nil {
		return nil, lastErr
	}
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

func (s *IP3366Scraper) parseTable(doc *goquery.Document) []model.Endpoint {
	l := logger.WithComponent("Proxy/Scraper")
	var proxies []model.Endpoint
	doc.Find("table.table-bordered tbody tr").Each(func(_ int, sel *goquery.Selection) {
		cells := sel.Find("td")
		ip := strings.TrimSpace(cells.Eq(0).Text())
		portStr := strings.TrimSpace(cells.Eq(1).Text())
		proxyType := strings.ToUpper(strings.TrimSpace(cells.Eq(3).Text()))
		if !strings.Contains(proxyType, "HTTP") {
			return
		}

		host, port, ok := parseHostPort(ip + ":" + portStr)
		if !ok {
			l.Warn().Str("ip", ip).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse IP/port, skipping row.")
			return
		}
		proxies = append(proxies, model.Endpoint{Host: host, Port: port, Source: s.Name()})
	})
	return proxies
}
