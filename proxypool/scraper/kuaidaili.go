package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"quickgrab/internal/shared/logger"
	"quickgrab/proxypool/model"
)

const kuaidailiBaseURL = "https://www.kuaidaili.com"

var fpsListPattern = regexp.MustCompile(`(var|let|const)\s+fpsList\s*=\s*(\[.*?\]);`)

// KuaidailiScraper 抓取 www.kuaidaili.com 的免费代理列表，数据位于页面内的 fpsList JS 变量。
type KuaidailiScraper struct {
	baseURL   string
	pages     int
	pageDelay time.Duration
}

// tempKuaidailiProxy 定义了用于解析 JS 变量中 JSON 的临时结构体。
type tempKuaidailiProxy struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

// NewKuaidailiScraper 创建一个新的 KuaidailiScraper 实例。
func NewKuaidailiScraper() *KuaidailiScraper {
	return &KuaidailiScraper{
		baseURL:   kuaidailiBaseURL,
		pages:     2,
		pageDelay: 2 * time.Second,
	}
}

func (s *KuaidailiScraper) Name() string {
	return "kuaidaili.com"
}

// Fetch 依次访问 intr 与 inha 两个列表的前几页。
func (s *KuaidailiScraper) Fetch(ctx context.Context) ([]model.Endpoint, error) {
	l := logger.WithComponent("Proxy/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(desktopUserAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(20 * time.Second)

	var (
		mu        sync.Mutex
		proxies   []model.Endpoint
		scrapeErr error
	)

	c.OnResponse(func(r *colly.Response) {
		matches := fpsListPattern.FindSubmatch(r.Body)
		if len(matches) < 3 {
			l.Warn().Str("url", r.Request.URL.String()).Msg("Could not find fpsList variable in response body.")
			return
		}

		var tempList []tempKuaidailiProxy
		if err := json.Unmarshal(matches[2], &tempList); err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("Failed to unmarshal fpsList JSON.")
			mu.Lock()
			scrapeErr = err
			mu.Unlock()
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, p := range tempList {
			host, port, ok := parseHostPort(strings.TrimSpace(p.IP) + ":" + strings.TrimSpace(p.Port))
			if !ok {
				l.Warn().Str("ip", p.IP).Str("port", p.Port).Str("source", s.Name()).Msg("Failed to parse port, skipping.")
				continue
			}
			proxies = append(proxies, model.Endpoint{Host: host, Port: port, Source: s.Name()})
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	for _, list := range []string{"intr", "inha"} {
		for i := 1; i <= s.pages; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			url := fmt.Sprintf("%s/free/%s/%d/", s.baseURL, list, i)
			l.Debug().Str("url", url).Msg("Visiting page...")
			if err := c.Visit(url); err != nil {
				l.Debug().Err(err).Str("url", url).Msg("Visit returned error.")
			}
			// 在请求之间添加短暂延迟，避免对目标服务器造成过大压力
			if s.pageDelay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(s.pageDelay):
				}
			}
		}
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(proxies) == 0 && scrapeErr != nil {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
