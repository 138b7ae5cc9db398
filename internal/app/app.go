// Package app 负责组装 quickgrab 的各个组件并管理其生命周期。
package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"quickgrab/internal/fetcher"
	"quickgrab/internal/grab"
	"quickgrab/internal/notify"
	"quickgrab/internal/scheduler"
	"quickgrab/internal/service/web"
	"quickgrab/internal/shared/logger"
	"quickgrab/internal/shared/types"
	"quickgrab/internal/store"
	"quickgrab/proxypool"
	"quickgrab/proxypool/scraper"
	"quickgrab/proxypool/storage"
	"quickgrab/proxypool/validator"
)

const shutdownTimeout = 10 * time.Second

// App is the application's main struct.
type App struct {
	cfg       *types.Config
	store     *store.Store
	proxies   *proxypool.Service
	workflow  *grab.Workflow
	scheduler *scheduler.Service
	hub       *web.Hub
	web       *web.Server
	closers   []io.Closer

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// NewProxyService 按配置创建代理服务: 冷却时间、延迟探测、快代理供应商、免费来源以及种子文件。
func NewProxyService(cfg *types.Config) (*proxypool.Service, error) {
	// 抓取代理列表的请求本身不走代理池
	client, err := fetcher.NewFromConfig(cfg.FetcherConf, nil)
	if err != nil {
		return nil, err
	}

	pool := proxypool.NewPool(time.Duration(cfg.ProxyConf.CooldownSeconds) * time.Second)
	v := validator.NewValidator(time.Duration(cfg.ProxyConf.ProbeTimeoutMs)*time.Millisecond, cfg.ProxyConf.ProbeConcurrency)

	opts := []proxypool.ServiceOption{
		proxypool.WithRefreshInterval(time.Duration(cfg.KdlConf.RefreshMinutes) * time.Minute),
	}
	if cfg.KdlConf.Enabled() {
		opts = append(opts, proxypool.WithVendor(scraper.NewKDLSource(cfg.KdlConf, client)))
	}
	if sources := scraper.FromNames(cfg.ProxyConf.Scrapers, client); len(sources) > 0 {
		opts = append(opts, proxypool.WithSources(sources...))
	}
	if cfg.ProxyConf.SeedFile != "" {
		opts = append(opts, proxypool.WithStorage(storage.NewFileStorage(cfg.ProxyConf.SeedFile)))
	}
	return proxypool.NewService(pool, v, opts...), nil
}

// New 打开存储并组装全部组件。
func New(ctx context.Context, cfg *types.Config) (*App, error) {
	st, err := store.Open(ctx, cfg.DatabaseConf)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, store: st, hub: web.NewHub()}

	a.proxies, err = NewProxyService(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	client, err := fetcher.NewFromConfig(cfg.FetcherConf, a.proxies.Pool())
	if err != nil {
		st.Close()
		return nil, err
	}
	a.workflow = grab.New(client, grab.WithWorkers(cfg.SchedulerConf.WorkerPoolSize))

	notifier, err := a.notifiers()
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.scheduler = scheduler.New(st, a.workflow, notifier, scheduler.OptionsFromConfig(cfg.SchedulerConf),
		scheduler.WithProxies(a.proxies))
	a.web = web.NewServer(cfg.WebConf, a.scheduler, a.proxies, a.hub)
	return a, nil
}

// notifiers 按 [notify] 配置组合通知渠道，Web Hub 总是启用。
func (a *App) notifiers() (notify.Notifier, error) {
	nc := a.cfg.NotifyConf
	channels := notify.Multi{a.hub}
	if nc.MailSpoolDir != "" {
		channels = append(channels, notify.NewMailSpool(nc.MailSpoolDir, nc.MailFrom, nc.MailSenderName))
	}
	if nc.RedisURL != "" {
		r, err := notify.NewRedisNotifier(nc.RedisURL, nc.RedisChannel, nc.WebhookRetries)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r)
		channels = append(channels, r)
	}
	if nc.WebhookURL != "" {
		w, err := notify.NewWebhook(nc.WebhookURL, nc.WebhookRetries)
		if err != nil {
			return nil, err
		}
		channels = append(channels, w)
	}
	return channels, nil
}

// Scheduler 返回调度服务。
func (a *App) Scheduler() *scheduler.Service {
	return a.scheduler
}

// Run 启动全部组件并阻塞到 ctx 取消，随后优雅关闭。
func (a *App) Run(ctx context.Context) error {
	logger.Info().Msg("Starting quickgrab...")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.waitGroup.Add(1)
	go func() {
		defer a.waitGroup.Done()
		a.hub.Run(ctx)
	}()

	a.proxies.Start(ctx)
	if err := a.web.Start(&a.waitGroup); err != nil {
		cancel()
		a.Stop()
		return err
	}

	a.scheduler.Run(ctx)
	cancel()
	a.Stop()
	return nil
}

// Stop 关闭 Web 服务、写回代理快照、等待进行中的抢购并关闭存储。可重复调用。
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.web.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("Web server shutdown failed.")
		}
		a.proxies.Stop()
		a.workflow.Wait()
		a.closeAll()
		a.waitGroup.Wait()
		logger.Info().Msg("quickgrab gracefully stopped.")
	})
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close notifier.")
		}
	}
	a.closers = nil
	if err := a.store.Close(); err != nil {
		logger.Warn().Err(err).Msgf("Failed to close %s store.", a.cfg.DatabaseConf.Driver)
	}
}
