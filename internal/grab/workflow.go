package grab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"quickgrab/internal/fetcher"
	"quickgrab/internal/model"
	"quickgrab/internal/shared/logger"
)

// DefaultWorkers 是执行下单请求的 worker 数量
const DefaultWorkers = 16

// Doer 执行一次 HTTP 请求，*fetcher.Fetcher 实现了该接口。
type Doer interface {
	Fetch(ctx context.Context, req fetcher.Request) (*fetcher.Response, error)
}

// OrderPageParser 把下单页面转换为下单参数。
type OrderPageParser interface {
	ParseOrderPage(req model.Request, page []byte) (map[string]any, error)
}

// OrderPageParserFunc 允许普通函数作为 OrderPageParser。
type OrderPageParserFunc func(req model.Request, page []byte) (map[string]any, error)

func (f OrderPageParserFunc) ParseOrderPage(req model.Request, page []byte) (map[string]any, error) {
	return f(req, page)
}

// Workflow 把一个待处理请求变成一次定时的下单动作。
// 定时器在独立 goroutine 中等待，触发后把阻塞的 HTTP 调用交给 worker 池。
type Workflow struct {
	client  Doer
	parser  OrderPageParser
	workers *pool.Pool
	now     func() time.Time
	sleep   func(time.Duration)
	pick    func(n int) int
	logger  zerolog.Logger

	timers sync.WaitGroup
}

type Option func(*Workflow)

// WithWorkers 设置 worker 数量，n <= 0 时忽略。
func WithWorkers(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.workers = pool.New().WithMaxGoroutines(n)
		}
	}
}

func WithOrderPageParser(p OrderPageParser) Option {
	return func(w *Workflow) { w.parser = p }
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithSleeper 替换重试退避使用的 sleep (测试中使用)。
func WithSleeper(sleep func(time.Duration)) Option {
	return func(w *Workflow) { w.sleep = sleep }
}

// WithPicker 替换 domains 的随机选择。
func WithPicker(pick func(n int) int) Option {
	return func(w *Workflow) { w.pick = pick }
}

func New(client Doer, opts ...Option) *Workflow {
	w := &Workflow{
		client:  client,
		workers: pool.New().WithMaxGoroutines(DefaultWorkers),
		now:     time.Now,
		sleep:   time.Sleep,
		logger:  logger.WithComponent("Grab/Workflow"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run 为请求安排一次抢购并立即返回。done 恰好被调用一次:
// 定时器到期后在 worker 上执行下单，ctx 在到期前取消则交付状态码 499 的结果。
// 下单开始后不再响应取消，HTTP 请求只受自身超时约束。
func (w *Workflow) Run(ctx context.Context, req model.Request, done func(Result)) {
	gc := NewContext(req, w.pick)
	delay := ComputeDelay(gc, w.now())

	var once sync.Once
	deliver := func(r Result) {
		once.Do(func() { done(r) })
	}

	l := w.log(gc)
	l.Info().Int64("delay_ms", delay.Milliseconds()).Str("domain", gc.Domain).
		Msgf("请求ID=%d %s将在 %d ms 后开始抢购", gc.Request.ID, modeTags(gc), delay.Milliseconds())

	w.timers.Add(1)
	go func() {
		defer w.timers.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			l.Warn().Err(ctx.Err()).Msg("抢购任务在开始前被取消")
			deliver(Result{StatusCode: StatusCancelled, Message: "抢购任务已取消", Error: ctx.Err().Error()})
			return
		case <-timer.C:
		}

		execCtx := context.WithoutCancel(ctx)
		w.workers.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					l.Error().Interface("panic", r).Msg("抢购执行异常")
					deliver(Result{Error: fmt.Sprintf("panic: %v", r)})
				}
			}()
			deliver(w.execute(execCtx, gc))
		})
	}()
}

// Wait 等待所有已安排的抢购结束。Wait 之后不能再调用 Run。
func (w *Workflow) Wait() {
	w.timers.Wait()
	w.workers.Wait()
}

func (w *Workflow) execute(ctx context.Context, gc Context) Result {
	l := w.log(gc)
	started := w.now()

	w.refreshOrderParameters(ctx, &gc)
	payload := w.buildPayload(gc)

	result := w.createOrder(ctx, gc, payload)
	if result.Success || !(result.ShouldContinue || result.ShouldUpdate) {
		w.logOutcome(l, result, started)
		return result
	}

	l.Info().Str("message", result.Message).Bool("update", result.ShouldUpdate).Msg("订单需要重新确认")
	confirm := w.reconfirmOrder(ctx, gc, payload)
	if confirm.Success {
		if obj, ok := confirm.Response.(map[string]any); ok {
			if extra, ok := obj["extra"].(map[string]any); ok {
				payload["extra"] = extra
			}
		}
	} else {
		l.Warn().Str("error", confirm.Error).Msg("重新确认订单失败，使用原参数重试")
	}

	result = w.createOrder(ctx, gc, payload)
	w.logOutcome(l, result, started)
	return result
}

func (w *Workflow) logOutcome(l zerolog.Logger, r Result, started time.Time) {
	ev := l.Info()
	if !r.Success {
		ev = l.Warn()
	}
	ev.Bool("success", r.Success).Int("status", r.StatusCode).Int("attempt", r.Attempts).
		Int64("elapsed_ms", w.now().Sub(started).Milliseconds()).Str("error", r.Error).
		Msgf("抢购结束: %s", r.Message)
}

func (w *Workflow) log(gc Context) zerolog.Logger {
	return w.logger.With().Int64("request_id", gc.Request.ID).Logger()
}

func modeTags(gc Context) string {
	var b strings.Builder
	if gc.QuickMode {
		b.WriteString("[快速模式]")
	}
	if gc.SteadyOrder {
		b.WriteString("[稳定抢购]")
	}
	if gc.AutoPick {
		b.WriteString("[自动选取]")
	}
	if b.Len() > 0 {
		b.WriteString(" ")
	}
	return b.String()
}
