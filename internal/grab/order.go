package grab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quickgrab/internal/fetcher"
	proxymodel "quickgrab/proxypool/model"
)

const (
	maxRetries = 3

	createOrderPath    = "/vbuy/CreateOrder/1.0"
	reconfirmOrderPath = "/vbuy/ReConfirmOrder/1.0"

	createOrderTimeout = 30 * time.Second
	reconfirmTimeout   = 20 * time.Second
	orderPageTimeout   = 30 * time.Second

	createOrderBackoff = 100 * time.Millisecond
	reconfirmBackoff   = 80 * time.Millisecond

	appUserAgent     = "Android/9 WDAPP(WDBuyer/7.6.2) Thor/2.3.25"
	appReferer       = "https://android.weidian.com/"
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36 Edg/108.0.1462.76"
	desktopReferer   = "https://weidian.com/"
	formContentType  = "application/x-www-form-urlencoded;charset=UTF-8"

	unknownResponse = "未知响应"
)

// route 记录一次调用中的代理选择，出现代理错误时逐级降级: 指定代理 -> 代理池 -> 直连。
type route struct {
	useProxy bool
	override *proxymodel.Endpoint
	affinity string
}

func newRoute(gc Context) route {
	return route{useProxy: gc.UseProxy, override: gc.AssignedProxy, affinity: gc.Affinity()}
}

func (r *route) apply(req *fetcher.Request) {
	req.UseProxy = r.useProxy || r.override != nil
	req.Proxy = r.override
	req.AffinityKey = r.affinity
}

// fallback 返回 false 表示已经是直连，无法再降级。
func (r *route) fallback(l zerolog.Logger, step string, perr *fetcher.ProxyError) bool {
	switch {
	case r.override != nil:
		l.Info().Str("step", step).Str("proxy", r.override.Redacted()).Int("status", perr.Status).
			Msg("指定代理失败, 将尝试代理池或直连重试")
		r.override = nil
		return true
	case r.useProxy:
		l.Info().Str("step", step).Int("status", perr.Status).Msg("代理连接失败, 将改用直连重试")
		r.useProxy = false
		return true
	}
	return false
}

// encodeParam 生成 param=<json> 表单，除 [A-Za-z0-9-_.~] 外全部百分号编码。
func encodeParam(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return "param=" + strings.ReplaceAll(url.QueryEscape(string(b)), "+", "%20"), nil
}

func (w *Workflow) orderRequest(gc Context, path string, body string, timeout time.Duration, r *route) fetcher.Request {
	req := fetcher.Request{
		Method: http.MethodPost,
		URL:    "https://" + gc.Domain + path,
		Header: http.Header{
			"Content-Type": {formContentType},
			"User-Agent":   {appUserAgent},
			"Referer":      {appReferer},
			"Cookie":       {gc.Request.Cookies},
		},
		Body:    []byte(body),
		Timeout: timeout,
	}
	r.apply(&req)
	return req
}

// createOrder 调用下单接口。只有传输失败会重试，接口层面的失败直接返回。
func (w *Workflow) createOrder(ctx context.Context, gc Context, payload map[string]any) Result {
	l := w.log(gc)
	body, err := encodeParam(payload)
	if err != nil {
		return Result{Error: err.Error(), Message: unknownResponse}
	}

	r := newRoute(gc)
	var result Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := w.client.Fetch(ctx, w.orderRequest(gc, createOrderPath, body, createOrderTimeout, &r))
		if err == nil {
			result = interpretCreateOrder(resp)
			result.Attempts = attempt + 1
			return result
		}

		l.Warn().Err(err).Int("attempt", attempt+1).Msg("CreateOrder failed")
		result = Result{Error: err.Error(), Attempts: attempt + 1}

		var perr *fetcher.ProxyError
		if errors.As(err, &perr) && r.fallback(l, "CreateOrder", perr) {
			continue
		}
		if attempt < maxRetries {
			w.sleep(createOrderBackoff << attempt)
		}
	}
	return result
}

// interpretCreateOrder 解析下单响应:
// isSuccess == 1 或 status.code == 0 为成功; 消息命中关键字或 isUpdate / isContinue 为可恢复。
func interpretCreateOrder(resp *fetcher.Response) Result {
	result := Result{StatusCode: resp.StatusCode}

	v, err := decodeJSON(resp.Body)
	if err != nil {
		result.Message = unknownResponse
		return result
	}
	result.Response = v
	obj, ok := v.(map[string]any)
	if !ok {
		result.Message = unknownResponse
		return result
	}

	var description string
	statusCode, hasStatusCode := int64(0), false
	if status, ok := obj["status"].(map[string]any); ok {
		description, _ = status["description"].(string)
		result.Message, _ = status["message"].(string)
		if code, ok := intValue(status["code"]); ok {
			statusCode, hasStatusCode = code, true
			result.StatusCode = int(code)
		}
	}
	if result.Message == "" {
		result.Message = description
	}

	if isSuccess, ok := intValue(obj["isSuccess"]); ok && isSuccess == 1 {
		result.Success = true
	} else if hasStatusCode && statusCode == 0 {
		result.Success = true
	}
	if result.Success {
		return result
	}

	isUpdate, _ := obj["isUpdate"].(bool)
	isContinue, _ := obj["isContinue"].(bool)
	updateHint := isUpdate || containsKeyword(result.Message, updateKeywords)
	retryHint := isContinue || containsKeyword(result.Message, retryKeywords)
	result.ShouldUpdate = updateHint
	result.ShouldContinue = retryHint || updateHint
	return result
}

// reconfirmOrder 调用重新确认接口，响应中含 result 即为成功。
func (w *Workflow) reconfirmOrder(ctx context.Context, gc Context, payload map[string]any) Result {
	l := w.log(gc)
	body, err := encodeParam(payload)
	if err != nil {
		return Result{Error: err.Error()}
	}

	r := newRoute(gc)
	var result Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1
		resp, err := w.client.Fetch(ctx, w.orderRequest(gc, reconfirmOrderPath, body, reconfirmTimeout, &r))
		if err == nil {
			result.StatusCode = resp.StatusCode
			if v, derr := decodeJSON(resp.Body); derr == nil {
				if obj, ok := v.(map[string]any); ok {
					if confirmed, ok := obj["result"]; ok {
						result.Response = confirmed
						result.Success = true
						result.Error = ""
						return result
					}
				}
			}
			l.Warn().Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("ReConfirmOrder returned no result")
		} else {
			l.Warn().Err(err).Int("attempt", attempt+1).Msg("ReConfirmOrder attempt failed")
			result.Error = err.Error()
			var perr *fetcher.ProxyError
			if errors.As(err, &perr) && r.fallback(l, "ReConfirmOrder", perr) {
				continue
			}
		}
		if attempt < maxRetries {
			w.sleep(reconfirmBackoff << attempt)
		}
	}

	result.Success = false
	if result.Error == "" {
		result.Error = "ReConfirmOrder exhausted retries"
	}
	return result
}

// refreshOrderParameters 非快速模式下重新抓取下单页面生成下单参数，失败时保留已有参数。
func (w *Workflow) refreshOrderParameters(ctx context.Context, gc *Context) {
	l := w.log(*gc)
	if gc.QuickMode {
		l.Info().Msg("使用快速模式，跳过重新生成订单参数")
		return
	}
	if w.parser == nil || gc.Request.Link == "" {
		return
	}

	page, ok := w.fetchOrderPage(ctx, *gc)
	if !ok {
		l.Warn().Msg("无法获取下单数据，将尝试使用已有参数")
		return
	}
	params, err := w.parser.ParseOrderPage(gc.Request, page)
	if err != nil || len(params) == 0 {
		l.Warn().Err(err).Msg("解析下单数据失败，将尝试使用已有参数")
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		l.Warn().Err(err).Msg("解析下单数据失败，将尝试使用已有参数")
		return
	}
	gc.Request.OrderParameters = raw
}

func (w *Workflow) fetchOrderPage(ctx context.Context, gc Context) ([]byte, bool) {
	l := w.log(gc)
	r := newRoute(gc)
	for attempt := 0; attempt < 2; attempt++ {
		req := fetcher.Request{
			Method: http.MethodGet,
			URL:    gc.Request.Link,
			Header: http.Header{
				"Content-Type": {formContentType},
				"Cookie":       {gc.Request.Cookies},
				"Referer":      {desktopReferer},
				"User-Agent":   {desktopUserAgent},
			},
			Timeout:         orderPageTimeout,
			FollowRedirects: true,
			MaxRedirects:    5,
		}
		r.apply(&req)
		l.Info().Str("url", gc.Request.Link).Str("affinity", r.affinity).Bool("use_proxy", req.UseProxy).Msg("开始获取下单页面")

		resp, err := w.client.Fetch(ctx, req)
		if err == nil {
			return resp.Body, true
		}
		l.Warn().Err(err).Msg("获取下单页面失败")
		var perr *fetcher.ProxyError
		if !errors.As(err, &perr) || !r.fallback(l, "OrderPage", perr) {
			return nil, false
		}
	}
	return nil, false
}

// buildPayload 优先使用请求上的下单参数 (JSON 对象)，否则使用基础模板。
func (w *Workflow) buildPayload(gc Context) map[string]any {
	if len(gc.Request.OrderParameters) > 0 {
		if v, err := decodeJSON(gc.Request.OrderParameters); err == nil {
			if obj, ok := v.(map[string]any); ok {
				return obj
			}
		}
		l := w.log(gc)
		l.Warn().Msg("订单参数不是 JSON 对象，使用默认模板")
	}
	return map[string]any{
		"buyer_id":  gc.Request.BuyerID,
		"device_id": gc.Request.DeviceID,
		"link":      gc.Request.Link,
		"thread_id": gc.Request.ThreadID,
	}
}
