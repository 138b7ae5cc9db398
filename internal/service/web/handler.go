package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"quickgrab/internal/scheduler"
	"quickgrab/internal/shared/logger"
	proxymodel "quickgrab/proxypool/model"
)

// maxProxyBody 限制 POST /api/proxies 的请求体大小
const maxProxyBody = 1 << 20

// StatusProvider 提供调度器运行状态。*scheduler.Service 实现了该接口。
type StatusProvider interface {
	Status() scheduler.Status
}

// ProxyManager 是 Web 接口使用的代理池操作。*proxypool.Service 实现了该接口。
type ProxyManager interface {
	ListProxies() []proxymodel.Endpoint
	AddProxies(ctx context.Context, proxies []proxymodel.Endpoint) int
}

type Handler struct {
	status  StatusProvider
	proxies ProxyManager
	hub     *Hub
	logger  zerolog.Logger
}

func NewHandler(status StatusProvider, proxies ProxyManager, hub *Hub) *Handler {
	return &Handler{
		status:  status,
		proxies: proxies,
		hub:     hub,
		logger:  logger.WithComponent("Web/Handler"),
	}
}

type statusResponse struct {
	Scheduler scheduler.Status `json:"scheduler"`
	WSClients int              `json:"wsClients"`
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Scheduler: h.status.Status()}
	if h.hub != nil {
		resp.WSClients = h.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

// proxyView 是对外展示的代理，不包含凭据
type proxyView struct {
	Address      string `json:"address"`
	Auth         bool   `json:"auth"`
	LatencyMs    int64  `json:"latencyMs"`
	FailureCount int    `json:"failureCount"`
	Source       string `json:"source,omitempty"`
}

type proxyInput struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HandleProxies 处理 GET (列出缓存快照) 与 POST (追加代理) /api/proxies 请求
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if h.proxies == nil {
		http.Error(w, "Proxy pool is disabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		proxies := h.proxies.ListProxies()
		views := make([]proxyView, 0, len(proxies))
		for _, ep := range proxies {
			views = append(views, proxyView{
				Address:      ep.Redacted(),
				Auth:         ep.HasCredentials(),
				LatencyMs:    ep.Latency.Milliseconds(),
				FailureCount: ep.FailureCount,
				Source:       ep.Source,
			})
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var inputs []proxyInput
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProxyBody)).Decode(&inputs); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		endpoints := make([]proxymodel.Endpoint, 0, len(inputs))
		for _, in := range inputs {
			ep := proxymodel.Endpoint{Host: in.Host, Port: in.Port, Username: in.Username, Password: in.Password, Source: "api"}
			if err := ep.Validate(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			endpoints = append(endpoints, ep)
		}
		added := h.proxies.AddProxies(r.Context(), endpoints)
		h.logger.Info().Int("received", len(endpoints)).Int("added", added).Msg("Proxies added via API.")
		writeJSON(w, http.StatusOK, map[string]int{"received": len(endpoints), "added": added})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
