package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quickgrab/internal/shared/logger"
	"quickgrab/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
	logger zerolog.Logger
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server 暴露运维接口与结果推送。
type Server struct {
	cfg     types.WebConf
	handler *Handler
	hub     *Hub
	logger  zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(cfg types.WebConf, status StatusProvider, proxies ProxyManager, hub *Hub) *Server {
	return &Server{
		cfg:     cfg,
		handler: NewHandler(status, proxies, hub),
		hub:     hub,
		logger:  logger.WithComponent("Web/Server"),
	}
}

// Routes 返回全部路由。/api/status 公开，其余接口在配置了账号时需要认证。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	user, pass := s.cfg.User, s.cfg.Password

	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(s.handler.HandleProxies), user, pass))
	mux.Handle("/ws", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	}), user, pass))

	mux.HandleFunc("/api/status", s.handler.HandleStatus)
	return mux
}

// Start 在 cfg.Port 上开始监听。端口为 0 时不启动。
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.cfg.Port <= 0 {
		s.logger.Info().Msg("Web server is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web server on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.logger.Info().Msgf("SUCCESS: Web server is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener, logger: s.logger}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Web server error")
		}
		s.logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Shutdown 优雅关闭监听。未启动时直接返回。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
