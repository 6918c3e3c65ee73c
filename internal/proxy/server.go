package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/gorilla/mux"
	"github.com/raaihank/egress-sentinel/internal/audit"
	"github.com/raaihank/egress-sentinel/internal/certs"
	"github.com/raaihank/egress-sentinel/internal/config"
	"github.com/raaihank/egress-sentinel/internal/dlp"
	"github.com/raaihank/egress-sentinel/internal/logger"
	"github.com/raaihank/egress-sentinel/internal/policy"
	"github.com/raaihank/egress-sentinel/internal/security"
	"github.com/raaihank/egress-sentinel/internal/websocket"
	"go.uber.org/zap"
)

// Version is reported by /info. The CLI sets it from its build info.
var Version = "dev"

const (
	statusInterval         = 10 * time.Second
	limiterCleanupInterval = 30 * time.Minute
)

// Server is the intercepting egress proxy
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	policy   *policy.Policy
	registry *dlp.Registry
	scrubber *dlp.Scrubber
	audit    *audit.Log
	ca       tls.Certificate
	wsHub    *websocket.Hub
	limiter  *security.RateLimiter

	proxy  *goproxy.ProxyHttpServer
	server *http.Server
	admin  *http.Server

	mu        sync.Mutex
	addr      net.Addr
	adminAddr net.Addr

	startedAt time.Time
	stats     counters

	ctx    context.Context
	cancel context.CancelFunc
}

type counters struct {
	total    atomic.Int64
	blocked  atomic.Int64
	scrubbed atomic.Int64
}

// Option customizes a Server
type Option func(*Server)

// WithUpstreamTransport replaces the transport used to reach real
// destinations.
func WithUpstreamTransport(tr *http.Transport) Option {
	return func(s *Server) {
		s.proxy.Tr = tr
	}
}

// New creates a new proxy server instance. Missing allow-list or rule files
// are not errors; they leave the proxy denying everything or detecting only
// the built-in PII patterns.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Server, error) {
	ca, created, err := certs.LoadOrCreate(cfg.TLS.CADir)
	if err != nil {
		return nil, fmt.Errorf("failed to load interception CA: %w", err)
	}
	if created {
		log.Info("Generated interception CA", zap.String("cert", certs.CertPath(cfg.TLS.CADir)))
	}

	registry := dlp.LoadRegistry(cfg.DLP.RulesPath, log.WithComponent("dlp"))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   cfg,
		logger:   log.WithComponent("proxy"),
		policy:   policy.New(cfg.Policy.WhitelistPath, log.WithComponent("policy")),
		registry: registry,
		scrubber: dlp.NewScrubber(registry),
		audit:    audit.Open(cfg.Audit.Path, log.WithComponent("audit")),
		ca:       ca,
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.WebSocket.Enabled {
		s.wsHub = websocket.NewHub(&websocket.HubConfig{
			BroadcastAudit:       cfg.WebSocket.Events.BroadcastAudit,
			BroadcastSystem:      cfg.WebSocket.Events.BroadcastSystem,
			BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
			MaxConnections:       cfg.WebSocket.MaxConnections,
			PingInterval:         cfg.WebSocket.PingInterval,
			PongTimeout:          cfg.WebSocket.PongTimeout,
			WriteTimeout:         cfg.WebSocket.WriteTimeout,
		}, log.WithComponent("websocket").Logger)
	}

	s.proxy = s.newInterceptor()
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Handler:     s.proxy,
		IdleTimeout: cfg.Server.IdleTimeout,
		ErrorLog:    zap.NewStdLog(s.logger.Logger),
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.RateLimit.Enabled {
			s.limiter = security.NewRateLimiter(cfg.Admin.RateLimit.RequestsPerMin)
		}
		s.admin = &http.Server{
			Handler:     s.adminRoutes(),
			IdleTimeout: cfg.Server.IdleTimeout,
			ErrorLog:    zap.NewStdLog(s.logger.Logger),
		}
	}

	return s, nil
}

// newInterceptor wires the MITM proxy: every CONNECT is intercepted with the
// session CA, every request goes through handleRequest.
func (s *Server) newInterceptor() *goproxy.ProxyHttpServer {
	p := goproxy.NewProxyHttpServer()
	p.Logger = zap.NewStdLog(s.logger.WithComponent("goproxy").Logger)
	p.Tr = &http.Transport{
		Proxy:               nil,
		MaxIdleConns:        100,
		IdleConnTimeout:     s.config.Server.IdleTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	p.CertStore = newCertStore()
	p.NonproxyHandler = s.localRoutes()

	mitm := &goproxy.ConnectAction{
		Action:    goproxy.ConnectMitm,
		TLSConfig: goproxy.TLSConfigFromCA(&s.ca),
	}
	p.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		return mitm, host
	})
	p.OnRequest().DoFunc(s.handleRequest)
	return p
}

// localRoutes serves requests addressed to the proxy itself rather than
// through it: readiness and CA download.
func (s *Server) localRoutes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/ca.pem", s.handleCACert).Methods("GET")
	return router
}

// Start binds the configured address and serves until Stop is called
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Server.ListenHost, strconv.Itoa(s.config.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts proxy connections on ln until Stop is called. The admin
// server, WebSocket hub and allow-list watcher are started alongside.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.wsHub != nil {
		go s.wsHub.Run(s.ctx)
		go s.broadcastStatus()
	}

	if s.config.Policy.Watch {
		err := s.policy.Watch(s.ctx, func(domains int) {
			s.publishReload(domains, "watch")
		})
		if err != nil {
			s.logger.Warn("Allow-list watch disabled", zap.Error(err))
		}
	}

	if s.admin != nil {
		if err := s.startAdmin(); err != nil {
			ln.Close()
			return err
		}
	}

	s.logger.Info("Starting egress-sentinel proxy",
		zap.String("addr", ln.Addr().String()),
		zap.String("whitelist", s.policy.Path()),
		zap.Int("domains", s.policy.Current().Len()),
		zap.Int("patterns", s.scrubber.PatternCount()),
		zap.String("audit_log", s.audit.Path()),
		zap.String("ca_cert", certs.CertPath(s.config.TLS.CADir)),
	)

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) startAdmin() error {
	ln, err := net.Listen("tcp", s.config.Admin.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on admin address %s: %w", s.config.Admin.Listen, err)
	}

	s.mu.Lock()
	s.adminAddr = ln.Addr()
	s.mu.Unlock()

	if s.limiter != nil {
		go s.limiter.Run(s.ctx, limiterCleanupInterval)
	}

	s.logger.Info("Starting admin server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listeners down and closes the audit log. Intercepted
// connections that were hijacked for TLS are not drained.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping egress-sentinel proxy")
	s.cancel()

	var errs []error
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("proxy shutdown: %w", err))
	}
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit close: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the proxy listener address once serving
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// AdminAddr returns the admin listener address, or nil when disabled
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

// Reload re-reads the allow-list. trigger names what asked for it.
func (s *Server) Reload(trigger string) (int, error) {
	domains, err := s.policy.Reload()
	if err != nil {
		s.logger.Warn("Allow-list reload failed, keeping previous set",
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		return domains, err
	}
	s.publishReload(domains, trigger)
	return domains, nil
}

func (s *Server) publishReload(domains int, trigger string) {
	s.logger.Info("Allow-list reloaded",
		zap.String("trigger", trigger),
		zap.Int("domains", domains),
	)
	if s.wsHub == nil {
		return
	}
	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypePolicyReload,
		Timestamp: time.Now(),
		Data: websocket.PolicyReloadEvent{
			Path:    s.policy.Path(),
			Domains: domains,
			Trigger: trigger,
		},
	})
}

func (s *Server) broadcastStatus() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.wsHub.BroadcastEvent(websocket.Event{
				Type:      websocket.EventTypeSystemStatus,
				Timestamp: time.Now(),
				Data:      s.status(),
			})
		}
	}
}

func (s *Server) status() websocket.SystemStatusEvent {
	s.mu.Lock()
	uptime := time.Since(s.startedAt).Truncate(time.Second)
	s.mu.Unlock()

	ev := websocket.SystemStatusEvent{
		Status:           "running",
		Uptime:           uptime.String(),
		TotalRequests:    s.stats.total.Load(),
		BlockedRequests:  s.stats.blocked.Load(),
		ScrubbedRequests: s.stats.scrubbed.Load(),
		ActivePatterns:   s.scrubber.PatternCount(),
		AllowedDomains:   s.policy.Current().Len(),
	}
	if s.wsHub != nil {
		ev.ConnectedClients = int(s.wsHub.GetStats().ActiveConnections)
	}
	return ev
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}
