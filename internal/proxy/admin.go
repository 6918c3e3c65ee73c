package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/egress-sentinel/internal/certs"
	"github.com/raaihank/egress-sentinel/internal/web"
	"go.uber.org/zap"
)

// adminRoutes configures the loopback admin API
func (s *Server) adminRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	if s.limiter != nil {
		router.Use(s.limiter.Middleware)
	}

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/info", s.handleInfo).Methods("GET")
	router.HandleFunc("/reload", s.handleReload).Methods("POST")
	router.HandleFunc("/ca.pem", s.handleCACert).Methods("GET")

	if s.wsHub != nil {
		router.HandleFunc(s.config.WebSocket.Path, s.handleWebSocket).Methods("GET")
		router.HandleFunc("/", web.ServeDashboard).Methods("GET")
		router.HandleFunc("/dashboard", web.ServeDashboard).Methods("GET")
	}

	return router
}

// InfoResponse is the body of GET /info
type InfoResponse struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	Uptime           string `json:"uptime"`
	WhitelistPath    string `json:"whitelist_path"`
	AllowedDomains   int    `json:"allowed_domains"`
	ActivePatterns   int    `json:"active_patterns"`
	RuleWarnings     int    `json:"rule_warnings"`
	DLPEnabled       bool   `json:"dlp_enabled"`
	AuditLog         string `json:"audit_log"`
	CACert           string `json:"ca_cert"`
	CachedCerts      int    `json:"cached_certs"`
	TotalRequests    int64  `json:"total_requests"`
	BlockedRequests  int64  `json:"blocked_requests"`
	ScrubbedRequests int64  `json:"scrubbed_requests"`
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	status := s.status()
	info := InfoResponse{
		Name:             "egress-sentinel",
		Version:          Version,
		Uptime:           status.Uptime,
		WhitelistPath:    s.policy.Path(),
		AllowedDomains:   status.AllowedDomains,
		ActivePatterns:   status.ActivePatterns,
		RuleWarnings:     len(s.registry.Warnings()),
		DLPEnabled:       s.config.DLP.Enabled,
		AuditLog:         s.audit.Path(),
		CACert:           certs.CertPath(s.config.TLS.CADir),
		TotalRequests:    status.TotalRequests,
		BlockedRequests:  status.BlockedRequests,
		ScrubbedRequests: status.ScrubbedRequests,
	}
	if store, ok := s.proxy.CertStore.(*certStore); ok {
		info.CachedCerts = store.len()
	}
	writeJSON(w, http.StatusOK, info)
}

// handleReload re-reads the allow-list on demand
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.logger.WithRequestID(getRequestID(r.Context())).Info("Reload requested", zap.String("remote_addr", r.RemoteAddr))

	domains, err := s.Reload("admin")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  "allow-list reload failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "reloaded",
		"domains":   domains,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleWebSocket handles WebSocket connections for the dashboard
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsHub.HandleWebSocket(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
