package proxy

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	"github.com/raaihank/egress-sentinel/internal/audit"
	"github.com/raaihank/egress-sentinel/internal/certs"
	"github.com/raaihank/egress-sentinel/internal/dlp"
	"github.com/raaihank/egress-sentinel/internal/websocket"
	"go.uber.org/zap"
)

// DenyBody is the plain-text body of a blocked request
const DenyBody = "Domain not whitelisted by egress-sentinel"

// handleRequest runs for every request that passes through the proxy,
// including requests decrypted from intercepted TLS tunnels. Secrets are
// scrubbed from the query string and text bodies, then the allow-list
// decides whether the request leaves. Exactly one audit record is written
// either way.
func (s *Server) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	requestID := uuid.NewString()
	ctx.UserData = requestID
	log := s.logger.WithRequestID(requestID)

	host := resolveHost(r)
	pinDestination(r.URL, host)
	class := classifyBody(r)

	var findings []dlp.Finding
	var readErr error
	if s.config.DLP.Enabled {
		if s.config.DLP.ScrubQuery {
			findings = append(findings, scrubQuery(r.URL, s.scrubber)...)
		}
		if class == BodyScrubbable {
			var bodyFindings []dlp.Finding
			var outcome bodyOutcome
			bodyFindings, outcome, readErr = scrubBody(r, s.scrubber, s.config.Server.MaxBodyBytes)
			findings = append(findings, bodyFindings...)
			if outcome != "" && outcome != bodyScanned {
				log.Debug("Request body forwarded unscrubbed",
					zap.String("host", host),
					zap.String("reason", string(outcome)),
				)
			}
		}
	}

	allowed := readErr == nil && s.policy.IsAllowed(host)
	s.record(r, host, allowed, findings, class, requestID)
	log.LogIntercept(r.Method, host, allowed, len(findings), class.String())

	switch {
	case readErr != nil:
		log.Warn("Failed to read request body", zap.String("host", host), zap.Error(readErr))
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadRequest, "Bad Request")
	case !allowed:
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusForbidden, DenyBody)
	default:
		ctx.RoundTripper = goproxy.RoundTripperFunc(s.roundTrip)
		return r, nil
	}
}

// roundTrip sends an allowed request upstream. Transport failures become a
// generic 502 so no transport detail reaches the agent. Inside an
// intercepted tunnel goproxy would otherwise drop the connection.
func (s *Server) roundTrip(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	resp, err := s.proxy.Tr.RoundTrip(r)
	if err == nil {
		return resp, nil
	}

	log := s.logger
	if requestID, ok := ctx.UserData.(string); ok {
		log = log.WithRequestID(requestID)
	}
	log.Warn("Upstream request failed", zap.String("host", r.URL.Host), zap.Error(err))
	return goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, "Bad Gateway"), nil
}

// record appends the audit line and mirrors it to the live feed. Audit
// failures are logged by the audit log and never change the decision.
func (s *Server) record(r *http.Request, host string, allowed bool, findings []dlp.Finding, class BodyClass, requestID string) {
	s.stats.total.Add(1)
	if !allowed {
		s.stats.blocked.Add(1)
	}
	if len(findings) > 0 {
		s.stats.scrubbed.Add(1)
	}

	rec := audit.Record{
		Method:   r.Method,
		URL:      r.URL.String(),
		Host:     host,
		Allowed:  allowed,
		Scrubbed: audit.Summarize(findings),
	}
	_ = s.audit.Append(rec)

	if s.wsHub != nil {
		s.wsHub.BroadcastEvent(websocket.Event{
			Type:      websocket.EventTypeAudit,
			Timestamp: time.Now(),
			RequestID: requestID,
			Data: websocket.AuditEvent{
				Method:    rec.Method,
				URL:       rec.URL,
				Host:      rec.Host,
				Allowed:   rec.Allowed,
				BodyClass: class.String(),
				Scrubbed:  rec.Scrubbed,
			},
		})
	}
}

// resolveHost prefers the Host header over the URL host. Inside an
// intercepted tunnel the URL host comes from the CONNECT target, which may
// be a bare IP.
func resolveHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(host)
}

// pinDestination makes the host the policy checked the host that is dialed.
// Inside an intercepted tunnel goproxy builds the URL from the CONNECT
// target, which need not match the Host header. The URL port is kept.
func pinDestination(u *url.URL, host string) {
	if host == "" {
		return
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
		return
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host
}

// scrubQuery scrubs each query parameter value independently, in wire
// order. Pairs are split on '&' only, so a ';' or a malformed escape in one
// pair never exempts the others. A value that cannot be unescaped is
// scrubbed as raw text. A pair without '=' is scrubbed whole. Only redacted
// pairs are rewritten; the rest are forwarded byte for byte.
func scrubQuery(u *url.URL, scrubber *dlp.Scrubber) []dlp.Finding {
	if u.RawQuery == "" {
		return nil
	}

	pairs := strings.Split(u.RawQuery, "&")
	var findings []dlp.Finding
	for i, pair := range pairs {
		prefix, raw := "", pair
		if k, v, ok := strings.Cut(pair, "="); ok {
			prefix, raw = k+"=", v
		}
		if raw == "" {
			continue
		}

		value, err := url.QueryUnescape(raw)
		if err != nil {
			value = raw
		}
		result := scrubber.Scrub(value)
		if !result.WasScrubbed() {
			continue
		}
		pairs[i] = prefix + url.QueryEscape(result.Text)
		findings = append(findings, result.Findings...)
	}

	if len(findings) > 0 {
		u.RawQuery = strings.Join(pairs, "&")
	}
	return findings
}

// handleHealth handles readiness probes addressed to the proxy port
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleCACert serves the interception CA certificate for trust provisioning
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+caFileName+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(certs.CertPEM(s.ca))
}

const caFileName = "egress-sentinel-ca.pem"
