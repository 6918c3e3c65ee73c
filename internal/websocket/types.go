package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/raaihank/egress-sentinel/internal/audit"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeAudit carries one intercepted request's outcome
	EventTypeAudit EventType = "audit"
	// EventTypePolicyReload is sent after the allow-list is reloaded
	EventTypePolicyReload EventType = "policy_reload"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// AuditEvent mirrors an audit record for the live feed. Like the audit log,
// it only ever carries truncated finding summaries.
type AuditEvent struct {
	Method    string             `json:"method"`
	URL       string             `json:"url"`
	Host      string             `json:"host"`
	Allowed   bool               `json:"allowed"`
	BodyClass string             `json:"body_class"`
	Scrubbed  []audit.ScrubEntry `json:"scrubbed,omitempty"`
}

// PolicyReloadEvent reports an allow-list reload
type PolicyReloadEvent struct {
	Path    string `json:"path"`
	Domains int    `json:"domains"`
	Trigger string `json:"trigger"` // "signal", "admin", "watch"
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalRequests    int64  `json:"total_requests"`
	BlockedRequests  int64  `json:"blocked_requests"`
	ScrubbedRequests int64  `json:"scrubbed_requests"`
	ActivePatterns   int    `json:"active_patterns"`
	AllowedDomains   int    `json:"allowed_domains"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows which audit events a client receives
type EventFilter struct {
	BlockedOnly  bool     `json:"blocked_only,omitempty"`
	ScrubbedOnly bool     `json:"scrubbed_only,omitempty"`
	Hosts        []string `json:"hosts,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
}
