package models

// WebSocket event names pushed to UI clients
const (
	WSEventUpdate    = "update"
	WSEventSnapshot  = "snapshot"
	WSEventTick      = "tick"
	WSEventHeartbeat = "heartbeat"
	WSEventError     = "error"
)

// WebSocketMessage represents generic WebSocket message structure
type WebSocketMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// SubscriptionRequest represents client subscription request
type SubscriptionRequest struct {
	Action  string   `json:"action"` // subscribe | unsubscribe
	Domains []string `json:"domains,omitempty"`
}

// ElapsedTick reports running time of active entities to subscribed clients
type ElapsedTick struct {
	Domain  Domain         `json:"domain"`
	Elapsed map[string]int `json:"elapsed"` // entityId -> seconds
}

// ErrorResponse represents error message structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents system health information
type HealthStatus struct {
	Status      string                   `json:"status"`
	Timestamp   string                   `json:"timestamp"`
	Services    map[string]ServiceHealth `json:"services"`
	Connections int                      `json:"connections"`
	Version     string                   `json:"version"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
