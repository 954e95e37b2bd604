package models

import "time"

// ConnectionState of a domain push subscription
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)

// ConnectionStatus describes one domain's subscription
type ConnectionStatus struct {
	Domain            Domain          `json:"domain"`
	State             ConnectionState `json:"state"`
	ConnectedAt       *time.Time      `json:"connectedAt,omitempty"`
	LastHeartbeat     *time.Time      `json:"lastHeartbeat,omitempty"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	TotalConnections  int             `json:"totalConnections,omitempty"`
	LastError         string          `json:"lastError,omitempty"`
	ManuallyClosed    bool            `json:"manuallyClosed,omitempty"`
}

// Connected reports an open subscription
func (c ConnectionStatus) Connected() bool {
	return c.State == ConnectionConnected
}
