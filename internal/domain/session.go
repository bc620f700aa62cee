package domain

import "time"

// Role classifies a socket accepted at the gateway.
type Role string

const (
	RoleProducer Role = "producer"
	RoleViewer   Role = "viewer"
	RoleProxy    Role = "proxy"
)

// ServerAssignment is what the manager hands a client: the websocket
// endpoints of the worker it should attach to.
type ServerAssignment struct {
	BrowserWSURL string `json:"browserWsUrl"`
	ReplayWSURL  string `json:"replayWsUrl"`
	ServerID     string `json:"serverId"`
	ServerIP     string `json:"serverIp"`
}

// AuditRecord is a fire-and-forget trace of an operator-visible action.
type AuditRecord struct {
	BrowserID  string         `json:"browserId"`
	ActionType string         `json:"actionType"`
	Metadata   map[string]any `json:"metadata"`
	At         time.Time      `json:"at"`
}

// UsageRecord aggregates network bytes consumed by one browser session.
type UsageRecord struct {
	BrowserID string    `json:"browserId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Bytes     int64     `json:"bytes"`
}
