package models

import "time"

// Node health status constants
const (
	NodeStatusUnknown      = "unknown"
	NodeStatusConnected    = "connected"
	NodeStatusDisconnected = "disconnected"
	NodeStatusDegraded     = "degraded"
)

// Node represents a relay/exit node in the VPN fleet
type Node struct {
	ID               int64
	Name             string
	Address          string
	Port             int // control port
	APIPort          int // data-plane API port
	UsageCoefficient float64
	Status           string
	LastError        *string
	Version          *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Eligible reports whether the node can receive new subscriptions
func (n *Node) Eligible() bool {
	return n.Status == NodeStatusConnected
}
