package models

import (
	"fmt"
	"strings"
)

// AgentType enumerates the swarm roles
type AgentType string

const (
	AgentScout       AgentType = "scout"
	AgentAnalyst     AgentType = "analyst"
	AgentTrader      AgentType = "trader"
	AgentRiskManager AgentType = "risk_manager"
	AgentLearning    AgentType = "learning"
	AgentRegistry    AgentType = "registry"
)

// DefaultNameKey is the routing key used in single-shard mode
const DefaultNameKey = "default"

// AgentID is the immutable identity of an agent: role plus routing key
type AgentID struct {
	Type AgentType `json:"type"`
	Name string    `json:"name"`
}

// NewAgentID builds an identity with the default routing key
func NewAgentID(t AgentType) AgentID {
	return AgentID{Type: t, Name: DefaultNameKey}
}

// String renders the identity as "type:name"
func (id AgentID) String() string {
	return string(id.Type) + ":" + id.Name
}

// IsZero reports whether the identity is unset
func (id AgentID) IsZero() bool {
	return id.Type == "" && id.Name == ""
}

// ParseAgentID parses a "type:name" identity string
func ParseAgentID(s string) (AgentID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return AgentID{}, fmt.Errorf("invalid agent id %q", s)
	}
	return AgentID{Type: AgentType(parts[0]), Name: parts[1]}, nil
}

// AgentState is the coarse activity state reported in heartbeats
type AgentState string

const (
	AgentActive AgentState = "active"
	AgentBusy   AgentState = "busy"
	AgentIdle   AgentState = "idle"
	AgentFailed AgentState = "failed"
)

// AgentStatus is the registry's view of an agent
type AgentStatus struct {
	ID              AgentID    `json:"id"`
	Type            AgentType  `json:"type"`
	Status          AgentState `json:"status"`
	LastHeartbeatMS int64      `json:"last_heartbeat_ms"`
	Capabilities    []string   `json:"capabilities,omitempty"`
}
