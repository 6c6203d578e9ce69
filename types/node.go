package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// NodeStatus represents what a worker node is currently doing.
type NodeStatus string

const (
	NodeStatusIdle    NodeStatus = "idle"
	NodeStatusRunning NodeStatus = "running"
)

// NodeInfo is the liveness and identity record one worker publishes to the
// node registry. Only the owning worker writes its own record; readers must
// treat an entry whose key has expired as absent.
type NodeInfo struct {
	NodeID        string     `json:"node_id"`
	Hostname      string     `json:"hostname"`
	IP            string     `json:"ip"`
	Status        NodeStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	LastUpdate    time.Time  `json:"last_update"`
	TestsExecuted int        `json:"tests_executed"`
	TestsPassed   int        `json:"tests_passed"`
	TestsFailed   int        `json:"tests_failed"`
	CurrentTask   string     `json:"current_task,omitempty"`
}

// NodeID derives a collision-resistant node identifier from the hostname
// and the moment the process started.
func NodeID(hostname string, startedAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%d", hostname, startedAt.UnixNano())))
	return hex.EncodeToString(sum[:])[:12]
}

// Fields flattens the record into the string map stored in the registry
// hash.
func (n *NodeInfo) Fields() map[string]string {
	fields := map[string]string{
		"node_id":        n.NodeID,
		"hostname":       n.Hostname,
		"ip":             n.IP,
		"status":         string(n.Status),
		"started_at":     n.StartedAt.Format(time.RFC3339Nano),
		"last_update":    n.LastUpdate.Format(time.RFC3339Nano),
		"tests_executed": strconv.Itoa(n.TestsExecuted),
		"tests_passed":   strconv.Itoa(n.TestsPassed),
		"tests_failed":   strconv.Itoa(n.TestsFailed),
		"current_task":   n.CurrentTask,
	}
	return fields
}

// NodeInfoFromFields rebuilds a record from a registry hash. Unparseable
// numeric or time fields are left at their zero values rather than
// rejecting the whole record.
func NodeInfoFromFields(fields map[string]string) NodeInfo {
	n := NodeInfo{
		NodeID:      fields["node_id"],
		Hostname:    fields["hostname"],
		IP:          fields["ip"],
		Status:      NodeStatus(fields["status"]),
		CurrentTask: fields["current_task"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["started_at"]); err == nil {
		n.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_update"]); err == nil {
		n.LastUpdate = t
	}
	n.TestsExecuted, _ = strconv.Atoi(fields["tests_executed"])
	n.TestsPassed, _ = strconv.Atoi(fields["tests_passed"])
	n.TestsFailed, _ = strconv.Atoi(fields["tests_failed"])
	return n
}
