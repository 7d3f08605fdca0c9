package cluster

import (
	"strconv"
	"time"

	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// MemoryUsage describes a node's memory consumption.
type MemoryUsage struct {
	Used       uint64  `json:"used"`
	Total      uint64  `json:"total"`
	Percentage float64 `json:"percentage"`
}

// NodeHealthStatus is the per-node detail in the aggregate view.
type NodeHealthStatus struct {
	NodeID            string          `json:"nodeId"`
	Status            registry.Status `json:"status"`
	LastSeen          time.Time       `json:"lastSeen"`
	Uptime            float64         `json:"uptime"`
	MemoryUsage       MemoryUsage     `json:"memoryUsage"`
	CPUUsage          float64         `json:"cpuUsage"`
	ActiveConnections int64           `json:"activeConnections"`
	RequestsPerSecond float64         `json:"requestsPerSecond"`
	ErrorRate         float64         `json:"errorRate"`
}

// ClusterHealthResponse is the public aggregate consumed by dashboards and
// operators. Counts always sum to TotalNodes.
type ClusterHealthResponse struct {
	TotalNodes     int                `json:"totalNodes"`
	ActiveNodes    int                `json:"activeNodes"`
	InactiveNodes  int                `json:"inactiveNodes"`
	DisabledNodes  int                `json:"disabledNodes"`
	UnhealthyNodes int                `json:"unhealthyNodes"`
	Nodes          []NodeHealthStatus `json:"nodes"`
	LastUpdated    time.Time          `json:"lastUpdated"`
}

// EffectiveStatus derives the display status at read time. Heartbeat
// staleness demotes a liveness-positive status to INACTIVE, but never
// overrides an explicit DISABLED or a probe-derived STOPPED/UNHEALTHY,
// which are stronger signals than mere heartbeat silence.
func EffectiveStatus(in *registry.Instance, now time.Time, nodeTimeout time.Duration) registry.Status {
	switch in.Status {
	case registry.StatusDisabled, registry.StatusStopped, registry.StatusUnhealthy:
		return in.Status
	case registry.StatusActive, registry.StatusHealthy:
		if now.Sub(in.LastSeen) > nodeTimeout {
			return registry.StatusInactive
		}
	}
	return in.Status
}

// nodeView builds per-node detail from the record plus the resource
// metrics its heartbeats left in metadata.
func nodeView(in *registry.Instance, effective registry.Status, now time.Time) NodeHealthStatus {
	uptime := metaFloat(in.Metadata, "uptime_s")
	if uptime == 0 && !in.CreatedAt.IsZero() {
		uptime = now.Sub(in.CreatedAt).Seconds()
	}
	used := metaUint(in.Metadata, "memory_used")
	total := metaUint(in.Metadata, "memory_total")
	pct := 0.0
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}
	return NodeHealthStatus{
		NodeID:   in.ID,
		Status:   effective,
		LastSeen: in.LastSeen,
		Uptime:   uptime,
		MemoryUsage: MemoryUsage{
			Used:       used,
			Total:      total,
			Percentage: pct,
		},
		CPUUsage:          metaFloat(in.Metadata, "cpu_usage"),
		ActiveConnections: metaInt(in.Metadata, "active_connections"),
		RequestsPerSecond: metaFloat(in.Metadata, "requests_per_second"),
		ErrorRate:         metaFloat(in.Metadata, "error_rate"),
	}
}

func metaFloat(m map[string]string, key string) float64 {
	if v, err := strconv.ParseFloat(m[key], 64); err == nil {
		return v
	}
	return 0
}

func metaInt(m map[string]string, key string) int64 {
	if v, err := strconv.ParseInt(m[key], 10, 64); err == nil {
		return v
	}
	return 0
}

func metaUint(m map[string]string, key string) uint64 {
	if v, err := strconv.ParseUint(m[key], 10, 64); err == nil {
		return v
	}
	return 0
}
