package alerts

import (
	"time"
)

// Level represents the severity of an alert
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func levelRank(l Level) int {
	switch l {
	case LevelCritical:
		return 3
	case LevelWarning:
		return 2
	case LevelInfo:
		return 1
	}
	return 0
}

// Status is the lifecycle state of an alert record. Transitions only move
// forward; a re-breach after resolution produces a new record with a new ID.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Dimension is one monitored metric axis.
type Dimension string

const (
	DimensionCPU          Dimension = "cpu"
	DimensionMemory       Dimension = "memory"
	DimensionDisk         Dimension = "disk"
	DimensionNetwork      Dimension = "network"
	DimensionConnectivity Dimension = "connectivity"
)

// Alert is one raised condition.
type Alert struct {
	ID           string     `json:"id"`
	Kind         Dimension  `json:"kind"`
	Level        Level      `json:"level"`
	Status       Status     `json:"status"`
	ResourceID   string     `json:"resourceId"`
	ResourceName string     `json:"resourceName"`
	Endpoint     string     `json:"endpoint"`
	Message      string     `json:"message"`
	Value        float64    `json:"value"`
	Threshold    float64    `json:"threshold"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastSeen     time.Time  `json:"lastSeen"`
	AckTime      *time.Time `json:"ackTime,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// Clone returns a copy safe to hand across goroutines.
func (a *Alert) Clone() Alert {
	clone := *a
	if a.AckTime != nil {
		t := *a.AckTime
		clone.AckTime = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	return clone
}

// Threshold holds the per-level trigger values for one dimension. A zero
// value disables that level.
type Threshold struct {
	Info     float64 `json:"info,omitempty"`
	Warning  float64 `json:"warning,omitempty"`
	Critical float64 `json:"critical,omitempty"`
}

// match returns the highest matching level for a value, or "" when no level
// triggers. Critical outranks warning outranks info; a single condition never
// carries two simultaneous levels.
func (t Threshold) match(value float64) (Level, float64) {
	if t.Critical > 0 && value >= t.Critical {
		return LevelCritical, t.Critical
	}
	if t.Warning > 0 && value >= t.Warning {
		return LevelWarning, t.Warning
	}
	if t.Info > 0 && value >= t.Info {
		return LevelInfo, t.Info
	}
	return "", 0
}

// Thresholds configures every monitored dimension. Usage dimensions are
// percentages; network is bytes per second.
type Thresholds struct {
	CPU     Threshold `json:"cpu"`
	Memory  Threshold `json:"memory"`
	Disk    Threshold `json:"disk"`
	Network Threshold `json:"network"`
}

// DefaultThresholds mirrors common operational expectations for cluster
// resources.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:     Threshold{Warning: 85, Critical: 95},
		Memory:  Threshold{Warning: 85, Critical: 95},
		Disk:    Threshold{Info: 75, Warning: 85, Critical: 95},
		Network: Threshold{Warning: 100 << 20, Critical: 300 << 20},
	}
}

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	Endpoint string
	Level    Level
	Status   Status
}

func (f ListFilter) matches(a *Alert) bool {
	if f.Endpoint != "" && a.Endpoint != f.Endpoint {
		return false
	}
	if f.Level != "" && a.Level != f.Level {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}
