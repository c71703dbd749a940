package models

import (
	"fmt"
	"time"
)

// ConnectionState is the observable health of an endpoint.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus represents the health of one configured endpoint.
// Credentials are intentionally absent; this struct is safe to serve verbatim.
type ConnectionStatus struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Host            string          `json:"host"`
	Status          ConnectionState `json:"status"`
	LastError       string          `json:"lastError,omitempty"`
	LastConnectedAt time.Time       `json:"lastConnectedAt,omitempty"`
}

// Memory holds memory usage for a node or guest.
type Memory struct {
	Total int64   `json:"total"`
	Used  int64   `json:"used"`
	Free  int64   `json:"free"`
	Usage float64 `json:"usage"` // percent 0-100
}

// Disk holds disk usage for a node or guest.
type Disk struct {
	Total int64   `json:"total"`
	Used  int64   `json:"used"`
	Free  int64   `json:"free"`
	Usage float64 `json:"usage"` // percent 0-100
}

// Node represents one cluster member as of the last successful poll.
type Node struct {
	ID       string    `json:"id"` // endpointID/nodeName
	Name     string    `json:"name"`
	Endpoint string    `json:"endpoint"`
	Status   string    `json:"status"` // online, offline
	CPU      float64   `json:"cpu"`    // percent 0-100
	Memory   Memory    `json:"memory"`
	Disk     Disk      `json:"disk"`
	Uptime   int64     `json:"uptime"`
	LoadAvg  []float64 `json:"loadAverage,omitempty"`
	Version  string    `json:"version,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// GuestKind distinguishes full VMs from containers.
type GuestKind string

const (
	GuestKindVM        GuestKind = "qemu"
	GuestKindContainer GuestKind = "lxc"
)

// VM represents one virtual machine or container as of the last successful poll.
// Identity is the (endpoint, node, vmid) composite; vmid alone is not unique
// across endpoints.
type VM struct {
	ID         string    `json:"id"` // endpointID/node/vmid
	VMID       int       `json:"vmid"`
	Name       string    `json:"name"`
	Node       string    `json:"node"`
	Endpoint   string    `json:"endpoint"`
	Status     string    `json:"status"` // running, stopped, paused
	Kind       GuestKind `json:"kind"`
	CPU        float64   `json:"cpu"` // percent 0-100
	CPUs       int       `json:"cpus"`
	Memory     Memory    `json:"memory"`
	Disk       Disk      `json:"disk"`
	NetworkIn  int64     `json:"networkIn"`
	NetworkOut int64     `json:"networkOut"`
	Uptime     int64     `json:"uptime"`
	Template   bool      `json:"template"`
	LastSeen   time.Time `json:"lastSeen"`
}

// NodeID builds the composite key for a node.
func NodeID(endpointID, node string) string {
	return endpointID + "/" + node
}

// GuestID builds the composite key for a VM or container.
func GuestID(endpointID, node string, vmid int) string {
	return fmt.Sprintf("%s/%s/%d", endpointID, node, vmid)
}

// BatchTarget is one unit of a batch command.
type BatchTarget struct {
	Endpoint string    `json:"endpoint"`
	Node     string    `json:"node"`
	VMID     int       `json:"vmid"`
	Kind     GuestKind `json:"kind"`
}

// ID returns the composite guest key the target resolves to.
func (t BatchTarget) ID() string {
	return GuestID(t.Endpoint, t.Node, t.VMID)
}

// BatchResult is the outcome of exactly one BatchTarget.
type BatchResult struct {
	Target   BatchTarget   `json:"target"`
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// EventType classifies broadcast events.
type EventType string

const (
	EventConnectionChanged EventType = "connectionChanged"
	EventNodeAdded         EventType = "nodeAdded"
	EventNodeRemoved       EventType = "nodeRemoved"
	EventNodeChanged       EventType = "nodeChanged"
	EventVMAdded           EventType = "vmAdded"
	EventVMRemoved         EventType = "vmRemoved"
	EventVMChanged         EventType = "vmChanged"
	EventCommandResult     EventType = "commandResult"
	EventAlertRaised       EventType = "alertRaised"
	EventAlertResolved     EventType = "alertResolved"
)

// Event is a single broadcast message. Data is one of the model types above
// (or an alert record) depending on Type.
type Event struct {
	Type      EventType   `json:"type"`
	Endpoint  string      `json:"endpoint,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
