package models

import (
	"sort"
	"sync"
	"time"
)

// State holds the current snapshots of all monitored resources. Writes happen
// per endpoint (single writer: that endpoint's poll loop); reads return copies
// so callers never observe a half-updated set.
type State struct {
	mu          sync.RWMutex
	connections map[string]ConnectionStatus
	nodes       map[string]Node // keyed by Node.ID
	vms         map[string]VM   // keyed by VM.ID
	lastUpdate  time.Time
}

// StateSnapshot is a point-in-time copy of State, safe to serialize.
type StateSnapshot struct {
	Connections []ConnectionStatus `json:"connections"`
	Nodes       []Node             `json:"nodes"`
	VMs         []VM               `json:"vms"`
	LastUpdate  time.Time          `json:"lastUpdate"`
}

// NewState creates an empty state container.
func NewState() *State {
	return &State{
		connections: make(map[string]ConnectionStatus),
		nodes:       make(map[string]Node),
		vms:         make(map[string]VM),
	}
}

// SetConnectionStatus replaces the status record for an endpoint.
func (s *State) SetConnectionStatus(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[status.ID] = status
	s.lastUpdate = time.Now()
}

// GetConnectionStatus returns the status for one endpoint.
func (s *State) GetConnectionStatus(id string) (ConnectionStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.connections[id]
	return status, ok
}

// ReplaceNodesForEndpoint swaps in a new node snapshot generation for one
// endpoint and returns the previous generation for diffing.
func (s *State) ReplaceNodesForEndpoint(endpointID string, nodes []Node) map[string]Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]Node)
	for id, n := range s.nodes {
		if n.Endpoint == endpointID {
			prev[id] = n
			delete(s.nodes, id)
		}
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	s.lastUpdate = time.Now()
	return prev
}

// ReplaceVMsForEndpoint swaps in a new VM snapshot generation for one
// endpoint and returns the previous generation for diffing.
func (s *State) ReplaceVMsForEndpoint(endpointID string, vms []VM) map[string]VM {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]VM)
	for id, vm := range s.vms {
		if vm.Endpoint == endpointID {
			prev[id] = vm
			delete(s.vms, id)
		}
	}
	for _, vm := range vms {
		s.vms[vm.ID] = vm
	}
	s.lastUpdate = time.Now()
	return prev
}

// RemoveEndpoint purges all state owned by an endpoint.
func (s *State) RemoveEndpoint(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.connections, endpointID)
	for id, n := range s.nodes {
		if n.Endpoint == endpointID {
			delete(s.nodes, id)
		}
	}
	for id, vm := range s.vms {
		if vm.Endpoint == endpointID {
			delete(s.vms, id)
		}
	}
	s.lastUpdate = time.Now()
}

// GetVM looks up one VM by composite key.
func (s *State) GetVM(id string) (VM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.vms[id]
	return vm, ok
}

// ListConnections returns status copies sorted by endpoint ID.
func (s *State) ListConnections() []ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConnectionStatus, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListNodes returns node copies sorted by composite key.
func (s *State) ListNodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListVMs returns VM copies sorted by composite key.
func (s *State) ListVMs() []VM {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VM, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a full copy of the current state.
func (s *State) Snapshot() StateSnapshot {
	s.mu.RLock()
	lastUpdate := s.lastUpdate
	s.mu.RUnlock()

	return StateSnapshot{
		Connections: s.ListConnections(),
		Nodes:       s.ListNodes(),
		VMs:         s.ListVMs(),
		LastUpdate:  lastUpdate,
	}
}
