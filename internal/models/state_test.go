package models

import (
	"testing"
)

func node(endpoint, name string) Node {
	return Node{ID: NodeID(endpoint, name), Name: name, Endpoint: endpoint, Status: "online"}
}

func vm(endpoint, nodeName string, vmid int) VM {
	return VM{ID: GuestID(endpoint, nodeName, vmid), VMID: vmid, Node: nodeName, Endpoint: endpoint}
}

func TestCompositeKeys(t *testing.T) {
	if got := NodeID("pve1", "node1"); got != "pve1/node1" {
		t.Errorf("NodeID = %s, want pve1/node1", got)
	}
	if got := GuestID("pve1", "node1", 100); got != "pve1/node1/100" {
		t.Errorf("GuestID = %s, want pve1/node1/100", got)
	}

	// The same vmid on two endpoints must stay distinct.
	a := GuestID("pve1", "node1", 100)
	b := GuestID("pve2", "node1", 100)
	if a == b {
		t.Error("guest keys collide across endpoints")
	}
}

func TestReplaceNodesIsWholesalePerEndpoint(t *testing.T) {
	s := NewState()

	s.ReplaceNodesForEndpoint("pve1", []Node{node("pve1", "node1"), node("pve1", "node2")})
	s.ReplaceNodesForEndpoint("pve2", []Node{node("pve2", "node1")})

	// A new generation without node2 drops it; pve2 is untouched.
	prev := s.ReplaceNodesForEndpoint("pve1", []Node{node("pve1", "node1")})

	if len(prev) != 2 {
		t.Errorf("previous generation = %d nodes, want 2", len(prev))
	}
	nodes := s.ListNodes()
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}
	if nodes[0].ID != "pve1/node1" || nodes[1].ID != "pve2/node1" {
		t.Errorf("nodes = %v, want pve1/node1 and pve2/node1", nodes)
	}
}

func TestReplaceVMsIsWholesalePerEndpoint(t *testing.T) {
	s := NewState()

	s.ReplaceVMsForEndpoint("pve1", []VM{vm("pve1", "node1", 100), vm("pve1", "node1", 101)})
	s.ReplaceVMsForEndpoint("pve2", []VM{vm("pve2", "node1", 100)})

	prev := s.ReplaceVMsForEndpoint("pve1", []VM{vm("pve1", "node2", 100)})
	if len(prev) != 2 {
		t.Errorf("previous generation = %d vms, want 2", len(prev))
	}

	if _, ok := s.GetVM("pve1/node1/101"); ok {
		t.Error("vm 101 survived wholesale replacement")
	}
	if _, ok := s.GetVM("pve1/node2/100"); !ok {
		t.Error("migrated vm missing after replacement")
	}
	if _, ok := s.GetVM("pve2/node1/100"); !ok {
		t.Error("other endpoint's vm was disturbed")
	}
}

func TestRemoveEndpointPurgesEverything(t *testing.T) {
	s := NewState()

	s.SetConnectionStatus(ConnectionStatus{ID: "pve1", Status: StateConnected})
	s.SetConnectionStatus(ConnectionStatus{ID: "pve2", Status: StateConnected})
	s.ReplaceNodesForEndpoint("pve1", []Node{node("pve1", "node1")})
	s.ReplaceVMsForEndpoint("pve1", []VM{vm("pve1", "node1", 100)})
	s.ReplaceNodesForEndpoint("pve2", []Node{node("pve2", "node1")})

	s.RemoveEndpoint("pve1")

	if _, ok := s.GetConnectionStatus("pve1"); ok {
		t.Error("connection status survived RemoveEndpoint")
	}
	if _, ok := s.GetConnectionStatus("pve2"); !ok {
		t.Error("unrelated connection status purged")
	}
	if nodes := s.ListNodes(); len(nodes) != 1 || nodes[0].Endpoint != "pve2" {
		t.Errorf("nodes = %v, want only pve2's", nodes)
	}
	if vms := s.ListVMs(); len(vms) != 0 {
		t.Errorf("vms = %d, want 0", len(vms))
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewState()
	s.ReplaceNodesForEndpoint("pve1", []Node{node("pve1", "node1")})

	snap := s.Snapshot()
	if len(snap.Nodes) != 1 {
		t.Fatalf("snapshot nodes = %d, want 1", len(snap.Nodes))
	}
	if snap.LastUpdate.IsZero() {
		t.Error("snapshot LastUpdate not set")
	}

	// Mutating the snapshot must not leak back into the state.
	snap.Nodes[0].Status = "offline"
	if got := s.ListNodes()[0].Status; got != "online" {
		t.Errorf("state node status = %s after snapshot mutation, want online", got)
	}
}
