package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/proxmux/proxmux/internal/config"
	coreerrors "github.com/proxmux/proxmux/internal/errors"
	"github.com/proxmux/proxmux/internal/executor"
	"github.com/proxmux/proxmux/internal/models"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) Publish(event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func validConfig(id string) config.EndpointConfig {
	return config.EndpointConfig{
		ID:       id,
		Name:     "Cluster " + id,
		Host:     id + ".example.com",
		User:     "monitor@pam",
		Password: "secret",
	}
}

func newTestRegistry() (*Registry, *models.State, *eventRecorder) {
	state := models.NewState()
	rec := &eventRecorder{}
	reg := New(state, rec, executor.DefaultRetryPolicy(), time.Second)
	return reg, state, rec
}

func TestAddStartsDisconnected(t *testing.T) {
	reg, state, rec := newTestRegistry()

	if err := reg.Add(validConfig("pve1")); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	status, ok := state.GetConnectionStatus("pve1")
	if !ok {
		t.Fatal("no connection status after Add")
	}
	if status.Status != models.StateDisconnected {
		t.Errorf("status = %s, want disconnected until a call succeeds", status.Status)
	}
	if status.Host == "" {
		t.Error("status carries no host")
	}
	if rec.count(models.EventConnectionChanged) != 1 {
		t.Errorf("connectionChanged events = %d, want 1", rec.count(models.EventConnectionChanged))
	}
}

func TestAddValidation(t *testing.T) {
	reg, _, _ := newTestRegistry()

	tests := []struct {
		name string
		mut  func(cfg *config.EndpointConfig)
	}{
		{"missing id", func(cfg *config.EndpointConfig) { cfg.ID = "" }},
		{"missing host", func(cfg *config.EndpointConfig) { cfg.Host = "" }},
		{"missing user", func(cfg *config.EndpointConfig) { cfg.User = "" }},
		{"missing password", func(cfg *config.EndpointConfig) { cfg.Password = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig("pve1")
			tt.mut(&cfg)
			err := reg.Add(cfg)
			var coreErr *coreerrors.CoreError
			if !errors.As(err, &coreErr) || coreErr.Type != coreerrors.ErrorTypeValidation {
				t.Errorf("Add() = %v, want validation error", err)
			}
		})
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	reg, _, _ := newTestRegistry()

	if err := reg.Add(validConfig("pve1")); err != nil {
		t.Fatalf("first Add() = %v", err)
	}
	if err := reg.Add(validConfig("pve1")); err == nil {
		t.Fatal("duplicate Add() = nil, want error")
	}
	if got := len(reg.IDs()); got != 1 {
		t.Errorf("IDs() = %d entries, want 1", got)
	}
}

func TestRemovePurgesState(t *testing.T) {
	reg, state, _ := newTestRegistry()
	if err := reg.Add(validConfig("pve1")); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	state.ReplaceNodesForEndpoint("pve1", []models.Node{
		{ID: "pve1/node1", Name: "node1", Endpoint: "pve1", Status: "online"},
	})
	state.ReplaceVMsForEndpoint("pve1", []models.VM{
		{ID: "pve1/node1/100", VMID: 100, Node: "node1", Endpoint: "pve1"},
	})

	if err := reg.Remove("pve1"); err != nil {
		t.Fatalf("Remove() = %v", err)
	}

	if _, ok := reg.Get("pve1"); ok {
		t.Error("endpoint still present after Remove")
	}
	if _, ok := state.GetConnectionStatus("pve1"); ok {
		t.Error("connection status survived Remove")
	}
	if nodes := state.ListNodes(); len(nodes) != 0 {
		t.Errorf("nodes = %d after Remove, want 0: stale snapshots must not be served", len(nodes))
	}
	if vms := state.ListVMs(); len(vms) != 0 {
		t.Errorf("vms = %d after Remove, want 0", len(vms))
	}

	if err := reg.Remove("pve1"); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("second Remove() = %v, want not-found", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	reg, state, rec := newTestRegistry()
	if err := reg.Add(validConfig("pve1")); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	var observed []models.ConnectionState
	reg.SetHooks(nil, nil, func(status models.ConnectionStatus) {
		observed = append(observed, status.Status)
	})

	reg.MarkConnected("pve1")
	status, _ := state.GetConnectionStatus("pve1")
	if status.Status != models.StateConnected {
		t.Fatalf("status = %s, want connected", status.Status)
	}
	if status.LastConnectedAt.IsZero() {
		t.Error("LastConnectedAt not set")
	}

	// Already connected: no duplicate event.
	before := rec.count(models.EventConnectionChanged)
	reg.MarkConnected("pve1")
	if rec.count(models.EventConnectionChanged) != before {
		t.Error("repeat MarkConnected published an event")
	}

	reg.MarkError("pve1", errors.New("connection refused"))
	status, _ = state.GetConnectionStatus("pve1")
	if status.Status != models.StateError {
		t.Fatalf("status = %s, want error", status.Status)
	}
	if status.LastError != "connection refused" {
		t.Errorf("LastError = %q, want cause", status.LastError)
	}

	// Identical repeated failure: deduplicated.
	before = rec.count(models.EventConnectionChanged)
	reg.MarkError("pve1", errors.New("connection refused"))
	if rec.count(models.EventConnectionChanged) != before {
		t.Error("repeat identical MarkError published an event")
	}

	// A different failure is news.
	reg.MarkError("pve1", errors.New("tls handshake failed"))
	if rec.count(models.EventConnectionChanged) != before+1 {
		t.Error("changed MarkError did not publish an event")
	}

	reg.MarkConnected("pve1")
	status, _ = state.GetConnectionStatus("pve1")
	if status.LastError != "" {
		t.Errorf("LastError = %q after recovery, want empty", status.LastError)
	}

	want := []models.ConnectionState{
		models.StateConnected,
		models.StateError,
		models.StateError,
		models.StateConnected,
	}
	if len(observed) != len(want) {
		t.Fatalf("status hook fired %d times, want %d", len(observed), len(want))
	}
	for i, state := range want {
		if observed[i] != state {
			t.Errorf("transition %d = %s, want %s", i, observed[i], state)
		}
	}
}

func TestSyncReconciles(t *testing.T) {
	reg, _, _ := newTestRegistry()

	var added, removed []string
	reg.SetHooks(
		func(ep *Endpoint) { added = append(added, ep.Config.ID) },
		func(id string) { removed = append(removed, id) },
		nil,
	)

	reg.Sync([]config.EndpointConfig{validConfig("a"), validConfig("b")})
	if len(reg.IDs()) != 2 {
		t.Fatalf("IDs() = %v, want a and b", reg.IDs())
	}

	// a goes away, b changes credentials, c is new.
	changedB := validConfig("b")
	changedB.Password = "rotated"
	reg.Sync([]config.EndpointConfig{changedB, validConfig("c")})

	ids := reg.IDs()
	if len(ids) != 2 {
		t.Fatalf("IDs() = %v, want b and c", ids)
	}
	if _, ok := reg.Get("a"); ok {
		t.Error("endpoint a survived sync")
	}
	b, ok := reg.Get("b")
	if !ok || b.Config.Password != "rotated" {
		t.Error("endpoint b was not rebuilt with the new config")
	}
	if _, ok := reg.Get("c"); !ok {
		t.Error("endpoint c was not added")
	}

	wantAdded := []string{"a", "b", "b", "c"}
	if len(added) != len(wantAdded) {
		t.Errorf("onAdd fired for %v, want %v", added, wantAdded)
	}
	wantRemoved := []string{"a", "b"}
	if len(removed) != len(wantRemoved) {
		t.Errorf("onRemove fired for %v, want %v", removed, wantRemoved)
	}
}

func TestTestRejectedCredentialsBecomeStatus(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authentication failure", http.StatusUnauthorized)
	}))
	defer server.Close()

	reg, _, _ := newTestRegistry()
	cfg := validConfig("pve1")
	cfg.Host = server.URL
	if err := reg.Add(cfg); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := reg.Test(context.Background(), "pve1"); err == nil {
		t.Fatal("Test succeeded against an endpoint that rejects every login")
	}

	statuses := reg.List()
	if len(statuses) != 1 {
		t.Fatalf("List returned %d statuses, want 1", len(statuses))
	}
	if statuses[0].Status != models.StateError || statuses[0].LastError == "" {
		t.Errorf("status = %s lastError = %q, want error with a populated lastError",
			statuses[0].Status, statuses[0].LastError)
	}
}

func TestRemovedEndpointCannotBeResurrectedBySink(t *testing.T) {
	reg, state, _ := newTestRegistry()
	if err := reg.Add(validConfig("pve1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Remove("pve1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// An in-flight executor for the removed endpoint may still report
	// outcomes; none of them may re-insert a ConnectionStatus record.
	reg.MarkError("pve1", errors.New("context canceled"))
	reg.MarkConnected("pve1")

	if statuses := reg.List(); len(statuses) != 0 {
		t.Errorf("List returned %d statuses after removal, want 0: %+v", len(statuses), statuses)
	}
	if _, ok := state.GetConnectionStatus("pve1"); ok {
		t.Error("removed endpoint still has a ConnectionStatus record")
	}
}

func TestTestUnknownEndpoint(t *testing.T) {
	reg, _, _ := newTestRegistry()
	if err := reg.Test(context.Background(), "ghost"); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
