package pve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeTicket(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]string{
			"ticket":              "PVE:monitor@pam:ABCD",
			"CSRFPreventionToken": "4EE2:csrf",
		},
	})
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		Host:     server.URL,
		User:     "monitor",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	return client, server
}

func TestAuthenticate(t *testing.T) {
	var gotPath, gotContentType, gotUsername string

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")

		var body struct {
			Username string `json:"username"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotUsername = body.Username
		writeTicket(w)
	}))

	if client.HasSession() {
		t.Fatal("fresh client claims a session")
	}
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}
	if gotPath != "/api2/json/access/ticket" {
		t.Errorf("path = %s, want /api2/json/access/ticket", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %s, want application/json", gotContentType)
	}
	// The bare username picks up the default realm.
	if gotUsername != "monitor@pam" {
		t.Errorf("username = %s, want monitor@pam", gotUsername)
	}
	if !client.HasSession() {
		t.Error("no session after successful Authenticate")
	}

	client.ClearSession()
	if client.HasSession() {
		t.Error("session survived ClearSession")
	}
}

func TestAuthenticateFormFallback(t *testing.T) {
	var calls atomic.Int32

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			// Older API versions reject JSON ticket requests.
			http.Error(w, "bad content type", http.StatusBadRequest)
		default:
			if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
				t.Errorf("fallback content type = %s, want form encoding", ct)
			}
			if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != "monitor@pam" {
				t.Errorf("fallback form = %v", r.PostForm)
			}
			writeTicket(w)
		}
	}))

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("auth requests = %d, want 2", calls.Load())
	}
	if !client.HasSession() {
		t.Error("no session after fallback auth")
	}
}

func TestAuthenticateRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authentication failure", http.StatusUnauthorized)
	}))

	err := client.Authenticate(context.Background())
	if err == nil {
		t.Fatal("Authenticate() = nil, want error")
	}
	if !IsAuthStatus(err) {
		t.Errorf("IsAuthStatus(%v) = false, want true", err)
	}
	if client.HasSession() {
		t.Error("session present after rejected auth")
	}
}

func TestRequestAttachesTicketAndCSRF(t *testing.T) {
	var getCookie, postCookie, getCSRF, postCSRF string

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api2/json/access/ticket":
			writeTicket(w)
		case r.Method == http.MethodGet:
			getCookie = r.Header.Get("Cookie")
			getCSRF = r.Header.Get("CSRFPreventionToken")
			writeData(w, VersionInfo{Version: "8.4"})
		default:
			postCookie = r.Header.Get("Cookie")
			postCSRF = r.Header.Get("CSRFPreventionToken")
			writeData(w, "UPID:node1:0001")
		}
	}))

	ctx := context.Background()
	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}
	if _, err := client.GetVersion(ctx); err != nil {
		t.Fatalf("GetVersion() = %v", err)
	}
	if _, err := client.DoPowerAction(ctx, "node1", 100, "qemu", PowerStart); err != nil {
		t.Fatalf("DoPowerAction() = %v", err)
	}

	if !strings.Contains(getCookie, "PVEAuthCookie=PVE:monitor@pam:ABCD") {
		t.Errorf("GET cookie = %q, want the ticket", getCookie)
	}
	// Reads carry the ticket only; the anti-forgery token guards mutations.
	if getCSRF != "" {
		t.Errorf("GET sent CSRFPreventionToken %q, want none", getCSRF)
	}
	if !strings.Contains(postCookie, "PVEAuthCookie=") {
		t.Errorf("POST cookie = %q, want the ticket", postCookie)
	}
	if postCSRF != "4EE2:csrf" {
		t.Errorf("POST CSRFPreventionToken = %q, want the issued token", postCSRF)
	}
}

func TestRequestSurfacesAPIError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permission denied", http.StatusUnauthorized)
	}))

	_, err := client.GetNodes(context.Background())
	if err == nil {
		t.Fatal("GetNodes() = nil, want error")
	}
	if !IsAuthStatus(err) {
		t.Errorf("IsAuthStatus(%v) = false, want true", err)
	}
	if StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("StatusCode() = %d, want 401", StatusCode(err))
	}
}

func TestGetNodesAndGuests(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/nodes":
			writeData(w, []map[string]any{
				{"node": "node1", "status": "online", "cpu": 0.42, "mem": 1024, "maxmem": 2048},
			})
		case "/api2/json/nodes/node1/qemu":
			writeData(w, []map[string]any{
				{"vmid": 100, "name": "web-1", "status": "running", "template": 0},
				{"vmid": 101, "name": "golden-image", "status": "stopped", "template": 1},
			})
		case "/api2/json/nodes/node1/lxc":
			writeData(w, []map[string]any{
				{"vmid": 200, "name": "ct-1", "status": "running"},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()
	nodes, err := client.GetNodes(ctx)
	if err != nil {
		t.Fatalf("GetNodes() = %v", err)
	}
	if len(nodes) != 1 || nodes[0].Node != "node1" || nodes[0].CPU != 0.42 {
		t.Errorf("nodes = %+v", nodes)
	}

	vms, err := client.GetVMs(ctx, "node1")
	if err != nil {
		t.Fatalf("GetVMs() = %v", err)
	}
	if len(vms) != 2 {
		t.Fatalf("vms = %d, want 2", len(vms))
	}
	if bool(vms[0].Template) || !bool(vms[1].Template) {
		t.Errorf("template flags = %v/%v, want false/true", vms[0].Template, vms[1].Template)
	}

	cts, err := client.GetContainers(ctx, "node1")
	if err != nil {
		t.Fatalf("GetContainers() = %v", err)
	}
	if len(cts) != 1 || cts[0].VMID != 200 {
		t.Errorf("containers = %+v", cts)
	}
}

func TestWaitForTask(t *testing.T) {
	var polls atomic.Int32

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeData(w, map[string]any{"status": "running"})
			return
		}
		writeData(w, map[string]any{"status": "stopped", "exitstatus": "OK"})
	}))

	status, err := client.WaitForTask(context.Background(), "node1", "UPID:node1:0001", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTask() = %v", err)
	}
	if !status.Finished() || !status.OK() {
		t.Errorf("status = %+v, want finished OK", status)
	}
	if polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", polls.Load())
	}
}

func TestWaitForTaskHonorsContext(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"status": "running"})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.WaitForTask(ctx, "node1", "UPID:node1:0001", 10*time.Millisecond); err == nil {
		t.Fatal("WaitForTask() = nil, want context error")
	}
}

func TestIntBool(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`1`, true},
		{`0`, false},
		{`true`, true},
		{`false`, false},
		{`"1"`, true},
	}
	for _, tt := range tests {
		var b IntBool
		if err := json.Unmarshal([]byte(tt.raw), &b); err != nil {
			t.Fatalf("Unmarshal(%s) = %v", tt.raw, err)
		}
		if bool(b) != tt.want {
			t.Errorf("IntBool(%s) = %v, want %v", tt.raw, bool(b), tt.want)
		}
	}
}

func TestValidPowerAction(t *testing.T) {
	for _, valid := range []string{"start", "stop", "shutdown", "reboot", "suspend", "resume"} {
		if !ValidPowerAction(valid) {
			t.Errorf("ValidPowerAction(%s) = false, want true", valid)
		}
	}
	for _, invalid := range []string{"", "restart", "kill", "START "} {
		if ValidPowerAction(invalid) {
			t.Errorf("ValidPowerAction(%q) = true, want false", invalid)
		}
	}
}

func TestNewClientNormalizesHost(t *testing.T) {
	client, err := NewClient(ClientConfig{Host: "pve.local:8006", User: "monitor", Password: "secret"})
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	if client.Host() != "https://pve.local:8006" {
		t.Errorf("Host() = %s, want https scheme prepended", client.Host())
	}

	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("NewClient(empty host) = nil, want error")
	}
}
