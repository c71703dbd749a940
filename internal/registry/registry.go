package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/proxmux/proxmux/internal/config"
	coreerrors "github.com/proxmux/proxmux/internal/errors"
	"github.com/proxmux/proxmux/internal/executor"
	"github.com/proxmux/proxmux/internal/metrics"
	"github.com/proxmux/proxmux/internal/models"
	"github.com/proxmux/proxmux/pkg/pve"
	"github.com/rs/zerolog/log"
)

// Publisher fans out events; implemented by the websocket hub.
type Publisher interface {
	Publish(event models.Event)
}

// Endpoint bundles everything the registry owns for one configured cluster.
type Endpoint struct {
	Config   config.EndpointConfig
	Client   *pve.Client
	Executor *executor.Executor
}

// Registry is the set of configured endpoints. It owns their clients and
// executors and is the only writer of ConnectionStatus: every transition
// flows through the executor outcome callbacks below.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	state   *models.State
	hub     Publisher
	policy  executor.RetryPolicy
	timeout time.Duration

	onAdd          func(ep *Endpoint)
	onRemove       func(id string)
	onStatusChange func(status models.ConnectionStatus)
}

// New creates a registry backed by the shared state container.
func New(state *models.State, hub Publisher, policy executor.RetryPolicy, requestTimeout time.Duration) *Registry {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		state:     state,
		hub:       hub,
		policy:    policy,
		timeout:   requestTimeout,
	}
}

// SetHooks wires lifecycle callbacks: onAdd starts the endpoint's poll loop,
// onRemove cancels it, onStatusChange feeds the alert engine.
func (r *Registry) SetHooks(onAdd func(ep *Endpoint), onRemove func(id string), onStatusChange func(status models.ConnectionStatus)) {
	r.onAdd = onAdd
	r.onRemove = onRemove
	r.onStatusChange = onStatusChange
}

// Add registers a new endpoint. No authentication happens here; the first
// call through the executor authenticates lazily.
func (r *Registry) Add(cfg config.EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return coreerrors.New(coreerrors.ErrorTypeValidation, "add_endpoint", cfg.ID, err)
	}

	r.mu.Lock()
	if _, exists := r.endpoints[cfg.ID]; exists {
		r.mu.Unlock()
		return coreerrors.New(coreerrors.ErrorTypeValidation, "add_endpoint", cfg.ID,
			fmt.Errorf("endpoint %q already exists", cfg.ID))
	}

	client, err := pve.NewClient(pve.ClientConfig{
		Host:        cfg.Addr(),
		User:        cfg.User,
		Password:    cfg.Password,
		Realm:       cfg.Realm,
		Fingerprint: cfg.Fingerprint,
		VerifySSL:   cfg.VerifySSL,
		Timeout:     r.timeout,
	})
	if err != nil {
		r.mu.Unlock()
		return coreerrors.New(coreerrors.ErrorTypeValidation, "add_endpoint", cfg.ID, err)
	}

	ep := &Endpoint{
		Config:   cfg,
		Client:   client,
		Executor: executor.New(cfg.ID, client, r.policy, r),
	}
	r.endpoints[cfg.ID] = ep
	r.mu.Unlock()

	status := models.ConnectionStatus{
		ID:     cfg.ID,
		Name:   cfg.Name,
		Host:   client.Host(),
		Status: models.StateDisconnected,
	}
	r.state.SetConnectionStatus(status)
	r.publishStatus(status)

	log.Info().Str("endpoint", cfg.ID).Str("host", client.Host()).Msg("Endpoint added")

	if r.onAdd != nil {
		r.onAdd(ep)
	}
	return nil
}

// Remove deletes an endpoint: its poll loop is cancelled, its session
// dropped, and its snapshots purged so stale data is never served.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return coreerrors.New(coreerrors.ErrorTypeNotFound, "remove_endpoint", id, coreerrors.ErrNotFound)
	}
	delete(r.endpoints, id)
	r.mu.Unlock()

	if r.onRemove != nil {
		r.onRemove(id)
	}

	ep.Client.ClearSession()
	r.state.RemoveEndpoint(id)
	r.updateConnectedGauge()

	r.hub.Publish(models.Event{
		Type:     models.EventConnectionChanged,
		Endpoint: id,
		Data: models.ConnectionStatus{
			ID:     id,
			Name:   ep.Config.Name,
			Status: models.StateDisconnected,
		},
	})

	log.Info().Str("endpoint", id).Msg("Endpoint removed")
	return nil
}

// Test forces a fresh authenticate plus a lightweight version probe. It runs
// through the executor so wrong credentials land in ConnectionStatus, but it
// does not touch the steady-state poll loop.
func (r *Registry) Test(ctx context.Context, id string) error {
	ep, ok := r.Get(id)
	if !ok {
		return coreerrors.New(coreerrors.ErrorTypeNotFound, "test_endpoint", id, coreerrors.ErrNotFound)
	}

	ep.Client.ClearSession()
	return ep.Executor.Execute(ctx, "test_endpoint", func(ctx context.Context) error {
		_, err := ep.Client.GetVersion(ctx)
		return err
	})
}

// Get returns one endpoint by ID.
func (r *Registry) Get(id string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// List returns the connection status of every endpoint. Credentials never
// appear here.
func (r *Registry) List() []models.ConnectionStatus {
	return r.state.ListConnections()
}

// IDs returns the configured endpoint IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Sync reconciles the registry against a freshly loaded endpoint set:
// unknown IDs are added, missing IDs removed, changed configs replaced.
func (r *Registry) Sync(endpoints []config.EndpointConfig) {
	desired := make(map[string]config.EndpointConfig, len(endpoints))
	for _, cfg := range endpoints {
		desired[cfg.ID] = cfg
	}

	for _, id := range r.IDs() {
		cfg, keep := desired[id]
		if !keep {
			if err := r.Remove(id); err != nil {
				log.Warn().Err(err).Str("endpoint", id).Msg("Failed to remove endpoint during sync")
			}
			continue
		}
		if ep, ok := r.Get(id); ok && ep.Config != cfg {
			if err := r.Remove(id); err != nil {
				log.Warn().Err(err).Str("endpoint", id).Msg("Failed to replace endpoint during sync")
			}
		}
	}

	for _, cfg := range endpoints {
		if _, exists := r.Get(cfg.ID); !exists {
			if err := r.Add(cfg); err != nil {
				log.Warn().Err(err).Str("endpoint", cfg.ID).Msg("Failed to add endpoint during sync")
			}
		}
	}
}

// MarkConnected implements executor.StatusSink.
func (r *Registry) MarkConnected(endpointID string) {
	if _, ok := r.Get(endpointID); !ok {
		// A removed endpoint's in-flight executor must not resurrect
		// its ConnectionStatus.
		return
	}
	prev, _ := r.state.GetConnectionStatus(endpointID)
	if prev.Status == models.StateConnected {
		return
	}

	status := prev
	status.ID = endpointID
	status.Status = models.StateConnected
	status.LastError = ""
	status.LastConnectedAt = time.Now()
	r.applyStatus(prev, status)
}

// MarkError implements executor.StatusSink.
func (r *Registry) MarkError(endpointID string, err error) {
	if _, ok := r.Get(endpointID); !ok {
		return
	}
	prev, _ := r.state.GetConnectionStatus(endpointID)

	status := prev
	status.ID = endpointID
	status.Status = models.StateError
	status.LastError = coreerrors.Cause(err)
	if prev.Status == status.Status && prev.LastError == status.LastError {
		return
	}
	r.applyStatus(prev, status)
}

func (r *Registry) applyStatus(prev, status models.ConnectionStatus) {
	if status.Name == "" {
		if ep, ok := r.Get(status.ID); ok {
			status.Name = ep.Config.Name
			status.Host = ep.Client.Host()
		}
	}
	r.state.SetConnectionStatus(status)
	r.updateConnectedGauge()

	if prev.Status != status.Status {
		log.Info().
			Str("endpoint", status.ID).
			Str("from", string(prev.Status)).
			Str("to", string(status.Status)).
			Str("lastError", status.LastError).
			Msg("Connection status changed")
	}

	r.publishStatus(status)
	if r.onStatusChange != nil {
		r.onStatusChange(status)
	}
}

func (r *Registry) publishStatus(status models.ConnectionStatus) {
	r.hub.Publish(models.Event{
		Type:     models.EventConnectionChanged,
		Endpoint: status.ID,
		Data:     status,
	})
}

func (r *Registry) updateConnectedGauge() {
	connected := 0
	for _, c := range r.state.ListConnections() {
		if c.Status == models.StateConnected {
			connected++
		}
	}
	metrics.EndpointsConnected.Set(float64(connected))
}
