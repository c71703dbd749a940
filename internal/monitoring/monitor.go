package monitoring

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/proxmux/proxmux/internal/models"
	"github.com/proxmux/proxmux/internal/registry"
	"github.com/rs/zerolog/log"
)

// Publisher fans out diff events; implemented by the websocket hub.
type Publisher interface {
	Publish(event models.Event)
}

// AlertSink consumes fresh snapshots after each successful poll cycle.
type AlertSink interface {
	EvaluateEndpoint(endpointID string, nodes []models.Node, vms []models.VM)
	HandleConnectionChange(status models.ConnectionStatus)
	DropEndpoint(endpointID string)
}

// Monitor runs one poll loop per endpoint. Loops are fully independent
// across endpoints and strictly sequential within one: there are never two
// concurrent polls of the same endpoint.
type Monitor struct {
	state    *models.State
	registry *registry.Registry
	hub      Publisher
	alerts   AlertSink
	interval time.Duration
	backoff  backoffConfig

	mu      sync.Mutex
	loops   map[string]context.CancelFunc
	rootCtx context.Context
	wg      sync.WaitGroup
}

// New creates a monitor. Call Start before adding endpoints.
func New(state *models.State, reg *registry.Registry, hub Publisher, alerts AlertSink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		state:    state,
		registry: reg,
		hub:      hub,
		alerts:   alerts,
		interval: interval,
		backoff:  defaultBackoff(),
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start hooks the monitor into the registry lifecycle and begins polling any
// endpoints already registered.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.rootCtx = ctx
	m.mu.Unlock()

	m.registry.SetHooks(m.startLoop, m.stopLoop, m.onStatusChange)

	for _, id := range m.registry.IDs() {
		if ep, ok := m.registry.Get(id); ok {
			m.startLoop(ep)
		}
	}
}

// Stop cancels every poll loop and waits for them to drain.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for id, cancel := range m.loops {
		cancel()
		delete(m.loops, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) startLoop(ep *registry.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rootCtx == nil {
		return
	}
	if _, running := m.loops[ep.Config.ID]; running {
		return
	}

	ctx, cancel := context.WithCancel(m.rootCtx)
	m.loops[ep.Config.ID] = cancel
	m.wg.Add(1)

	go m.runLoop(ctx, ep)
	log.Info().Str("endpoint", ep.Config.ID).Dur("interval", m.interval).Msg("Poll loop started")
}

// stopLoop cancels the endpoint's loop, cancelling any in-flight poll, and
// clears its alert state. In-flight work for other endpoints is untouched.
func (m *Monitor) stopLoop(id string) {
	m.mu.Lock()
	cancel, ok := m.loops[id]
	if ok {
		delete(m.loops, id)
	}
	m.mu.Unlock()

	if ok {
		cancel()
		log.Info().Str("endpoint", id).Msg("Poll loop stopped")
	}
	if m.alerts != nil {
		m.alerts.DropEndpoint(id)
	}
}

func (m *Monitor) onStatusChange(status models.ConnectionStatus) {
	if m.alerts != nil {
		m.alerts.HandleConnectionChange(status)
	}
}

func (m *Monitor) runLoop(ctx context.Context, ep *registry.Endpoint) {
	defer m.wg.Done()

	failures := 0
	for {
		err := m.pollEndpoint(ctx, ep)

		var wait time.Duration
		if err != nil {
			wait = m.backoff.nextDelay(failures, rand.Float64())
			failures++
			log.Debug().
				Err(err).
				Str("endpoint", ep.Config.ID).
				Dur("backoff", wait).
				Msg("Poll cycle failed, backing off")
		} else {
			failures = 0
			wait = m.interval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
