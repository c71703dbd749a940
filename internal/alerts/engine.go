package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	coreerrors "github.com/proxmux/proxmux/internal/errors"
	"github.com/proxmux/proxmux/internal/metrics"
	"github.com/proxmux/proxmux/internal/models"
	"github.com/rs/zerolog/log"
)

const resolvedHistoryLimit = 100

// Publisher fans out alert lifecycle events.
type Publisher interface {
	Publish(event models.Event)
}

type netSample struct {
	bytes int64
	at    time.Time
}

// Engine evaluates threshold rules against poll snapshots and manages alert
// records. Evaluation for one endpoint is driven by that endpoint's poll
// loop, so it is sequential per endpoint; the mutex covers cross-endpoint
// access and operator actions.
type Engine struct {
	mu         sync.RWMutex
	thresholds Thresholds
	active     map[string]*Alert // keyed by (resourceID, dimension)
	resolved   []*Alert          // recent history ring, newest first
	netPrev    map[string]netSample
	hub        Publisher
	now        func() time.Time
}

// NewEngine creates an alert engine with the given thresholds.
func NewEngine(thresholds Thresholds, hub Publisher) *Engine {
	return &Engine{
		thresholds: thresholds,
		active:     make(map[string]*Alert),
		netPrev:    make(map[string]netSample),
		hub:        hub,
		now:        time.Now,
	}
}

func alertKey(resourceID string, dim Dimension) string {
	return resourceID + "|" + string(dim)
}

// EvaluateEndpoint runs one evaluation pass for an endpoint, after its poll
// loop has refreshed snapshots. Only called with fresh data: a failed poll
// is "unknown", and unknown neither raises nor resolves anything here.
func (e *Engine) EvaluateEndpoint(endpointID string, nodes []models.Node, vms []models.VM) {
	e.mu.Lock()
	defer e.mu.Unlock()

	breached := make(map[string]bool)

	for _, node := range nodes {
		if node.Status != "online" {
			continue
		}
		e.evaluateLocked(breached, node.ID, node.Name, endpointID, DimensionCPU, node.CPU, e.thresholds.CPU)
		e.evaluateLocked(breached, node.ID, node.Name, endpointID, DimensionMemory, node.Memory.Usage, e.thresholds.Memory)
		e.evaluateLocked(breached, node.ID, node.Name, endpointID, DimensionDisk, node.Disk.Usage, e.thresholds.Disk)
	}

	for _, vm := range vms {
		if vm.Status != "running" || vm.Template {
			continue
		}
		e.evaluateLocked(breached, vm.ID, vm.Name, endpointID, DimensionCPU, vm.CPU, e.thresholds.CPU)
		e.evaluateLocked(breached, vm.ID, vm.Name, endpointID, DimensionMemory, vm.Memory.Usage, e.thresholds.Memory)
		e.evaluateLocked(breached, vm.ID, vm.Name, endpointID, DimensionDisk, vm.Disk.Usage, e.thresholds.Disk)

		if rate, ok := e.networkRateLocked(vm); ok {
			e.evaluateLocked(breached, vm.ID, vm.Name, endpointID, DimensionNetwork, rate, e.thresholds.Network)
		}
	}

	// One clean cycle resolves whatever no longer breaches. Connectivity
	// alerts live outside threshold logic and are skipped here.
	for key, alert := range e.active {
		if alert.Endpoint != endpointID || alert.Kind == DimensionConnectivity {
			continue
		}
		if !breached[key] {
			e.resolveLocked(alert)
		}
	}
}

// networkRateLocked derives bytes/sec from the cumulative counters of two
// consecutive evaluations.
func (e *Engine) networkRateLocked(vm models.VM) (float64, bool) {
	total := vm.NetworkIn + vm.NetworkOut
	prev, seen := e.netPrev[vm.ID]
	e.netPrev[vm.ID] = netSample{bytes: total, at: vm.LastSeen}

	if !seen || total < prev.bytes {
		return 0, false // first sample, or counters reset
	}
	secs := vm.LastSeen.Sub(prev.at).Seconds()
	if secs <= 0 {
		return 0, false
	}
	return float64(total-prev.bytes) / secs, true
}

func (e *Engine) evaluateLocked(breached map[string]bool, resourceID, resourceName, endpointID string, dim Dimension, value float64, threshold Threshold) {
	level, trigger := threshold.match(value)
	key := alertKey(resourceID, dim)
	existing := e.active[key]

	if level == "" {
		return // resolution sweep in EvaluateEndpoint handles clearing
	}
	breached[key] = true

	if existing != nil {
		if existing.Level == level {
			existing.LastSeen = e.now()
			existing.Value = value
			return
		}
		// Level changed: the old record resolves and a fresh one is issued.
		e.resolveLocked(existing)
	}

	e.raiseLocked(&Alert{
		ID:           uuid.NewString(),
		Kind:         dim,
		Level:        level,
		Status:       StatusActive,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		Endpoint:     endpointID,
		Message:      breachMessage(resourceName, dim, value, trigger),
		Value:        value,
		Threshold:    trigger,
	})
}

func breachMessage(name string, dim Dimension, value, threshold float64) string {
	if dim == DimensionNetwork {
		return fmt.Sprintf("%s network throughput %.1f MB/s exceeds %.1f MB/s",
			name, value/(1<<20), threshold/(1<<20))
	}
	return fmt.Sprintf("%s %s usage %.1f%% exceeds %.1f%%", name, dim, value, threshold)
}

func (e *Engine) raiseLocked(alert *Alert) {
	now := e.now()
	alert.CreatedAt = now
	alert.LastSeen = now
	e.active[alertKey(alert.ResourceID, alert.Kind)] = alert

	metrics.AlertsFiredTotal.WithLabelValues(string(alert.Level), string(alert.Kind)).Inc()
	metrics.AlertsActive.WithLabelValues(string(alert.Level), string(alert.Kind)).Inc()

	log.Info().
		Str("alert", alert.ID).
		Str("resource", alert.ResourceID).
		Str("kind", string(alert.Kind)).
		Str("level", string(alert.Level)).
		Float64("value", alert.Value).
		Msg("Alert raised")

	if e.hub != nil {
		e.hub.Publish(models.Event{
			Type:     models.EventAlertRaised,
			Endpoint: alert.Endpoint,
			Data:     alert.Clone(),
		})
	}
}

func (e *Engine) resolveLocked(alert *Alert) {
	now := e.now()
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	delete(e.active, alertKey(alert.ResourceID, alert.Kind))

	e.resolved = append([]*Alert{alert}, e.resolved...)
	if len(e.resolved) > resolvedHistoryLimit {
		e.resolved = e.resolved[:resolvedHistoryLimit]
	}

	metrics.AlertsResolvedTotal.WithLabelValues(string(alert.Kind)).Inc()
	metrics.AlertsActive.WithLabelValues(string(alert.Level), string(alert.Kind)).Dec()

	log.Info().
		Str("alert", alert.ID).
		Str("resource", alert.ResourceID).
		Str("kind", string(alert.Kind)).
		Msg("Alert resolved")

	if e.hub != nil {
		e.hub.Publish(models.Event{
			Type:     models.EventAlertResolved,
			Endpoint: alert.Endpoint,
			Data:     alert.Clone(),
		})
	}
}

// HandleConnectionChange raises a critical connectivity alert when an
// endpoint degrades and resolves it on recovery. Threshold logic never
// touches these records.
func (e *Engine) HandleConnectionChange(status models.ConnectionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := alertKey(status.ID, DimensionConnectivity)
	existing := e.active[key]

	switch status.Status {
	case models.StateError:
		if existing != nil {
			existing.LastSeen = e.now()
			existing.Message = connectivityMessage(status)
			return
		}
		e.raiseLocked(&Alert{
			ID:           uuid.NewString(),
			Kind:         DimensionConnectivity,
			Level:        LevelCritical,
			Status:       StatusActive,
			ResourceID:   status.ID,
			ResourceName: status.Name,
			Endpoint:     status.ID,
			Message:      connectivityMessage(status),
		})
	case models.StateConnected:
		if existing != nil {
			e.resolveLocked(existing)
		}
	}
}

func connectivityMessage(status models.ConnectionStatus) string {
	if status.LastError != "" {
		return fmt.Sprintf("endpoint %s unreachable: %s", status.ID, status.LastError)
	}
	return fmt.Sprintf("endpoint %s unreachable", status.ID)
}

// DropEndpoint discards every alert owned by a removed endpoint.
func (e *Engine) DropEndpoint(endpointID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, alert := range e.active {
		if alert.Endpoint == endpointID {
			e.resolveLocked(alert)
		}
	}
	for id := range e.netPrev {
		if len(id) > len(endpointID) && id[:len(endpointID)+1] == endpointID+"/" {
			delete(e.netPrev, id)
		}
	}
}

// List returns alert copies matching the filter: active records first
// (newest first), then recent resolved history.
func (e *Engine) List(filter ListFilter) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Alert, 0, len(e.active)+len(e.resolved))
	for _, alert := range e.active {
		if filter.matches(alert) {
			out = append(out, alert.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := levelRank(out[i].Level), levelRank(out[j].Level); ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	for _, alert := range e.resolved {
		if filter.matches(alert) {
			out = append(out, alert.Clone())
		}
	}
	return out
}

// Acknowledge marks an active alert as acknowledged.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, alert := range e.active {
		if alert.ID == id {
			if alert.Status == StatusAcknowledged {
				return nil
			}
			now := e.now()
			alert.Status = StatusAcknowledged
			alert.AckTime = &now
			log.Info().Str("alert", id).Msg("Alert acknowledged")
			return nil
		}
	}
	return coreerrors.New(coreerrors.ErrorTypeNotFound, "acknowledge_alert", "", coreerrors.ErrNotFound)
}

// Resolve resolves an active alert by explicit operator action.
func (e *Engine) Resolve(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, alert := range e.active {
		if alert.ID == id {
			e.resolveLocked(alert)
			return nil
		}
	}
	return coreerrors.New(coreerrors.ErrorTypeNotFound, "resolve_alert", "", coreerrors.ErrNotFound)
}

// Delete removes an alert record entirely, active or resolved.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, alert := range e.active {
		if alert.ID == id {
			delete(e.active, key)
			metrics.AlertsActive.WithLabelValues(string(alert.Level), string(alert.Kind)).Dec()
			log.Info().Str("alert", id).Msg("Alert deleted")
			return nil
		}
	}
	for i, alert := range e.resolved {
		if alert.ID == id {
			e.resolved = append(e.resolved[:i], e.resolved[i+1:]...)
			return nil
		}
	}
	return coreerrors.New(coreerrors.ErrorTypeNotFound, "delete_alert", "", coreerrors.ErrNotFound)
}

// ActiveCount returns the number of active alert records.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}
