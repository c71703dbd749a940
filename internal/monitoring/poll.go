package monitoring

import (
	"context"
	"time"

	"github.com/proxmux/proxmux/internal/metrics"
	"github.com/proxmux/proxmux/internal/models"
	"github.com/proxmux/proxmux/internal/registry"
	"github.com/proxmux/proxmux/pkg/pve"
	"github.com/rs/zerolog/log"
)

// pollEndpoint runs one full cycle: nodes first, then guests, then wholesale
// snapshot replacement, diff events, and alert evaluation. A cycle that fails
// to reach the endpoint leaves the previous snapshot in place; only
// ConnectionStatus reflects the failure (stale data beats a blank view).
func (m *Monitor) pollEndpoint(ctx context.Context, ep *registry.Endpoint) error {
	endpointID := ep.Config.ID
	start := time.Now()

	var rawNodes []pve.Node
	err := ep.Executor.Execute(ctx, "poll_nodes", func(ctx context.Context) error {
		var callErr error
		rawNodes, callErr = ep.Client.GetNodes(ctx)
		return callErr
	})
	if err != nil {
		metrics.PollCyclesTotal.WithLabelValues(endpointID, "failure").Inc()
		return err
	}

	now := time.Now()
	nodes := make([]models.Node, 0, len(rawNodes))
	for _, n := range rawNodes {
		nodes = append(nodes, convertNode(endpointID, n, now))
	}

	var vms []models.VM
	err = ep.Executor.Execute(ctx, "poll_guests", func(ctx context.Context) error {
		vms = vms[:0]
		for _, n := range rawNodes {
			if n.Status != "online" {
				continue
			}
			qemu, callErr := ep.Client.GetVMs(ctx, n.Node)
			if callErr != nil {
				return callErr
			}
			lxc, callErr := ep.Client.GetContainers(ctx, n.Node)
			if callErr != nil {
				return callErr
			}
			for _, g := range qemu {
				vms = append(vms, convertGuest(endpointID, n.Node, g, models.GuestKindVM, now))
			}
			for _, g := range lxc {
				vms = append(vms, convertGuest(endpointID, n.Node, g, models.GuestKindContainer, now))
			}
		}
		return nil
	})
	if err != nil {
		metrics.PollCyclesTotal.WithLabelValues(endpointID, "failure").Inc()
		return err
	}

	// Removal can land between the fetch and these writes; a purged
	// endpoint's snapshots must stay purged.
	if m.registry != nil {
		if _, ok := m.registry.Get(endpointID); !ok {
			return nil
		}
	}

	prevNodes := m.state.ReplaceNodesForEndpoint(endpointID, nodes)
	prevVMs := m.state.ReplaceVMsForEndpoint(endpointID, vms)

	m.emitNodeDiffs(endpointID, prevNodes, nodes)
	m.emitVMDiffs(endpointID, prevVMs, vms)

	if m.alerts != nil {
		m.alerts.EvaluateEndpoint(endpointID, nodes, vms)
	}

	metrics.PollCyclesTotal.WithLabelValues(endpointID, "success").Inc()
	metrics.PollDurationSeconds.WithLabelValues(endpointID).Observe(time.Since(start).Seconds())

	log.Debug().
		Str("endpoint", endpointID).
		Int("nodes", len(nodes)).
		Int("vms", len(vms)).
		Dur("duration", time.Since(start)).
		Msg("Poll cycle completed")

	return nil
}

func convertNode(endpointID string, n pve.Node, now time.Time) models.Node {
	node := models.Node{
		ID:       models.NodeID(endpointID, n.Node),
		Name:     n.Node,
		Endpoint: endpointID,
		Status:   n.Status,
		CPU:      n.CPU * 100,
		Uptime:   n.Uptime,
		LastSeen: now,
	}
	node.Memory = usage(n.Mem, n.MaxMem)
	node.Disk = models.Disk(usage(n.Disk, n.MaxDisk))
	return node
}

func convertGuest(endpointID, node string, g pve.Guest, kind models.GuestKind, now time.Time) models.VM {
	vm := models.VM{
		ID:         models.GuestID(endpointID, node, g.VMID),
		VMID:       g.VMID,
		Name:       g.Name,
		Node:       node,
		Endpoint:   endpointID,
		Status:     g.Status,
		Kind:       kind,
		CPU:        g.CPU * 100,
		CPUs:       g.CPUs,
		NetworkIn:  g.NetIn,
		NetworkOut: g.NetOut,
		Uptime:     g.Uptime,
		Template:   bool(g.Template),
		LastSeen:   now,
	}
	vm.Memory = usage(g.Mem, g.MaxMem)
	vm.Disk = models.Disk(usage(g.Disk, g.MaxDisk))
	return vm
}

func usage(used, total int64) models.Memory {
	u := models.Memory{Total: total, Used: used, Free: total - used}
	if total > 0 {
		u.Usage = float64(used) / float64(total) * 100
	}
	return u
}
