package monitoring

import (
	"math"

	"github.com/proxmux/proxmux/internal/models"
)

// usageQuantum is the change threshold for usage percentages, in percentage
// points. Smaller movements are chatter, not change.
const usageQuantum = 1.0

func (m *Monitor) emitNodeDiffs(endpointID string, prev map[string]models.Node, current []models.Node) {
	seen := make(map[string]bool, len(current))

	for _, node := range current {
		seen[node.ID] = true
		old, existed := prev[node.ID]
		switch {
		case !existed:
			m.hub.Publish(models.Event{Type: models.EventNodeAdded, Endpoint: endpointID, Data: node})
		case nodeChanged(old, node):
			m.hub.Publish(models.Event{Type: models.EventNodeChanged, Endpoint: endpointID, Data: node})
		}
	}

	for id, old := range prev {
		if !seen[id] {
			m.hub.Publish(models.Event{Type: models.EventNodeRemoved, Endpoint: endpointID, Data: old})
		}
	}
}

func (m *Monitor) emitVMDiffs(endpointID string, prev map[string]models.VM, current []models.VM) {
	seen := make(map[string]bool, len(current))

	for _, vm := range current {
		seen[vm.ID] = true
		old, existed := prev[vm.ID]
		switch {
		case !existed:
			m.hub.Publish(models.Event{Type: models.EventVMAdded, Endpoint: endpointID, Data: vm})
		case vmChanged(old, vm):
			m.hub.Publish(models.Event{Type: models.EventVMChanged, Endpoint: endpointID, Data: vm})
		}
	}

	for id, old := range prev {
		if !seen[id] {
			m.hub.Publish(models.Event{Type: models.EventVMRemoved, Endpoint: endpointID, Data: old})
		}
	}
}

// nodeChanged compares the tracked fields of two node generations.
func nodeChanged(old, current models.Node) bool {
	if old.Status != current.Status {
		return true
	}
	return beyondQuantum(old.CPU, current.CPU) ||
		beyondQuantum(old.Memory.Usage, current.Memory.Usage) ||
		beyondQuantum(old.Disk.Usage, current.Disk.Usage)
}

// vmChanged compares the tracked fields of two VM generations. Raw network
// counters are cumulative and always move, so they are not tracked here.
func vmChanged(old, current models.VM) bool {
	if old.Status != current.Status || old.Name != current.Name || old.Node != current.Node {
		return true
	}
	return beyondQuantum(old.CPU, current.CPU) ||
		beyondQuantum(old.Memory.Usage, current.Memory.Usage) ||
		beyondQuantum(old.Disk.Usage, current.Disk.Usage)
}

func beyondQuantum(a, b float64) bool {
	return math.Abs(a-b) >= usageQuantum
}
