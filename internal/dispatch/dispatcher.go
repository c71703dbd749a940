package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	coreerrors "github.com/proxmux/proxmux/internal/errors"
	"github.com/proxmux/proxmux/internal/metrics"
	"github.com/proxmux/proxmux/internal/models"
	"github.com/proxmux/proxmux/internal/registry"
	"github.com/proxmux/proxmux/pkg/pve"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ActionType classifies what a dispatch does to its targets.
type ActionType string

const (
	ActionPower  ActionType = "power"
	ActionExec   ActionType = "exec"
	ActionBackup ActionType = "backup"
)

// Action is the one operation applied to every target of a batch.
type Action struct {
	Type    ActionType `json:"type"`
	Power   string     `json:"power,omitempty"`   // start, stop, shutdown, reboot, suspend, resume
	Command string     `json:"command,omitempty"` // shell command for exec
	Storage string     `json:"storage,omitempty"` // target storage for backup
}

// Name returns a short label for logs, events, and metrics.
func (a Action) Name() string {
	switch a.Type {
	case ActionPower:
		return a.Power
	case ActionExec:
		return "exec"
	case ActionBackup:
		return "backup"
	}
	return string(a.Type)
}

// Validate checks the action shape before any target runs.
func (a Action) Validate() error {
	switch a.Type {
	case ActionPower:
		if !pve.ValidPowerAction(a.Power) {
			return fmt.Errorf("unknown power action %q", a.Power)
		}
	case ActionExec:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("exec action requires a command")
		}
	case ActionBackup:
		// storage may be empty; the endpoint then picks its default
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// Publisher fans out command-result events.
type Publisher interface {
	Publish(event models.Event)
}

// Snapshotter resolves targets against current VM snapshots pre-flight.
type Snapshotter interface {
	GetVM(id string) (models.VM, bool)
}

// Dispatcher runs batch commands with bounded parallelism and per-target
// failure isolation. The semaphore is shared across invocations so
// overlapping batches cannot multiply pressure on the endpoints.
type Dispatcher struct {
	registry *registry.Registry
	state    Snapshotter
	hub      Publisher
	sem      *semaphore.Weighted
	timeout  time.Duration
}

// New creates a dispatcher. Concurrency defaults to a small constant so no
// single endpoint gets hammered by a wide batch.
func New(reg *registry.Registry, state Snapshotter, hub Publisher, concurrency int, timeout time.Duration) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Dispatcher{
		registry: reg,
		state:    state,
		hub:      hub,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		timeout:  timeout,
	}
}

// DispatchSingle runs one target and returns its result.
func (d *Dispatcher) DispatchSingle(ctx context.Context, target models.BatchTarget, action Action) models.BatchResult {
	return d.Dispatch(ctx, []models.BatchTarget{target}, action)[0]
}

// Dispatch runs every target independently and returns exactly one result
// per target, in input order. One target's failure never aborts or delays
// the others; targets still pending when the pool-wide deadline passes are
// synthesized as timeout failures.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []models.BatchTarget, action Action) []models.BatchResult {
	results := make([]models.BatchResult, len(targets))
	if len(targets) == 0 {
		return results
	}

	batchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, target := range targets {
		if result, rejected := d.preflight(target, action); rejected {
			results[i] = result
			d.finish(&results[i])
			continue
		}

		wg.Add(1)
		go func(i int, target models.BatchTarget) {
			defer wg.Done()
			results[i] = d.executeTarget(batchCtx, target, action)
			d.finish(&results[i])
		}(i, target)
	}

	wg.Wait()
	return results
}

// preflight rejects targets that must never reach the executor.
func (d *Dispatcher) preflight(target models.BatchTarget, action Action) (models.BatchResult, bool) {
	result := models.BatchResult{Target: target, Action: action.Name()}

	if err := action.Validate(); err != nil {
		result.Error = err.Error()
		return result, true
	}

	if action.Type == ActionExec {
		if err := CheckCommand(action.Command); err != nil {
			result.Error = coreerrors.ErrPolicyViolation.Error() + ": " + err.Error()
			return result, true
		}
		if target.Kind != models.GuestKindVM {
			result.Error = "shell execution requires the guest agent, which containers do not expose"
			return result, true
		}
	}

	if _, ok := d.state.GetVM(target.ID()); !ok {
		result.Error = fmt.Sprintf("no known VM %s", target.ID())
		return result, true
	}
	if _, ok := d.registry.Get(target.Endpoint); !ok {
		result.Error = fmt.Sprintf("endpoint %s is not configured", target.Endpoint)
		return result, true
	}

	return result, false
}

func (d *Dispatcher) executeTarget(ctx context.Context, target models.BatchTarget, action Action) (result models.BatchResult) {
	result = models.BatchResult{Target: target, Action: action.Name()}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		result.Error = "batch deadline elapsed before execution started"
		return result
	}
	defer d.sem.Release(1)

	ep, ok := d.registry.Get(target.Endpoint)
	if !ok {
		result.Error = fmt.Sprintf("endpoint %s is not configured", target.Endpoint)
		return result
	}

	var output string
	err := ep.Executor.Execute(ctx, "dispatch_"+action.Name(), func(ctx context.Context) error {
		var callErr error
		output, callErr = d.runAction(ctx, ep, target, action)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			result.Error = "batch deadline elapsed: " + coreerrors.Cause(err)
		} else {
			result.Error = coreerrors.Cause(err)
		}
		return result
	}

	result.Success = true
	result.Output = output
	return result
}

func (d *Dispatcher) runAction(ctx context.Context, ep *registry.Endpoint, target models.BatchTarget, action Action) (string, error) {
	switch action.Type {
	case ActionPower:
		upid, err := ep.Client.DoPowerAction(ctx, target.Node, target.VMID, string(target.Kind), pve.PowerAction(action.Power))
		if err != nil {
			return "", err
		}
		status, err := ep.Client.WaitForTask(ctx, target.Node, upid, time.Second)
		if err != nil {
			return "", err
		}
		if !status.OK() {
			return "", fmt.Errorf("task %s failed: %s", upid, status.ExitStatus)
		}
		return status.ExitStatus, nil

	case ActionExec:
		pid, err := ep.Client.ExecCommand(ctx, target.Node, target.VMID, action.Command)
		if err != nil {
			return "", err
		}
		return d.waitForExec(ctx, ep, target, pid)

	case ActionBackup:
		// vzdump runs for minutes; the UPID is the receipt the caller can
		// track, not something to block a batch on.
		return ep.Client.CreateBackup(ctx, target.Node, target.VMID, action.Storage)
	}
	return "", fmt.Errorf("unknown action type %q", action.Type)
}

func (d *Dispatcher) waitForExec(ctx context.Context, ep *registry.Endpoint, target models.BatchTarget, pid int) (string, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		status, err := ep.Client.GetExecStatus(ctx, target.Node, target.VMID, pid)
		if err != nil {
			return "", err
		}
		if bool(status.Exited) {
			if status.ExitCode != 0 {
				return status.OutData, fmt.Errorf("command exited %d: %s", status.ExitCode, status.ErrData)
			}
			return status.OutData, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// finish records metrics and publishes the command-result event for one
// completed target. Target, action, outcome, and duration are all present so
// a collaborator can write its audit entry from the event alone.
func (d *Dispatcher) finish(result *models.BatchResult) {
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	metrics.DispatchTargetsTotal.WithLabelValues(result.Action, outcome).Inc()
	metrics.DispatchDurationSeconds.WithLabelValues(result.Action).Observe(result.Duration.Seconds())

	log.Info().
		Str("target", result.Target.ID()).
		Str("action", result.Action).
		Bool("success", result.Success).
		Str("error", result.Error).
		Dur("duration", result.Duration).
		Msg("Dispatch target finished")

	if d.hub != nil {
		d.hub.Publish(models.Event{
			Type:     models.EventCommandResult,
			Endpoint: result.Target.Endpoint,
			Data:     *result,
		})
	}
}
