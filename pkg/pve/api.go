package pve

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// VersionInfo is the endpoint's reported version, used as the lightweight
// connectivity probe.
type VersionInfo struct {
	Version string `json:"version"`
	Release string `json:"release,omitempty"`
	RepoID  string `json:"repoid,omitempty"`
}

// Node is one cluster member as reported by GET /nodes.
type Node struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"`
	CPU     float64 `json:"cpu"` // fraction 0-1
	MaxCPU  int     `json:"maxcpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Disk    int64   `json:"disk"`
	MaxDisk int64   `json:"maxdisk"`
	Uptime  int64   `json:"uptime"`
}

// Guest is one VM or container as reported by the per-node listings.
type Guest struct {
	VMID     int     `json:"vmid"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	CPU      float64 `json:"cpu"` // fraction 0-1
	CPUs     int     `json:"cpus"`
	Mem      int64   `json:"mem"`
	MaxMem   int64   `json:"maxmem"`
	Disk     int64   `json:"disk"`
	MaxDisk  int64   `json:"maxdisk"`
	NetIn    int64   `json:"netin"`
	NetOut   int64   `json:"netout"`
	Uptime   int64   `json:"uptime"`
	Template IntBool `json:"template"`
}

// IntBool tolerates the API encoding booleans as 0/1 integers.
type IntBool bool

func (b *IntBool) UnmarshalJSON(data []byte) error {
	s := string(data)
	*b = s == "1" || s == "true" || s == `"1"`
	return nil
}

// TaskStatus is the state of an asynchronous endpoint task (UPID).
type TaskStatus struct {
	UPID       string `json:"upid"`
	Node       string `json:"node"`
	Status     string `json:"status"` // running, stopped
	ExitStatus string `json:"exitstatus,omitempty"`
	Type       string `json:"type"`
}

// Finished reports whether the task has terminated.
func (t *TaskStatus) Finished() bool {
	return t.Status == "stopped"
}

// OK reports whether a finished task succeeded.
func (t *TaskStatus) OK() bool {
	return t.ExitStatus == "OK"
}

// PowerAction is a guest lifecycle action.
type PowerAction string

const (
	PowerStart    PowerAction = "start"
	PowerStop     PowerAction = "stop"
	PowerShutdown PowerAction = "shutdown"
	PowerReboot   PowerAction = "reboot"
	PowerSuspend  PowerAction = "suspend"
	PowerResume   PowerAction = "resume"
)

// ValidPowerAction reports whether the string names a known power action.
func ValidPowerAction(s string) bool {
	switch PowerAction(s) {
	case PowerStart, PowerStop, PowerShutdown, PowerReboot, PowerSuspend, PowerResume:
		return true
	}
	return false
}

// GetVersion fetches the endpoint version. Cheap; used for connectivity tests.
func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	var resp apiResponse[VersionInfo]
	if err := c.getJSON(ctx, "/version", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetNodes lists cluster members with their resource usage.
func (c *Client) GetNodes(ctx context.Context) ([]Node, error) {
	var resp apiResponse[[]Node]
	if err := c.getJSON(ctx, "/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetVMs lists QEMU virtual machines on a node.
func (c *Client) GetVMs(ctx context.Context, node string) ([]Guest, error) {
	var resp apiResponse[[]Guest]
	if err := c.getJSON(ctx, "/nodes/"+url.PathEscape(node)+"/qemu", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetContainers lists LXC containers on a node.
func (c *Client) GetContainers(ctx context.Context, node string) ([]Guest, error) {
	var resp apiResponse[[]Guest]
	if err := c.getJSON(ctx, "/nodes/"+url.PathEscape(node)+"/lxc", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// DoPowerAction issues a power action against a guest and returns the task UPID.
func (c *Client) DoPowerAction(ctx context.Context, node string, vmid int, kind string, action PowerAction) (string, error) {
	path := fmt.Sprintf("/nodes/%s/%s/%d/status/%s", url.PathEscape(node), url.PathEscape(kind), vmid, action)
	var resp apiResponse[string]
	if err := c.postJSON(ctx, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Data, nil
}

// ExecCommand runs a shell command inside a QEMU guest via the guest agent
// and returns the agent PID. Containers have no agent channel; callers are
// expected to reject them before getting here.
func (c *Client) ExecCommand(ctx context.Context, node string, vmid int, command string) (int, error) {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/agent/exec", url.PathEscape(node), vmid)
	params := url.Values{"command": {command}}

	var resp apiResponse[struct {
		PID int `json:"pid"`
	}]
	if err := c.postJSON(ctx, path, params, &resp); err != nil {
		return 0, err
	}
	return resp.Data.PID, nil
}

// ExecStatus is the result of a guest-agent command.
type ExecStatus struct {
	Exited   IntBool `json:"exited"`
	ExitCode int     `json:"exitcode"`
	OutData  string  `json:"out-data,omitempty"`
	ErrData  string  `json:"err-data,omitempty"`
}

// GetExecStatus fetches the status of a guest-agent command by PID.
func (c *Client) GetExecStatus(ctx context.Context, node string, vmid, pid int) (*ExecStatus, error) {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/agent/exec-status", url.PathEscape(node), vmid)
	params := url.Values{"pid": {strconv.Itoa(pid)}}

	var resp apiResponse[ExecStatus]
	if err := c.getJSON(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CreateBackup starts a vzdump backup for one guest and returns the task UPID.
func (c *Client) CreateBackup(ctx context.Context, node string, vmid int, storage string) (string, error) {
	params := url.Values{
		"vmid": {strconv.Itoa(vmid)},
		"mode": {"snapshot"},
	}
	if storage != "" {
		params.Set("storage", storage)
	}

	var resp apiResponse[string]
	if err := c.postJSON(ctx, "/nodes/"+url.PathEscape(node)+"/vzdump", params, &resp); err != nil {
		return "", err
	}
	return resp.Data, nil
}

// GetTaskStatus fetches the status of an asynchronous task.
func (c *Client) GetTaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error) {
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	var resp apiResponse[TaskStatus]
	if err := c.getJSON(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// WaitForTask polls a task until it finishes or the context expires.
func (c *Client) WaitForTask(ctx context.Context, node, upid string, interval time.Duration) (*TaskStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetTaskStatus(ctx, node, upid)
		if err != nil {
			return nil, err
		}
		if status.Finished() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
