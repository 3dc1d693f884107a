// Package inventory enumerates the virtual machines registered on the host
// and reads their live power and tools state through vim-cmd. Nothing is
// cached: external state can change between steps, so callers re-query
// immediately before acting.
package inventory

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/hostcli"
)

// Workload is one VM registered on the host, identified by the numeric vmid
// vim-cmd assigns. The ID is opaque to this system.
type Workload struct {
	ID   string
	Name string
}

// PowerState is the coarse power state relevant to quiescing.
type PowerState string

const (
	PowerRunning PowerState = "running"
	PowerStopped PowerState = "stopped"
	PowerUnknown PowerState = "unknown"
)

// ToolsState reports whether in-guest tooling can service a graceful
// shutdown request.
type ToolsState string

const (
	ToolsRunning    ToolsState = "running"
	ToolsNotRunning ToolsState = "not-running"
	ToolsUnknown    ToolsState = "unknown"
)

// QueryError wraps a failed or malformed host-state query. The orchestrator
// treats it as fatal: without trustworthy state no further mutation is safe.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return "inventory query " + e.Op + ": " + e.Err.Error()
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Registry reads VM inventory and state from the host.
type Registry struct {
	runner hostcli.Runner
}

func NewRegistry(runner hostcli.Runner) *Registry {
	return &Registry{runner: runner}
}

// List enumerates all VMs registered on the host. The getallvms table has a
// header row and one row per VM whose first column is the numeric vmid;
// annotation rows wrap without a leading vmid and are skipped.
func (r *Registry) List(ctx context.Context) ([]Workload, error) {
	output, err := r.runner.Run(ctx, "vim-cmd", "vmsvc/getallvms")
	if err != nil {
		return nil, &QueryError{Op: "getallvms", Err: err}
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || !strings.Contains(lines[0], "Vmid") {
		return nil, &QueryError{Op: "getallvms", Err: errors.Errorf("unexpected output: %q", firstLine(output))}
	}

	var workloads []Workload
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 || !isDigits(fields[0]) {
			continue
		}
		workloads = append(workloads, Workload{ID: fields[0], Name: fields[1]})
	}
	return workloads, nil
}

// PowerState reads the current power state of a workload. A summary without
// a powerState line maps to PowerUnknown rather than an error.
func (r *Registry) PowerState(ctx context.Context, w Workload) (PowerState, error) {
	output, err := r.runner.Run(ctx, "vim-cmd", "vmsvc/get.summary", w.ID)
	if err != nil {
		return PowerUnknown, &QueryError{Op: "get.summary " + w.ID, Err: err}
	}

	switch types.VirtualMachinePowerState(parseQuotedField(output, "powerState")) {
	case types.VirtualMachinePowerStatePoweredOn:
		return PowerRunning, nil
	case types.VirtualMachinePowerStatePoweredOff, types.VirtualMachinePowerStateSuspended:
		return PowerStopped, nil
	default:
		return PowerUnknown, nil
	}
}

// ToolsState reads the current VMware Tools status of a workload. Only
// toolsOk and toolsOld count as running; anything else cannot service a
// graceful shutdown.
func (r *Registry) ToolsState(ctx context.Context, w Workload) (ToolsState, error) {
	output, err := r.runner.Run(ctx, "vim-cmd", "vmsvc/get.guest", w.ID)
	if err != nil {
		return ToolsUnknown, &QueryError{Op: "get.guest " + w.ID, Err: err}
	}

	switch types.VirtualMachineToolsStatus(parseQuotedField(output, "toolsStatus")) {
	case types.VirtualMachineToolsStatusToolsOk, types.VirtualMachineToolsStatusToolsOld:
		return ToolsRunning, nil
	case types.VirtualMachineToolsStatusToolsNotInstalled, types.VirtualMachineToolsStatusToolsNotRunning:
		return ToolsNotRunning, nil
	default:
		return ToolsUnknown, nil
	}
}

// parseQuotedField extracts the value of a `key = "value",` line from
// vim-cmd object dumps. Returns "" when the key is absent.
func parseQuotedField(output, key string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, key) {
			continue
		}
		_, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.TrimSuffix(value, ",")
		return strings.Trim(value, `"`)
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
