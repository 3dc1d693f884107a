// Package power transitions workloads between running and stopped. Stops are
// tools-aware: a guest with running tools gets one graceful shutdown attempt
// bounded by a deadline, then exactly one forced power-off. Guests without
// usable tools are forced immediately.
package power

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/hostcli"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/inventory"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/poll"
)

type StopOutcome string

const (
	GracefulStopped StopOutcome = "graceful-stopped"
	ForcedStopped   StopOutcome = "forced-stopped"
	StopFailed      StopOutcome = "stop-failed"
)

type StartOutcome string

const (
	Started     StartOutcome = "started"
	StartFailed StartOutcome = "start-failed"
)

// StateReader is the subset of the workload registry the controller needs to
// confirm power transitions.
type StateReader interface {
	PowerState(ctx context.Context, w inventory.Workload) (inventory.PowerState, error)
	ToolsState(ctx context.Context, w inventory.Workload) (inventory.ToolsState, error)
}

// Controller drives workload power transitions through vim-cmd.
type Controller struct {
	runner          hostcli.Runner
	registry        StateReader
	shutdownTimeout time.Duration
	pollInterval    time.Duration
	log             *zap.SugaredLogger
}

func NewController(runner hostcli.Runner, registry StateReader, shutdownTimeout, pollInterval time.Duration) *Controller {
	return &Controller{
		runner:          runner,
		registry:        registry,
		shutdownTimeout: shutdownTimeout,
		pollInterval:    pollInterval,
		log:             zap.S().Named("power"),
	}
}

// Stop brings a workload to a stopped state. Tools state is re-read at call
// time, never taken from an earlier enumeration. A hung guest can delay the
// run by at most shutdownTimeout before the forced fallback fires.
func (c *Controller) Stop(ctx context.Context, w inventory.Workload) StopOutcome {
	tools, err := c.registry.ToolsState(ctx, w)
	if err != nil {
		c.log.Warnf("vm %s: tools state unreadable, forcing power-off: %v", w.ID, err)
		tools = inventory.ToolsUnknown
	}

	if tools == inventory.ToolsRunning {
		if c.shutdownGracefully(ctx, w) {
			return GracefulStopped
		}
		c.log.Warnf("vm %s: graceful shutdown did not confirm within %s, forcing power-off", w.ID, c.shutdownTimeout)
	} else {
		c.log.Infof("vm %s: tools %s, skipping graceful shutdown", w.ID, tools)
	}

	if output, err := c.runner.Run(ctx, "vim-cmd", "vmsvc/power.off", w.ID); err != nil {
		c.log.Warnf("vm %s: power.off: %v (output: %s)", w.ID, err, output)
	}

	// The off command reports success optimistically; trust only a re-query.
	state, err := c.registry.PowerState(ctx, w)
	if err == nil && state != inventory.PowerRunning {
		return ForcedStopped
	}
	c.log.Errorf("vm %s: still not stopped after forced power-off", w.ID)
	return StopFailed
}

// Start powers a workload back on. Best-effort: it does not wait for the
// guest to boot, only for the command to be accepted.
func (c *Controller) Start(ctx context.Context, w inventory.Workload) StartOutcome {
	output, err := c.runner.Run(ctx, "vim-cmd", "vmsvc/power.on", w.ID)
	if err != nil {
		c.log.Errorf("vm %s: power.on: %v (output: %s)", w.ID, err, output)
		return StartFailed
	}
	c.log.Infof("vm %s: powered on", w.ID)
	return Started
}

func (c *Controller) shutdownGracefully(ctx context.Context, w inventory.Workload) bool {
	c.log.Infof("vm %s: requesting graceful shutdown", w.ID)
	if output, err := c.runner.Run(ctx, "vim-cmd", "vmsvc/power.shutdown", w.ID); err != nil {
		c.log.Warnf("vm %s: power.shutdown: %v (output: %s)", w.ID, err, output)
		return false
	}

	err := poll.Until(ctx, c.pollInterval, c.shutdownTimeout, func(ctx context.Context) (bool, error) {
		state, err := c.registry.PowerState(ctx, w)
		if err != nil {
			// Transient query failures keep the poll alive; the deadline
			// still bounds the wait.
			return false, nil
		}
		return state != inventory.PowerRunning, nil
	})
	if err != nil {
		if !errors.Is(err, poll.ErrDeadlineExceeded) {
			c.log.Warnf("vm %s: shutdown wait: %v", w.ID, err)
		}
		return false
	}
	c.log.Infof("vm %s: gracefully stopped", w.ID)
	return true
}
