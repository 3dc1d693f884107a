// Package maintenance enters and exits the host's exclusive maintenance
// mode. Entry is confirmed by polling the reported state rather than trusting
// the enable request: the host acknowledges the request while the transition
// is still pending, and the upgrade transaction must only ever run against a
// confirmed Enabled state.
package maintenance

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/hostcli"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/poll"
)

type EnterOutcome string

const (
	Entered EnterOutcome = "entered"
	// TimedOut means the enable request was accepted but confirmation never
	// arrived within the budget.
	TimedOut EnterOutcome = "timed-out"
	// RequestFailed means the enable request itself errored, typically
	// because a workload is still running.
	RequestFailed EnterOutcome = "request-failed"
)

type ExitOutcome string

const (
	Exited     ExitOutcome = "exited"
	ExitFailed ExitOutcome = "exit-failed"
)

// exitConfirmAttempts bounds the short post-exit confirmation poll.
const (
	exitConfirmAttempts = 5
	exitConfirmInterval = time.Second
)

// Controller drives the host maintenance-mode state through esxcli.
type Controller struct {
	runner       hostcli.Runner
	timeout      time.Duration
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

func NewController(runner hostcli.Runner, timeout, pollInterval time.Duration) *Controller {
	return &Controller{
		runner:       runner,
		timeout:      timeout,
		pollInterval: pollInterval,
		log:          zap.S().Named("maintenance"),
	}
}

// Enter issues the enable request once and polls the reported state until
// Enabled or the deadline. TimedOut and RequestFailed are logged distinctly
// for diagnosis but neither permits proceeding with the upgrade.
func (c *Controller) Enter(ctx context.Context) EnterOutcome {
	c.log.Infof("requesting maintenance mode, confirmation budget %s", c.timeout)
	if output, err := c.runner.Run(ctx, "esxcli", "system", "maintenanceMode", "set", "--enable", "true"); err != nil {
		c.log.Errorf("maintenance mode enable request failed: %v (output: %s)", err, strings.TrimSpace(output))
		return RequestFailed
	}

	err := poll.Until(ctx, c.pollInterval, c.timeout, func(ctx context.Context) (bool, error) {
		return c.state(ctx) == "Enabled", nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrDeadlineExceeded) {
			c.log.Errorf("maintenance mode not confirmed within %s", c.timeout)
		} else {
			c.log.Errorf("maintenance mode confirmation interrupted: %v", err)
		}
		return TimedOut
	}
	c.log.Info("host is in maintenance mode")
	return Entered
}

// Exit issues the disable request and briefly confirms it. Best-effort on
// both the commit and rollback paths; a failure here never blocks re-powering
// workloads.
func (c *Controller) Exit(ctx context.Context) ExitOutcome {
	c.log.Info("exiting maintenance mode")
	if output, err := c.runner.Run(ctx, "esxcli", "system", "maintenanceMode", "set", "--enable", "false"); err != nil {
		c.log.Errorf("maintenance mode disable request failed: %v (output: %s)", err, strings.TrimSpace(output))
		return ExitFailed
	}

	err := poll.Until(ctx, exitConfirmInterval, exitConfirmAttempts*exitConfirmInterval, func(ctx context.Context) (bool, error) {
		return c.state(ctx) == "Disabled", nil
	})
	if err != nil {
		c.log.Warn("host did not report maintenance mode disabled after exit request")
		return ExitFailed
	}
	c.log.Info("host is out of maintenance mode")
	return Exited
}

// state reads the current reported state, "Enabled" or "Disabled". Query
// failures during a confirmation poll count as not-yet-confirmed rather than
// terminal and map to "".
func (c *Controller) state(ctx context.Context) string {
	output, err := c.runner.Run(ctx, "esxcli", "system", "maintenanceMode", "get")
	if err != nil {
		c.log.Debugf("maintenance mode query failed: %v", err)
		return ""
	}
	return strings.TrimSpace(output)
}
