// Package autostart manages the persistent boot-time host configuration that
// lets the host recover on its own after the upgrade reboot: per-VM autostart
// entries and SSH availability. All of it survives the reboot, which is the
// whole point — the orchestrating process does not.
package autostart

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/hostcli"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/inventory"
)

// Configurator writes boot-time configuration through vim-cmd hostsvc.
type Configurator struct {
	runner hostcli.Runner
	log    *zap.SugaredLogger
}

func NewConfigurator(runner hostcli.Runner) *Configurator {
	return &Configurator{
		runner: runner,
		log:    zap.S().Named("autostart"),
	}
}

// EnableSystem turns on the host's autostart manager. Without it the per-VM
// entries are inert. Idempotent.
func (c *Configurator) EnableSystem(ctx context.Context) error {
	output, err := c.runner.Run(ctx, "vim-cmd", "hostsvc/autostartmanager/enable_autostart", "1")
	if err != nil {
		return errors.Wrapf(err, "enable_autostart (output: %s)", output)
	}
	c.log.Info("autostart manager enabled")
	return nil
}

// EnableSSH makes SSH come up with the host so the operator can reach it
// after the reboot even if every VM fails to resume. Idempotent.
func (c *Configurator) EnableSSH(ctx context.Context) error {
	output, err := c.runner.Run(ctx, "vim-cmd", "hostsvc/enable_ssh")
	if err != nil {
		return errors.Wrapf(err, "enable_ssh (output: %s)", output)
	}
	c.log.Info("ssh enabled across reboot")
	return nil
}

// Enable marks one workload to power on automatically after boot, in the
// given start sequence position. Re-applying an existing entry is a no-op
// success on the host side.
func (c *Configurator) Enable(ctx context.Context, w inventory.Workload, sequence int) error {
	output, err := c.runner.Run(ctx, "vim-cmd", "hostsvc/autostartmanager/update_autostartentry",
		w.ID, "PowerOn", "15", strconv.Itoa(sequence), "systemDefault", "systemDefault", "systemDefault")
	if err != nil {
		return errors.Wrapf(err, "update_autostartentry %s (output: %s)", w.ID, output)
	}
	c.log.Infof("vm %s: autostart entry set, sequence %d", w.ID, sequence)
	return nil
}
