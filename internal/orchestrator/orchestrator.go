// Package orchestrator sequences the whole upgrade run as an explicit state
// machine: verify the package, quiesce workloads, enter maintenance mode, run
// the upgrade transaction, then commit to a reboot or roll the host back to
// its prior running state. The guiding invariant is that the host is never
// left both out of maintenance recovery and workload-less with a failed
// upgrade: every path that cannot reach commit goes through rollback.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/autostart"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/config"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/executor"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/hostcli"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/inventory"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/maintenance"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/power"
)

// State names one position in the run's state machine. Transitions are
// single-direction; there is no way back from a later state to an earlier
// one.
type State string

const (
	StateInit               State = "Init"
	StatePackageVerified    State = "PackageVerified"
	StateQuiesced           State = "Quiesced"
	StateMaintenanceEntered State = "MaintenanceEntered"
	StateUpgradeAttempted   State = "UpgradeAttempted"
	StateCommitting         State = "Committing"
	StateRollingBack        State = "RollingBack"
	StateDone               State = "Done"
)

// Disposition is the terminal branch a run ended on.
type Disposition string

const (
	// Committed means the upgrade succeeded with a reboot required and the
	// reboot was triggered.
	Committed Disposition = "committed"
	// RolledBack means a blocking failure occurred and the prior running
	// workload set was restored best-effort.
	RolledBack Disposition = "rolled-back"
	// Aborted means a precondition failed before any host mutation.
	Aborted Disposition = "aborted"
	// QueryFailed means live host state could not be trusted and the run
	// halted before mutating anything it could not restore.
	QueryFailed Disposition = "query-failed"
)

// Result describes how a run ended.
type Result struct {
	Disposition Disposition
	Reason      string
	// Degraded marks a run whose auto-resume guarantee is weaker than
	// intended because at least one autostart enable failed.
	Degraded bool
}

// ExitCode maps the terminal branch onto the process exit status.
func (r Result) ExitCode() int {
	switch r.Disposition {
	case Committed:
		return 0
	case Aborted:
		return 1
	case RolledBack:
		return 2
	default:
		return 3
	}
}

// Registry enumerates workloads and reads their live state.
type Registry interface {
	List(ctx context.Context) ([]inventory.Workload, error)
	PowerState(ctx context.Context, w inventory.Workload) (inventory.PowerState, error)
}

// PowerController stops and starts workloads.
type PowerController interface {
	Stop(ctx context.Context, w inventory.Workload) power.StopOutcome
	Start(ctx context.Context, w inventory.Workload) power.StartOutcome
}

// BootConfigurator writes persistent boot-time host configuration.
type BootConfigurator interface {
	EnableSystem(ctx context.Context) error
	EnableSSH(ctx context.Context) error
	Enable(ctx context.Context, w inventory.Workload, sequence int) error
}

// MaintenanceController enters and exits the host's exclusive maintenance
// mode.
type MaintenanceController interface {
	Enter(ctx context.Context) maintenance.EnterOutcome
	Exit(ctx context.Context) maintenance.ExitOutcome
}

// UpgradeExecutor runs the upgrade transaction once and classifies its
// report.
type UpgradeExecutor interface {
	Run(ctx context.Context, depotPath, profile string) (executor.Outcome, error)
}

// Collaborators bundles everything the orchestrator drives. Tests inject
// fakes; NewOnHost wires the real vim-cmd/esxcli implementations.
type Collaborators struct {
	Registry       Registry
	Power          PowerController
	BootConfig     BootConfigurator
	Maintenance    MaintenanceController
	Executor       UpgradeExecutor
	PackagePresent func(path string) bool
	Reboot         func(ctx context.Context) error
}

// Orchestrator owns one upgrade run. Not reusable: state and snapshot belong
// to a single Run invocation.
type Orchestrator struct {
	cfg    *config.Config
	collab Collaborators
	log    *zap.SugaredLogger
	runID  string

	state    State
	snapshot []inventory.Workload
	degraded bool
}

func New(cfg *config.Config, collab Collaborators) *Orchestrator {
	runID := uuid.NewString()
	return &Orchestrator{
		cfg:    cfg,
		collab: collab,
		log:    zap.S().Named("orchestrator").With("run", runID),
		runID:  runID,
		state:  StateInit,
	}
}

// NewOnHost builds an orchestrator wired to the local ESXi shell.
func NewOnHost(cfg *config.Config, runner hostcli.Runner) *Orchestrator {
	registry := inventory.NewRegistry(runner)
	return New(cfg, Collaborators{
		Registry:    registry,
		Power:       power.NewController(runner, registry, cfg.ShutdownTimeout.Duration, cfg.ShutdownPollInterval.Duration),
		BootConfig:  autostart.NewConfigurator(runner),
		Maintenance: maintenance.NewController(runner, cfg.MaintenanceTimeout.Duration, cfg.MaintenancePollInterval.Duration),
		Executor:    executor.NewExecutor(runner),
		PackagePresent: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		Reboot: func(ctx context.Context) error {
			return hostcli.Reboot(ctx, runner)
		},
	})
}

// Run executes the state machine to one of its terminal branches. It never
// returns an error: every failure mode is a named disposition with a reason,
// so the caller only maps the Result onto an exit code.
func (o *Orchestrator) Run(ctx context.Context) Result {
	o.log.Infof("starting upgrade run, configuration: %s", o.cfg)

	depot := filepath.Join(o.cfg.PackageDir, o.cfg.PackageFilename)
	if !o.collab.PackagePresent(depot) {
		o.log.Errorf("upgrade package %s not found, aborting before any host mutation", depot)
		o.transition(StateDone)
		return Result{Disposition: Aborted, Reason: fmt.Sprintf("upgrade package not found: %s", depot)}
	}
	o.log.Infof("upgrade package present: %s", depot)
	o.transition(StatePackageVerified)

	// Persistent host prep first: if the run dies later, SSH and autostart
	// are already set for the next boot.
	if err := o.collab.BootConfig.EnableSSH(ctx); err != nil {
		o.log.Warnf("could not enable ssh across reboot: %v", err)
	}
	if err := o.collab.BootConfig.EnableSystem(ctx); err != nil {
		o.log.Warnf("could not enable autostart manager, auto-resume is degraded: %v", err)
		o.degraded = true
	}

	if result, ok := o.quiesce(ctx); !ok {
		return result
	}
	o.transition(StateQuiesced)

	if outcome := o.collab.Maintenance.Enter(ctx); outcome != maintenance.Entered {
		return o.rollback(ctx, fmt.Sprintf("maintenance mode not confirmed (%s)", outcome))
	}
	o.transition(StateMaintenanceEntered)

	outcome, err := o.collab.Executor.Run(ctx, depot, o.cfg.Profile)
	o.transition(StateUpgradeAttempted)
	if err != nil {
		return o.rollback(ctx, err.Error())
	}

	if outcome == executor.SucceededRebootRequired {
		return o.commit(ctx)
	}
	return o.rollback(ctx, fmt.Sprintf("upgrade outcome %s does not permit reboot", outcome))
}

// quiesce snapshots the running workload set, then marks and stops each
// member in order. Autostart is applied before the stop so an interruption
// in between still leaves the workload set to resume on boot.
func (o *Orchestrator) quiesce(ctx context.Context) (Result, bool) {
	workloads, err := o.collab.Registry.List(ctx)
	if err != nil {
		o.log.Errorf("cannot enumerate workloads, host state untrustworthy: %v", err)
		o.transition(StateDone)
		return Result{Disposition: QueryFailed, Reason: err.Error()}, false
	}
	o.log.Infof("found %d registered workloads", len(workloads))

	for _, w := range workloads {
		state, err := o.collab.Registry.PowerState(ctx, w)
		if err != nil {
			o.log.Errorf("cannot read power state of vm %s: %v", w.ID, err)
			o.transition(StateDone)
			return Result{Disposition: QueryFailed, Reason: err.Error()}, false
		}
		if state == inventory.PowerRunning {
			o.snapshot = append(o.snapshot, w)
		}
	}
	for _, w := range o.snapshot {
		o.log.Infof("pre-upgrade snapshot: vm %s (%s) running", w.ID, w.Name)
	}

	for i, w := range o.snapshot {
		if err := o.collab.BootConfig.Enable(ctx, w, i+1); err != nil {
			o.log.Warnf("vm %s: autostart entry failed, auto-resume not guaranteed: %v", w.ID, err)
			o.degraded = true
		}
		if outcome := o.collab.Power.Stop(ctx, w); outcome == power.StopFailed {
			result := o.rollback(ctx, fmt.Sprintf("could not quiesce: vm %s would not stop", w.ID))
			return result, false
		}
	}
	return Result{}, true
}

// commit finishes a run whose upgrade reported success with a reboot
// required. Workloads are not restarted here; the autostart entries written
// during quiescing bring them back during the reboot.
func (o *Orchestrator) commit(ctx context.Context) Result {
	o.transition(StateCommitting)

	if outcome := o.collab.Maintenance.Exit(ctx); outcome != maintenance.Exited {
		o.log.Warnf("maintenance mode exit not confirmed before reboot (%s)", outcome)
	}
	if o.degraded {
		o.log.Warn("autostart configuration is degraded: verify workloads manually after the reboot")
	}

	o.log.Info("upgrade committed, triggering host reboot")
	if err := o.collab.Reboot(ctx); err != nil {
		o.log.Errorf("reboot trigger: %v", err)
	}
	o.transition(StateDone)
	return Result{Disposition: Committed, Degraded: o.degraded}
}

// rollback restores the prior running state as far as possible. Maintenance
// mode is exited first but a failure there does not block re-powering:
// restoring connectivity through the workloads outranks the maintenance
// flag. Every snapshot member gets a start attempt regardless of earlier
// failures.
func (o *Orchestrator) rollback(ctx context.Context, reason string) Result {
	o.transition(StateRollingBack)
	o.log.Errorf("rolling back: %s", reason)

	if outcome := o.collab.Maintenance.Exit(ctx); outcome != maintenance.Exited {
		o.log.Warnf("maintenance mode exit failed during rollback (%s), continuing to restore workloads", outcome)
	}

	restored := 0
	for _, w := range o.snapshot {
		if outcome := o.collab.Power.Start(ctx, w); outcome == power.Started {
			restored++
		} else {
			o.log.Errorf("vm %s: could not restore, manual start required", w.ID)
		}
	}
	o.log.Infof("rollback restored %d of %d workloads", restored, len(o.snapshot))

	o.transition(StateDone)
	return Result{Disposition: RolledBack, Reason: reason, Degraded: o.degraded}
}

func (o *Orchestrator) transition(next State) {
	o.log.Infof("state %s -> %s", o.state, next)
	o.state = next
}
