package orchestrator_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/config"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/executor"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/inventory"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/maintenance"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/orchestrator"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/power"
)

var _ = Describe("Upgrade orchestrator", func() {
	var (
		cfg         *config.Config
		registry    *fakeRegistry
		powerCtrl   *fakePower
		bootConfig  *fakeBootConfig
		maint       *fakeMaintenance
		upgrader    *fakeExecutor
		pkgPresent  bool
		rebootCalls int
		rebootErr   error
	)

	newOrchestrator := func() *orchestrator.Orchestrator {
		return orchestrator.New(cfg, orchestrator.Collaborators{
			Registry:       registry,
			Power:          powerCtrl,
			BootConfig:     bootConfig,
			Maintenance:    maint,
			Executor:       upgrader,
			PackagePresent: func(path string) bool { return pkgPresent },
			Reboot: func(ctx context.Context) error {
				rebootCalls++
				return rebootErr
			},
		})
	}

	BeforeEach(func() {
		cfg = config.NewDefault()
		cfg.PackageDir = "/vmfs/volumes/datastore1/upgrade"
		registry = &fakeRegistry{powerStates: map[string]inventory.PowerState{}}
		powerCtrl = &fakePower{
			stopOutcomes:  map[string]power.StopOutcome{},
			startOutcomes: map[string]power.StartOutcome{},
		}
		bootConfig = &fakeBootConfig{enableErrs: map[string]error{}}
		maint = &fakeMaintenance{}
		upgrader = &fakeExecutor{outcome: executor.SucceededRebootRequired}
		pkgPresent = true
		rebootCalls = 0
		rebootErr = nil
	})

	Context("scenario A: two running workloads, upgrade succeeds with reboot required", func() {
		BeforeEach(func() {
			registry.workloads = []inventory.Workload{{ID: "1", Name: "web"}, {ID: "2", Name: "db"}}
			registry.powerStates["1"] = inventory.PowerRunning
			registry.powerStates["2"] = inventory.PowerRunning
		})

		It("commits and hands workload recovery to autostart", func() {
			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.Committed))
			Expect(result.ExitCode()).To(Equal(0))
			Expect(powerCtrl.stopped).To(Equal([]string{"1", "2"}))
			Expect(powerCtrl.started).To(BeEmpty(), "commit path must not start workloads")
			Expect(maint.enterCalls).To(Equal(1))
			Expect(maint.exitCalls).To(Equal(1))
			Expect(rebootCalls).To(Equal(1))
			Expect(upgrader.calls).To(Equal(1))
			Expect(upgrader.depot).To(Equal(filepath.Join(cfg.PackageDir, cfg.PackageFilename)))
			Expect(upgrader.profile).To(Equal(cfg.Profile))
		})

		It("marks autostart before stopping, in snapshot order", func() {
			newOrchestrator().Run(context.TODO())

			Expect(bootConfig.enabledIDs).To(Equal([]string{"1", "2"}))
			Expect(bootConfig.enabledOrder).To(Equal([]int{1, 2}))
			Expect(bootConfig.systemCalls).To(Equal(1))
			Expect(bootConfig.sshCalls).To(Equal(1))
		})

		It("reports degraded when one autostart enable fails but still commits", func() {
			bootConfig.enableErrs["2"] = errors.New("exit status 1")

			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.Committed))
			Expect(result.Degraded).To(BeTrue())
		})
	})

	Context("scenario B: upgrade reports failure", func() {
		BeforeEach(func() {
			registry.workloads = []inventory.Workload{{ID: "4", Name: "legacy"}}
			registry.powerStates["4"] = inventory.PowerRunning
			upgrader.outcome = executor.Failed
		})

		It("rolls back and restores the stopped workload", func() {
			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.RolledBack))
			Expect(result.ExitCode()).To(Equal(2))
			Expect(maint.exitCalls).To(Equal(1))
			Expect(powerCtrl.started).To(Equal([]string{"4"}))
			Expect(rebootCalls).To(BeZero())
		})
	})

	Context("scenario C: maintenance mode never confirms", func() {
		BeforeEach(func() {
			registry.workloads = []inventory.Workload{{ID: "1", Name: "web"}}
			registry.powerStates["1"] = inventory.PowerStopped
			maint.enterOutcome = maintenance.TimedOut
		})

		It("rolls back with an empty snapshot and no start calls", func() {
			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.RolledBack))
			Expect(result.ExitCode()).To(Equal(2))
			Expect(powerCtrl.stopped).To(BeEmpty())
			Expect(powerCtrl.started).To(BeEmpty())
			Expect(upgrader.calls).To(BeZero(), "upgrade must not run without confirmed maintenance mode")
		})

		It("treats a failed enable request the same way", func() {
			maint.enterOutcome = maintenance.RequestFailed

			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.RolledBack))
			Expect(upgrader.calls).To(BeZero())
		})
	})

	Context("scenario D: package missing", func() {
		BeforeEach(func() {
			pkgPresent = false
			registry.workloads = []inventory.Workload{{ID: "1", Name: "web"}}
			registry.powerStates["1"] = inventory.PowerRunning
		})

		It("aborts without touching the host", func() {
			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.Aborted))
			Expect(result.ExitCode()).To(Equal(1))
			Expect(registry.listCalls).To(BeZero())
			Expect(powerCtrl.stopped).To(BeEmpty())
			Expect(bootConfig.systemCalls).To(BeZero())
			Expect(bootConfig.sshCalls).To(BeZero())
			Expect(maint.enterCalls).To(BeZero())
			Expect(upgrader.calls).To(BeZero())
			Expect(rebootCalls).To(BeZero())
		})
	})

	Context("snapshot discipline", func() {
		BeforeEach(func() {
			registry.workloads = []inventory.Workload{
				{ID: "1", Name: "running"},
				{ID: "2", Name: "parked"},
				{ID: "3", Name: "template"},
			}
			registry.powerStates["1"] = inventory.PowerRunning
			upgrader.outcome = executor.Failed
		})

		It("never issues power calls to workloads that were not running", func() {
			newOrchestrator().Run(context.TODO())

			Expect(powerCtrl.stopped).To(Equal([]string{"1"}))
			Expect(powerCtrl.started).To(Equal([]string{"1"}))
			Expect(bootConfig.enabledIDs).To(Equal([]string{"1"}))
		})
	})

	Context("quiescing fails", func() {
		BeforeEach(func() {
			registry.workloads = []inventory.Workload{{ID: "1", Name: "web"}, {ID: "2", Name: "stuck"}}
			registry.powerStates["1"] = inventory.PowerRunning
			registry.powerStates["2"] = inventory.PowerRunning
			powerCtrl.stopOutcomes["2"] = power.StopFailed
		})

		It("rolls back without entering maintenance mode", func() {
			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.RolledBack))
			Expect(result.Reason).To(ContainSubstring("could not quiesce"))
			Expect(maint.enterCalls).To(BeZero(), "maintenance mode must not be entered with a running workload")
			Expect(upgrader.calls).To(BeZero())
		})

		It("attempts to restore every snapshot member despite start failures", func() {
			powerCtrl.startOutcomes["1"] = power.StartFailed

			newOrchestrator().Run(context.TODO())

			Expect(powerCtrl.started).To(Equal([]string{"1", "2"}))
		})
	})

	Context("upgrade transaction cannot be launched", func() {
		BeforeEach(func() {
			registry.workloads = []inventory.Workload{{ID: "1", Name: "web"}}
			registry.powerStates["1"] = inventory.PowerRunning
			upgrader.err = &executor.ExecutionError{Err: errors.New("no space left on device")}
		})

		It("rolls back and exits maintenance mode", func() {
			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.RolledBack))
			Expect(maint.exitCalls).To(Equal(1))
			Expect(powerCtrl.started).To(Equal([]string{"1"}))
			Expect(rebootCalls).To(BeZero())
		})
	})

	DescribeTable("only a full success with reboot required commits",
		func(outcome executor.Outcome, want orchestrator.Disposition) {
			registry.workloads = []inventory.Workload{{ID: "1", Name: "web"}}
			registry.powerStates["1"] = inventory.PowerRunning
			upgrader.outcome = outcome

			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(want))
			Expect(upgrader.calls).To(Equal(1), "the transaction runs at most once on every path")
		},
		Entry("reboot required", executor.SucceededRebootRequired, orchestrator.Committed),
		Entry("success without reboot still rolls back", executor.SucceededNoReboot, orchestrator.RolledBack),
		Entry("failed", executor.Failed, orchestrator.RolledBack),
		Entry("indeterminate", executor.Indeterminate, orchestrator.RolledBack),
	)

	Context("host state cannot be trusted", func() {
		It("halts on enumeration failure before any power mutation", func() {
			registry.listErr = &inventory.QueryError{Op: "getallvms", Err: errors.New("exit status 1")}

			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.QueryFailed))
			Expect(result.ExitCode()).To(Equal(3))
			Expect(powerCtrl.stopped).To(BeEmpty())
			Expect(maint.enterCalls).To(BeZero())
		})

		It("halts on a power-state read failure during snapshotting", func() {
			registry.workloads = []inventory.Workload{{ID: "1", Name: "web"}}
			registry.powerErr = errors.New("exit status 1")

			result := newOrchestrator().Run(context.TODO())

			Expect(result.Disposition).To(Equal(orchestrator.QueryFailed))
			Expect(powerCtrl.stopped).To(BeEmpty())
		})
	})
})
