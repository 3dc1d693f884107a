// Package executor runs the upgrade transaction and classifies its textual
// report. The transaction is invoked at most once per run: retrying a
// partially applied profile update is unsafe, so every non-success shape is
// surfaced to the orchestrator instead of retried.
package executor

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/hostcli"
)

// Outcome is the structured classification of the upgrade report.
type Outcome string

const (
	SucceededRebootRequired Outcome = "succeeded-reboot-required"
	SucceededNoReboot       Outcome = "succeeded-no-reboot"
	Failed                  Outcome = "failed"
	// Indeterminate means the report matched no recognizable pattern. The
	// orchestrator must treat it as a failure: never commit on ambiguity.
	Indeterminate Outcome = "indeterminate"
)

// Markers esxcli prints in its profile-update report.
const (
	successMarker = "The update completed successfully"
	rebootMarker  = "Reboot Required: true"
)

// esxcli failure reports carry a bracketed error class tag, e.g.
// [InstallationError] or [NoMatchError].
var failureTagPattern = regexp.MustCompile(`\[[A-Za-z]+Error\]`)

// ExecutionError means the transaction could not be launched at all,
// distinct from a launched transaction that reported failure. It points at
// host state (package path, disk space) rather than the upgrade content.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return "upgrade transaction could not be launched: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Executor runs the esxcli software profile update.
type Executor struct {
	runner hostcli.Runner
	log    *zap.SugaredLogger
}

func NewExecutor(runner hostcli.Runner) *Executor {
	return &Executor{
		runner: runner,
		log:    zap.S().Named("executor"),
	}
}

// Run applies the profile from the depot at depotPath and classifies the
// captured report. The full report is logged verbatim so it survives in the
// run log regardless of classification.
func (e *Executor) Run(ctx context.Context, depotPath, profile string) (Outcome, error) {
	e.log.Infof("applying profile %s from %s", profile, depotPath)
	report, err := e.runner.Run(ctx, "esxcli", "software", "profile", "update", "-p", profile, "-d", depotPath)
	if err != nil && strings.TrimSpace(report) == "" {
		return Indeterminate, &ExecutionError{Err: errors.Wrap(err, "esxcli software profile update")}
	}
	e.log.Infof("upgrade report:\n%s", report)

	outcome := Classify(report)
	e.log.Infof("upgrade outcome: %s", outcome)
	return outcome, nil
}

// Classify maps the raw textual report onto an Outcome.
func Classify(report string) Outcome {
	switch {
	case strings.Contains(report, successMarker) && strings.Contains(report, rebootMarker):
		return SucceededRebootRequired
	case strings.Contains(report, successMarker):
		return SucceededNoReboot
	case failureTagPattern.MatchString(report) || strings.Contains(report, "update failed"):
		return Failed
	default:
		return Indeterminate
	}
}
