package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/config"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/hostcli"
	"github.com/allend2092/ESXi-Host-Upgrade/internal/orchestrator"
	"github.com/allend2092/ESXi-Host-Upgrade/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the upgrade",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewDefault()
		if configFile != "" {
			if err := cfg.ParseConfigFile(configFile); err != nil {
				return err
			}
		}
		if err := cfg.ParseEnv(); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logLvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			logLvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		logger := log.InitLog(logLvl)
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		o := orchestrator.NewOnHost(cfg, hostcli.NewShell())
		result := o.Run(context.Background())

		zap.S().Infof("run finished: %s (reason: %q, degraded: %v, exit code %d)",
			result.Disposition, result.Reason, result.Degraded, result.ExitCode())
		exitCode = result.ExitCode()
		return nil
	},
}
