// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lxcup/internal/audit"
	"lxcup/internal/cluster"
	"lxcup/internal/command"
	"lxcup/internal/config"
	"lxcup/internal/constants"
	"lxcup/internal/logging"
	"lxcup/internal/orchestrate"
	"lxcup/internal/remote"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lxcup",
		Short: "Upgrade Debian LXC containers on Proxmox VE",
		Long: `Lxcup upgrades Debian ` + constants.OldRelease + ` LXC containers on a Proxmox VE
cluster to ` + constants.GoalRelease + `: pool-based discovery, snapshot backup, AppArmor
profile adjustment, the APT release upgrade, and post-upgrade verification,
with an aggregate summary and a recorded run history.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to YAML config file")
	pf.Bool("verbose", false, "Enable verbose output")
	pf.String("log-dir", "", "Directory for timestamped run logs")
	pf.Bool("audit", true, "Record run history in the audit database")
	pf.String("audit-db", "", "Path to the audit database")

	rootCmd.AddCommand(newUpgradeCmd(), newHistoryCmd())
	return rootCmd
}

func newUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade [CTID...]",
		Short: "Upgrade containers to " + constants.GoalRelease,
		Long: `Upgrade the given containers, or every LXC member of the configured pool
when no CTIDs are given. Each target is backed up, its AppArmor profile is
adjusted for the new release's systemd, the APT sources are rewritten, and
the release upgrade runs non-interactively.`,
		RunE: upgradeE,
	}
	config.BindFlags(cmd)
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent recorded runs",
		RunE:  historyE,
	}
	cmd.Flags().Int("limit", 10, "Number of runs to show")
	return cmd
}

// upgradeE is the main orchestration flow for the "upgrade" subcommand.
func upgradeE(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Targets, err = parseCTIDs(args)
	if err != nil {
		return err
	}

	log, logPath, err := logging.New(cfg.Verbose, cfg.LogDir)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync is best-effort
	log.Info("run log", zap.String("path", logPath))

	if err := cluster.CheckPrerequisites(); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	client := cluster.New(command.Local{})
	router := remote.NewRouter(hostname, remote.NewResolver(client), cfg.SSHUser, cfg.SSHKeyPath, log)

	var auditor audit.Auditor
	if cfg.AuditEnabled && !cfg.DryRun {
		a, err := audit.NewSQLiteAuditor(cfg.AuditDBPath)
		if err != nil {
			log.Warn("audit database unavailable; history disabled", zap.Error(err))
		} else {
			auditor = a
			defer a.Close()
		}
	}

	orch := &orchestrate.Orchestrator{
		Cfg:     cfg,
		Cluster: client,
		Router:  router,
		Log:     log,
		Auditor: auditor,
		LogPath: logPath,
		Out:     cmd.OutOrStdout(),
		In:      cmd.InOrStdin(),
	}

	summary, err := orch.Run(context.Background())
	if err != nil {
		return err
	}
	if summary.ExitCode() != 0 {
		_, failed, _ := summary.Counts()
		return fmt.Errorf("%d target(s) failed", failed)
	}
	return nil
}

// historyE lists recent runs from the audit database.
func historyE(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	auditor, err := audit.NewSQLiteAuditor(cfg.AuditDBPath)
	if err != nil {
		return err
	}
	defer auditor.Close()

	runs, err := auditor.RecentRuns(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded runs.")
		return nil
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-36s  %-10s  %-12s  %7s  %6s  %6s  %s\n",
		"RUN", "STATUS", "POOL", "TARGETS", "OK", "FAILED", "STARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-10s  %-12s  %7d  %6d  %6d  %s\n",
			r.RunID, r.Status, r.Pool, r.TargetCount, r.Succeeded, r.Failed, r.StartedAt)
	}
	return nil
}

// parseCTIDs converts positional arguments into container IDs.
func parseCTIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid container ID %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
