// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lxcup/internal/apparmor"
	"lxcup/internal/constants"
)

// Config holds the complete run configuration. It is immutable after
// LoadConfig and passed explicitly into the orchestrator and driver.
type Config struct {
	Pool          string `mapstructure:"pool"`
	BackupStorage string `mapstructure:"backup-storage"`
	SecurityMode  string `mapstructure:"security-mode"`
	SkipBackup    bool   `mapstructure:"skip-backup"`
	DryRun        bool   `mapstructure:"dry-run"`
	Force         bool   `mapstructure:"force"`
	Verbose       bool   `mapstructure:"verbose"`

	SSHUser    string `mapstructure:"ssh-user"`
	SSHKeyPath string `mapstructure:"ssh-key"`

	LogDir       string `mapstructure:"log-dir"`
	AuditEnabled bool   `mapstructure:"audit"`
	AuditDBPath  string `mapstructure:"audit-db"`

	PauseSeconds   int `mapstructure:"pause"`
	AptWaitMinutes int `mapstructure:"apt-wait"`

	// Targets holds explicitly requested CTIDs from positional arguments;
	// empty means discover from the pool.
	Targets []int
}

// SetDefaults registers Viper defaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pool", constants.DefaultPool)
	v.SetDefault("backup-storage", constants.DefaultBackupStorage)
	v.SetDefault("security-mode", constants.DefaultSecurityMode)
	v.SetDefault("skip-backup", false)
	v.SetDefault("dry-run", false)
	v.SetDefault("force", false)
	v.SetDefault("verbose", false)
	v.SetDefault("ssh-user", constants.DefaultSSHUser)
	v.SetDefault("ssh-key", "")
	v.SetDefault("log-dir", constants.DefaultLogDir)
	v.SetDefault("audit", true)
	v.SetDefault("audit-db", constants.DefaultAuditDBPath)
	v.SetDefault("pause", int(constants.InterTargetPause.Seconds()))
	v.SetDefault("apt-wait", int(constants.AptWaitCeiling.Minutes()))
}

// BindFlags registers the upgrade command's flags.
func BindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("pool", "", "Resource pool to discover targets from")
	f.String("backup-storage", "", "Storage for pre-upgrade backups")
	f.String("security-mode", "", "AppArmor policy: unconfined or custom")
	f.Bool("skip-backup", false, "Skip the pre-upgrade backup (dangerous)")
	f.Bool("dry-run", false, "Show the plan without changing anything")
	f.Bool("force", false, "Do not ask for confirmation")
	f.String("ssh-user", "", "SSH user for remote cluster nodes")
	f.String("ssh-key", "", "SSH private key file for remote nodes")
	f.Int("pause", 0, "Pause between targets in seconds")
	f.Int("apt-wait", 0, "Package-manager idle-wait ceiling in minutes")
}

// LoadConfig loads configuration with the priority chain
// flags > env (LXCUP_ prefix) > config file > defaults.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetEnvPrefix("LXCUP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	for _, name := range []string{"pool", "backup-storage", "security-mode", "ssh-user", "ssh-key"} {
		bindStringIfSet(v, cmd, name)
	}
	for _, name := range []string{"skip-backup", "dry-run", "force"} {
		bindBoolIfSet(v, cmd, name)
	}
	for _, name := range []string{"pause", "apt-wait"} {
		bindIntIfSet(v, cmd, name)
	}

	// Persistent flags live on the root command.
	root := cmd.Root()
	bindStringIfSet(v, root, "log-dir")
	bindStringIfSet(v, root, "audit-db")
	bindBoolIfSet(v, root, "verbose")
	bindBoolIfSet(v, root, "audit")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if _, err := apparmor.ParseMode(cfg.SecurityMode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindStringIfSet(v *viper.Viper, cmd *cobra.Command, name string) {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		v.Set(name, f.Value.String())
	} else if f := cmd.PersistentFlags().Lookup(name); f != nil && f.Changed {
		v.Set(name, f.Value.String())
	}
}

func bindBoolIfSet(v *viper.Viper, cmd *cobra.Command, name string) {
	if cmd.Flags().Changed(name) {
		val, _ := cmd.Flags().GetBool(name)
		v.Set(name, val)
	} else if cmd.PersistentFlags().Changed(name) {
		val, _ := cmd.PersistentFlags().GetBool(name)
		v.Set(name, val)
	}
}

func bindIntIfSet(v *viper.Viper, cmd *cobra.Command, name string) {
	if cmd.Flags().Changed(name) {
		val, _ := cmd.Flags().GetInt(name)
		v.Set(name, val)
	}
}
