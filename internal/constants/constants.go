// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package constants

import "time"

// Debian release coordinates for the upgrade.
const (
	OldRelease        = "bookworm"
	GoalRelease       = "trixie"
	OldVersionPrefix  = "12"
	GoalVersionPrefix = "13"
)

// Paths on the Proxmox node and inside containers.
const (
	CorosyncConfPath   = "/etc/pve/corosync.conf"
	LXCConfDir         = "/etc/pve/lxc"
	DebianVersionPath  = "/etc/debian_version"
	AptSourcesPath     = "/etc/apt/sources.list"
	AptSourcesDir      = "/etc/apt/sources.list.d"
	CustomProfilePath  = "/etc/apparmor.d/lxc-lxcup-default"
	CustomProfileName  = "lxc-lxcup-default"
	UnconfinedProfile  = "unconfined"
	AppArmorProfileKey = "lxc.apparmor.profile"
)

// Default configuration values.
const (
	DefaultPool          = "upgrade"
	DefaultBackupStorage = "local"
	DefaultSecurityMode  = "unconfined"
	DefaultSSHUser       = "root"
	DefaultSSHPort       = 22
	DefaultLogDir        = "/var/log/lxcup"
	DefaultAuditDBPath   = "lxcup-audit.db"
)

// Host tools that must be present before any discovery runs.
var RequiredTools = []string{"pvesh", "pct", "vzdump"}

// Timing defaults for polling and pacing.
const (
	SSHDialTimeout   = 10 * time.Second
	AptWaitCeiling   = 30 * time.Minute
	AptWaitInterval  = 15 * time.Second
	InterTargetPause = 10 * time.Second
)
