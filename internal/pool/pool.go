// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package pool resolves the named resource pool into the list of upgrade
// targets, keeping only LXC members.
package pool

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lxcup/internal/cluster"
)

// Target describes one container to upgrade. Node determines whether later
// phases run locally or over the remote channel; that routing is decided
// once per target and reused everywhere.
type Target struct {
	CTID int
	Name string
	Node string
}

// Resolve returns the pool's container members. VM members are logged and
// excluded; storage members are not guests and are ignored. An empty result
// is not an error; the caller decides whether that is fatal.
func Resolve(ctx context.Context, c *cluster.Client, poolName string, log *zap.Logger) ([]Target, error) {
	p, err := c.Pool(ctx, poolName)
	if err != nil {
		return nil, err
	}

	var targets []Target
	for _, m := range p.Members {
		switch m.Type {
		case "lxc":
			targets = append(targets, Target{CTID: m.VMID, Name: m.Name, Node: m.Node})
		case "qemu":
			log.Warn("skipping pool member: not a container",
				zap.Int("vmid", m.VMID), zap.String("name", m.Name), zap.String("type", m.Type))
		}
	}
	return targets, nil
}

// ResolveCTIDs maps explicitly requested container IDs onto their cluster
// resource rows. A CTID that does not exist, or that names a VM, is a usage
// error.
func ResolveCTIDs(ctx context.Context, c *cluster.Client, ctids []int) ([]Target, error) {
	resources, err := c.Resources(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving explicit targets: %w", err)
	}

	byID := make(map[int]cluster.Resource, len(resources))
	for _, r := range resources {
		byID[r.VMID] = r
	}

	targets := make([]Target, 0, len(ctids))
	for _, id := range ctids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("container %d not found in cluster", id)
		}
		if r.Type != "lxc" {
			return nil, fmt.Errorf("guest %d is %s, not a container", id, r.Type)
		}
		targets = append(targets, Target{CTID: id, Name: r.Name, Node: r.Node})
	}
	return targets, nil
}
