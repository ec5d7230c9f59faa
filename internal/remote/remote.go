// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package remote routes command execution to the node owning a target:
// the local host runs commands directly, any other cluster node is reached
// over SSH. Node names resolve to addresses through a fixed fallback chain.
package remote

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"lxcup/internal/cluster"
	"lxcup/internal/command"
	"lxcup/internal/constants"
)

// Resolver turns a cluster node name into a dialable address. The chain is
// tried in order, each step exactly once:
//
//  1. the name is already a literal IP
//  2. the corosync membership configuration lists a ring0 address for it
//  3. the cluster status listing reports an IP for it
//  4. the name itself is used as a hostname
//
// Step 4 always succeeds, so resolution is total.
type Resolver struct {
	Cluster *cluster.Client

	// ReadFile is swappable for tests; defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// NewResolver returns a Resolver backed by the given cluster client.
func NewResolver(c *cluster.Client) *Resolver {
	return &Resolver{Cluster: c, ReadFile: os.ReadFile}
}

// Resolve returns the address to dial for node.
func (r *Resolver) Resolve(ctx context.Context, node string) string {
	if net.ParseIP(node) != nil {
		return node
	}
	if ip := r.corosyncAddress(node); ip != "" {
		return ip
	}
	if ip := r.clusterAddress(ctx, node); ip != "" {
		return ip
	}
	return node
}

// corosyncAddress scans the corosync nodelist for the node's ring0 address.
// The file is only present on clustered hosts; absence just skips the step.
func (r *Resolver) corosyncAddress(node string) string {
	readFile := r.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	data, err := readFile(constants.CorosyncConfPath)
	if err != nil {
		return ""
	}

	var inBlock bool
	var name, addr string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "node {"):
			inBlock, name, addr = true, "", ""
		case inBlock && line == "}":
			if name == node && addr != "" {
				return addr
			}
			inBlock = false
		case inBlock && strings.HasPrefix(line, "name:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "name:"))
		case inBlock && strings.HasPrefix(line, "ring0_addr:"):
			addr = strings.TrimSpace(strings.TrimPrefix(line, "ring0_addr:"))
		}
	}
	return ""
}

// clusterAddress asks the cluster status listing for the node's IP.
func (r *Resolver) clusterAddress(ctx context.Context, node string) string {
	if r.Cluster == nil {
		return ""
	}
	entries, err := r.Cluster.Status(ctx)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.Type == "node" && e.Name == node {
			return e.IP
		}
	}
	return ""
}

// Router hands out one Runner per node and caches it, so the local/remote
// decision is made once per target and reused across every phase.
type Router struct {
	LocalHost string
	Local     command.Runner
	Resolver  *Resolver
	Log       *zap.Logger

	// Dial builds the remote runner for an address; swappable for tests.
	Dial func(addr string) command.Runner

	// mu guards cache: plan building reads every target concurrently,
	// so RunnerFor must be safe to call from multiple goroutines.
	mu    sync.Mutex
	cache map[string]command.Runner
}

// NewRouter returns a Router executing locally for localHost and over SSH
// (as sshUser, optionally authenticating with the key at keyPath) elsewhere.
func NewRouter(localHost string, resolver *Resolver, sshUser, keyPath string, log *zap.Logger) *Router {
	return &Router{
		LocalHost: localHost,
		Local:     command.Local{},
		Resolver:  resolver,
		Log:       log,
		Dial: func(addr string) command.Runner {
			return NewSSHRunner(addr, sshUser, keyPath)
		},
		cache: make(map[string]command.Runner),
	}
}

// RunnerFor returns the Runner for commands that must execute on node.
// Safe for concurrent use; each remote node is resolved and dialed once.
func (rt *Router) RunnerFor(ctx context.Context, node string) command.Runner {
	if node == "" || node == rt.LocalHost {
		return rt.Local
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if r, ok := rt.cache[node]; ok {
		return r
	}
	addr := rt.Resolver.Resolve(ctx, node)
	if rt.Log != nil {
		rt.Log.Debug("routing to remote node", zap.String("node", node), zap.String("address", addr))
	}
	r := rt.Dial(addr)
	if rt.cache == nil {
		rt.cache = make(map[string]command.Runner)
	}
	rt.cache[node] = r
	return r
}
