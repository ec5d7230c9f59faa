// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package pool_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"lxcup/internal/cluster"
	"lxcup/internal/pool"
	"lxcup/internal/testutil"
)

var _ = Describe("Resolve", func() {
	var (
		ctx    context.Context
		runner *testutil.FakeRunner
		client *cluster.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		runner = &testutil.FakeRunner{}
		client = cluster.New(runner)
	})

	It("keeps container members and excludes VMs", func() {
		runner.StubJSON("/pools/PoolA", `{
			"poolid": "PoolA",
			"members": [
				{"id": "lxc/301", "type": "lxc", "vmid": 301, "name": "web", "node": "pve1"},
				{"id": "qemu/305", "type": "qemu", "vmid": 305, "name": "win", "node": "pve2"},
				{"id": "storage/local", "type": "storage", "node": "pve1"}
			]
		}`)

		targets, err := pool.Resolve(ctx, client, "PoolA", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(targets).To(HaveLen(1))
		Expect(targets[0].CTID).To(Equal(301))
		Expect(targets[0].Name).To(Equal("web"))
		Expect(targets[0].Node).To(Equal("pve1"))
	})

	It("returns an empty slice, not an error, for a pool without containers", func() {
		runner.StubJSON("/pools/empty", `{"poolid": "empty", "members": []}`)

		targets, err := pool.Resolve(ctx, client, "empty", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(targets).To(BeEmpty())
	})

	It("propagates pool-not-found", func() {
		runner.StubExit("pvesh get /pools/missing", 2, "no such pool")

		_, err := pool.Resolve(ctx, client, "missing", zap.NewNop())
		Expect(err).To(MatchError(cluster.ErrPoolNotFound))
	})
})

var _ = Describe("ResolveCTIDs", func() {
	var (
		ctx    context.Context
		runner *testutil.FakeRunner
		client *cluster.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		runner = &testutil.FakeRunner{}
		client = cluster.New(runner)
		runner.StubJSON("/cluster/resources", `[
			{"vmid": 301, "type": "lxc", "name": "web", "node": "pve1"},
			{"vmid": 305, "type": "qemu", "name": "win", "node": "pve2"}
		]`)
	})

	It("maps CTIDs onto their cluster rows", func() {
		targets, err := pool.ResolveCTIDs(ctx, client, []int{301})
		Expect(err).NotTo(HaveOccurred())
		Expect(targets).To(HaveLen(1))
		Expect(targets[0].Node).To(Equal("pve1"))
	})

	It("rejects unknown CTIDs", func() {
		_, err := pool.ResolveCTIDs(ctx, client, []int{999})
		Expect(err).To(MatchError(ContainSubstring("not found")))
	})

	It("rejects VM ids", func() {
		_, err := pool.ResolveCTIDs(ctx, client, []int{305})
		Expect(err).To(MatchError(ContainSubstring("not a container")))
	})
})
