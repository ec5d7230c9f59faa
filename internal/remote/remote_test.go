// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package remote_test

import (
	"context"
	"errors"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"lxcup/internal/cluster"
	"lxcup/internal/command"
	"lxcup/internal/remote"
	"lxcup/internal/testutil"
)

const corosyncConf = `totem {
  cluster_name: homelab
  version: 2
}

nodelist {
  node {
    name: pve1
    nodeid: 1
    quorum_votes: 1
    ring0_addr: 10.0.0.1
  }
  node {
    name: pve2
    nodeid: 2
    quorum_votes: 1
    ring0_addr: 10.0.0.2
  }
}
`

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		runner   *testutil.FakeRunner
		resolver *remote.Resolver
	)

	BeforeEach(func() {
		ctx = context.Background()
		runner = &testutil.FakeRunner{}
		resolver = remote.NewResolver(cluster.New(runner))
		resolver.ReadFile = func(string) ([]byte, error) {
			return nil, os.ErrNotExist
		}
	})

	It("returns a literal IP unchanged without consulting anything", func() {
		Expect(resolver.Resolve(ctx, "192.168.1.50")).To(Equal("192.168.1.50"))
		Expect(runner.Commands()).To(BeEmpty())
	})

	It("finds the ring0 address in the corosync configuration", func() {
		resolver.ReadFile = func(path string) ([]byte, error) {
			Expect(path).To(Equal("/etc/pve/corosync.conf"))
			return []byte(corosyncConf), nil
		}

		Expect(resolver.Resolve(ctx, "pve2")).To(Equal("10.0.0.2"))
		// Corosync answered; the cluster API step is never reached.
		Expect(runner.Commands()).To(BeEmpty())
	})

	It("falls back to the cluster status listing", func() {
		runner.StubJSON("/cluster/status",
			`[{"id": "node/pve2", "name": "pve2", "type": "node", "ip": "172.16.0.2"}]`)

		Expect(resolver.Resolve(ctx, "pve2")).To(Equal("172.16.0.2"))
	})

	It("falls back to the node name as hostname when all else fails", func() {
		runner.Stub("/cluster/status", command.Result{ExitCode: 1}, nil)

		Expect(resolver.Resolve(ctx, "pve9")).To(Equal("pve9"))
	})

	It("tries each fallback exactly once", func() {
		resolver.ReadFile = func(string) ([]byte, error) {
			return nil, errors.New("read error")
		}
		runner.Stub("/cluster/status", command.Result{ExitCode: 1}, nil)

		Expect(resolver.Resolve(ctx, "pve9")).To(Equal("pve9"))
		// One JSON attempt and one table fallback for the single status query.
		Expect(runner.CommandsMatching("/cluster/status")).To(HaveLen(2))
	})
})

var _ = Describe("Router", func() {
	var (
		ctx    context.Context
		runner *testutil.FakeRunner
		router *remote.Router
		dialed []string
	)

	BeforeEach(func() {
		ctx = context.Background()
		runner = &testutil.FakeRunner{}
		dialed = nil
		resolver := remote.NewResolver(cluster.New(runner))
		resolver.ReadFile = func(string) ([]byte, error) { return nil, os.ErrNotExist }
		router = remote.NewRouter("pve1", resolver, "root", "", zap.NewNop())
		router.Dial = func(addr string) command.Runner {
			dialed = append(dialed, addr)
			return &testutil.FakeRunner{}
		}
	})

	It("executes locally for the local host", func() {
		r := router.RunnerFor(ctx, "pve1")
		Expect(r).To(Equal(command.Local{}))
		Expect(dialed).To(BeEmpty())
	})

	It("executes locally when the node is unknown", func() {
		Expect(router.RunnerFor(ctx, "")).To(Equal(command.Local{}))
	})

	It("dials remote nodes once and caches the runner", func() {
		runner.StubJSON("/cluster/status",
			`[{"id": "node/pve2", "name": "pve2", "type": "node", "ip": "10.0.0.2"}]`)

		first := router.RunnerFor(ctx, "pve2")
		second := router.RunnerFor(ctx, "pve2")
		Expect(first).To(BeIdenticalTo(second))
		Expect(dialed).To(Equal([]string{"10.0.0.2"}))
	})

	It("hands out runners safely from concurrent goroutines", func() {
		runner.StubJSON("/cluster/status",
			`[{"id": "node/pve2", "name": "pve2", "type": "node", "ip": "10.0.0.2"},
			  {"id": "node/pve3", "name": "pve3", "type": "node", "ip": "10.0.0.3"}]`)

		// Plan building calls RunnerFor from one goroutine per target.
		nodes := []string{"pve2", "pve3", "pve2", "pve3"}
		runners := make([]command.Runner, 8)
		var wg sync.WaitGroup
		for i := range runners {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				runners[i] = router.RunnerFor(ctx, nodes[i%len(nodes)])
			}()
		}
		wg.Wait()

		Expect(dialed).To(ConsistOf("10.0.0.2", "10.0.0.3"))
		Expect(runners[0]).To(BeIdenticalTo(runners[2]))
		Expect(runners[1]).To(BeIdenticalTo(runners[3]))
	})
})
