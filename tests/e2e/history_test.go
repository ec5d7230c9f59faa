//go:build e2e

// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lxcup/internal/testutil"
)

var _ = Describe("lxcup history", func() {
	It("reports an empty history", func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "audit.db")

		stdout, _, exitCode, err := testutil.RunLxcup(nil, "history", "--audit-db", dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(exitCode).To(Equal(0))
		Expect(stdout).To(ContainSubstring("No recorded runs."))
	})

	It("creates the audit database on first use", func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "history", "audit.db")

		_, _, exitCode, err := testutil.RunLxcup(nil, "history", "--audit-db", dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(exitCode).To(Equal(0))
		Expect(dbPath).To(BeAnExistingFile())
	})
})
