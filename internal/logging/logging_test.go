// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package logging_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lxcup/internal/logging"
)

var _ = Describe("New", func() {
	It("creates a timestamped run log under the requested directory", func() {
		dir := filepath.Join(GinkgoT().TempDir(), "logs")

		log, path, err := logging.New(false, dir)
		Expect(err).NotTo(HaveOccurred())
		defer log.Sync()

		Expect(path).To(HavePrefix(filepath.Join(dir, "lxcup-")))
		Expect(path).To(HaveSuffix(".log"))
		Expect(path).To(BeAnExistingFile())
	})

	It("captures entries in the run log file", func() {
		dir := GinkgoT().TempDir()

		log, path, err := logging.New(false, dir)
		Expect(err).NotTo(HaveOccurred())

		log.Info("upgrade complete")
		log.Sync()

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("upgrade complete"))
	})

	It("writes debug entries to the file even without verbose", func() {
		dir := GinkgoT().TempDir()

		log, path, err := logging.New(false, dir)
		Expect(err).NotTo(HaveOccurred())

		log.Debug("vzdump progress line")
		log.Sync()

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("vzdump progress line"))
	})

	It("falls back to the temp directory when the log dir cannot be created", func() {
		blocked := filepath.Join(GinkgoT().TempDir(), "blocked")
		Expect(os.WriteFile(blocked, []byte("not a directory"), 0o644)).To(Succeed())

		log, path, err := logging.New(false, filepath.Join(blocked, "logs"))
		Expect(err).NotTo(HaveOccurred())
		defer log.Sync()

		Expect(path).To(HavePrefix(os.TempDir()))
	})
})
