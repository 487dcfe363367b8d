/*
Copyright © contributors to CloudNativePG, established as
CloudNativePG a Series of LF Projects, LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudnative-pg/pg-walsizer/pkg/config"
)

var _ = Describe("Default", func() {
	It("provides the documented defaults", func() {
		cfg := config.Default()

		Expect(cfg.Enabled).To(BeTrue())
		Expect(cfg.Threshold).To(Equal(2))
		Expect(cfg.Notifier).To(Equal(config.NotifierSQL))

		ceiling, err := cfg.CeilingMB()
		Expect(err).ToNot(HaveOccurred())
		Expect(ceiling).To(Equal(int64(4096)))

		interval, err := cfg.SamplingInterval()
		Expect(err).ToNot(HaveOccurred())
		Expect(interval).To(BeZero())
	})

	It("validates cleanly", func() {
		Expect(config.Default().Validate()).To(Succeed())
	})
})

var _ = Describe("Load", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	writeConfig := func(content string) string {
		path := filepath.Join(dir, "walsizer.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	It("returns defaults for an empty path", func() {
		cfg, err := config.Load("")
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Enabled).To(BeTrue())
	})

	It("overlays the file on top of the defaults", func() {
		path := writeConfig(`
ceiling: 2Gi
threshold: 5
interval: 90s
shrink:
  enabled: true
  factor: "50%"
  intervals: 6
  minSize: 512Mi
`)
		cfg, err := config.Load(path)
		Expect(err).ToNot(HaveOccurred())

		ceiling, err := cfg.CeilingMB()
		Expect(err).ToNot(HaveOccurred())
		Expect(ceiling).To(Equal(int64(2048)))
		Expect(cfg.Threshold).To(Equal(5))

		interval, err := cfg.SamplingInterval()
		Expect(err).ToNot(HaveOccurred())
		Expect(interval).To(Equal(90 * time.Second))

		factor, err := cfg.ShrinkFactor()
		Expect(err).ToNot(HaveOccurred())
		Expect(factor).To(Equal(0.5))

		minSize, err := cfg.ShrinkMinSizeMB()
		Expect(err).ToNot(HaveOccurred())
		Expect(minSize).To(Equal(int64(512)))

		// Untouched sections keep their defaults
		Expect(cfg.History.Enabled).To(BeTrue())
		Expect(cfg.MaxChangesPerHour).To(Equal(4))
	})

	It("allows disabling sizing while keeping the loop running", func() {
		cfg, err := config.Load(writeConfig("enabled: false\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Enabled).To(BeFalse())
	})

	It("rejects a ceiling below 2Mi", func() {
		_, err := config.Load(writeConfig("ceiling: 1Mi\n"))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("ceiling"))
	})

	It("rejects an out-of-range threshold", func() {
		_, err := config.Load(writeConfig("threshold: 0\n"))
		Expect(err).To(HaveOccurred())

		_, err = config.Load(writeConfig("threshold: 1001\n"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unknown notifier", func() {
		_, err := config.Load(writeConfig("notifier: carrier-pigeon\n"))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("notifier"))
	})

	It("rejects an invalid shrink factor only when shrink is enabled", func() {
		_, err := config.Load(writeConfig("shrink: {enabled: true, factor: \"150%\", intervals: 6, minSize: 1Gi}\n"))
		Expect(err).To(HaveOccurred())

		cfg, err := config.Load(writeConfig("shrink: {enabled: false, factor: \"150%\"}\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Shrink.Enabled).To(BeFalse())
	})

	It("fails on a missing file", func() {
		_, err := config.Load(filepath.Join(dir, "no-such-file.yaml"))
		Expect(err).To(HaveOccurred())
	})
})
