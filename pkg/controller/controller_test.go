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

package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudnative-pg/pg-walsizer/pkg/history"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeStats struct {
	mu         sync.Mutex
	count      int64
	countErr   error
	sizeMB     int64
	sizeErr    error
	timeout    time.Duration
	timeoutErr error
	calls      int
}

func (f *fakeStats) ForcedCheckpoints(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.count, nil
}

func (f *fakeStats) CurrentMaxWALSize(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	return f.sizeMB, nil
}

func (f *fakeStats) CheckpointTimeout(_ context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timeoutErr != nil {
		return 0, f.timeoutErr
	}
	return f.timeout, nil
}

func (f *fakeStats) setCount(count int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = count
}

func (f *fakeStats) setCountErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countErr = err
}

func (f *fakeStats) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu    sync.Mutex
	sizes []int64
	err   error
}

func (f *fakePublisher) SetMaxWALSize(_ context.Context, sizeMB int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sizes = append(f.sizes, sizeMB)
	return nil
}

func (f *fakePublisher) published() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sizes...)
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeNotifier) NotifyReload(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeArchiver struct {
	mu      sync.Mutex
	healthy bool
	err     error
}

func (f *fakeArchiver) ArchiverHealthy(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy, f.err
}

func (f *fakeArchiver) setHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, entry history.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeRecorder) recorded() []history.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Entry(nil), f.entries...)
}

var _ = Describe("Controller cycle", func() {
	var (
		ctx      context.Context
		stats    *fakeStats
		pub      *fakePublisher
		notif    *fakeNotifier
		archiver *fakeArchiver
		recorder *fakeRecorder
		ctrl     *Controller
	)

	BeforeEach(func() {
		ctx = context.Background()
		stats = &fakeStats{count: 5, sizeMB: 1000, timeout: 5 * time.Minute}
		pub = &fakePublisher{}
		notif = &fakeNotifier{}
		archiver = &fakeArchiver{healthy: true}
		recorder = &fakeRecorder{}
		ctrl = NewController(Options{
			Stats:     stats,
			Publisher: pub,
			Notifier:  notif,
			Archiver:  archiver,
			Recorder:  recorder,
			Tunables: Tunables{
				Enabled:           true,
				CeilingMB:         16384,
				Threshold:         2,
				MaxChangesPerHour: 4,
			},
		})
	})

	It("only establishes the baseline on the first observation", func() {
		Expect(ctrl.cycle(ctx)).To(Succeed())

		Expect(ctrl.primed).To(BeTrue())
		Expect(ctrl.prevCount).To(Equal(int64(5)))
		Expect(pub.published()).To(BeEmpty())
	})

	It("grows proportionally to the forced checkpoint count", func() {
		Expect(ctrl.cycle(ctx)).To(Succeed())

		stats.setCount(8)
		Expect(ctrl.cycle(ctx)).To(Succeed())

		// 3 forced checkpoints: 1000 * (3 + 1)
		Expect(pub.published()).To(Equal([]int64{4000}))
		Expect(notif.callCount()).To(Equal(1))
		Expect(ctrl.suppressed.Load()).To(BeTrue())
		Expect(ctrl.prevCount).To(Equal(int64(8)))

		entries := recorder.recorded()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Action).To(Equal(ActionIncrease))
		Expect(entries[0].OldSizeMB).To(Equal(int64(1000)))
		Expect(entries[0].NewSizeMB).To(Equal(int64(4000)))
		Expect(entries[0].ForcedCheckpoints).To(Equal(int64(3)))
	})

	It("clamps the published size at the ceiling", func() {
		ctrl.tunables.CeilingMB = 4096
		stats.sizeMB = 3000

		Expect(ctrl.cycle(ctx)).To(Succeed())
		stats.setCount(8)
		Expect(ctrl.cycle(ctx)).To(Succeed())

		Expect(pub.published()).To(Equal([]int64{4096}))
	})

	It("publishes nothing below the threshold", func() {
		Expect(ctrl.cycle(ctx)).To(Succeed())

		stats.setCount(6)
		Expect(ctrl.cycle(ctx)).To(Succeed())

		Expect(pub.published()).To(BeEmpty())
		Expect(notif.callCount()).To(BeZero())
		Expect(ctrl.prevCount).To(Equal(int64(6)))
	})

	It("publishes nothing when already pinned at the ceiling", func() {
		ctrl.tunables.CeilingMB = 1000

		Expect(ctrl.cycle(ctx)).To(Succeed())
		stats.setCount(8)
		Expect(ctrl.cycle(ctx)).To(Succeed())

		Expect(pub.published()).To(BeEmpty())
		Expect(ctrl.prevCount).To(Equal(int64(8)))
	})

	It("keeps the baseline when sampling fails", func() {
		Expect(ctrl.cycle(ctx)).To(Succeed())

		stats.setCountErr(errors.New("connection refused"))
		Expect(ctrl.cycle(ctx)).ToNot(Succeed())
		Expect(ctrl.prevCount).To(Equal(int64(5)))

		// The missed window's activity folds into the next delta.
		stats.setCountErr(nil)
		stats.setCount(9)
		Expect(ctrl.cycle(ctx)).To(Succeed())
		Expect(pub.published()).To(Equal([]int64{5000}))
	})

	It("keeps the baseline when publishing fails", func() {
		Expect(ctrl.cycle(ctx)).To(Succeed())

		stats.setCount(8)
		pub.setErr(errors.New("permission denied"))
		Expect(ctrl.cycle(ctx)).ToNot(Succeed())
		Expect(ctrl.prevCount).To(Equal(int64(5)))
		Expect(ctrl.suppressed.Load()).To(BeFalse())

		pub.setErr(nil)
		Expect(ctrl.cycle(ctx)).To(Succeed())
		Expect(pub.published()).To(Equal([]int64{4000}))
		Expect(ctrl.prevCount).To(Equal(int64(8)))
	})

	It("re-primes when the statistics go backwards", func() {
		Expect(ctrl.cycle(ctx)).To(Succeed())

		stats.setCount(2)
		Expect(ctrl.cycle(ctx)).To(Succeed())

		Expect(pub.published()).To(BeEmpty())
		Expect(ctrl.prevCount).To(Equal(int64(2)))
	})

	It("arms suppression even when the reload request fails", func() {
		notif.err = errors.New("reload failed")

		Expect(ctrl.cycle(ctx)).To(Succeed())
		stats.setCount(8)
		Expect(ctrl.cycle(ctx)).To(Succeed())

		Expect(pub.published()).To(Equal([]int64{4000}))
		Expect(ctrl.suppressed.Load()).To(BeTrue())
	})

	It("defers growth when the hourly budget is exhausted", func() {
		ctrl.tunables.MaxChangesPerHour = 1

		Expect(ctrl.cycle(ctx)).To(Succeed())
		stats.setCount(8)
		Expect(ctrl.cycle(ctx)).To(Succeed())
		Expect(pub.published()).To(HaveLen(1))

		stats.setCount(11)
		Expect(ctrl.cycle(ctx)).To(Succeed())

		Expect(pub.published()).To(HaveLen(1))
		Expect(ctrl.prevCount).To(Equal(int64(11)))
	})

	Describe("shrink path", func() {
		BeforeEach(func() {
			ctrl.tunables.ShrinkEnabled = true
			ctrl.tunables.ShrinkFactor = 0.75
			ctrl.tunables.ShrinkIntervals = 2
			ctrl.tunables.ShrinkMinSizeMB = 512
		})

		It("shrinks after enough consecutive quiet windows", func() {
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(pub.published()).To(BeEmpty())
			Expect(ctrl.quietIntervals).To(Equal(1))

			Expect(ctrl.cycle(ctx)).To(Succeed())

			Expect(pub.published()).To(Equal([]int64{750}))
			Expect(ctrl.quietIntervals).To(BeZero())

			entries := recorder.recorded()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Action).To(Equal(ActionDecrease))
		})

		It("counts windows below the threshold as quiet", func() {
			ctrl.tunables.ShrinkIntervals = 5

			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.quietIntervals).To(Equal(1))

			// One forced checkpoint is still below the threshold of 2.
			stats.setCount(6)
			Expect(ctrl.cycle(ctx)).To(Succeed())

			Expect(ctrl.quietIntervals).To(Equal(2))
		})

		It("resets the quiet streak on a burst", func() {
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.quietIntervals).To(Equal(1))

			stats.setCount(8)
			Expect(ctrl.cycle(ctx)).To(Succeed())

			Expect(pub.published()).To(Equal([]int64{4000}))
			Expect(ctrl.quietIntervals).To(BeZero())
		})

		It("never shrinks below the floor", func() {
			stats.sizeMB = 512

			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.cycle(ctx)).To(Succeed())

			Expect(pub.published()).To(BeEmpty())
			Expect(ctrl.quietIntervals).To(BeZero())
		})

		It("defers shrinking while the archiver is unhealthy", func() {
			archiver.setHealthy(false)

			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(ctrl.cycle(ctx)).To(Succeed())

			Expect(pub.published()).To(BeEmpty())
			// The quiet streak survives, so recovery shrinks promptly.
			Expect(ctrl.quietIntervals).To(Equal(2))

			archiver.setHealthy(true)
			Expect(ctrl.cycle(ctx)).To(Succeed())
			Expect(pub.published()).To(Equal([]int64{750}))
		})
	})
})

var _ = Describe("Controller loop", func() {
	var (
		stats  *fakeStats
		pub    *fakePublisher
		notif  *fakeNotifier
		ctrl   *Controller
		wake   chan struct{}
		reload chan struct{}
		cancel context.CancelFunc
		done   chan struct{}
	)

	startLoop := func(tunables Tunables, reloadFunc func(context.Context) (Tunables, error)) {
		stats = &fakeStats{count: 5, sizeMB: 1000, timeout: 5 * time.Minute}
		pub = &fakePublisher{}
		notif = &fakeNotifier{}
		ctrl = NewController(Options{
			Stats:          stats,
			Publisher:      pub,
			Notifier:       notif,
			Tunables:       tunables,
			ReloadTunables: reloadFunc,
		})

		wake = make(chan struct{})
		reload = make(chan struct{})
		done = make(chan struct{})

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go func() {
			defer GinkgoRecover()
			defer close(done)
			Expect(ctrl.Run(ctx, wake, reload)).To(Succeed())
		}()
	}

	enabled := Tunables{
		Enabled:           true,
		CeilingMB:         16384,
		Threshold:         2,
		Interval:          time.Hour,
		MaxChangesPerHour: 4,
	}

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("consumes a single suppression at the next wake-up", func() {
		startLoop(enabled, nil)

		// Prime the baseline.
		wake <- struct{}{}
		Eventually(stats.callCount).Should(Equal(1))

		stats.setCount(8)
		wake <- struct{}{}
		Eventually(func() []int64 { return pub.published() }).Should(Equal([]int64{4000}))
		Expect(ctrl.suppressed.Load()).To(BeTrue())

		// The wake-up caused by our own reload request is swallowed.
		wake <- struct{}{}
		Consistently(stats.callCount).Should(Equal(2))
		Expect(ctrl.suppressed.Load()).To(BeFalse())

		// The one after that evaluates normally.
		wake <- struct{}{}
		Eventually(stats.callCount).Should(Equal(3))
		Expect(pub.published()).To(HaveLen(1))
	})

	It("keeps its cadence while disabled without touching the server", func() {
		disabled := enabled
		disabled.Enabled = false
		startLoop(disabled, nil)

		wake <- struct{}{}
		wake <- struct{}{}
		Consistently(stats.callCount).Should(BeZero())
	})

	It("reloads tunables on an external request", func() {
		reloaded := enabled
		reloaded.Threshold = 5
		startLoop(enabled, func(context.Context) (Tunables, error) {
			return reloaded, nil
		})

		wake <- struct{}{}
		Eventually(stats.callCount).Should(Equal(1))

		reload <- struct{}{}

		// 3 forced checkpoints now sit below the reloaded threshold.
		stats.setCount(8)
		wake <- struct{}{}
		Eventually(stats.callCount).Should(Equal(2))
		Consistently(func() []int64 { return pub.published() }).Should(BeEmpty())
	})

	It("keeps the previous tunables when the reload fails", func() {
		startLoop(enabled, func(context.Context) (Tunables, error) {
			return Tunables{}, errors.New("bad config")
		})

		wake <- struct{}{}
		Eventually(stats.callCount).Should(Equal(1))

		reload <- struct{}{}

		stats.setCount(8)
		wake <- struct{}{}
		Eventually(func() []int64 { return pub.published() }).Should(Equal([]int64{4000}))
	})
})
