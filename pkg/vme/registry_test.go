/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package vme

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

var _ = Describe("Bus registry", func() {

	var registry *Registry

	BeforeEach(func() {
		registry = NewRegistry(testLog)
		DeferCleanup(registry.Clear)
	})

	newBridge := func(name string, bus int) *Bridge {
		b := NewBridge(name, nil, nil)
		b.BusNumber = bus
		return b
	}

	It("assigns the lowest free bus number", func() {
		for i := 0; i < 3; i++ {
			b := newBridge(fmt.Sprintf("bridge%d", i), AnyBusNumber)
			Expect(registry.Register(b)).To(Succeed())
			Expect(b.BusNumber).To(Equal(i))
		}

		Expect(registry.Bridges()).To(HaveLen(3))
		Expect(testutil.ToFloat64(metrics.VmeRegisteredBridges)).To(BeEquivalentTo(3))
	})

	It("refuses an explicit bus number already held", func() {
		Expect(registry.Register(newBridge("first", 5))).To(Succeed())

		err := registry.Register(newBridge("second", 5))
		Expect(err).To(MatchError(ErrAlreadyInUse))
		Expect(registry.Bridges()).To(HaveLen(1))
	})

	It("refuses bus numbers out of range", func() {
		Expect(registry.Register(newBridge("high", MaxBridges))).To(MatchError(ErrInvalidArgument))
		Expect(registry.Register(newBridge("low", -2))).To(MatchError(ErrInvalidArgument))
	})

	It("refuses to register the same bridge twice", func() {
		b := newBridge("twice", AnyBusNumber)
		Expect(registry.Register(b)).To(Succeed())
		Expect(registry.Register(b)).To(MatchError(ErrAlreadyInUse))
	})

	It("runs out of bus numbers and reuses them after unregister", func() {
		bridges := make([]*Bridge, MaxBridges)
		for i := range bridges {
			bridges[i] = newBridge(fmt.Sprintf("bridge%d", i), AnyBusNumber)
			Expect(registry.Register(bridges[i])).To(Succeed())
		}

		err := registry.Register(newBridge("extra", AnyBusNumber))
		Expect(err).To(MatchError(ErrNoBusNumbersLeft))
		Expect(err).To(MatchError(ErrResourceExhausted))

		registry.Unregister(bridges[7])

		b := newBridge("reused", AnyBusNumber)
		Expect(registry.Register(b)).To(Succeed())
		Expect(b.BusNumber).To(Equal(7))
	})

	It("hands out references and waits for them on drain", func() {
		b := newBridge("counted", 3)
		Expect(registry.Register(b)).To(Succeed())

		got, err := registry.Get(3)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(b))
		Expect(b.Refs()).To(Equal(1))

		_, err = registry.Get(4)
		Expect(err).To(MatchError(ErrNotFound))

		registry.Unregister(b)
		_, err = registry.Get(3)
		Expect(err).To(MatchError(ErrNotFound))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err = b.Drain(ctx)
		Expect(err).To(MatchError(ErrBusy))
		Expect(err).To(MatchError(context.DeadlineExceeded))

		drained := make(chan error)
		go func() {
			defer GinkgoRecover()
			drained <- b.Drain(context.Background())
		}()

		registry.Put(got)
		Eventually(drained).Should(Receive(BeNil()))
		Expect(b.Refs()).To(BeZero())

		// Unbalanced puts are reported, not counted
		registry.Put(got)
		Expect(b.Refs()).To(BeZero())
	})

	It("accepts a bridge again after it is unregistered", func() {
		b := newBridge("again", AnyBusNumber)
		Expect(registry.Register(b)).To(Succeed())
		registry.Unregister(b)

		Expect(registry.Register(b)).To(Succeed())
		got, err := registry.Get(b.BusNumber)
		Expect(err).NotTo(HaveOccurred())
		registry.Put(got)
	})

	It("swaps the bridge logger safely while handles keep logging", func() {
		var (
			mtx   sync.Mutex
			lines []string
		)
		captured := NewRegistry(funcr.New(func(prefix, args string) {
			mtx.Lock()
			lines = append(lines, args)
			mtx.Unlock()
		}, funcr.Options{}))
		DeferCleanup(captured.Clear)

		b := newBridge("racer", 3)
		Expect(captured.Register(b)).To(Succeed())

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
					b.HandleBusError(0x100, 0)
					b.ClearBusErrors(0x100, 1)
				}
			}
		}()

		for i := 0; i < 50; i++ {
			captured.Unregister(b)
			Expect(captured.Register(b)).To(Succeed())
		}
		close(stop)
		wg.Wait()

		b.HandleBusError(0x200, 0)

		mtx.Lock()
		defer mtx.Unlock()
		Expect(lines[len(lines)-1]).To(ContainSubstring(`"bus"=3`))
		Expect(lines[len(lines)-1]).To(ContainSubstring(`"bridge"="racer"`))
	})

	It("clears every bridge", func() {
		for i := 0; i < 4; i++ {
			Expect(registry.Register(newBridge(fmt.Sprintf("bridge%d", i), AnyBusNumber))).To(Succeed())
		}

		registry.Clear()
		Expect(registry.Bridges()).To(BeEmpty())

		b := newBridge("fresh", AnyBusNumber)
		Expect(registry.Register(b)).To(Succeed())
		Expect(b.BusNumber).To(BeZero())
	})
})
