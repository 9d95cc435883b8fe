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
	"errors"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/multierr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

var _ = Describe("Driver matching", func() {

	var (
		registry *Registry
		bus      *Bus
		probed   map[string]int
		removed  map[string]int
	)

	BeforeEach(func() {
		registry = NewRegistry(testLog)
		DeferCleanup(registry.Clear)

		bus = NewBus(registry, testLog)
		probed = map[string]int{}
		removed = map[string]int{}
	})

	newDriver := func(name string) *Driver {
		return &Driver{
			Name:   name,
			Match:  func(*Device) bool { return true },
			Probe:  func(dev *Device) error { probed[dev.Name]++; return nil },
			Remove: func(dev *Device) error { removed[dev.Name]++; return nil },
		}
	}

	addBridge := func(name string) *Bridge {
		b, _ := NewMockBridge(name, testLog)
		Expect(registry.Register(b)).To(Succeed())
		return b
	}

	It("finds no device when no bridge is registered", func() {
		drv := newDriver("vmeuser")

		err := bus.RegisterDriver(context.Background(), drv, 3)
		Expect(err).To(MatchError(ErrNoMatchingDevice))
		Expect(bus.Drivers()).To(BeEmpty())
		Expect(probed).To(BeEmpty())
	})

	It("binds and probes every device once", func() {
		b := addBridge("tsi148")
		drv := newDriver("vmeuser")

		Expect(bus.RegisterDriver(context.Background(), drv, 3)).To(Succeed())

		devices := drv.Devices()
		Expect(devices).To(HaveLen(3))
		for slot, dev := range devices {
			Expect(dev.ID).To(Equal(DeviceID{Bus: b.BusNumber, Slot: slot}))
			Expect(dev.Bridge()).To(Equal(b))
			Expect(dev.Driver()).To(Equal(drv))
		}
		Expect(probed).To(Equal(map[string]int{"vmeuser.0-0": 1, "vmeuser.0-1": 1, "vmeuser.0-2": 1}))

		Expect(bus.Drivers()).To(ConsistOf(drv))
		Expect(testutil.ToFloat64(metrics.VmeBoundDevices.WithLabelValues("vmeuser"))).To(BeEquivalentTo(3))

		// The scan does not keep bridge references
		Expect(b.Refs()).To(BeZero())
	})

	It("binds devices on every bridge", func() {
		addBridge("first")
		addBridge("second")
		drv := newDriver("vmeuser")

		Expect(bus.RegisterDriver(context.Background(), drv, 2)).To(Succeed())
		Expect(drv.Devices()).To(HaveLen(4))

		dev, found := drv.Device(DeviceID{Bus: 1, Slot: 1})
		Expect(found).To(BeTrue())
		Expect(dev.Name).To(Equal("vmeuser.1-1"))
	})

	It("keeps only the devices the driver matches", func() {
		addBridge("tsi148")
		drv := newDriver("picky")
		drv.Match = func(dev *Device) bool { return dev.ID.Slot == 1 }

		Expect(bus.RegisterDriver(context.Background(), drv, 4)).To(Succeed())
		Expect(drv.Devices()).To(HaveLen(1))
		Expect(probed).To(HaveKey("picky.0-1"))
		Expect(probed).To(HaveLen(1))
	})

	It("binds every device when the driver has no match function", func() {
		addBridge("tsi148")
		drv := newDriver("greedy")
		drv.Match = nil

		Expect(bus.RegisterDriver(context.Background(), drv, 2)).To(Succeed())
		Expect(drv.Devices()).To(HaveLen(2))
	})

	It("unbinds devices that fail to probe", func() {
		addBridge("tsi148")
		drv := newDriver("flaky")
		drv.Probe = func(dev *Device) error {
			probed[dev.Name]++
			if dev.ID.Slot == 0 {
				return errors.New("no card in slot")
			}
			return nil
		}

		Expect(bus.RegisterDriver(context.Background(), drv, 3)).To(Succeed())
		Expect(drv.Devices()).To(HaveLen(2))
		Expect(probed).To(HaveLen(3))
	})

	It("rolls back a driver that binds nothing", func() {
		addBridge("tsi148")
		drv := newDriver("broken")
		drv.Probe = func(*Device) error { return errors.New("no card") }

		Expect(bus.RegisterDriver(context.Background(), drv, 2)).To(MatchError(ErrNoMatchingDevice))
		Expect(bus.Drivers()).To(BeEmpty())
		Expect(drv.Devices()).To(BeEmpty())
		Expect(removed).To(BeEmpty())

		// A rolled back driver can be registered again
		drv.Probe = func(*Device) error { return nil }
		Expect(bus.RegisterDriver(context.Background(), drv, 2)).To(Succeed())
	})

	It("refuses a second driver with the same name", func() {
		addBridge("tsi148")
		Expect(bus.RegisterDriver(context.Background(), newDriver("vmeuser"), 1)).To(Succeed())
		Expect(bus.RegisterDriver(context.Background(), newDriver("vmeuser"), 1)).To(MatchError(ErrAlreadyInUse))
	})

	It("stops the scan when the context is cancelled", func() {
		addBridge("tsi148")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := bus.RegisterDriver(ctx, newDriver("vmeuser"), 1)
		Expect(err).To(MatchError(context.Canceled))
		Expect(bus.Drivers()).To(BeEmpty())
	})

	It("removes every device on unregister", func() {
		addBridge("tsi148")
		drv := newDriver("vmeuser")
		Expect(bus.RegisterDriver(context.Background(), drv, 3)).To(Succeed())

		Expect(bus.UnregisterDriver(drv)).To(Succeed())
		Expect(removed).To(HaveLen(3))
		Expect(drv.Devices()).To(BeEmpty())
		Expect(bus.Drivers()).To(BeEmpty())

		Expect(bus.UnregisterDriver(drv)).To(MatchError(ErrNotFound))
	})

	It("collects every remove failure", func() {
		addBridge("tsi148")
		drv := newDriver("stubborn")
		drv.Remove = func(dev *Device) error {
			if dev.ID.Slot == 1 {
				return nil
			}
			return errors.New("device busy")
		}
		Expect(bus.RegisterDriver(context.Background(), drv, 3)).To(Succeed())

		err := bus.UnregisterDriver(drv)
		Expect(err).To(HaveOccurred())
		Expect(multierr.Errors(err)).To(HaveLen(2))
		Expect(bus.Drivers()).To(BeEmpty())
	})

	It("shuts every device down", func() {
		addBridge("tsi148")
		drv := newDriver("vmeuser")

		shutdown := []string{}
		drv.Shutdown = func(dev *Device) { shutdown = append(shutdown, dev.Name) }
		Expect(bus.RegisterDriver(context.Background(), drv, 2)).To(Succeed())

		bus.Shutdown()
		Expect(shutdown).To(Equal([]string{"vmeuser.0-0", "vmeuser.0-1"}))
	})
})
