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

package vmeuser

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-vme/pkg/vme"
)

var _ = Describe("VME User Driver", func() {

	var (
		registry *vme.Registry
		bus      *vme.Bus
		opts     Options
	)

	BeforeEach(func() {
		registry = vme.NewRegistry(testLog)
		bus = vme.NewBus(registry, testLog)
		opts = Options{
			MasterBase: 0x40000000,
			MasterSize: 0x10000,
			SlaveBase:  0x100000,
			SlaveSize:  0x1000,
			IrqLevel:   3,
			IrqVector:  0x40,
		}

		DeferCleanup(func() { registry.Clear() })
	})

	addBridge := func(name string) (*vme.Bridge, *vme.MockBridgeOps) {
		b, ops := vme.NewMockBridge(name, testLog)
		Expect(registry.Register(b)).To(Succeed())
		return b, ops
	}

	When("devices are bound", func() {

		var (
			b   *vme.Bridge
			ops *vme.MockBridgeOps
			drv *Driver
		)

		BeforeEach(func() {
			b, ops = addBridge("tsi148")
			drv = New(registry, opts, testLog)

			Expect(bus.RegisterDriver(context.Background(), drv.Driver(), 2)).To(Succeed())
			Expect(drv.Devices()).To(HaveLen(2))
		})

		It("places the windows and vector of each device by slot", func() {
			dev := drv.Devices()[1]
			Expect(dev.Name).To(Equal("vme_user.0-1"))
			Expect(dev.Bridge()).To(Equal(b))

			master, err := dev.MasterWindow()
			Expect(err).NotTo(HaveOccurred())
			Expect(master.Enabled).To(BeTrue())
			Expect(master.VMEBase).To(Equal(uint64(0x40010000)))
			Expect(master.Aspace).To(Equal(vme.A32))

			slave, err := dev.SlaveWindow()
			Expect(err).NotTo(HaveOccurred())
			Expect(slave.Enabled).To(BeTrue())
			Expect(slave.VMEBase).To(Equal(uint64(0x101000)))
			Expect(slave.Aspace).To(Equal(vme.A24))
			Expect(dev.SlaveBuffer()).To(HaveLen(0x1000))

			level, vector := dev.Interrupt()
			Expect(level).To(Equal(3))
			Expect(vector).To(Equal(0x41))
			Expect(b.IrqAttached(3)).To(Equal(2))
		})

		It("pins the bridge until the devices are removed", func() {
			Expect(b.Refs()).To(Equal(2))

			Expect(bus.UnregisterDriver(drv.Driver())).To(Succeed())
			Expect(b.Refs()).To(BeZero())
			Expect(drv.Devices()).To(BeEmpty())

			for _, m := range b.MasterResources() {
				Expect(m.Locked()).To(BeFalse())
			}
			for _, s := range b.SlaveResources() {
				Expect(s.Locked()).To(BeFalse())
			}
			Expect(b.Parent.(*vme.MockParentDevice).Allocated()).To(BeZero())
			Expect(b.IrqAttached(3)).To(BeZero())
			Expect(ops.IrqDisables(3)).To(Equal(1))
		})

		It("rejects access through a device that was removed", func() {
			dev := drv.Devices()[0]
			Expect(bus.UnregisterDriver(drv.Driver())).To(Succeed())

			_, err := dev.ReadMaster(make([]byte, 4), 0)
			Expect(err).To(MatchError(vme.ErrInvalidArgument))
			_, err = dev.WriteMaster([]byte{1}, 0)
			Expect(err).To(MatchError(vme.ErrInvalidArgument))
			_, err = dev.MasterWindow()
			Expect(err).To(MatchError(vme.ErrInvalidArgument))
			_, err = dev.SlaveWindow()
			Expect(err).To(MatchError(vme.ErrInvalidArgument))
			Expect(dev.GenerateInterrupt()).To(MatchError(vme.ErrInvalidArgument))
			Expect(dev.SlaveBuffer()).To(BeNil())
		})

		It("reads and writes VME memory through the master window", func() {
			dev := drv.Devices()[0]

			n, err := dev.WriteMaster([]byte{0xde, 0xad, 0xbe, 0xef}, 0x10)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(4))
			Expect(ops.Peek(b, vme.A32, 0x40000010, 4)).To(Equal([]byte{0xde, 0xad, 0xbe, 0xef}))

			ops.Poke(b, vme.A32, 0x40000100, []byte{1, 2})
			buf := make([]byte, 2)
			_, err = dev.ReadMaster(buf, 0x100)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf).To(Equal([]byte{1, 2}))
		})

		It("exposes bus writes into the slave window", func() {
			dev := drv.Devices()[1]

			ops.Poke(b, vme.A24, 0x101000+8, []byte{0x55, 0xaa})
			Expect(dev.SlaveBuffer()[8:10]).To(Equal([]byte{0x55, 0xaa}))

			// The other device's window is untouched
			Expect(drv.Devices()[0].SlaveBuffer()[8:10]).To(Equal([]byte{0, 0}))
		})

		It("counts its own interrupts", func() {
			first, second := drv.Devices()[0], drv.Devices()[1]

			Expect(first.GenerateInterrupt()).To(Succeed())
			Expect(first.GenerateInterrupt()).To(Succeed())
			Expect(second.GenerateInterrupt()).To(Succeed())

			Expect(first.Interrupts()).To(Equal(uint64(2)))
			Expect(second.Interrupts()).To(Equal(uint64(1)))
		})

		It("disables the windows on shutdown", func() {
			bus.Shutdown()

			for _, dev := range drv.Devices() {
				master, err := dev.MasterWindow()
				Expect(err).NotTo(HaveOccurred())
				Expect(master.Enabled).To(BeFalse())

				slave, err := dev.SlaveWindow()
				Expect(err).NotTo(HaveOccurred())
				Expect(slave.Enabled).To(BeFalse())
			}

			Expect(bus.UnregisterDriver(drv.Driver())).To(Succeed())
		})
	})

	It("binds only the listed buses", func() {
		addBridge("first")
		second, _ := addBridge("second")

		opts.Buses = []int{second.BusNumber}
		drv := New(registry, opts, testLog)
		Expect(bus.RegisterDriver(context.Background(), drv.Driver(), 1)).To(Succeed())

		Expect(drv.Devices()).To(HaveLen(1))
		Expect(drv.Devices()[0].Bridge()).To(Equal(second))
		Expect(drv.Devices()[0].Name).To(Equal("vme_user.1-0"))

		Expect(bus.UnregisterDriver(drv.Driver())).To(Succeed())
	})

	It("releases what it acquired when binding a device fails", func() {
		// A bridge with a master window but no slave window
		b := vme.NewBridge("masters-only", &vme.MockBridgeOps{Log: testLog}, vme.NewMockParentDevice())
		b.AddMasterResource(vme.NewMasterResource(0, vme.A32, vme.CycleSCT, vme.D32))
		Expect(registry.Register(b)).To(Succeed())

		drv := New(registry, opts, testLog)
		err := bus.RegisterDriver(context.Background(), drv.Driver(), 1)
		Expect(err).To(MatchError(vme.ErrNoMatchingDevice))

		Expect(b.MasterResources()[0].Locked()).To(BeFalse())
		Expect(b.Refs()).To(BeZero())
		Expect(bus.Drivers()).To(BeEmpty())
	})

	It("gives back the slave window when consistent memory is unavailable", func() {
		b := vme.NewBridge("no-parent", &vme.MockBridgeOps{Log: testLog}, nil)
		b.AddMasterResource(vme.NewMasterResource(0, vme.A32, vme.CycleSCT, vme.D32))
		b.AddSlaveResource(vme.NewSlaveResource(0, vme.A24, vme.CycleSCT))
		Expect(registry.Register(b)).To(Succeed())

		drv := New(registry, opts, testLog)
		Expect(bus.RegisterDriver(context.Background(), drv.Driver(), 1)).To(MatchError(vme.ErrNoMatchingDevice))

		Expect(b.MasterResources()[0].Locked()).To(BeFalse())
		Expect(b.SlaveResources()[0].Locked()).To(BeFalse())
		Expect(b.Refs()).To(BeZero())
	})

	It("rejects removing a device it never bound", func() {
		drv := New(registry, opts, testLog)
		Expect(drv.remove(&vme.Device{Name: "stranger"})).To(HaveOccurred())
	})
})
