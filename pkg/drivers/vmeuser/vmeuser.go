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

// Package vmeuser is a generic VME driver. Each bound device owns one A32
// master window, one A24 slave window backed by consistent memory and one
// interrupt vector, and gives direct access to them.
package vmeuser

import (
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/NearNodeFlash/nnf-vme/pkg/vme"
)

const Name = "vme_user"

// Options places the windows and interrupt vector of each device. Device n
// on a bridge gets the n-th window of each size from the base, and vector
// IrqVector+n.
type Options struct {
	MasterBase uint64
	MasterSize uint64
	SlaveBase  uint64
	SlaveSize  uint64
	IrqLevel   int
	IrqVector  int

	// Buses limits the driver to the listed bus numbers; empty binds all
	Buses []int
}

type Driver struct {
	opts     Options
	registry *vme.Registry
	drv      *vme.Driver
	log      logr.Logger
}

func New(registry *vme.Registry, opts Options, log logr.Logger) *Driver {
	d := &Driver{
		opts:     opts,
		registry: registry,
		log:      log.WithName(Name),
	}

	d.drv = &vme.Driver{
		Name:     Name,
		Match:    d.match,
		Probe:    d.probe,
		Remove:   d.remove,
		Shutdown: d.shutdown,
	}

	return d
}

// Driver returns the driver to hand to vme.Bus.RegisterDriver.
func (d *Driver) Driver() *vme.Driver { return d.drv }

// Devices returns the probed devices ordered by bus and slot.
func (d *Driver) Devices() []*Device {
	devices := []*Device{}
	for _, dev := range d.drv.Devices() {
		if u := DeviceOf(dev); u != nil {
			devices = append(devices, u)
		}
	}
	return devices
}

// DeviceOf returns the vmeuser state of a bound device, or nil.
func DeviceOf(dev *vme.Device) *Device {
	u, _ := dev.Private.(*Device)
	return u
}

func (d *Driver) match(dev *vme.Device) bool {
	if len(d.opts.Buses) == 0 {
		return true
	}

	for _, bus := range d.opts.Buses {
		if bus == dev.ID.Bus {
			return true
		}
	}
	return false
}

func (d *Driver) probe(dev *vme.Device) (err error) {
	// The device keeps its bridge pinned until it is removed
	b, err := d.registry.Get(dev.ID.Bus)
	if err != nil {
		return err
	}

	slot := uint64(dev.ID.Slot)
	u := &Device{
		Name:   dev.Name,
		bridge: b,
		pinned: true,
		level:  d.opts.IrqLevel,
		vector: d.opts.IrqVector + dev.ID.Slot,
		log:    d.log.WithValues("device", dev.Name),
	}

	defer func() {
		if err != nil {
			err = multierr.Append(err, u.release(d.registry))
		}
	}()

	u.master, err = b.MasterRequest(vme.A32, vme.CycleSCT, vme.D32)
	if err != nil {
		return err
	}

	err = u.master.Set(vme.MasterConfig{
		Enabled: true,
		VMEBase: d.opts.MasterBase + slot*d.opts.MasterSize,
		Size:    d.opts.MasterSize,
		Aspace:  vme.A32,
		Cycle:   vme.CycleSCT,
		Width:   vme.D32,
	})
	if err != nil {
		return err
	}

	u.slave, err = b.SlaveRequest(vme.A24, vme.CycleSCT)
	if err != nil {
		return err
	}

	u.slaveBuf, u.slaveBus, err = vme.AllocConsistent(u.slave, int(d.opts.SlaveSize))
	if err != nil {
		return err
	}

	err = u.slave.Set(vme.SlaveConfig{
		Enabled: true,
		VMEBase: d.opts.SlaveBase + slot*d.opts.SlaveSize,
		Size:    d.opts.SlaveSize,
		BufBase: u.slaveBus,
		Aspace:  vme.A24,
		Cycle:   vme.CycleSCT,
	})
	if err != nil {
		return err
	}

	if err = b.IrqRequest(u.level, u.vector, u.interrupt, nil); err != nil {
		return err
	}
	u.irqAttached = true

	dev.Private = u
	u.log.Info("Device probed", "master", d.opts.MasterBase+slot*d.opts.MasterSize, "slave", d.opts.SlaveBase+slot*d.opts.SlaveSize, "level", u.level, "vector", u.vector)
	return nil
}

func (d *Driver) remove(dev *vme.Device) error {
	u := DeviceOf(dev)
	if u == nil {
		return fmt.Errorf("device %s was not probed by %s", dev.Name, Name)
	}

	dev.Private = nil
	u.log.Info("Device removed", "interrupts", u.Interrupts())
	return u.release(d.registry)
}

func (d *Driver) shutdown(dev *vme.Device) {
	u := DeviceOf(dev)
	if u == nil {
		return
	}

	// Stop bus traffic through the windows; resources are released by remove
	if err := u.master.Set(vme.MasterConfig{Aspace: vme.A32, Cycle: vme.CycleSCT, Width: vme.D32}); err != nil {
		u.log.Error(err, "Unable to disable master window")
	}
	if err := u.slave.Set(vme.SlaveConfig{BufBase: u.slaveBus, Aspace: vme.A24, Cycle: vme.CycleSCT}); err != nil {
		u.log.Error(err, "Unable to disable slave window")
	}
}

// Device is the state of one bound vmeuser device.
type Device struct {
	Name string

	bridge      *vme.Bridge
	pinned      bool
	master      *vme.Master
	slave       *vme.Slave
	slaveBuf    []byte
	slaveBus    uint64
	level       int
	vector      int
	irqAttached bool
	interrupts  atomic.Uint64

	log logr.Logger
}

func (u *Device) Bridge() *vme.Bridge { return u.bridge }

// ReadMaster reads VME memory through the master window.
func (u *Device) ReadMaster(buf []byte, offset uint64) (int, error) {
	if u.master == nil {
		return 0, u.removed()
	}
	return u.master.Read(buf, offset)
}

// WriteMaster writes VME memory through the master window.
func (u *Device) WriteMaster(buf []byte, offset uint64) (int, error) {
	if u.master == nil {
		return 0, u.removed()
	}
	return u.master.Write(buf, offset)
}

func (u *Device) MasterWindow() (vme.MasterConfig, error) {
	if u.master == nil {
		return vme.MasterConfig{}, u.removed()
	}
	return u.master.Get()
}

func (u *Device) SlaveWindow() (vme.SlaveConfig, error) {
	if u.slave == nil {
		return vme.SlaveConfig{}, u.removed()
	}
	return u.slave.Get()
}

// SlaveBuffer returns the local memory other bus masters see through the
// slave window, nil once the device is removed.
func (u *Device) SlaveBuffer() []byte { return u.slaveBuf }

// Interrupt returns the level and vector the device listens on.
func (u *Device) Interrupt() (level, vector int) { return u.level, u.vector }

// Interrupts returns the number of interrupts received.
func (u *Device) Interrupts() uint64 { return u.interrupts.Load() }

// GenerateInterrupt raises the device's own interrupt on the bus.
func (u *Device) GenerateInterrupt() error {
	if !u.irqAttached {
		return u.removed()
	}
	return u.bridge.IrqGenerate(u.level, u.vector)
}

func (u *Device) removed() error {
	return vme.NewError(vme.KindInvalidArgument).WithCause(fmt.Sprintf("device %s has been removed", u.Name))
}

func (u *Device) interrupt(level, vector int, _ any) {
	u.interrupts.Inc()
	u.log.V(1).Info("Interrupt", "level", level, "vector", vector)
}

// release gives back everything probe acquired, in reverse order.
func (u *Device) release(registry *vme.Registry) error {
	var errs error

	if u.irqAttached {
		u.bridge.IrqFree(u.level, u.vector)
		u.irqAttached = false
	}

	if u.slave != nil {
		if u.slaveBuf != nil {
			errs = multierr.Append(errs, u.slave.Set(vme.SlaveConfig{Aspace: vme.A24, Cycle: vme.CycleSCT}))
			errs = multierr.Append(errs, vme.FreeConsistent(u.slave, u.slaveBuf, u.slaveBus))
			u.slaveBuf = nil
		}

		u.slave.Free()
		u.slave = nil
	}

	if u.master != nil {
		errs = multierr.Append(errs, u.master.Set(vme.MasterConfig{Aspace: vme.A32, Cycle: vme.CycleSCT, Width: vme.D32}))
		u.master.Free()
		u.master = nil
	}

	if u.pinned {
		registry.Put(u.bridge)
		u.pinned = false
	}

	return errs
}
