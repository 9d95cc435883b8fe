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
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

// DeviceID locates a device: the bus number of its bridge and a slot index
// chosen by the driver's device count.
type DeviceID struct {
	Bus  int
	Slot int
}

// Device is one instance a driver is bound to.
type Device struct {
	ID   DeviceID
	Name string

	// Private is owned by the driver
	Private any

	bridge *Bridge
	driver *Driver
}

func (d *Device) Bridge() *Bridge { return d.bridge }
func (d *Device) Driver() *Driver { return d.driver }

// Driver is a VME peripheral driver. Match is optional; a nil Match binds
// every device. Probe, Remove and Shutdown are optional too.
type Driver struct {
	Name string

	Match    func(dev *Device) bool
	Probe    func(dev *Device) error
	Remove   func(dev *Device) error
	Shutdown func(dev *Device)

	mtx     sync.Mutex
	devices map[DeviceID]*Device
}

// Devices returns the devices bound to the driver ordered by bus and slot.
func (drv *Driver) Devices() []*Device {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()

	devices := make([]*Device, 0, len(drv.devices))
	for _, dev := range drv.devices {
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].ID.Bus != devices[j].ID.Bus {
			return devices[i].ID.Bus < devices[j].ID.Bus
		}
		return devices[i].ID.Slot < devices[j].ID.Slot
	})

	return devices
}

// Device returns the bound device with the given ID.
func (drv *Driver) Device(id DeviceID) (*Device, bool) {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()

	dev, ok := drv.devices[id]
	return dev, ok
}

// Bus binds drivers to devices synthesized on the bridges of a registry.
type Bus struct {
	registry *Registry

	mtx     sync.Mutex
	drivers map[string]*Driver

	log logr.Logger
}

func NewBus(registry *Registry, log logr.Logger) *Bus {
	return &Bus{
		registry: registry,
		drivers:  map[string]*Driver{},
		log:      log.WithName("bus"),
	}
}

// Registry returns the bridge registry the bus scans.
func (bus *Bus) Registry() *Registry { return bus.registry }

// RegisterDriver binds drv to count devices on every registered bridge. Each
// device the driver matches is probed. Registration fails with
// KindNoMatchingDevice, leaving nothing behind, if no device is bound.
func (bus *Bus) RegisterDriver(ctx context.Context, drv *Driver, count int) error {
	if drv == nil || len(drv.Name) == 0 {
		return NewError(KindInvalidArgument).WithCause("driver has no name")
	}
	if count < 0 || count > SlotsMax {
		return NewError(KindInvalidArgument).WithCause(fmt.Sprintf("device count %d out of range", count))
	}

	bus.mtx.Lock()
	defer bus.mtx.Unlock()

	if _, exists := bus.drivers[drv.Name]; exists {
		return NewError(KindAlreadyInUse).WithCause(fmt.Sprintf("driver %s already registered", drv.Name))
	}

	log := bus.log.WithValues("driver", drv.Name)

	drv.mtx.Lock()
	drv.devices = map[DeviceID]*Device{}
	drv.mtx.Unlock()

	// Hold a reference on every bridge for the duration of the scan so none
	// of them can be torn down underneath the probe
	bridges := bus.registry.pin()
	defer func() {
		for _, b := range bridges {
			b.put()
		}
	}()

	for _, b := range bridges {
		if err := ctx.Err(); err != nil {
			bus.rollback(drv, log)
			return NewError(KindBusy).WithCause("driver registration cancelled").WithError(err)
		}

		for slot := 0; slot < count; slot++ {
			dev := &Device{
				ID:     DeviceID{Bus: b.BusNumber, Slot: slot},
				Name:   fmt.Sprintf("%s.%d-%d", drv.Name, b.BusNumber, slot),
				bridge: b,
				driver: drv,
			}

			if drv.Match != nil && !drv.Match(dev) {
				log.V(1).Info("Device not matched", "device", dev.Name)
				continue
			}

			if drv.Probe != nil {
				if err := drv.Probe(dev); err != nil {
					log.Error(err, "Device probe failed", "device", dev.Name)
					continue
				}
			}

			drv.mtx.Lock()
			drv.devices[dev.ID] = dev
			drv.mtx.Unlock()

			log.Info("Device bound", "device", dev.Name)
		}
	}

	bound := len(drv.Devices())
	if bound == 0 {
		log.Info("No matching devices")
		bus.rollback(drv, log)
		return NewError(KindNoMatchingDevice).WithCause(fmt.Sprintf("driver %s matched no devices", drv.Name))
	}

	bus.drivers[drv.Name] = drv
	metrics.VmeBoundDevices.WithLabelValues(drv.Name).Set(float64(bound))
	log.Info("Driver registered", "devices", bound)
	return nil
}

// rollback removes every device already bound during a failed registration.
func (bus *Bus) rollback(drv *Driver, log logr.Logger) {
	if err := bus.removeDevices(drv); err != nil {
		log.Error(err, "Unable to roll back driver registration")
	}
}

// UnregisterDriver calls Remove on every device of the driver and drops the
// driver. Remove errors are collected and returned; the driver is dropped
// regardless.
func (bus *Bus) UnregisterDriver(drv *Driver) error {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()

	if registered, exists := bus.drivers[drv.Name]; !exists || registered != drv {
		return NewError(KindNotFound).WithCause(fmt.Sprintf("driver %s not registered", drv.Name))
	}

	err := bus.removeDevices(drv)

	delete(bus.drivers, drv.Name)
	metrics.VmeBoundDevices.DeleteLabelValues(drv.Name)
	bus.log.Info("Driver unregistered", "driver", drv.Name)

	return err
}

func (bus *Bus) removeDevices(drv *Driver) error {
	var errs error
	for _, dev := range drv.Devices() {
		if drv.Remove != nil {
			if err := drv.Remove(dev); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", dev.Name, err))
			}
		}

		drv.mtx.Lock()
		delete(drv.devices, dev.ID)
		drv.mtx.Unlock()
	}

	return errs
}

// Drivers returns the registered drivers sorted by name.
func (bus *Bus) Drivers() []*Driver {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()

	drivers := make([]*Driver, 0, len(bus.drivers))
	for _, drv := range bus.drivers {
		drivers = append(drivers, drv)
	}
	sort.Slice(drivers, func(i, j int) bool { return drivers[i].Name < drivers[j].Name })

	return drivers
}

// Shutdown calls the Shutdown hook of every driver for each of its devices.
func (bus *Bus) Shutdown() {
	for _, drv := range bus.Drivers() {
		if drv.Shutdown == nil {
			continue
		}

		for _, dev := range drv.Devices() {
			drv.Shutdown(dev)
		}
	}
}
