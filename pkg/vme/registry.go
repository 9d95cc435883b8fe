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
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

// Registry tracks the registered bridges and the bus numbers they hold. The
// bus number bitmap and the bridge list are protected by the same mutex.
type Registry struct {
	mtx        sync.Mutex
	busNumbers uint32
	bridges    []*Bridge
	log        logr.Logger
}

func NewRegistry(log logr.Logger) *Registry {
	return &Registry{log: log.WithName("vme")}
}

// Register makes the bridge available to drivers. The bridge must be ready
// to process requests when Register is called.
func (r *Registry) Register(b *Bridge) error {
	if b == nil || b.Ops == nil {
		return NewError(KindInvalidArgument).WithCause("bridge has no operations")
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, registered := range r.bridges {
		if registered == b {
			return NewError(KindAlreadyInUse).WithCause(fmt.Sprintf("bridge %s already registered", b.Name))
		}
	}

	if b.BusNumber == AnyBusNumber {
		// Try to find a free bus number
		index := 0
		for ; index < MaxBridges; index++ {
			if r.busNumbers&(1<<index) == 0 {
				break
			}
		}
		if index == MaxBridges {
			r.log.Info("No bus numbers left", "bridge", b.Name)
			return NewError(KindNoBusNumbersLeft).WithCause(fmt.Sprintf("all %d bus numbers in use", MaxBridges))
		}
		b.BusNumber = index
	} else {
		if b.BusNumber < 0 || b.BusNumber >= MaxBridges {
			return NewError(KindInvalidArgument).WithCause(fmt.Sprintf("bus number %d out of range", b.BusNumber))
		}

		// Check if the given bus number is already in use
		if r.busNumbers&(1<<b.BusNumber) != 0 {
			r.log.Info("Bus number already in use", "bus", b.BusNumber, "bridge", b.Name)
			return NewError(KindAlreadyInUse).WithCause(fmt.Sprintf("bus number %d already in use", b.BusNumber))
		}
	}

	r.busNumbers |= 1 << b.BusNumber
	r.bridges = append(r.bridges, b)

	b.setLog(r.log.WithValues("bridge", b.Name, "bus", b.BusNumber))
	b.setDying(false)

	metrics.VmeRegisteredBridges.Set(float64(len(r.bridges)))
	b.Log().Info("Bridge registered")
	return nil
}

// Unregister removes the bridge and frees its bus number. References taken
// with Get stay valid; use Bridge.Drain to wait for them.
func (r *Registry) Unregister(b *Bridge) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.unregisterLocked(b)
}

func (r *Registry) unregisterLocked(b *Bridge) {
	for i, registered := range r.bridges {
		if registered != b {
			continue
		}

		b.setDying(true)
		r.busNumbers &^= 1 << b.BusNumber
		r.bridges = append(r.bridges[:i], r.bridges[i+1:]...)

		metrics.VmeRegisteredBridges.Set(float64(len(r.bridges)))
		b.Log().Info("Bridge unregistered")
		return
	}

	r.log.Info("Unregistering unknown bridge", "bridge", b.Name)
}

// Get returns the bridge holding bus number bus with its reference count
// raised. Every successful Get must be paired with a Put.
func (r *Registry) Get(bus int) (*Bridge, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, b := range r.bridges {
		if b.BusNumber == bus {
			if b.tryGet() {
				return b, nil
			}
			break
		}
	}

	return nil, NewError(KindNotFound).WithCause(fmt.Sprintf("no bridge on bus %d", bus))
}

// Put drops a reference taken with Get.
func (r *Registry) Put(b *Bridge) {
	b.put()
}

// Bridges returns the registered bridges in registration order.
func (r *Registry) Bridges() []*Bridge {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return append([]*Bridge{}, r.bridges...)
}

// Clear unregisters every bridge.
func (r *Registry) Clear() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for len(r.bridges) != 0 {
		r.unregisterLocked(r.bridges[len(r.bridges)-1])
	}
}

// pin takes a reference on every registered bridge. The caller must put
// each returned bridge back.
func (r *Registry) pin() []*Bridge {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	pinned := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		if b.tryGet() {
			pinned = append(pinned, b)
		}
	}
	return pinned
}
