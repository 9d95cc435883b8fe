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
)

// Slave is a claimed slave window. It exposes local memory to other VME
// bus masters.
type Slave struct {
	handle
	res *SlaveResource
}

var _ Resource = &Slave{}

func (s *Slave) Kind() ResourceKind { return ResourceSlave }

func (s *Slave) Resource() *SlaveResource { return s.res }

// SlaveRequest claims the first free slave window supporting every requested
// address space and cycle bit.
func (b *Bridge) SlaveRequest(aspace AddressSpace, cycle Cycle) (*Slave, error) {
	for _, image := range b.slaves {
		if image == nil {
			b.Log().Info("Registered nil slave resource")
			continue
		}

		image.mtx.Lock()
		if contains(image.AddressAttr, aspace) &&
			contains(image.CycleAttr, cycle) &&
			!image.locked {

			image.locked = true
			image.mtx.Unlock()

			recordRequest(b, ResourceSlave, true)
			b.Log().V(1).Info("Slave window claimed", "number", image.Number)
			return &Slave{handle: newHandle(b), res: image}, nil
		}
		image.mtx.Unlock()
	}

	recordRequest(b, ResourceSlave, false)
	return nil, NewError(KindResourceExhausted).WithResourceType(ResourceSlave).
		WithCause(fmt.Sprintf("no free slave window for %s/%s", aspace, cycle))
}

// Set programs the slave window.
func (s *Slave) Set(cfg SlaveConfig) error {
	if err := s.check(ResourceSlave); err != nil {
		return err
	}

	image := s.res
	if !(contains(image.AddressAttr, cfg.Aspace) && contains(image.CycleAttr, cfg.Cycle)) {
		return NewError(KindInvalidArgument).WithResourceType(ResourceSlave).
			WithCause(fmt.Sprintf("invalid attributes %s/%s", cfg.Aspace, cfg.Cycle))
	}

	if err := checkWindow(cfg.Aspace, cfg.VMEBase, cfg.Size); err != nil {
		return err
	}

	return backendError("slave_set", s.bridge.Ops.SlaveSet(image, cfg))
}

// Get returns the current configuration of the slave window.
func (s *Slave) Get() (SlaveConfig, error) {
	if err := s.check(ResourceSlave); err != nil {
		return SlaveConfig{}, err
	}

	cfg, err := s.bridge.Ops.SlaveGet(s.res)
	if err != nil {
		return SlaveConfig{}, backendError("slave_get", err)
	}

	return cfg, nil
}

// Free returns the window to the bridge.
func (s *Slave) Free() {
	if !s.release(ResourceSlave) {
		return
	}

	image := s.res
	image.mtx.Lock()
	wasLocked := image.locked
	image.locked = false
	image.mtx.Unlock()

	if !wasLocked {
		reportDoubleFree(s.bridge, ResourceSlave, "image is already free")
		return
	}

	recordFree(s.bridge, ResourceSlave)
}
